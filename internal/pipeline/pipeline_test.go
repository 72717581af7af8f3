package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"image/gif"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/s5p-animator/internal/domain"
	"github.com/couchcryptid/s5p-animator/internal/observability"
	"github.com/couchcryptid/s5p-animator/internal/pipeline"
)

// --- mocks ---

// mockFetcher writes the requested date into req.Path. errs queues the
// failures returned for a date before it succeeds.
type mockFetcher struct {
	mu       sync.Mutex
	errs     map[string][]error
	always   map[string]error
	attempts map[string]int
	paths    []string
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{
		errs:     map[string][]error{},
		always:   map[string]error{},
		attempts: map[string]int{},
	}
}

func (m *mockFetcher) FetchDailyRaster(ctx context.Context, req domain.FetchRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	day := domain.FormatDate(req.Date)

	m.mu.Lock()
	m.attempts[day]++
	m.paths = append(m.paths, req.Path)
	if err, ok := m.always[day]; ok {
		m.mu.Unlock()
		return err
	}
	if queued := m.errs[day]; len(queued) > 0 {
		m.errs[day] = queued[1:]
		m.mu.Unlock()
		return queued[0]
	}
	m.mu.Unlock()

	return os.WriteFile(req.Path, []byte(day), 0o600)
}

func (m *mockFetcher) attemptsFor(day string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[day]
}

// mockDecoder returns the swaths registered for the date stored in the file.
type mockDecoder struct {
	swaths map[string][]domain.SwathRecord
	errs   map[string]error
}

func (m *mockDecoder) Decode(path, _ string) ([]domain.SwathRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDecode, err)
	}
	day := string(raw)
	if err := m.errs[day]; err != nil {
		return nil, err
	}
	return m.swaths[day], nil
}

type mockPublisher struct {
	mu     sync.Mutex
	events []domain.RunEvent
	err    error
}

func (m *mockPublisher) Publish(_ context.Context, events ...domain.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return m.err
}

func (m *mockPublisher) countByType() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for _, e := range m.events {
		out[e.Type]++
	}
	return out
}

// --- helpers ---

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func date(day int) time.Time {
	return time.Date(2020, time.January, day, 0, 0, 0, 0, time.UTC)
}

func swath(t time.Time, v float64) domain.SwathRecord {
	idx := domain.DayIndex(t)
	g := domain.NewGrid(4, 2)
	for i := range g.Values {
		g.Values[i] = v
	}
	return domain.SwathRecord{DayIndex: &idx, Grid: g}
}

func swathsFor(days ...int) map[string][]domain.SwathRecord {
	out := map[string][]domain.SwathRecord{}
	for _, d := range days {
		out[domain.FormatDate(date(d))] = []domain.SwathRecord{
			swath(date(d), 0.0002),
			swath(date(d), 0.0006),
		}
	}
	return out
}

func testOptions() pipeline.Options {
	return pipeline.Options{
		Workers:         2,
		FetchRetries:    3,
		FetchBackoff:    time.Millisecond,
		FetchMaxBackoff: 4 * time.Millisecond,
		FetchTimeout:    time.Second,
	}
}

func runRequest(t *testing.T, start, end int) domain.RunRequest {
	return domain.RunRequest{
		Pollutant: domain.SO2,
		Start:     date(start),
		End:       date(end),
		OutputDir: filepath.Join(t.TempDir(), "frames"),
		Width:     36,
		Height:    18,
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func decodeGIF(t *testing.T, path string) *gif.GIF {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	anim, err := gif.DecodeAll(f)
	require.NoError(t, err)
	return anim
}

func frameDates(frames []domain.RenderedFrame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = domain.FormatDate(f.Date)
	}
	return out
}

// --- tests ---

func TestPipeline_Run_ThreeDays(t *testing.T) {
	fetcher := newMockFetcher()
	decoder := &mockDecoder{swaths: swathsFor(1, 2, 3)}
	publisher := &mockPublisher{}
	metrics := observability.NewMetricsForTesting()
	p := pipeline.New(fetcher, decoder, publisher, testOptions(), discard, metrics)

	req := runRequest(t, 1, 3)
	require.NoError(t, os.MkdirAll(req.OutputDir, 0o755))
	// A stale frame outside the range must not end up in the animation.
	require.NoError(t, os.WriteFile(filepath.Join(req.OutputDir, "2019-12-31.png"), []byte("stale"), 0o600))

	res, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	want := []string{"2020-01-01", "2020-01-02", "2020-01-03"}
	if diff := cmp.Diff(want, frameDates(res.Rendered)); diff != "" {
		t.Errorf("rendered dates mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, res.Skipped)
	for _, f := range res.Rendered {
		assert.FileExists(t, f.Path)
		assert.Equal(t, 36, f.Width)
		assert.Equal(t, 18, f.Height)
	}

	assert.Equal(t, filepath.Join(req.OutputDir, "2020-01-01_2020-01-03.gif"), res.Animation.Path)
	assert.Equal(t, "2020-01-01_2020-01-03", res.Animation.Name)
	assert.Equal(t, want, frameDates(res.Animation.Frames))

	anim := decodeGIF(t, res.Animation.Path)
	assert.Len(t, anim.Image, 3)
	assert.Equal(t, []int{20, 20, 20}, anim.Delay)
	assert.Equal(t, 0, anim.LoopCount)
	assert.Equal(t, 36, anim.Config.Width)
	assert.Equal(t, 18, anim.Config.Height)

	assert.InDelta(t, 3.0, counterValue(t, metrics.DatesTotal), 0)
	assert.InDelta(t, 3.0, counterValue(t, metrics.FramesRendered), 0)
	assert.Equal(t, map[string]int{
		domain.EventFrameRendered:    3,
		domain.EventAnimationCreated: 1,
	}, publisher.countByType())

	for _, path := range fetcher.paths {
		assert.NoDirExists(t, filepath.Dir(path), "scratch dir removed")
	}
}

func TestPipeline_Run_RerunIgnoresEarlierFrames(t *testing.T) {
	req := runRequest(t, 1, 3)

	first := pipeline.New(newMockFetcher(), &mockDecoder{swaths: swathsFor(1, 2, 3)}, nil, testOptions(), discard, observability.NewMetricsForTesting())
	_, err := first.Run(context.Background(), req)
	require.NoError(t, err)

	// Same directory, larger frames, and no data for the middle day.
	fetcher := newMockFetcher()
	fetcher.always["2020-01-02"] = fmt.Errorf("%w: %w", domain.ErrFetch, domain.ErrNoData)
	second := pipeline.New(fetcher, &mockDecoder{swaths: swathsFor(1, 2, 3)}, nil, testOptions(), discard, observability.NewMetricsForTesting())
	req.Width, req.Height = 72, 36
	res, err := second.Run(context.Background(), req)
	require.NoError(t, err)

	want := []string{"2020-01-01", "2020-01-03"}
	assert.Equal(t, want, frameDates(res.Animation.Frames))
	assert.Equal(t, "2020-01-01_2020-01-03", res.Animation.Name)

	anim := decodeGIF(t, res.Animation.Path)
	assert.Len(t, anim.Image, 2)
	assert.Equal(t, 72, anim.Config.Width)
	assert.Equal(t, 36, anim.Config.Height)
}

func TestPipeline_Run_GapsAreSkipped(t *testing.T) {
	fakeClock := clockwork.NewFakeClockAt(time.Date(2024, time.April, 26, 15, 10, 0, 0, time.UTC))
	domain.SetClock(fakeClock)
	t.Cleanup(func() { domain.SetClock(nil) })

	fetcher := newMockFetcher()
	fetcher.always["2020-01-02"] = fmt.Errorf("%w: %w: status 404", domain.ErrFetch, domain.ErrNoData)
	decoder := &mockDecoder{
		swaths: swathsFor(1, 3, 5),
		errs:   map[string]error{"2020-01-05": fmt.Errorf("%w: truncated file", domain.ErrDecode)},
	}
	// 2020-01-04 only holds swaths of another day: the date is absent.
	decoder.swaths["2020-01-04"] = []domain.SwathRecord{swath(date(9), 0.0004)}
	publisher := &mockPublisher{}
	metrics := observability.NewMetricsForTesting()
	p := pipeline.New(fetcher, decoder, publisher, testOptions(), discard, metrics)

	res, err := p.Run(context.Background(), runRequest(t, 1, 5))
	require.NoError(t, err)

	assert.Equal(t, []string{"2020-01-01", "2020-01-03"}, frameDates(res.Rendered))
	require.Len(t, res.Skipped, 3)
	assert.Equal(t, date(2), res.Skipped[0].Date)
	assert.Equal(t, "no_data", res.Skipped[0].Reason)
	assert.Equal(t, date(4), res.Skipped[1].Date)
	assert.Equal(t, "absent", res.Skipped[1].Reason)
	require.NoError(t, res.Skipped[1].Err)
	assert.Equal(t, "decode", res.Skipped[2].Reason)
	assert.ErrorIs(t, res.Skipped[2].Err, domain.ErrDecode)

	assert.Equal(t, 1, fetcher.attemptsFor("2020-01-02"), "no-data is not retried")

	anim := decodeGIF(t, res.Animation.Path)
	assert.Len(t, anim.Image, 2)
	assert.Equal(t, "2020-01-01_2020-01-05", res.Animation.Name)

	assert.InDelta(t, 1.0, counterValue(t, metrics.DatesSkipped.WithLabelValues("no_data")), 0)
	assert.InDelta(t, 1.0, counterValue(t, metrics.DatesSkipped.WithLabelValues("absent")), 0)
	assert.InDelta(t, 1.0, counterValue(t, metrics.DatesSkipped.WithLabelValues("decode")), 0)

	assert.Equal(t, map[string]int{
		domain.EventFrameRendered:    2,
		domain.EventDateSkipped:      3,
		domain.EventAnimationCreated: 1,
	}, publisher.countByType())
	for _, e := range publisher.events {
		assert.Equal(t, "SO2", e.Pollutant)
		assert.Equal(t, fakeClock.Now(), e.EmittedAt)
		if e.Type == domain.EventDateSkipped && e.Date == "2020-01-02" {
			assert.Equal(t, "no_data", e.Reason)
			assert.Contains(t, e.Error, "404")
		}
	}

	assert.Equal(t, domain.RunProgress{Pollutant: "SO2", Total: 5, Rendered: 2, Skipped: 3, Done: true}, p.Progress())
}

func TestPipeline_Run_RejectsSwathsWithoutDayIndex(t *testing.T) {
	decoder := &mockDecoder{swaths: swathsFor(1)}
	decoder.swaths["2020-01-01"] = append(decoder.swaths["2020-01-01"], domain.SwathRecord{Grid: domain.NewGrid(4, 2)})
	metrics := observability.NewMetricsForTesting()
	p := pipeline.New(newMockFetcher(), decoder, nil, testOptions(), discard, metrics)

	res, err := p.Run(context.Background(), runRequest(t, 1, 1))
	require.NoError(t, err)
	assert.Len(t, res.Rendered, 1)
	assert.InDelta(t, 1.0, counterValue(t, metrics.SwathsRejected), 0)
}

func TestPipeline_Run_RetriesTransientFetchErrors(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.errs["2020-01-01"] = []error{
		fmt.Errorf("%w: status 503", domain.ErrFetch),
		fmt.Errorf("%w: connection reset", domain.ErrFetch),
	}
	p := pipeline.New(fetcher, &mockDecoder{swaths: swathsFor(1)}, nil, testOptions(), discard, observability.NewMetricsForTesting())

	res, err := p.Run(context.Background(), runRequest(t, 1, 1))
	require.NoError(t, err)
	assert.Len(t, res.Rendered, 1)
	assert.Equal(t, 3, fetcher.attemptsFor("2020-01-01"))
}

func TestPipeline_Run_RetriesExhausted(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.always["2020-01-02"] = fmt.Errorf("%w: status 500", domain.ErrFetch)
	opts := testOptions()
	opts.FetchRetries = 2
	p := pipeline.New(fetcher, &mockDecoder{swaths: swathsFor(1, 2)}, nil, opts, discard, observability.NewMetricsForTesting())

	res, err := p.Run(context.Background(), runRequest(t, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, 3, fetcher.attemptsFor("2020-01-02"), "one attempt plus two retries")
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "fetch", res.Skipped[0].Reason)
	assert.Len(t, res.Animation.Frames, 1)
}

func TestPipeline_Run_UnauthorizedNotRetried(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.always["2020-01-01"] = fmt.Errorf("status 401: %w", domain.ErrUnauthorized)
	p := pipeline.New(fetcher, &mockDecoder{swaths: swathsFor(1, 2)}, nil, testOptions(), discard, observability.NewMetricsForTesting())

	res, err := p.Run(context.Background(), runRequest(t, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.attemptsFor("2020-01-01"))
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "unauthorized", res.Skipped[0].Reason)
}

func TestPipeline_Run_NoFramesIsAssemblyError(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.always["2020-01-01"] = fmt.Errorf("%w: %w", domain.ErrFetch, domain.ErrNoData)
	fetcher.always["2020-01-02"] = fmt.Errorf("%w: %w", domain.ErrFetch, domain.ErrNoData)
	p := pipeline.New(fetcher, &mockDecoder{}, nil, testOptions(), discard, observability.NewMetricsForTesting())

	req := runRequest(t, 1, 2)
	res, err := p.Run(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAssembly)
	assert.Len(t, res.Skipped, 2)
	assert.NoFileExists(t, filepath.Join(req.OutputDir, "2020-01-01_2020-01-02.gif"))
}

func TestPipeline_Run_PublisherFailureIsNotFatal(t *testing.T) {
	publisher := &mockPublisher{err: errors.New("broker down")}
	p := pipeline.New(newMockFetcher(), &mockDecoder{swaths: swathsFor(1)}, publisher, testOptions(), discard, observability.NewMetricsForTesting())

	res, err := p.Run(context.Background(), runRequest(t, 1, 1))
	require.NoError(t, err)
	assert.Len(t, res.Rendered, 1)
	assert.Len(t, publisher.events, 2)
}

func TestPipeline_Run_InvalidSize(t *testing.T) {
	p := pipeline.New(newMockFetcher(), &mockDecoder{}, nil, testOptions(), discard, observability.NewMetricsForTesting())

	req := runRequest(t, 1, 1)
	req.Width = 0
	_, err := p.Run(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestPipeline_Run_ContextCancellation(t *testing.T) {
	fetcher := newMockFetcher()
	p := pipeline.New(fetcher, &mockDecoder{swaths: swathsFor(1, 2, 3)}, nil, testOptions(), discard, observability.NewMetricsForTesting())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := runRequest(t, 1, 3)
	_, err := p.Run(ctx, req)
	require.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, filepath.Join(req.OutputDir, "2020-01-01_2020-01-03.gif"))
}

func TestPipeline_Readiness(t *testing.T) {
	p := pipeline.New(newMockFetcher(), &mockDecoder{swaths: swathsFor(1)}, nil, testOptions(), discard, observability.NewMetricsForTesting())
	require.Error(t, p.CheckReadiness(context.Background()))

	_, err := p.Run(context.Background(), runRequest(t, 1, 1))
	require.NoError(t, err)
	require.NoError(t, p.CheckReadiness(context.Background()))
	assert.True(t, p.Progress().Done)
}

func pngSize(t *testing.T, path string) (int, int) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func TestPipeline_EndToEnd_FullSize(t *testing.T) {
	tests := []struct {
		name       string
		noData     []string
		wantFrames []string
	}{
		{"all dates", nil, []string{"2020-01-01", "2020-01-02", "2020-01-03"}},
		{"gap on 2020-01-02", []string{"2020-01-02"}, []string{"2020-01-01", "2020-01-03"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := newMockFetcher()
			for _, day := range tt.noData {
				fetcher.always[day] = fmt.Errorf("%w: %w", domain.ErrFetch, domain.ErrNoData)
			}
			p := pipeline.New(fetcher, &mockDecoder{swaths: swathsFor(1, 2, 3)}, nil, testOptions(), discard, observability.NewMetricsForTesting())

			req := runRequest(t, 1, 3)
			req.Width, req.Height = 360, 180
			res, err := p.Run(context.Background(), req)
			require.NoError(t, err)

			entries, err := os.ReadDir(req.OutputDir)
			require.NoError(t, err)
			var pngs []string
			for _, e := range entries {
				if filepath.Ext(e.Name()) == ".png" {
					pngs = append(pngs, e.Name())
				}
			}
			want := make([]string, len(tt.wantFrames))
			for i, d := range tt.wantFrames {
				want[i] = d + ".png"
				w, h := pngSize(t, filepath.Join(req.OutputDir, want[i]))
				assert.Equal(t, 360, w)
				assert.Equal(t, 180, h)
			}
			assert.ElementsMatch(t, want, pngs)

			assert.Equal(t, "2020-01-01_2020-01-03", res.Animation.Name)
			assert.Equal(t, tt.wantFrames, frameDates(res.Animation.Frames))
			anim := decodeGIF(t, res.Animation.Path)
			assert.Len(t, anim.Image, len(tt.wantFrames))
			assert.Equal(t, 0, anim.LoopCount)
			for _, d := range anim.Delay {
				assert.Equal(t, 20, d)
			}
		})
	}
}
