// Package pipeline runs one animation job: fetch and composite every date of
// the range on a bounded worker pool, render a frame per composite, then
// assemble the frames into a looping GIF.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/s5p-animator/internal/animation"
	"github.com/couchcryptid/s5p-animator/internal/domain"
	"github.com/couchcryptid/s5p-animator/internal/observability"
	"github.com/couchcryptid/s5p-animator/internal/render"
)

// Fetcher downloads the swaths of one date to req.Path.
type Fetcher interface {
	FetchDailyRaster(ctx context.Context, req domain.FetchRequest) error
}

// Decoder reads the swath records of band from a downloaded file.
type Decoder interface {
	Decode(path, band string) ([]domain.SwathRecord, error)
}

// EventPublisher forwards run events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, events ...domain.RunEvent) error
}

// Options tunes concurrency and fetch retries.
type Options struct {
	Workers         int
	FetchRetries    int
	FetchBackoff    time.Duration
	FetchMaxBackoff time.Duration
	FetchTimeout    time.Duration // per attempt; zero disables
}

// SkippedDate records a date that produced no frame.
type SkippedDate struct {
	Date   time.Time
	Reason string
	Err    error // nil when the date was simply absent
}

// Result summarises a run.
type Result struct {
	Rendered  []domain.RenderedFrame
	Skipped   []SkippedDate
	Animation domain.Animation
}

// Pipeline orchestrates fetch, composite, render and assembly for one run.
type Pipeline struct {
	fetcher   Fetcher
	decoder   Decoder
	publisher EventPublisher
	opts      Options
	logger    *slog.Logger
	metrics   *observability.Metrics

	started  atomic.Bool
	mu       sync.Mutex
	progress domain.RunProgress
}

// New creates a Pipeline. publisher may be nil to disable run events.
func New(f Fetcher, d Decoder, publisher EventPublisher, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.FetchMaxBackoff < opts.FetchBackoff {
		opts.FetchMaxBackoff = opts.FetchBackoff
	}
	return &Pipeline{
		fetcher:   f,
		decoder:   d,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
	}
}

// CheckReadiness returns nil once a run has started.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.started.Load() {
		return errors.New("no run started yet")
	}
	return nil
}

// Progress returns a snapshot of the current run.
func (p *Pipeline) Progress() domain.RunProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// run carries the per-run state shared by the workers.
type run struct {
	req      domain.RunRequest
	renderer *render.Renderer
	tmpDir   string
	logger   *slog.Logger
}

// Run processes every date of req and writes OutputDir/<start>_<end>.gif.
// Per-date failures are logged and skipped; the run fails only on invalid
// parameters, when no frame could be assembled, or when ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, req domain.RunRequest) (Result, error) {
	started := time.Now()
	logger := p.logger.With("pollutant", req.Pollutant.Name)

	renderer, err := render.New(req.Pollutant, req.Width, req.Height)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output dir: %w", err)
	}
	tmpDir, err := os.MkdirTemp("", "s5p-"+strings.ToLower(req.Pollutant.Name)+"-*")
	if err != nil {
		return Result{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			logger.Warn("remove scratch dir failed", "dir", tmpDir, "error", err)
		}
	}()

	days := domain.Days(req.Start, req.End)
	p.begin(req, len(days))
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)
	defer p.finish()

	logger.Info("run started",
		"start", domain.FormatDate(req.Start),
		"end", domain.FormatDate(req.End),
		"dates", len(days),
		"workers", p.opts.Workers,
	)

	r := &run{req: req, renderer: renderer, tmpDir: tmpDir, logger: logger}
	outcomes := p.dispatch(ctx, r, days)
	if err := ctx.Err(); err != nil {
		logger.Info("run cancelled", "reason", err)
		return Result{}, err
	}

	var res Result
	for _, o := range outcomes {
		if o.skipped {
			res.Skipped = append(res.Skipped, SkippedDate{Date: o.date, Reason: domain.SkipReason(o.err), Err: o.err})
			continue
		}
		res.Rendered = append(res.Rendered, o.frame)
	}

	// Only frames rendered by this run are animated, in date order.
	assembler := animation.NewAssembler(renderer.Palette(), logger)
	anim, err := assembler.Assemble(res.Rendered, filepath.Join(req.OutputDir, domain.AnimationFileName(req.Start, req.End)))
	if err != nil {
		return res, err
	}
	res.Animation = anim

	event := domain.NewRunEvent(domain.EventAnimationCreated, req.Pollutant)
	event.Path = anim.Path
	event.Frames = len(anim.Frames)
	p.publish(ctx, logger, event)

	p.metrics.RunDuration.Observe(time.Since(started).Seconds())
	logger.Info("run complete",
		"animation", anim.Path,
		"frames", len(anim.Frames),
		"rendered", len(res.Rendered),
		"skipped", len(res.Skipped),
		"duration", time.Since(started),
	)
	return res, nil
}

func (p *Pipeline) begin(req domain.RunRequest, total int) {
	p.mu.Lock()
	p.progress = domain.RunProgress{Pollutant: req.Pollutant.Name, Total: total}
	p.mu.Unlock()
	p.started.Store(true)
}

func (p *Pipeline) finish() {
	p.mu.Lock()
	p.progress.Done = true
	p.mu.Unlock()
}

func (p *Pipeline) recordOutcome(rendered bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rendered {
		p.progress.Rendered++
	} else {
		p.progress.Skipped++
	}
}

// publish sends events best-effort; a broker outage never fails the run.
func (p *Pipeline) publish(ctx context.Context, logger *slog.Logger, events ...domain.RunEvent) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, events...); err != nil {
		logger.Warn("publish run events failed", "error", err, "count", len(events))
	}
}
