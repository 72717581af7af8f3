package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/couchcryptid/s5p-animator/internal/domain"
)

// outcome is the settled state of one date.
type outcome struct {
	date    time.Time
	frame   domain.RenderedFrame
	skipped bool
	err     error
}

// dispatch feeds dates to the worker pool and waits for every dispatched
// date to settle. Outcomes are indexed like days. Cancelling ctx stops
// dispatch; dates already in flight run to completion or observe ctx.
func (p *Pipeline) dispatch(ctx context.Context, r *run, days []time.Time) []outcome {
	outcomes := make([]outcome, len(days))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for range min(p.opts.Workers, len(days)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = p.processDate(ctx, r, days[i])
			}
		}()
	}

dispatch:
	for i := range days {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- i:
			p.metrics.DatesTotal.Inc()
		}
	}
	close(jobs)
	wg.Wait()
	return outcomes
}

// processDate runs fetch, decode, composite and render for one date. Every
// failure is isolated to the date.
func (p *Pipeline) processDate(ctx context.Context, r *run, date time.Time) outcome {
	day := domain.FormatDate(date)
	logger := r.logger.With("date", day)

	frame, ok, err := p.renderDate(ctx, r, date)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return outcome{date: date, skipped: true, err: err}
	}
	if err == nil && ok {
		p.metrics.FramesRendered.Inc()
		p.recordOutcome(true)
		logger.Info("frame rendered", "path", frame.Path)

		event := domain.NewRunEvent(domain.EventFrameRendered, r.req.Pollutant)
		event.Date = day
		event.Path = frame.Path
		p.publish(ctx, logger, event)
		return outcome{date: date, frame: frame}
	}

	reason := domain.SkipReason(err)
	p.metrics.DatesSkipped.WithLabelValues(reason).Inc()
	p.recordOutcome(false)
	if err != nil {
		logger.Warn("skipping date", "reason", reason, "error", err)
	} else {
		logger.Warn("skipping date", "reason", reason)
	}

	event := domain.NewRunEvent(domain.EventDateSkipped, r.req.Pollutant)
	event.Date = day
	event.Reason = reason
	if err != nil {
		event.Error = err.Error()
	}
	p.publish(ctx, logger, event)
	return outcome{date: date, skipped: true, err: err}
}

// renderDate returns ok=false with a nil error when the provider delivered no
// swath for the date.
func (p *Pipeline) renderDate(ctx context.Context, r *run, date time.Time) (domain.RenderedFrame, bool, error) {
	pollutant := r.req.Pollutant
	req := domain.FetchRequest{
		Collection: pollutant.Collection,
		Band:       pollutant.Band,
		Date:       date,
		Region:     domain.GlobalRegion(),
		Path:       filepath.Join(r.tmpDir, domain.FormatDate(date)+".nc"),
	}
	if err := p.fetchWithRetry(ctx, r, req); err != nil {
		return domain.RenderedFrame{}, false, err
	}
	defer os.Remove(req.Path) //nolint:errcheck // scratch dir is removed at the end of the run

	swaths, err := p.decoder.Decode(req.Path, pollutant.Band)
	if err != nil {
		return domain.RenderedFrame{}, false, err
	}
	for _, s := range swaths {
		if s.DayIndex == nil {
			p.metrics.SwathsRejected.Inc()
		}
	}

	composite, ok, err := domain.BuildComposite(date, swaths, req.Region, r.logger)
	if err != nil || !ok {
		return domain.RenderedFrame{}, false, err
	}

	frame, err := r.renderer.WriteFrame(composite, r.req.OutputDir)
	if err != nil {
		return domain.RenderedFrame{}, false, fmt.Errorf("render %s: %w", domain.FormatDate(date), err)
	}
	return frame, true, nil
}
