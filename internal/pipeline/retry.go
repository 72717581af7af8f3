package pipeline

import (
	"context"

	"github.com/couchcryptid/storm-data-shared/retry"

	"github.com/couchcryptid/s5p-animator/internal/domain"
)

// fetchWithRetry retries transient fetch failures with exponential backoff.
// ErrNoData and ErrUnauthorized are returned at once.
func (p *Pipeline) fetchWithRetry(ctx context.Context, r *run, req domain.FetchRequest) error {
	backoff := p.opts.FetchBackoff
	for attempt := 1; ; attempt++ {
		err := p.fetchOnce(ctx, req)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !domain.Retryable(err) || attempt > p.opts.FetchRetries {
			return err
		}

		r.logger.Warn("fetch failed, retrying",
			"date", domain.FormatDate(req.Date),
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if !retry.SleepWithContext(ctx, backoff) {
			return ctx.Err()
		}
		backoff = retry.NextBackoff(backoff, p.opts.FetchMaxBackoff)
	}
}

func (p *Pipeline) fetchOnce(ctx context.Context, req domain.FetchRequest) error {
	if p.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.FetchTimeout)
		defer cancel()
	}
	return p.fetcher.FetchDailyRaster(ctx, req)
}
