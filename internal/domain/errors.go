package domain

import "errors"

// Fatal errors abort the run; everything else is isolated to a single date.
var (
	// ErrConfiguration marks missing or invalid run parameters.
	ErrConfiguration = errors.New("configuration error")

	// ErrAssembly is returned when no frames are available to animate.
	ErrAssembly = errors.New("assembly error")
)

// Per-date errors. The pipeline logs them, skips the date and carries on.
var (
	// ErrFetch is a transient provider or network failure and is retried.
	ErrFetch = errors.New("fetch error")

	// ErrNoData means the provider holds no swaths for the requested date.
	ErrNoData = errors.New("no data for date")

	// ErrUnauthorized means the provider rejected the session or token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDecode marks a corrupt or unreadable intermediate raster.
	ErrDecode = errors.New("decode error")
)

// Retryable reports whether a fetch failure is worth another attempt.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrNoData) || errors.Is(err, ErrUnauthorized) {
		return false
	}
	return errors.Is(err, ErrFetch)
}

// SkipReason buckets a per-date failure into a short label for logs and metrics.
func SkipReason(err error) string {
	switch {
	case err == nil:
		return "absent"
	case errors.Is(err, ErrNoData):
		return "no_data"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrFetch):
		return "fetch"
	case errors.Is(err, ErrDecode):
		return "decode"
	default:
		return "render"
	}
}
