package circuitbreaker

import (
	"context"
	"errors"

	lzmux "github.com/eugener/lzmux/internal"
)

// Classify returns the breaker weight of a job's terminal error.
//
// Weights:
//   - worker exited -> 2.0
//   - timeout -> 1.5
//   - worker fault, no result, table full -> 1.0
//   - cancelled, bad request, closed dispatcher -> 0.0 (not the worker's fault)
//   - nil -> 0.0
//   - anything else -> 1.0
func Classify(err error) float64 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, lzmux.ErrWorkerExited):
		return 2.0
	case errors.Is(err, lzmux.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return 1.5
	case errors.Is(err, lzmux.ErrCancelled), errors.Is(err, context.Canceled),
		errors.Is(err, lzmux.ErrBadRequest), errors.Is(err, lzmux.ErrClosed),
		errors.Is(err, lzmux.ErrUnavailable):
		return 0
	default:
		return 1.0
	}
}
