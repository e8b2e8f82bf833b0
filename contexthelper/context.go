package contexthelper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// CheckCancellation checks if the context is cancelled.
// If the context is cancelled, it returns ErrContextCancelled.
func CheckCancellation(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// RetryWithBackoff runs fn up to attempts times, doubling the wait between
// tries. It stops early when ctx is done. Only use it for idempotent calls.
func RetryWithBackoff(ctx context.Context, logger *logrus.Logger, operation string, attempts int, initial time.Duration, fn func(ctx context.Context) error) error {
	var lastErr error
	backoff := initial

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			logger.WithFields(logrus.Fields{
				"attempt":   attempt,
				"backoff":   backoff.String(),
				"operation": operation,
			}).Debug("Retrying")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		logger.WithFields(logrus.Fields{
			"attempt":   attempt,
			"error":     err.Error(),
			"operation": operation,
		}).Warn("Call failed")
	}
	return lastErr
}
