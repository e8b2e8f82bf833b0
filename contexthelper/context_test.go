package contexthelper

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestRetryWithBackoff(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	t.Run("Succeeds after failures", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(context.Background(), logger, "op", 3, time.Millisecond, func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("boom")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("Returns last error", func(t *testing.T) {
		calls := 0
		err := RetryWithBackoff(context.Background(), logger, "op", 2, time.Millisecond, func(ctx context.Context) error {
			calls++
			return errors.New("still broken")
		})
		assert.EqualError(t, err, "still broken")
		assert.Equal(t, 2, calls)
	})

	t.Run("Stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := RetryWithBackoff(ctx, logger, "op", 5, time.Hour, func(ctx context.Context) error {
			calls++
			cancel()
			return errors.New("fail")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestCheckCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.NoError(t, CheckCancellation(ctx))
	cancel()
	assert.ErrorIs(t, CheckCancellation(ctx), context.Canceled)
}
