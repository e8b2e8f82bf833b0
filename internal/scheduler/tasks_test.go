package scheduler

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/autotransfer/internal/tasks"
)

type countingSweeper struct {
	calls int
}

func (c *countingSweeper) SweepNow(ctx context.Context) []SweepReport {
	c.calls++
	return []SweepReport{{Kind: SweepTransfers}, {Kind: SweepPrices}}
}

func TestHandleSweepNow(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	valid, err := tasks.NewSweepNow("ops", time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	testCases := []struct {
		name      string
		task      *asynq.Task
		wantCalls int
		skipRetry bool
	}{
		{name: "Runs both sweeps", task: valid, wantCalls: 1},
		{name: "Malformed payload", task: asynq.NewTask(tasks.TypeSweepNow, []byte("{")), skipRetry: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sweeper := &countingSweeper{}
			h := NewTaskHandler(sweeper, logger)

			err := h.HandleSweepNow(context.Background(), tc.task)
			assert.Equal(t, tc.wantCalls, sweeper.calls)
			if tc.skipRetry {
				require.Error(t, err)
				assert.True(t, errors.Is(err, asynq.SkipRetry))
				return
			}
			assert.NoError(t, err)
		})
	}
}
