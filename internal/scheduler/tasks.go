package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/autotransfer/internal/tasks"
)

type Sweeper interface {
	SweepNow(ctx context.Context) []SweepReport
}

type TaskHandler struct {
	sweeper Sweeper
	logger  *logrus.Logger
}

func NewTaskHandler(sweeper Sweeper, logger *logrus.Logger) *TaskHandler {
	return &TaskHandler{
		sweeper: sweeper,
		logger:  logger,
	}
}

// HandleSweepNow runs both sweeps on request and writes the reports as the
// task result.
func (h *TaskHandler) HandleSweepNow(ctx context.Context, t *asynq.Task) error {
	var p tasks.SweepNowPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	h.logger.WithFields(logrus.Fields{
		"requested_by": p.RequestedBy,
		"requested_at": p.RequestedAt,
	}).Info("Manual sweep requested")

	reports := h.sweeper.SweepNow(ctx)
	result, err := json.Marshal(reports)
	if err != nil {
		return fmt.Errorf("json.Marshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if w := t.ResultWriter(); w != nil {
		if _, err := w.Write(result); err != nil {
			h.logger.WithError(err).Warn("Failed to write sweep result")
		}
	}
	return nil
}

// Register mounts the handlers on an asynq mux.
func (h *TaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(tasks.TypeSweepNow, h.HandleSweepNow)
}
