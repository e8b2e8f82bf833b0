package tasks

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	QUEUE_NAME   = "autotransfer_queue"
	TypeSweepNow = "sweep:now"
)

type SweepNowPayload struct {
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewSweepNow(requestedBy string, at time.Time) (*asynq.Task, error) {
	payload, err := json.Marshal(SweepNowPayload{RequestedBy: requestedBy, RequestedAt: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSweepNow, payload), nil
}

// EnqueueOptions keeps at most one pending sweep request in the queue.
func EnqueueOptions() []asynq.Option {
	return []asynq.Option{
		asynq.MaxRetry(0),
		asynq.Timeout(10 * time.Minute),
		asynq.Retention(time.Hour),
		asynq.Unique(time.Minute),
		asynq.Queue(QUEUE_NAME),
	}
}
