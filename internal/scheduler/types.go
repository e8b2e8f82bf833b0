package scheduler

import (
	"sync"
	"time"
)

type SweepKind string

const (
	SweepTransfers SweepKind = "transfers"
	SweepPrices    SweepKind = "prices"
)

// SweepReport summarizes one sweep. Overlapped is set when the sweep did
// not run because the previous one of the same kind was still in flight.
type SweepReport struct {
	Kind       SweepKind     `json:"kind"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Overlapped bool          `json:"overlapped"`
	Due        int           `json:"due"`
	Fired      int           `json:"fired"`
	Executed   int           `json:"executed"`
	Failed     int           `json:"failed"`
	Aborted    int           `json:"aborted"`
	Skipped    int           `json:"skipped"`
	Deferred   int           `json:"deferred"`
	Error      string        `json:"error,omitempty"`
}

type result int

const (
	resultExecuted result = iota
	resultFailed
	resultAborted
	resultSkipped
	resultDeferred
)

// tally is shared by the per-chain workers of a sweep.
type tally struct {
	mu     sync.Mutex
	report *SweepReport
}

func (t *tally) add(r result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch r {
	case resultExecuted:
		t.report.Executed++
	case resultFailed:
		t.report.Failed++
	case resultAborted:
		t.report.Aborted++
	case resultSkipped:
		t.report.Skipped++
	case resultDeferred:
		t.report.Deferred++
	}
}
