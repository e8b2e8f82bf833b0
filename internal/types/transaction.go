package types

import (
	"time"

	"github.com/google/uuid"
)

type ItemKind string

const (
	KindScheduledTransfer ItemKind = "scheduled_transfer"
	KindPriceTrigger      ItemKind = "price_trigger"
)

type ExecutionState string

const (
	StateBuilt        ExecutionState = "BUILT"
	StateFundsChecked ExecutionState = "FUNDS_CHECKED"
	StateSigned       ExecutionState = "SIGNED"
	StateSubmitted    ExecutionState = "SUBMITTED"
	StateConfirmed    ExecutionState = "CONFIRMED"
	StateFailed       ExecutionState = "FAILED"
	StateAborted      ExecutionState = "ABORTED"
)

// ExecutionAttempt is the bookkeeping row written for every terminal
// attempt, successful or not. State is CONFIRMED, FAILED or ABORTED;
// Reached is the furthest step the attempt got to before that.
type ExecutionAttempt struct {
	ID           uuid.UUID       `json:"id"`
	ItemID       uuid.UUID       `json:"item_id"`
	Kind         ItemKind        `json:"kind"`
	ChainID      int64           `json:"chain_id"`
	Method       ExecutionMethod `json:"method"`
	State        ExecutionState  `json:"state"`
	Reached      ExecutionState  `json:"reached"`
	TxHashes     []string        `json:"tx_hashes"`
	TopUpTxHash  *string         `json:"top_up_tx_hash,omitempty"`
	ErrorCode    *string         `json:"error_code,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
}
