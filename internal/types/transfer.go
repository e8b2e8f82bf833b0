package types

import (
	"time"

	"github.com/google/uuid"
)

type ExecutionMethod string

const (
	MethodMultisig      ExecutionMethod = "multisig"
	MethodCustomAccount ExecutionMethod = "custom-account"
)

func (m ExecutionMethod) Valid() bool {
	return m == MethodMultisig || m == MethodCustomAccount
}

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferExecuting TransferStatus = "executing"
	TransferExecuted  TransferStatus = "executed"
	TransferFailed    TransferStatus = "failed"
	TransferCancelled TransferStatus = "cancelled"
)

// ScheduledTransfer is one materialized occurrence of a schedule on one chain.
type ScheduledTransfer struct {
	ID              uuid.UUID       `json:"id"`
	UserID          string          `json:"user_id"`
	ScheduleID      uuid.UUID       `json:"schedule_id"`
	Recipient       string          `json:"recipient"`
	Amount          string          `json:"amount"`
	Asset           string          `json:"asset"`
	ChainID         int64           `json:"chain_id"`
	Method          ExecutionMethod `json:"method"`
	ScheduledTime   time.Time       `json:"scheduled_time"`
	Executed        bool            `json:"executed"`
	ExecutionTxHash *string         `json:"execution_tx_hash,omitempty"`
	Status          TransferStatus  `json:"status"`
	Attempts        int             `json:"attempts"`
	LastError       *string         `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsDue reports whether the transfer should be picked up by a sweep at now.
func (t ScheduledTransfer) IsDue(now time.Time) bool {
	return !t.Executed && t.Status == TransferPending && !t.ScheduledTime.After(now)
}
