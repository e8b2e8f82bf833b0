package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vultisig/autotransfer/internal/types"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict means a conditional update matched no row because
	// the item was no longer in the expected status.
	ErrStatusConflict = errors.New("status changed concurrently")
)

type DatabaseStorage interface {
	Close() error

	InsertScheduledTransfers(ctx context.Context, transfers []types.ScheduledTransfer) error
	GetScheduledTransfer(ctx context.Context, id uuid.UUID) (types.ScheduledTransfer, error)
	ListScheduledTransfers(ctx context.Context, userID string, take, skip int) ([]types.ScheduledTransfer, error)
	ListDueTransfers(ctx context.Context, now time.Time, limit int) ([]types.ScheduledTransfer, error)
	// ClaimTransfer moves pending -> executing and counts the attempt.
	ClaimTransfer(ctx context.Context, id uuid.UUID) error
	MarkTransferExecuted(ctx context.Context, id uuid.UUID, txHash string) error
	// ReleaseTransfer moves executing -> status (pending or failed).
	ReleaseTransfer(ctx context.Context, id uuid.UUID, status types.TransferStatus, lastError string) error
	// RecordTransferFailure counts an attempt that failed before it could
	// claim the transfer. It returns the resulting status.
	RecordTransferFailure(ctx context.Context, id uuid.UUID, lastError string, maxAttempts int) (types.TransferStatus, error)
	CancelTransfer(ctx context.Context, id uuid.UUID) error
	CancelSchedule(ctx context.Context, scheduleID uuid.UUID) (int64, error)
	// FailStaleTransfers fails transfers left executing since before
	// claimedBefore. One whose latest execution attempt confirmed is marked
	// executed with that attempt's last tx hash instead. It returns how many
	// were failed and how many were settled as executed.
	FailStaleTransfers(ctx context.Context, claimedBefore time.Time, reason string) (failed, executed int64, err error)

	InsertPriceTrigger(ctx context.Context, trigger types.PriceTrigger) error
	GetPriceTrigger(ctx context.Context, id uuid.UUID) (types.PriceTrigger, error)
	ListActivePriceTriggers(ctx context.Context, limit int) ([]types.PriceTrigger, error)
	UpdateTriggerPrice(ctx context.Context, id uuid.UUID, price decimal.Decimal) error
	// TransitionTrigger applies from -> to only if the trigger is still in
	// from. txHash and lastError are stored when non-nil.
	TransitionTrigger(ctx context.Context, id uuid.UUID, from, to types.TriggerStatus, txHash, lastError *string) error
	FailStaleTriggers(ctx context.Context, triggeredBefore time.Time, reason string) (int64, error)

	GetSmartAccount(ctx context.Context, userID string, chainID int64) (types.SmartAccount, error)
	UpsertSmartAccount(ctx context.Context, account types.SmartAccount) error

	InsertExecutionAttempt(ctx context.Context, attempt types.ExecutionAttempt) error
	ListExecutionAttempts(ctx context.Context, itemID uuid.UUID) ([]types.ExecutionAttempt, error)
}
