// Package storagetest provides an in-memory DatabaseStorage for tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vultisig/autotransfer/internal/types"
	"github.com/vultisig/autotransfer/storage"
)

type accountKey struct {
	userID  string
	chainID int64
}

type Store struct {
	mu        sync.Mutex
	transfers map[uuid.UUID]*types.ScheduledTransfer
	claimedAt map[uuid.UUID]time.Time
	triggers  map[uuid.UUID]*types.PriceTrigger
	accounts  map[accountKey]types.SmartAccount
	attempts  []types.ExecutionAttempt
	// Now stamps rows; tests may replace it.
	Now func() time.Time
	// MarkExecutedErrs fails that many MarkTransferExecuted calls with
	// ErrMarkExecuted before the store behaves normally again.
	MarkExecutedErrs int
}

var ErrMarkExecuted = errors.New("connection reset")

var _ storage.DatabaseStorage = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		transfers: map[uuid.UUID]*types.ScheduledTransfer{},
		claimedAt: map[uuid.UUID]time.Time{},
		triggers:  map[uuid.UUID]*types.PriceTrigger{},
		accounts:  map[accountKey]types.SmartAccount{},
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) InsertScheduledTransfers(ctx context.Context, transfers []types.ScheduledTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range transfers {
		if _, ok := s.transfers[t.ID]; ok {
			return fmt.Errorf("duplicate transfer %s", t.ID)
		}
	}
	now := s.Now()
	for _, t := range transfers {
		t := t
		t.Status = types.TransferPending
		t.CreatedAt, t.UpdatedAt = now, now
		s.transfers[t.ID] = &t
	}
	return nil
}

func (s *Store) GetScheduledTransfer(ctx context.Context, id uuid.UUID) (types.ScheduledTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return types.ScheduledTransfer{}, storage.ErrNotFound
	}
	return *t, nil
}

func (s *Store) sortedTransfers(keep func(*types.ScheduledTransfer) bool) []types.ScheduledTransfer {
	var out []types.ScheduledTransfer
	for _, t := range s.transfers {
		if keep(t) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].ScheduledTime.Before(out[j].ScheduledTime)
	})
	return out
}

func (s *Store) ListScheduledTransfers(ctx context.Context, userID string, take, skip int) ([]types.ScheduledTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedTransfers(func(t *types.ScheduledTransfer) bool { return t.UserID == userID })
	if skip >= len(out) {
		return nil, nil
	}
	out = out[skip:]
	if take < len(out) {
		out = out[:take]
	}
	return out, nil
}

func (s *Store) ListDueTransfers(ctx context.Context, now time.Time, limit int) ([]types.ScheduledTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedTransfers(func(t *types.ScheduledTransfer) bool { return t.IsDue(now) })
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimTransfer(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return storage.ErrNotFound
	}
	if t.Status != types.TransferPending || t.Executed {
		return storage.ErrStatusConflict
	}
	t.Status = types.TransferExecuting
	t.Attempts++
	t.UpdatedAt = s.Now()
	s.claimedAt[id] = t.UpdatedAt
	return nil
}

func (s *Store) MarkTransferExecuted(ctx context.Context, id uuid.UUID, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MarkExecutedErrs > 0 {
		s.MarkExecutedErrs--
		return ErrMarkExecuted
	}
	t, ok := s.transfers[id]
	if !ok {
		return storage.ErrNotFound
	}
	if t.Status != types.TransferExecuting {
		return storage.ErrStatusConflict
	}
	t.Status = types.TransferExecuted
	t.Executed = true
	t.ExecutionTxHash = &txHash
	t.LastError = nil
	t.UpdatedAt = s.Now()
	return nil
}

func (s *Store) ReleaseTransfer(ctx context.Context, id uuid.UUID, status types.TransferStatus, lastError string) error {
	if status != types.TransferPending && status != types.TransferFailed {
		return fmt.Errorf("cannot release transfer to %s", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return storage.ErrNotFound
	}
	if t.Status != types.TransferExecuting {
		return storage.ErrStatusConflict
	}
	t.Status = status
	t.LastError = &lastError
	t.UpdatedAt = s.Now()
	delete(s.claimedAt, id)
	return nil
}

func (s *Store) RecordTransferFailure(ctx context.Context, id uuid.UUID, lastError string, maxAttempts int) (types.TransferStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return "", storage.ErrNotFound
	}
	if t.Status != types.TransferPending || t.Executed {
		return "", storage.ErrStatusConflict
	}
	t.Attempts++
	t.LastError = &lastError
	if t.Attempts >= maxAttempts {
		t.Status = types.TransferFailed
	}
	t.UpdatedAt = s.Now()
	return t.Status, nil
}

func (s *Store) CancelTransfer(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return storage.ErrNotFound
	}
	if t.Status != types.TransferPending || t.Executed {
		return storage.ErrStatusConflict
	}
	t.Status = types.TransferCancelled
	t.UpdatedAt = s.Now()
	return nil
}

func (s *Store) CancelSchedule(ctx context.Context, scheduleID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.transfers {
		if t.ScheduleID == scheduleID && t.Status == types.TransferPending && !t.Executed {
			t.Status = types.TransferCancelled
			t.UpdatedAt = s.Now()
			n++
		}
	}
	return n, nil
}

func (s *Store) FailStaleTransfers(ctx context.Context, claimedBefore time.Time, reason string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed, executed int64
	for id, at := range s.claimedAt {
		t := s.transfers[id]
		if t.Status != types.TransferExecuting || !at.Before(claimedBefore) {
			continue
		}
		delete(s.claimedAt, id)
		if hash, ok := s.confirmedHash(id); ok {
			t.Status = types.TransferExecuted
			t.Executed = true
			t.ExecutionTxHash = &hash
			t.LastError = nil
			executed++
			continue
		}
		t.Status = types.TransferFailed
		r := reason
		t.LastError = &r
		failed++
	}
	return failed, executed, nil
}

// confirmedHash is the last tx hash of the latest attempt on id when that
// attempt confirmed.
func (s *Store) confirmedHash(id uuid.UUID) (string, bool) {
	var latest *types.ExecutionAttempt
	for i := range s.attempts {
		a := &s.attempts[i]
		if a.ItemID != id || a.Kind != types.KindScheduledTransfer {
			continue
		}
		if latest == nil || !a.StartedAt.Before(latest.StartedAt) {
			latest = a
		}
	}
	if latest == nil || latest.State != types.StateConfirmed || len(latest.TxHashes) == 0 {
		return "", false
	}
	return latest.TxHashes[len(latest.TxHashes)-1], true
}

func (s *Store) InsertPriceTrigger(ctx context.Context, trigger types.PriceTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[trigger.ID]; ok {
		return fmt.Errorf("duplicate trigger %s", trigger.ID)
	}
	now := s.Now()
	trigger.CreatedAt, trigger.UpdatedAt = now, now
	s.triggers[trigger.ID] = &trigger
	return nil
}

func (s *Store) GetPriceTrigger(ctx context.Context, id uuid.UUID) (types.PriceTrigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return types.PriceTrigger{}, storage.ErrNotFound
	}
	return *t, nil
}

func (s *Store) ListActivePriceTriggers(ctx context.Context, limit int) ([]types.PriceTrigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.PriceTrigger
	for _, t := range s.triggers {
		if t.IsActive && t.Status == types.TriggerPending {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateTriggerPrice(ctx context.Context, id uuid.UUID, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return storage.ErrNotFound
	}
	t.CurrentPrice = &price
	t.UpdatedAt = s.Now()
	return nil
}

func (s *Store) TransitionTrigger(ctx context.Context, id uuid.UUID, from, to types.TriggerStatus, txHash, lastError *string) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("invalid trigger transition %s -> %s", from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return storage.ErrNotFound
	}
	if t.Status != from {
		return storage.ErrStatusConflict
	}
	now := s.Now()
	t.Status = to
	t.IsActive = to == types.TriggerPending || to == types.TriggerTriggered
	if txHash != nil {
		t.TxHash = txHash
	}
	if lastError != nil {
		t.LastError = lastError
	}
	if to == types.TriggerTriggered {
		t.TriggeredAt = &now
	}
	t.UpdatedAt = now
	return nil
}

func (s *Store) FailStaleTriggers(ctx context.Context, triggeredBefore time.Time, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.triggers {
		if t.Status == types.TriggerTriggered && t.TriggeredAt != nil && t.TriggeredAt.Before(triggeredBefore) {
			t.Status = types.TriggerFailed
			t.IsActive = false
			r := reason
			t.LastError = &r
			n++
		}
	}
	return n, nil
}

func (s *Store) GetSmartAccount(ctx context.Context, userID string, chainID int64) (types.SmartAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountKey{userID, chainID}]
	if !ok {
		return types.SmartAccount{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *Store) UpsertSmartAccount(ctx context.Context, account types.SmartAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accountKey{account.UserID, account.ChainID}] = account
	return nil
}

func (s *Store) InsertExecutionAttempt(ctx context.Context, attempt types.ExecutionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *Store) ListExecutionAttempts(ctx context.Context, itemID uuid.UUID) ([]types.ExecutionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ExecutionAttempt
	for _, a := range s.attempts {
		if a.ItemID == itemID {
			out = append(out, a)
		}
	}
	return out, nil
}

// Attempts returns every recorded attempt.
func (s *Store) Attempts() []types.ExecutionAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ExecutionAttempt(nil), s.attempts...)
}

// SetTransfer overwrites a transfer row as-is.
func (s *Store) SetTransfer(t types.ScheduledTransfer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers[t.ID] = &t
}
