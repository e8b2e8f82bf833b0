package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vultisig/autotransfer/internal/types"
	"github.com/vultisig/autotransfer/storage"
)

const transferColumns = `id, user_id, schedule_id, recipient, amount, asset, chain_id, method,
	scheduled_time, executed, execution_tx_hash, status, attempts, last_error, created_at, updated_at`

func scanTransfer(row pgx.CollectableRow) (types.ScheduledTransfer, error) {
	var t types.ScheduledTransfer
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.ScheduleID,
		&t.Recipient,
		&t.Amount,
		&t.Asset,
		&t.ChainID,
		&t.Method,
		&t.ScheduledTime,
		&t.Executed,
		&t.ExecutionTxHash,
		&t.Status,
		&t.Attempts,
		&t.LastError,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	return t, err
}

func (p *PostgresBackend) InsertScheduledTransfers(ctx context.Context, transfers []types.ScheduledTransfer) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin db transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `INSERT INTO scheduled_transfers
	(id, user_id, schedule_id, recipient, amount, asset, chain_id, method, scheduled_time, status)
	VALUES (@id, @user_id, @schedule_id, @recipient, @amount, @asset, @chain_id, @method, @scheduled_time, @status)`

	batch := &pgx.Batch{}
	for _, t := range transfers {
		batch.Queue(query, pgx.NamedArgs{
			"id":             t.ID,
			"user_id":        t.UserID,
			"schedule_id":    t.ScheduleID,
			"recipient":      t.Recipient,
			"amount":         t.Amount,
			"asset":          t.Asset,
			"chain_id":       t.ChainID,
			"method":         string(t.Method),
			"scheduled_time": t.ScheduledTime.UTC(),
			"status":         string(types.TransferPending),
		})
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert scheduled transfers: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit db transaction: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetScheduledTransfer(ctx context.Context, id uuid.UUID) (types.ScheduledTransfer, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+transferColumns+` FROM scheduled_transfers WHERE id = $1`, id)
	if err != nil {
		return types.ScheduledTransfer{}, err
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanTransfer)
	if err != nil {
		return types.ScheduledTransfer{}, notFound(err)
	}
	return t, nil
}

func (p *PostgresBackend) ListScheduledTransfers(ctx context.Context, userID string, take, skip int) ([]types.ScheduledTransfer, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+transferColumns+` FROM scheduled_transfers
	WHERE user_id = $1
	ORDER BY scheduled_time ASC
	LIMIT $2 OFFSET $3`, userID, take, skip)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanTransfer)
}

func (p *PostgresBackend) ListDueTransfers(ctx context.Context, now time.Time, limit int) ([]types.ScheduledTransfer, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+transferColumns+` FROM scheduled_transfers
	WHERE scheduled_time <= $1 AND executed = FALSE AND status = $2
	ORDER BY scheduled_time ASC
	LIMIT $3`, now.UTC(), string(types.TransferPending), limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanTransfer)
}

func (p *PostgresBackend) ClaimTransfer(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `UPDATE scheduled_transfers
	SET status = $2, attempts = attempts + 1, claimed_at = NOW(), updated_at = NOW()
	WHERE id = $1 AND status = $3 AND executed = FALSE`,
		id, string(types.TransferExecuting), string(types.TransferPending))
	if err != nil {
		return fmt.Errorf("failed to claim transfer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrStatusConflict
	}
	return nil
}

func (p *PostgresBackend) MarkTransferExecuted(ctx context.Context, id uuid.UUID, txHash string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE scheduled_transfers
	SET status = $2, executed = TRUE, execution_tx_hash = $3, last_error = NULL, updated_at = NOW()
	WHERE id = $1 AND status = $4`,
		id, string(types.TransferExecuted), txHash, string(types.TransferExecuting))
	if err != nil {
		return fmt.Errorf("failed to mark transfer executed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrStatusConflict
	}
	return nil
}

func (p *PostgresBackend) ReleaseTransfer(ctx context.Context, id uuid.UUID, status types.TransferStatus, lastError string) error {
	if status != types.TransferPending && status != types.TransferFailed {
		return fmt.Errorf("cannot release transfer to %s", status)
	}
	tag, err := p.pool.Exec(ctx, `UPDATE scheduled_transfers
	SET status = $2, last_error = $3, claimed_at = NULL, updated_at = NOW()
	WHERE id = $1 AND status = $4`,
		id, string(status), lastError, string(types.TransferExecuting))
	if err != nil {
		return fmt.Errorf("failed to release transfer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrStatusConflict
	}
	return nil
}

func (p *PostgresBackend) RecordTransferFailure(ctx context.Context, id uuid.UUID, lastError string, maxAttempts int) (types.TransferStatus, error) {
	var status types.TransferStatus
	err := p.pool.QueryRow(ctx, `UPDATE scheduled_transfers
	SET attempts = attempts + 1,
		last_error = $2,
		status = CASE WHEN attempts + 1 >= $3 THEN $4 ELSE status END,
		updated_at = NOW()
	WHERE id = $1 AND status = $5 AND executed = FALSE
	RETURNING status`,
		id, lastError, maxAttempts, string(types.TransferFailed), string(types.TransferPending)).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", storage.ErrStatusConflict
		}
		return "", fmt.Errorf("failed to record transfer failure: %w", err)
	}
	return status, nil
}

func (p *PostgresBackend) CancelTransfer(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `UPDATE scheduled_transfers
	SET status = $2, updated_at = NOW()
	WHERE id = $1 AND status = $3 AND executed = FALSE`,
		id, string(types.TransferCancelled), string(types.TransferPending))
	if err != nil {
		return fmt.Errorf("failed to cancel transfer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetScheduledTransfer(ctx, id); err != nil {
			return err
		}
		return storage.ErrStatusConflict
	}
	return nil
}

func (p *PostgresBackend) CancelSchedule(ctx context.Context, scheduleID uuid.UUID) (int64, error) {
	tag, err := p.pool.Exec(ctx, `UPDATE scheduled_transfers
	SET status = $2, updated_at = NOW()
	WHERE schedule_id = $1 AND status = $3 AND executed = FALSE`,
		scheduleID, string(types.TransferCancelled), string(types.TransferPending))
	if err != nil {
		return 0, fmt.Errorf("failed to cancel schedule: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresBackend) FailStaleTransfers(ctx context.Context, claimedBefore time.Time, reason string) (int64, int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin db transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	confirmed, err := tx.Exec(ctx, `UPDATE scheduled_transfers t
	SET status = $2, executed = TRUE, execution_tx_hash = a.tx_hashes[cardinality(a.tx_hashes)],
		last_error = NULL, updated_at = NOW()
	FROM (
		SELECT DISTINCT ON (item_id) item_id, state, tx_hashes
		FROM execution_attempts
		WHERE kind = $3
		ORDER BY item_id, started_at DESC
	) a
	WHERE a.item_id = t.id AND a.state = $4 AND cardinality(a.tx_hashes) > 0
		AND t.status = $5 AND t.claimed_at < $1`,
		claimedBefore.UTC(), string(types.TransferExecuted), string(types.KindScheduledTransfer),
		string(types.StateConfirmed), string(types.TransferExecuting))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to settle confirmed stale transfers: %w", err)
	}

	failed, err := tx.Exec(ctx, `UPDATE scheduled_transfers
	SET status = $2, last_error = $3, updated_at = NOW()
	WHERE status = $4 AND claimed_at < $1`,
		claimedBefore.UTC(), string(types.TransferFailed), reason, string(types.TransferExecuting))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fail stale transfers: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to commit db transaction: %w", err)
	}
	return failed.RowsAffected(), confirmed.RowsAffected(), nil
}
