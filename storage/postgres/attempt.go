package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vultisig/autotransfer/internal/types"
)

func (p *PostgresBackend) InsertExecutionAttempt(ctx context.Context, attempt types.ExecutionAttempt) error {
	query := `INSERT INTO execution_attempts
	(id, item_id, kind, chain_id, method, state, reached, tx_hashes, top_up_tx_hash, error_code, error_message, started_at, finished_at)
	VALUES (@id, @item_id, @kind, @chain_id, @method, @state, @reached, @tx_hashes, @top_up_tx_hash, @error_code, @error_message, @started_at, @finished_at)`

	txHashes := attempt.TxHashes
	if txHashes == nil {
		txHashes = []string{}
	}
	_, err := p.pool.Exec(ctx, query, pgx.NamedArgs{
		"id":             attempt.ID,
		"item_id":        attempt.ItemID,
		"kind":           string(attempt.Kind),
		"chain_id":       attempt.ChainID,
		"method":         string(attempt.Method),
		"state":          string(attempt.State),
		"reached":        string(attempt.Reached),
		"tx_hashes":      txHashes,
		"top_up_tx_hash": attempt.TopUpTxHash,
		"error_code":     attempt.ErrorCode,
		"error_message":  attempt.ErrorMessage,
		"started_at":     attempt.StartedAt,
		"finished_at":    attempt.FinishedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to insert execution attempt: %w", err)
	}
	return nil
}

func (p *PostgresBackend) ListExecutionAttempts(ctx context.Context, itemID uuid.UUID) ([]types.ExecutionAttempt, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, item_id, kind, chain_id, method, state, reached, tx_hashes,
	top_up_tx_hash, error_code, error_message, started_at, finished_at
	FROM execution_attempts WHERE item_id = $1 ORDER BY started_at ASC`, itemID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.ExecutionAttempt, error) {
		var a types.ExecutionAttempt
		err := row.Scan(
			&a.ID,
			&a.ItemID,
			&a.Kind,
			&a.ChainID,
			&a.Method,
			&a.State,
			&a.Reached,
			&a.TxHashes,
			&a.TopUpTxHash,
			&a.ErrorCode,
			&a.ErrorMessage,
			&a.StartedAt,
			&a.FinishedAt,
		)
		return a, err
	})
}
