package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/vultisig/autotransfer/internal/types"
	"github.com/vultisig/autotransfer/storage"
)

// Prices are NUMERIC in the table and travel as text so no decimal codec
// needs to be registered on the pool.
const triggerColumns = `id, user_id, comparison, target_price::text, current_price::text, source_asset,
	dest_asset, amount, chain_id, is_active, status, tx_hash, last_error, triggered_at, created_at, updated_at`

func scanTrigger(row pgx.CollectableRow) (types.PriceTrigger, error) {
	var (
		t       types.PriceTrigger
		target  string
		current *string
	)
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.Comparison,
		&target,
		&current,
		&t.SourceAsset,
		&t.DestAsset,
		&t.Amount,
		&t.ChainID,
		&t.IsActive,
		&t.Status,
		&t.TxHash,
		&t.LastError,
		&t.TriggeredAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return t, err
	}
	if t.TargetPrice, err = decimal.NewFromString(target); err != nil {
		return t, fmt.Errorf("invalid target price %q: %w", target, err)
	}
	if current != nil {
		c, err := decimal.NewFromString(*current)
		if err != nil {
			return t, fmt.Errorf("invalid current price %q: %w", *current, err)
		}
		t.CurrentPrice = &c
	}
	return t, nil
}

func (p *PostgresBackend) InsertPriceTrigger(ctx context.Context, trigger types.PriceTrigger) error {
	query := `INSERT INTO price_triggers
	(id, user_id, comparison, target_price, source_asset, dest_asset, amount, chain_id, is_active, status)
	VALUES (@id, @user_id, @comparison, @target_price::text::numeric, @source_asset, @dest_asset, @amount, @chain_id, @is_active, @status)`

	_, err := p.pool.Exec(ctx, query, pgx.NamedArgs{
		"id":           trigger.ID,
		"user_id":      trigger.UserID,
		"comparison":   string(trigger.Comparison),
		"target_price": trigger.TargetPrice.String(),
		"source_asset": trigger.SourceAsset,
		"dest_asset":   trigger.DestAsset,
		"amount":       trigger.Amount,
		"chain_id":     trigger.ChainID,
		"is_active":    trigger.IsActive,
		"status":       string(trigger.Status),
	})
	if err != nil {
		return fmt.Errorf("failed to insert price trigger: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetPriceTrigger(ctx context.Context, id uuid.UUID) (types.PriceTrigger, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+triggerColumns+` FROM price_triggers WHERE id = $1`, id)
	if err != nil {
		return types.PriceTrigger{}, err
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanTrigger)
	if err != nil {
		return types.PriceTrigger{}, notFound(err)
	}
	return t, nil
}

func (p *PostgresBackend) ListActivePriceTriggers(ctx context.Context, limit int) ([]types.PriceTrigger, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+triggerColumns+` FROM price_triggers
	WHERE is_active = TRUE AND status = $1
	ORDER BY created_at ASC
	LIMIT $2`, string(types.TriggerPending), limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanTrigger)
}

func (p *PostgresBackend) UpdateTriggerPrice(ctx context.Context, id uuid.UUID, price decimal.Decimal) error {
	_, err := p.pool.Exec(ctx, `UPDATE price_triggers
	SET current_price = $2::text::numeric, updated_at = NOW()
	WHERE id = $1`, id, price.String())
	if err != nil {
		return fmt.Errorf("failed to update trigger price: %w", err)
	}
	return nil
}

func (p *PostgresBackend) TransitionTrigger(ctx context.Context, id uuid.UUID, from, to types.TriggerStatus, txHash, lastError *string) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("invalid trigger transition %s -> %s", from, to)
	}
	query := `UPDATE price_triggers
	SET status = @to,
		is_active = @active,
		tx_hash = COALESCE(@tx_hash, tx_hash),
		last_error = COALESCE(@last_error, last_error),
		triggered_at = CASE WHEN @to = 'triggered' THEN NOW() ELSE triggered_at END,
		updated_at = NOW()
	WHERE id = @id AND status = @from`

	tag, err := p.pool.Exec(ctx, query, pgx.NamedArgs{
		"id":         id,
		"from":       string(from),
		"to":         string(to),
		"active":     to == types.TriggerPending || to == types.TriggerTriggered,
		"tx_hash":    txHash,
		"last_error": lastError,
	})
	if err != nil {
		return fmt.Errorf("failed to transition trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetPriceTrigger(ctx, id); err != nil {
			return err
		}
		return storage.ErrStatusConflict
	}
	return nil
}

func (p *PostgresBackend) FailStaleTriggers(ctx context.Context, triggeredBefore time.Time, reason string) (int64, error) {
	tag, err := p.pool.Exec(ctx, `UPDATE price_triggers
	SET status = $2, is_active = FALSE, last_error = $3, updated_at = NOW()
	WHERE status = $4 AND triggered_at < $1`,
		triggeredBefore.UTC(), string(types.TriggerFailed), reason, string(types.TriggerTriggered))
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale triggers: %w", err)
	}
	return tag.RowsAffected(), nil
}
