package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vultisig/autotransfer/internal/types"
)

func (p *PostgresBackend) GetSmartAccount(ctx context.Context, userID string, chainID int64) (types.SmartAccount, error) {
	var a types.SmartAccount
	err := p.pool.QueryRow(ctx, `SELECT user_id, chain_id, address, agent_wallet_id, agent_address,
	user_address, custodial_wallet_id, status
	FROM smart_accounts WHERE user_id = $1 AND chain_id = $2`, userID, chainID).Scan(
		&a.UserID,
		&a.ChainID,
		&a.Address,
		&a.AgentWalletID,
		&a.AgentAddress,
		&a.UserAddress,
		&a.CustodialWalletID,
		&a.Status,
	)
	if err != nil {
		return types.SmartAccount{}, notFound(err)
	}
	return a, nil
}

func (p *PostgresBackend) UpsertSmartAccount(ctx context.Context, account types.SmartAccount) error {
	query := `INSERT INTO smart_accounts
	(user_id, chain_id, address, agent_wallet_id, agent_address, user_address, custodial_wallet_id, status)
	VALUES (@user_id, @chain_id, @address, @agent_wallet_id, @agent_address, @user_address, @custodial_wallet_id, @status)
	ON CONFLICT (user_id, chain_id) DO UPDATE SET
		address = EXCLUDED.address,
		agent_wallet_id = EXCLUDED.agent_wallet_id,
		agent_address = EXCLUDED.agent_address,
		user_address = EXCLUDED.user_address,
		custodial_wallet_id = EXCLUDED.custodial_wallet_id,
		status = EXCLUDED.status,
		updated_at = NOW()`

	_, err := p.pool.Exec(ctx, query, pgx.NamedArgs{
		"user_id":             account.UserID,
		"chain_id":            account.ChainID,
		"address":             account.Address,
		"agent_wallet_id":     account.AgentWalletID,
		"agent_address":       account.AgentAddress,
		"user_address":        account.UserAddress,
		"custodial_wallet_id": account.CustodialWalletID,
		"status":              string(account.Status),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert smart account: %w", err)
	}
	return nil
}
