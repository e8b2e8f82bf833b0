package types

import "github.com/ethereum/go-ethereum/common"

type AccountStatus string

const (
	AccountActive  AccountStatus = "active"
	AccountRevoked AccountStatus = "revoked"
)

// SmartAccount is where a user's funds live on one chain. Multisig accounts
// are owned by an agent key and a user key; custom accounts by a single
// custodial key held by the signing service.
type SmartAccount struct {
	UserID            string        `json:"user_id"`
	ChainID           int64         `json:"chain_id"`
	Address           string        `json:"address"`
	AgentWalletID     string        `json:"agent_wallet_id,omitempty"`
	AgentAddress      string        `json:"agent_address,omitempty"`
	UserAddress       string        `json:"user_address,omitempty"`
	CustodialWalletID string        `json:"custodial_wallet_id,omitempty"`
	Status            AccountStatus `json:"status"`
}

func (a SmartAccount) AddressHex() common.Address {
	return common.HexToAddress(a.Address)
}

func (a SmartAccount) IsActive() bool {
	return a.Status == AccountActive
}
