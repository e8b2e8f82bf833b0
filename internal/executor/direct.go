package executor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/autotransfer/internal/chains"
	"github.com/vultisig/autotransfer/internal/payload"
	"github.com/vultisig/autotransfer/internal/signer"
	"github.com/vultisig/autotransfer/internal/types"
)

const accountABIJSON = `[
	{"name":"execute","type":"function","stateMutability":"payable","inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],"outputs":[]}
]`

var accountABI = mustParseABI(accountABIJSON)

// DirectStrategy executes with the custodial key of a custom smart account.
// There is no separate signature step: the key signs the transaction it
// sends.
type DirectStrategy struct {
	signer signer.Signer
	logger *logrus.Logger
}

func NewDirectStrategy(s signer.Signer, logger *logrus.Logger) *DirectStrategy {
	return &DirectStrategy{signer: s, logger: logger}
}

func (d *DirectStrategy) Method() types.ExecutionMethod {
	return types.MethodCustomAccount
}

func (d *DirectStrategy) EstimateGas(ctx context.Context, chain *chains.Chain, account types.SmartAccount, p payload.Payload) (uint64, error) {
	to := p.To
	gas, err := chain.Client.EstimateGas(ctx, ethereum.CallMsg{From: account.AddressHex(), To: &to, Value: p.Value, Data: p.Data})
	if err != nil {
		return 0, err
	}
	return withBuffer(gas, 20), nil
}

func (d *DirectStrategy) Sender(ctx context.Context, chain *chains.Chain, account types.SmartAccount) (*ecdsa.PrivateKey, error) {
	if account.CustodialWalletID == "" {
		return nil, types.NewError(types.ErrSigningFailure, fmt.Sprintf("account %s has no custodial wallet", account.Address), nil)
	}
	key, err := d.signer.GetPrivateExecutionKey(ctx, account.CustodialWalletID)
	if err != nil {
		return nil, types.NewError(types.ErrSigningFailure, "failed to obtain execution key", err)
	}
	keyAddr := crypto.PubkeyToAddress(key.PublicKey)
	d.logger.WithFields(logrus.Fields{
		"chain_id": chain.ChainID,
		"account":  account.Address,
		"sender":   keyAddr.Hex(),
		"wrapped":  keyAddr != account.AddressHex(),
	}).Info("Custodial key obtained")
	return key, nil
}

// Authorize sends payloads straight from the key when it is the account
// itself, and through the contract's execute otherwise. The custodial key
// pays gas in both cases.
func (d *DirectStrategy) Authorize(ctx context.Context, chain *chains.Chain, account types.SmartAccount, key *ecdsa.PrivateKey, payloads []payload.Payload, gas []uint64, gasPrice *big.Int) (*Authorization, error) {
	keyAddr := crypto.PubkeyToAddress(key.PublicKey)
	accountAddr := account.AddressHex()

	auth := &Authorization{Key: key}
	for i, p := range payloads {
		value := p.Value
		if value == nil {
			value = big.NewInt(0)
		}
		if keyAddr == accountAddr {
			auth.Requests = append(auth.Requests, chains.TxRequest{
				To: p.To, Value: value, Data: p.Data, Gas: gas[i], GasPrice: gasPrice,
			})
			continue
		}
		data, err := accountABI.Pack("execute", p.To, value, p.Data)
		if err != nil {
			return nil, types.NewError(types.ErrSigningFailure, "failed to pack execute", err)
		}
		auth.Requests = append(auth.Requests, chains.TxRequest{
			To: accountAddr, Value: big.NewInt(0), Data: data, Gas: gas[i], GasPrice: gasPrice,
		})
	}
	return auth, nil
}
