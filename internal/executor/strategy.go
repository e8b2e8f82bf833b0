package executor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/vultisig/autotransfer/internal/chains"
	"github.com/vultisig/autotransfer/internal/payload"
	"github.com/vultisig/autotransfer/internal/types"
)

// Strategy is one way of getting payloads executed from a smart account.
type Strategy interface {
	Method() types.ExecutionMethod
	// EstimateGas returns the gas the submitted transaction for p needs.
	EstimateGas(ctx context.Context, chain *chains.Chain, account types.SmartAccount, p payload.Payload) (uint64, error)
	// Sender returns the key that submits, and so pays gas for, the
	// transactions of account. Its address need not be the account's.
	Sender(ctx context.Context, chain *chains.Chain, account types.SmartAccount) (*ecdsa.PrivateKey, error)
	// Authorize obtains whatever signature the strategy needs and returns
	// the transactions key sends, one per payload, in order.
	Authorize(ctx context.Context, chain *chains.Chain, account types.SmartAccount, key *ecdsa.PrivateKey, payloads []payload.Payload, gas []uint64, gasPrice *big.Int) (*Authorization, error)
}

// Authorization is a signed-off batch: the key that sends and what it sends.
type Authorization struct {
	Key      *ecdsa.PrivateKey
	Requests []chains.TxRequest
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %v", err))
	}
	return parsed
}

// withBuffer adds pct percent to gas.
func withBuffer(gas uint64, pct uint64) uint64 {
	return gas + gas*pct/100
}
