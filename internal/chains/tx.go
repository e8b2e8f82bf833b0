package chains

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vultisig/autotransfer/internal/types"
)

// NativeTransferGas is the fixed cost of a plain value transfer.
const NativeTransferGas uint64 = 21000

type TxRequest struct {
	To       common.Address
	Value    *big.Int
	Data     []byte
	Gas      uint64
	GasPrice *big.Int
}

// Send signs req with key and submits it. Broadcast errors are returned as
// TransactionError values.
func (c *Chain) Send(ctx context.Context, key *ecdsa.PrivateKey, req TxRequest) (*gtypes.Transaction, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	nonce, release, err := c.nonces.Acquire(ctx, c.Client, from)
	if err != nil {
		return nil, types.NewError(types.ErrSubmissionFailure, "nonce lookup failed", err)
	}
	sent := false
	defer func() { release(sent) }()

	tx := gtypes.NewTx(&gtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: req.GasPrice,
		Gas:      req.Gas,
		To:       &req.To,
		Value:    value,
		Data:     req.Data,
	})
	signed, err := gtypes.SignTx(tx, gtypes.LatestSignerForChainID(c.ChainIDBig()), key)
	if err != nil {
		return nil, types.NewError(types.ErrSigningFailure, "failed to sign transaction", err)
	}

	if err := c.Client.SendTransaction(ctx, signed); err != nil {
		return nil, classifyBroadcastError(err, from)
	}
	sent = true
	return signed, nil
}

func classifyBroadcastError(err error, sender common.Address) error {
	errMsg := err.Error()

	switch {
	case strings.Contains(errMsg, "insufficient funds"):
		return &types.TransactionError{
			Code:    types.ErrInsufficientFunds,
			Message: fmt.Sprintf("account %s has insufficient gas", sender.Hex()),
			Err:     err,
		}
	case strings.Contains(errMsg, "nonce too low"),
		strings.Contains(errMsg, "nonce too high"),
		strings.Contains(errMsg, "replacement transaction underpriced"):
		return &types.TransactionError{
			Code:    types.ErrSubmissionFailure,
			Message: "nonce conflict",
			Err:     err,
		}
	default:
		return &types.TransactionError{
			Code:    types.ErrSubmissionFailure,
			Message: "node rejected transaction",
			Err:     err,
		}
	}
}
