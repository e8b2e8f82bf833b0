package chains

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/vultisig/autotransfer/internal/types"
)

const (
	defaultConfirmTimeout = 5 * time.Minute
	defaultPollInterval   = 5 * time.Second
)

// WaitMined polls until tx has a receipt. A reverted receipt becomes a
// SubmissionFailure carrying the revert reason; running out of time is a
// ConfirmationTimeout.
func (c *Chain) WaitMined(ctx context.Context, tx *gtypes.Transaction, timeout, poll time.Duration) (*gtypes.Receipt, error) {
	if timeout <= 0 {
		timeout = c.ConfirmTimeout
	}
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	if poll <= 0 {
		poll = defaultPollInterval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	txHash := tx.Hash()
	for {
		receipt, err := c.Client.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == gtypes.ReceiptStatusFailed {
				reason := c.revertReason(ctx, tx, receipt.BlockNumber)
				return receipt, &types.TransactionError{
					Code:    types.ErrSubmissionFailure,
					Message: fmt.Sprintf("transaction %s reverted: %s", txHash.Hex(), reason),
				}
			}
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
			if _, _, err := c.Client.TransactionByHash(ctx, txHash); errors.Is(err, ethereum.NotFound) {
				return nil, &types.TransactionError{
					Code:    types.ErrSubmissionFailure,
					Message: fmt.Sprintf("transaction dropped from mempool: %s", txHash.Hex()),
				}
			}
		}
		// other RPC errors: keep polling

		select {
		case <-ctx.Done():
			return nil, &types.TransactionError{
				Code:    types.ErrConfirmationTimeout,
				Message: fmt.Sprintf("no receipt for %s after %s", txHash.Hex(), timeout),
				Err:     ctx.Err(),
			}
		case <-ticker.C:
		}
	}
}

func (c *Chain) revertReason(ctx context.Context, tx *gtypes.Transaction, blockNum *big.Int) string {
	callMsg := ethereum.CallMsg{
		To:       tx.To(),
		Data:     tx.Data(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
	}

	_, err := c.Client.CallContract(ctx, callMsg, blockNum)
	if err != nil {
		if strings.Contains(err.Error(), "execution reverted:") {
			parts := strings.Split(err.Error(), "execution reverted:")
			if len(parts) > 1 {
				return strings.TrimSpace(parts[1])
			}
		}
		return err.Error()
	}
	return "unknown revert reason"
}
