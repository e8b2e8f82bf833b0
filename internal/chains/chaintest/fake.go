// Package chaintest provides an in-memory chain client for tests.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client is a minimal in-memory node. Sent transactions move native value
// between balances and are mined immediately unless Revert is set.
type Client struct {
	mu sync.Mutex

	ID         *big.Int
	Balances   map[common.Address]*big.Int
	Nonces     map[common.Address]uint64
	GasPrice   *big.Int
	GasLimit   uint64
	Sent       []*types.Transaction
	Receipts   map[common.Hash]*types.Receipt
	NotMined   bool
	Revert     bool
	BalanceErr error
	EstimateFn func(call ethereum.CallMsg) (uint64, error)
	CallFn     func(call ethereum.CallMsg) ([]byte, error)
	SendErr    error
	GasErr     error
}

func NewClient(chainID int64) *Client {
	return &Client{
		ID:       big.NewInt(chainID),
		Balances: make(map[common.Address]*big.Int),
		Nonces:   make(map[common.Address]uint64),
		GasPrice: big.NewInt(1),
		GasLimit: 21000,
		Receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (c *Client) SetBalance(addr common.Address, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Balances[addr] = new(big.Int).Set(v)
}

func (c *Client) Balance(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.Balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

func (c *Client) SentTransactions() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.Sent...)
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.ID, nil
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if c.BalanceErr != nil {
		return nil, c.BalanceErr
	}
	return c.Balance(account), nil
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Nonces[account], nil
}

func (c *Client) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if c.EstimateFn != nil {
		return c.EstimateFn(call)
	}
	return c.GasLimit, nil
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if c.GasErr != nil {
		return nil, c.GasErr
	}
	return new(big.Int).Set(c.GasPrice), nil
}

func (c *Client) CallContract(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if c.CallFn != nil {
		return c.CallFn(call)
	}
	return nil, errors.New("execution reverted: no contract")
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if c.SendErr != nil {
		return c.SendErr
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.ID), tx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sent = append(c.Sent, tx)
	c.Nonces[from] = tx.Nonce() + 1

	status := types.ReceiptStatusSuccessful
	if c.Revert {
		status = types.ReceiptStatusFailed
	}
	if status == types.ReceiptStatusSuccessful && tx.Value().Sign() > 0 && tx.To() != nil {
		bal := c.Balances[from]
		if bal == nil {
			bal = big.NewInt(0)
		}
		c.Balances[from] = new(big.Int).Sub(bal, tx.Value())
		to := c.Balances[*tx.To()]
		if to == nil {
			to = big.NewInt(0)
		}
		c.Balances[*tx.To()] = new(big.Int).Add(to, tx.Value())
	}
	if !c.NotMined {
		c.Receipts[tx.Hash()] = &types.Receipt{
			Status:      status,
			TxHash:      tx.Hash(),
			BlockNumber: big.NewInt(int64(len(c.Sent))),
			GasUsed:     tx.Gas(),
		}
	}
	return nil
}

func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tx := range c.Sent {
		if tx.Hash() == hash {
			_, mined := c.Receipts[hash]
			return tx, !mined, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.Receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}
