package funding

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/autotransfer/internal/chains"
	"github.com/vultisig/autotransfer/internal/payload"
	"github.com/vultisig/autotransfer/internal/types"
)

// TopUp records the treasury transfer made to cover a shortfall.
type TopUp struct {
	To     common.Address
	Amount *big.Int
	TxHash common.Hash
}

// Result of a funding check. Sufficient reports whether every balance
// covered its requirement before any top-up; when one did not, TopUp holds
// the confirmed treasury transfer that closed the gap.
//
// Balance and Required are the account's. When another address pays gas,
// Required is only the native value the payloads move and PayerBalance and
// PayerRequired carry the gas side.
type Result struct {
	Sufficient    bool
	Balance       *big.Int
	Required      *big.Int
	Payer         common.Address
	PayerBalance  *big.Int
	PayerRequired *big.Int
	GasPrice      *big.Int
	GasPriceLive  bool
	TopUp         *TopUp
}

type Options struct {
	RPCTimeout     time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

type Pipeline struct {
	chains payload.ChainLookup
	logger *logrus.Logger
	opts   Options
}

func NewPipeline(chains payload.ChainLookup, logger *logrus.Logger, opts Options) *Pipeline {
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 20 * time.Second
	}
	return &Pipeline{chains: chains, logger: logger, opts: opts}
}

// RequiredNative is Σ value + gas × gasPrice.
func RequiredNative(payloads []payload.Payload, gas uint64, gasPrice *big.Int) *big.Int {
	return new(big.Int).Add(NativeValue(payloads), GasCost(gas, gasPrice))
}

// NativeValue is Σ value.
func NativeValue(payloads []payload.Payload) *big.Int {
	total := big.NewInt(0)
	for _, p := range payloads {
		if p.Value != nil {
			total.Add(total, p.Value)
		}
	}
	return total
}

func GasCost(gas uint64, gasPrice *big.Int) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice)
}

// EnsureFunded makes sure account can cover the value payloads move and
// payer can cover gas. When payer is the account both are checked against
// one balance. Only gas is ever topped up on a separate payer: native value
// must already sit in the account. At most one treasury top-up is sent per
// call. A shortfall that cannot be covered is returned as an
// InsufficientFunds error carrying the exact numbers.
func (p *Pipeline) EnsureFunded(ctx context.Context, chainID int64, account, payer common.Address, payloads []payload.Payload, gas uint64) (Result, error) {
	chain, err := p.chains.Get(chainID)
	if err != nil {
		return Result{}, err
	}
	logger := p.logger.WithFields(logrus.Fields{
		"chain_id": chainID,
		"account":  account.Hex(),
		"payer":    payer.Hex(),
	})

	if err := p.checkTokenBalances(ctx, chain, account, payloads); err != nil {
		return Result{}, err
	}

	gasPrice, live := chain.GasPrice(ctx, p.opts.RPCTimeout)
	if !live {
		logger.WithField("gas_price", gasPrice.String()).Warn("Gas price unavailable, using chain default")
	}

	balance, err := p.balance(ctx, chain, account)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Balance:      balance,
		Payer:        payer,
		GasPrice:     gasPrice,
		GasPriceLive: live,
	}

	// gasOwner is whoever must be topped up when gas is short.
	gasOwner, gasBalance, gasRequired := account, balance, RequiredNative(payloads, gas, gasPrice)
	if payer == account {
		res.Required = gasRequired
	} else {
		res.Required = NativeValue(payloads)
		if balance.Cmp(res.Required) < 0 {
			shortfall := &types.Shortfall{Current: balance, Required: res.Required, Deficit: new(big.Int).Sub(res.Required, balance)}
			return res, &types.TransactionError{
				Code:      types.ErrInsufficientFunds,
				Message:   fmt.Sprintf("account %s holds too little native value: %s", account.Hex(), shortfall),
				Shortfall: shortfall,
			}
		}
		payerBalance, err := p.balance(ctx, chain, payer)
		if err != nil {
			return res, err
		}
		res.PayerBalance = payerBalance
		res.PayerRequired = GasCost(gas, gasPrice)
		gasOwner, gasBalance, gasRequired = payer, payerBalance, res.PayerRequired
	}

	if gasBalance.Cmp(gasRequired) >= 0 {
		res.Sufficient = true
		return res, nil
	}

	deficit := new(big.Int).Sub(gasRequired, gasBalance)
	shortfall := &types.Shortfall{Current: gasBalance, Required: gasRequired, Deficit: deficit}
	logger.WithFields(logrus.Fields{
		"short":    gasOwner.Hex(),
		"balance":  gasBalance.String(),
		"required": gasRequired.String(),
		"deficit":  deficit.String(),
	}).Info("Short of funds, topping up")

	topUp, err := p.topUp(ctx, chain, gasOwner, deficit, gasPrice, shortfall)
	if err != nil {
		return res, err
	}
	res.TopUp = topUp
	return res, nil
}

func (p *Pipeline) balance(ctx context.Context, chain *chains.Chain, addr common.Address) (*big.Int, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.RPCTimeout)
	defer cancel()
	balance, err := chain.Client.BalanceAt(callCtx, addr, nil)
	if err != nil {
		return nil, types.NewError(types.ErrSubmissionFailure, fmt.Sprintf("failed to read balance of %s", addr.Hex()), err)
	}
	return balance, nil
}

// topUp sends deficit plus the chain's margin from the treasury and waits
// for it to confirm. It never retries.
func (p *Pipeline) topUp(ctx context.Context, chain *chains.Chain, account common.Address, deficit, gasPrice *big.Int, shortfall *types.Shortfall) (*TopUp, error) {
	if chain.Treasury == nil {
		return nil, &types.TransactionError{
			Code:      types.ErrInsufficientFunds,
			Message:   fmt.Sprintf("account %s is short and chain %d has no treasury: %s", account.Hex(), chain.ChainID, shortfall),
			Shortfall: shortfall,
		}
	}

	amount := new(big.Int).Add(deficit, chain.TopUpMargin)
	treasuryNeeds := new(big.Int).Add(amount, new(big.Int).Mul(new(big.Int).SetUint64(chains.NativeTransferGas), gasPrice))
	treasuryBalance, err := p.balance(ctx, chain, chain.Treasury.Address)
	if err != nil {
		return nil, err
	}
	if treasuryBalance.Cmp(treasuryNeeds) < 0 {
		return nil, &types.TransactionError{
			Code: types.ErrInsufficientFunds,
			Message: fmt.Sprintf("treasury %s holds %s, needs %s to top up %s: %s",
				chain.Treasury.Address.Hex(), treasuryBalance, treasuryNeeds, account.Hex(), shortfall),
			Shortfall: shortfall,
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.opts.RPCTimeout)
	tx, err := chain.Send(callCtx, chain.Treasury.Key, chains.TxRequest{
		To:       account,
		Value:    amount,
		Gas:      chains.NativeTransferGas,
		GasPrice: gasPrice,
	})
	cancel()
	if err != nil {
		return nil, &types.TransactionError{
			Code:      types.ErrInsufficientFunds,
			Message:   fmt.Sprintf("top-up of %s failed: %s", account.Hex(), shortfall),
			Err:       err,
			Shortfall: shortfall,
		}
	}

	p.logger.WithFields(logrus.Fields{
		"chain_id": chain.ChainID,
		"account":  account.Hex(),
		"amount":   amount.String(),
		"tx_hash":  tx.Hash().Hex(),
	}).Info("Top-up sent")

	if _, err := chain.WaitMined(ctx, tx, p.opts.ConfirmTimeout, p.opts.PollInterval); err != nil {
		return nil, &types.TransactionError{
			Code:      types.KindOf(err),
			Message:   fmt.Sprintf("top-up %s did not confirm: %s", tx.Hash().Hex(), shortfall),
			Err:       err,
			Shortfall: shortfall,
		}
	}
	return &TopUp{To: account, Amount: amount, TxHash: tx.Hash()}, nil
}

// checkTokenBalances verifies the account holds every token the payloads
// move. The treasury only tops up native gas, so a token shortfall is
// final for the attempt.
func (p *Pipeline) checkTokenBalances(ctx context.Context, chain *chains.Chain, account common.Address, payloads []payload.Payload) error {
	needs := map[common.Address]*big.Int{}
	for _, pl := range payloads {
		if pl.Token == nil || pl.TokenAmount == nil {
			continue
		}
		if _, ok := needs[*pl.Token]; !ok {
			needs[*pl.Token] = big.NewInt(0)
		}
		needs[*pl.Token].Add(needs[*pl.Token], pl.TokenAmount)
	}

	for token, need := range needs {
		callCtx, cancel := context.WithTimeout(ctx, p.opts.RPCTimeout)
		have, err := payload.TokenBalance(callCtx, chain.Client, token, account)
		cancel()
		if err != nil {
			return types.NewError(types.ErrSubmissionFailure, "failed to read token balance", err)
		}
		if have.Cmp(need) < 0 {
			shortfall := &types.Shortfall{Current: have, Required: need, Deficit: new(big.Int).Sub(need, have)}
			return &types.TransactionError{
				Code:      types.ErrInsufficientFunds,
				Message:   fmt.Sprintf("account %s holds too little of token %s: %s", account.Hex(), token.Hex(), shortfall),
				Shortfall: shortfall,
			}
		}
	}
	return nil
}
