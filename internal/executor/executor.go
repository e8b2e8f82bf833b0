package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/autotransfer/internal/chains"
	"github.com/vultisig/autotransfer/internal/funding"
	"github.com/vultisig/autotransfer/internal/payload"
	"github.com/vultisig/autotransfer/internal/types"
)

// ErrAborted is returned when the claim made before the first broadcast
// shows another sweep already owns the item.
var ErrAborted = errors.New("execution aborted: item already claimed")

type ChainRegistry interface {
	Get(chainID int64) (*chains.Chain, error)
	StrategyFor(chainID int64) (types.ExecutionMethod, error)
}

type Funder interface {
	EnsureFunded(ctx context.Context, chainID int64, account, payer common.Address, payloads []payload.Payload, gas uint64) (funding.Result, error)
}

// Intent is one logical execution: a set of payloads sent from one smart
// account.
type Intent struct {
	ItemID   uuid.UUID
	Kind     types.ItemKind
	ChainID  int64
	Account  types.SmartAccount
	Payloads []payload.Payload
	// Claim is called once, before anything is broadcast for the intent,
	// including a treasury top-up. An error aborts the attempt without
	// sending anything.
	Claim func(ctx context.Context) error
}

type Outcome struct {
	Attempt types.ExecutionAttempt
	// Claimed is true once Claim succeeded, so the caller knows whether it
	// owns the item's status.
	Claimed bool
	Err     error
}

func (o Outcome) Confirmed() bool {
	return o.Attempt.State == types.StateConfirmed
}

func (o Outcome) Aborted() bool {
	return o.Attempt.State == types.StateAborted
}

// TxHash is the hash of the last transaction sent, which for every intent
// is the one that moves the value.
func (o Outcome) TxHash() string {
	if len(o.Attempt.TxHashes) == 0 {
		return ""
	}
	return o.Attempt.TxHashes[len(o.Attempt.TxHashes)-1]
}

type Options struct {
	RPCTimeout     time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

type Executor struct {
	chains     ChainRegistry
	funder     Funder
	strategies map[types.ExecutionMethod]Strategy
	logger     *logrus.Logger
	opts       Options
}

func NewExecutor(registry ChainRegistry, funder Funder, logger *logrus.Logger, opts Options, strategies ...Strategy) *Executor {
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 20 * time.Second
	}
	e := &Executor{
		chains:     registry,
		funder:     funder,
		strategies: make(map[types.ExecutionMethod]Strategy, len(strategies)),
		logger:     logger,
		opts:       opts,
	}
	for _, s := range strategies {
		e.strategies[s.Method()] = s
	}
	return e
}

// Execute runs Built -> FundsChecked -> Signed -> Submitted -> Confirmed,
// claiming the item between Built and FundsChecked. It never retries; any
// failure ends the attempt.
func (e *Executor) Execute(ctx context.Context, in Intent) Outcome {
	out := Outcome{Attempt: types.ExecutionAttempt{
		ID:        uuid.New(),
		ItemID:    in.ItemID,
		Kind:      in.Kind,
		ChainID:   in.ChainID,
		Reached:   types.StateBuilt,
		TxHashes:  []string{},
		StartedAt: time.Now().UTC(),
	}}
	logger := e.logger.WithFields(logrus.Fields{
		"item_id":  in.ItemID,
		"kind":     in.Kind,
		"chain_id": in.ChainID,
		"account":  in.Account.Address,
	})

	advance := func(state types.ExecutionState, fields logrus.Fields) {
		out.Attempt.Reached = state
		logger.WithFields(fields).WithField("state", state).Info("Execution advanced")
	}
	fail := func(err error) Outcome {
		out.Attempt.State = types.StateFailed
		out.Attempt.FinishedAt = time.Now().UTC()
		code := types.KindOf(err)
		msg := err.Error()
		out.Attempt.ErrorCode = &code
		out.Attempt.ErrorMessage = &msg
		out.Err = err
		logger.WithFields(logrus.Fields{
			"reached": out.Attempt.Reached,
			"code":    code,
			"error":   msg,
		}).Error("Execution failed")
		return out
	}

	method, err := e.chains.StrategyFor(in.ChainID)
	if err != nil {
		return fail(err)
	}
	out.Attempt.Method = method
	strategy, ok := e.strategies[method]
	if !ok {
		return fail(types.NewError(types.ErrUnsupportedChain, fmt.Sprintf("no %s strategy configured", method), nil))
	}
	chain, err := e.chains.Get(in.ChainID)
	if err != nil {
		return fail(err)
	}
	if len(in.Payloads) == 0 {
		return fail(types.NewError(types.ErrSubmissionFailure, "nothing to execute", nil))
	}
	if !in.Account.IsActive() || in.Account.ChainID != in.ChainID {
		return fail(types.NewError(types.ErrSigningFailure, fmt.Sprintf("account %s is not active on chain %d", in.Account.Address, in.ChainID), nil))
	}

	gas := e.estimateGas(ctx, strategy, chain, in, logger)
	var totalGas uint64
	for _, g := range gas {
		totalGas += g
	}

	keyCtx, cancel := context.WithTimeout(ctx, e.opts.RPCTimeout)
	key, err := strategy.Sender(keyCtx, chain, in.Account)
	cancel()
	if err != nil {
		return fail(err)
	}
	payer := crypto.PubkeyToAddress(key.PublicKey)

	// The claim comes before funding because a top-up is already a
	// broadcast.
	if in.Claim != nil {
		if err := in.Claim(ctx); err != nil {
			out.Attempt.State = types.StateAborted
			out.Attempt.FinishedAt = time.Now().UTC()
			out.Err = fmt.Errorf("%w: %v", ErrAborted, err)
			logger.WithError(err).Warn("Execution aborted, item already claimed")
			return out
		}
	}
	out.Claimed = true

	funded, err := e.funder.EnsureFunded(ctx, in.ChainID, in.Account.AddressHex(), payer, in.Payloads, totalGas)
	if funded.TopUp != nil {
		h := funded.TopUp.TxHash.Hex()
		out.Attempt.TopUpTxHash = &h
	}
	if err != nil {
		return fail(err)
	}
	fields := logrus.Fields{
		"required":  funded.Required.String(),
		"balance":   funded.Balance.String(),
		"topped_up": funded.TopUp != nil,
	}
	if funded.PayerRequired != nil {
		fields["gas_payer"] = payer.Hex()
		fields["payer_required"] = funded.PayerRequired.String()
		fields["payer_balance"] = funded.PayerBalance.String()
	}
	advance(types.StateFundsChecked, fields)

	signCtx, cancel := context.WithTimeout(ctx, e.opts.RPCTimeout)
	auth, err := strategy.Authorize(signCtx, chain, in.Account, key, in.Payloads, gas, funded.GasPrice)
	cancel()
	if err != nil {
		return fail(err)
	}
	advance(types.StateSigned, logrus.Fields{"method": method})

	for _, req := range auth.Requests {
		sendCtx, cancel := context.WithTimeout(ctx, e.opts.RPCTimeout)
		tx, err := chain.Send(sendCtx, auth.Key, req)
		cancel()
		if err != nil {
			return fail(err)
		}
		out.Attempt.TxHashes = append(out.Attempt.TxHashes, tx.Hash().Hex())
		advance(types.StateSubmitted, logrus.Fields{"tx_hash": tx.Hash().Hex()})

		if _, err := chain.WaitMined(ctx, tx, e.confirmTimeout(chain), e.opts.PollInterval); err != nil {
			return fail(err)
		}
	}

	advance(types.StateConfirmed, logrus.Fields{"tx_hash": out.TxHash()})
	out.Attempt.State = types.StateConfirmed
	out.Attempt.FinishedAt = time.Now().UTC()
	return out
}

// estimateGas asks the strategy per payload and falls back to the chain's
// default gas limit when estimation fails.
func (e *Executor) estimateGas(ctx context.Context, strategy Strategy, chain *chains.Chain, in Intent, logger *logrus.Entry) []uint64 {
	gas := make([]uint64, len(in.Payloads))
	for i, p := range in.Payloads {
		callCtx, cancel := context.WithTimeout(ctx, e.opts.RPCTimeout)
		g, err := strategy.EstimateGas(callCtx, chain, in.Account, p)
		cancel()
		if err != nil || g == 0 {
			logger.WithFields(logrus.Fields{
				"payload":   i,
				"error":     err,
				"gas_limit": chain.DefaultGasLimit,
			}).Warn("Gas estimation failed, using chain default")
			g = chain.DefaultGasLimit
		}
		gas[i] = g
	}
	return gas
}

func (e *Executor) confirmTimeout(chain *chains.Chain) time.Duration {
	if chain.ConfirmTimeout > 0 {
		return chain.ConfirmTimeout
	}
	return e.opts.ConfirmTimeout
}

