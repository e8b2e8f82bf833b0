package executor

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/autotransfer/internal/chains"
	"github.com/vultisig/autotransfer/internal/chains/chaintest"
	"github.com/vultisig/autotransfer/internal/funding"
	"github.com/vultisig/autotransfer/internal/payload"
	"github.com/vultisig/autotransfer/internal/types"
)

const (
	relayerHex   = "8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"
	agentHex     = "ae6ae8e5ccbfb04590405997ee2d52d2b330726137b875053c36d94e974d162f"
	custodialHex = "0123456789012345678901234567890123456789012345678901234567890123"
	strangerHex  = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	treasuryHex  = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
)

var (
	safeAddr  = common.HexToAddress("0x00000000000000000000000000000000000005af")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func mustKey(t *testing.T, hex string) *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(hex)
	require.NoError(t, err)
	return key
}

// fakeSigner signs typed data with signKey and hands out execKey.
type fakeSigner struct {
	mu         sync.Mutex
	signKey    *ecdsa.PrivateKey
	execKey    *ecdsa.PrivateKey
	typedCalls int
	keyCalls   int
	signErr    error
}

func (f *fakeSigner) SignTypedData(ctx context.Context, walletID string, chainID int64, data apitypes.TypedData) ([]byte, error) {
	f.mu.Lock()
	f.typedCalls++
	f.mu.Unlock()
	if f.signErr != nil {
		return nil, f.signErr
	}
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(hash, f.signKey)
}

func (f *fakeSigner) GetPrivateExecutionKey(ctx context.Context, walletID string) (*ecdsa.PrivateKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyCalls++
	return f.execKey, nil
}

type testEnv struct {
	executor *Executor
	signer   *fakeSigner
	safe     *chaintest.Client
	custom   *chaintest.Client
	relayer  *chains.Signer
	treasury *chains.Signer
}

func newTestEnv(t *testing.T) *testEnv {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	relayer, err := chains.NewSigner(relayerHex)
	require.NoError(t, err)
	treasury, err := chains.NewSigner(treasuryHex)
	require.NoError(t, err)

	safeClient := chaintest.NewClient(8453)
	nonceSel := crypto.Keccak256([]byte("nonce()"))[:4]
	safeClient.CallFn = func(call ethereum.CallMsg) ([]byte, error) {
		if *call.To == safeAddr && bytes.Equal(call.Data, nonceSel) {
			return common.LeftPadBytes(big.NewInt(7).Bytes(), 32), nil
		}
		return nil, errors.New("unexpected call")
	}
	customClient := chaintest.NewClient(30)

	registry := chains.NewRegistryFromChains(logger,
		&chains.Chain{
			Profile: chains.Profile{ChainID: 8453, Strategy: types.MethodMultisig, NativeSymbol: "ETH",
				DefaultGasPrice: big.NewInt(1), DefaultGasLimit: 300_000, GasMultiplier: 1, TopUpMargin: big.NewInt(0)},
			Client:  safeClient,
			Relayer: relayer,
		},
		&chains.Chain{
			Profile: chains.Profile{ChainID: 30, Strategy: types.MethodCustomAccount, NativeSymbol: "RBTC",
				DefaultGasPrice: big.NewInt(1), DefaultGasLimit: 300_000, GasMultiplier: 1, TopUpMargin: big.NewInt(0)},
			Client:   customClient,
			Treasury: treasury,
		},
	)

	fs := &fakeSigner{signKey: mustKey(t, agentHex), execKey: mustKey(t, custodialHex)}
	opts := Options{RPCTimeout: time.Second, ConfirmTimeout: 100 * time.Millisecond, PollInterval: 10 * time.Millisecond}
	pipeline := funding.NewPipeline(registry, logger, funding.Options{
		RPCTimeout: opts.RPCTimeout, ConfirmTimeout: opts.ConfirmTimeout, PollInterval: opts.PollInterval,
	})
	exec := NewExecutor(registry, pipeline, logger, opts, NewSafeStrategy(fs, logger), NewDirectStrategy(fs, logger))
	return &testEnv{executor: exec, signer: fs, safe: safeClient, custom: customClient, relayer: relayer, treasury: treasury}
}

func (env *testEnv) safeAccount(t *testing.T) types.SmartAccount {
	env.safe.SetBalance(safeAddr, big.NewInt(1_000_000_000))
	env.safe.SetBalance(env.relayer.Address, big.NewInt(1_000_000_000))
	return types.SmartAccount{
		ChainID:       8453,
		Address:       safeAddr.Hex(),
		AgentWalletID: "agent-1",
		AgentAddress:  crypto.PubkeyToAddress(mustKey(t, agentHex).PublicKey).Hex(),
		Status:        types.AccountActive,
	}
}

func (env *testEnv) customAccount(t *testing.T, address common.Address) types.SmartAccount {
	env.custom.SetBalance(address, big.NewInt(1_000_000_000))
	return types.SmartAccount{
		ChainID:           30,
		Address:           address.Hex(),
		CustodialWalletID: "custodial-1",
		Status:            types.AccountActive,
	}
}

func transferIntent(chainID int64, account types.SmartAccount, claim func(context.Context) error) Intent {
	return Intent{
		ItemID:   uuid.New(),
		Kind:     types.KindScheduledTransfer,
		ChainID:  chainID,
		Account:  account,
		Payloads: []payload.Payload{{To: recipient, Value: big.NewInt(1000), Data: []byte{}}},
		Claim:    claim,
	}
}

func TestStrategySelection(t *testing.T) {
	execSel := crypto.Keccak256([]byte("execTransaction(address,uint256,bytes,uint8,uint256,uint256,uint256,address,address,bytes)"))[:4]

	t.Run("Multisig chain requests a typed-data signature", func(t *testing.T) {
		env := newTestEnv(t)
		out := env.executor.Execute(context.Background(), transferIntent(8453, env.safeAccount(t), nil))
		require.NoError(t, out.Err)
		assert.True(t, out.Confirmed())
		assert.Equal(t, types.MethodMultisig, out.Attempt.Method)
		assert.Equal(t, 1, env.signer.typedCalls)
		assert.Zero(t, env.signer.keyCalls)

		sent := env.safe.SentTransactions()
		require.Len(t, sent, 1)
		assert.Equal(t, safeAddr, *sent[0].To())
		assert.Equal(t, execSel, sent[0].Data()[:4])
		from, err := gtypes.Sender(gtypes.LatestSignerForChainID(big.NewInt(8453)), sent[0])
		require.NoError(t, err)
		assert.Equal(t, env.relayer.Address, from)
		assert.Equal(t, sent[0].Hash().Hex(), out.TxHash())
	})

	t.Run("Custom-account chain never requests a typed-data signature", func(t *testing.T) {
		env := newTestEnv(t)
		keyAddr := crypto.PubkeyToAddress(mustKey(t, custodialHex).PublicKey)
		out := env.executor.Execute(context.Background(), transferIntent(30, env.customAccount(t, keyAddr), nil))
		require.NoError(t, out.Err)
		assert.True(t, out.Confirmed())
		assert.Equal(t, types.MethodCustomAccount, out.Attempt.Method)
		assert.Zero(t, env.signer.typedCalls)
		assert.Equal(t, 1, env.signer.keyCalls)

		sent := env.custom.SentTransactions()
		require.Len(t, sent, 1)
		assert.Equal(t, recipient, *sent[0].To())
		assert.Equal(t, "1000", sent[0].Value().String())
		assert.Equal(t, "1000", env.custom.Balance(recipient).String())
	})

	t.Run("Custom-account contract is called through execute", func(t *testing.T) {
		env := newTestEnv(t)
		contract := common.HexToAddress("0x00000000000000000000000000000000000000cc")
		keyAddr := crypto.PubkeyToAddress(mustKey(t, custodialHex).PublicKey)
		env.custom.SetBalance(keyAddr, big.NewInt(1_000_000_000))

		out := env.executor.Execute(context.Background(), transferIntent(30, env.customAccount(t, contract), nil))
		require.NoError(t, out.Err)
		sent := env.custom.SentTransactions()
		require.Len(t, sent, 1)
		assert.Equal(t, contract, *sent[0].To())
		assert.Zero(t, sent[0].Value().Sign())
		assert.Equal(t, crypto.Keccak256([]byte("execute(address,uint256,bytes)"))[:4], sent[0].Data()[:4])
		assert.Zero(t, env.signer.typedCalls)
		assert.Nil(t, out.Attempt.TopUpTxHash)
	})
}

func TestGasPayerFunding(t *testing.T) {
	contract := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	testCases := []struct {
		name            string
		treasuryBalance int64
		wantConfirmed   bool
	}{
		{name: "Key address is topped up", treasuryBalance: 1_000_000_000, wantConfirmed: true},
		{name: "Treasury cannot cover the key address", treasuryBalance: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			keyAddr := crypto.PubkeyToAddress(mustKey(t, custodialHex).PublicKey)
			// only the contract holds funds; the key that pays gas is empty
			account := env.customAccount(t, contract)
			env.custom.SetBalance(env.treasury.Address, big.NewInt(tc.treasuryBalance))

			claims := 0
			out := env.executor.Execute(context.Background(), transferIntent(30, account, countClaims(&claims, nil)))
			assert.Equal(t, 1, claims)
			assert.True(t, out.Claimed)
			sent := env.custom.SentTransactions()

			if !tc.wantConfirmed {
				require.Error(t, out.Err)
				assert.True(t, types.IsKind(out.Err, types.ErrInsufficientFunds))
				var txErr *types.TransactionError
				require.True(t, errors.As(out.Err, &txErr))
				assert.Zero(t, txErr.Shortfall.Current.Sign())
				assert.Empty(t, sent)
				return
			}

			require.NoError(t, out.Err)
			require.Len(t, sent, 2)
			assert.Equal(t, keyAddr, *sent[0].To())
			require.NotNil(t, out.Attempt.TopUpTxHash)
			assert.Equal(t, sent[0].Hash().Hex(), *out.Attempt.TopUpTxHash)
			assert.Equal(t, contract, *sent[1].To())
			from, err := gtypes.Sender(gtypes.LatestSignerForChainID(big.NewInt(30)), sent[1])
			require.NoError(t, err)
			assert.Equal(t, keyAddr, from)
			assert.Equal(t, "1000000000", env.custom.Balance(contract).String())
		})
	}
}

func TestLosingClaimSendsNoTopUp(t *testing.T) {
	env := newTestEnv(t)
	contract := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	account := env.customAccount(t, contract)
	env.custom.SetBalance(env.treasury.Address, big.NewInt(1_000_000_000))

	claims := 0
	out := env.executor.Execute(context.Background(), transferIntent(30, account, countClaims(&claims, errors.New("status conflict"))))
	assert.True(t, out.Aborted())
	assert.False(t, out.Claimed)
	assert.Nil(t, out.Attempt.TopUpTxHash)
	assert.Empty(t, env.custom.SentTransactions())
	assert.Equal(t, "1000000000", env.custom.Balance(env.treasury.Address).String())
}

func TestExecuteFailures(t *testing.T) {
	testCases := []struct {
		name        string
		setup       func(t *testing.T, env *testEnv) (Intent, *int)
		wantState   types.ExecutionState
		wantReached types.ExecutionState
		wantCode    string
		wantClaimed bool
		wantSent    int
	}{
		{
			name: "Signature from the wrong owner",
			setup: func(t *testing.T, env *testEnv) (Intent, *int) {
				env.signer.signKey = mustKey(t, strangerHex)
				claims := 0
				return transferIntent(8453, env.safeAccount(t), countClaims(&claims, nil)), &claims
			},
			wantState:   types.StateFailed,
			wantReached: types.StateFundsChecked,
			wantCode:    types.ErrSigningFailure,
			wantClaimed: true,
		},
		{
			name: "Signer unavailable",
			setup: func(t *testing.T, env *testEnv) (Intent, *int) {
				env.signer.signErr = errors.New("signer down")
				claims := 0
				return transferIntent(8453, env.safeAccount(t), countClaims(&claims, nil)), &claims
			},
			wantState:   types.StateFailed,
			wantReached: types.StateFundsChecked,
			wantCode:    types.ErrSigningFailure,
			wantClaimed: true,
		},
		{
			name: "Claimed by someone else",
			setup: func(t *testing.T, env *testEnv) (Intent, *int) {
				claims := 0
				return transferIntent(8453, env.safeAccount(t), countClaims(&claims, errors.New("status conflict"))), &claims
			},
			wantState:   types.StateAborted,
			wantReached: types.StateBuilt,
		},
		{
			name: "Account cannot pay and no treasury",
			setup: func(t *testing.T, env *testEnv) (Intent, *int) {
				account := env.safeAccount(t)
				env.safe.SetBalance(safeAddr, big.NewInt(0))
				claims := 0
				return transferIntent(8453, account, countClaims(&claims, nil)), &claims
			},
			wantState:   types.StateFailed,
			wantReached: types.StateBuilt,
			wantCode:    types.ErrInsufficientFunds,
			wantClaimed: true,
		},
		{
			name: "Relayer cannot pay gas and no treasury",
			setup: func(t *testing.T, env *testEnv) (Intent, *int) {
				account := env.safeAccount(t)
				env.safe.SetBalance(env.relayer.Address, big.NewInt(0))
				claims := 0
				return transferIntent(8453, account, countClaims(&claims, nil)), &claims
			},
			wantState:   types.StateFailed,
			wantReached: types.StateBuilt,
			wantCode:    types.ErrInsufficientFunds,
			wantClaimed: true,
		},
		{
			name: "Never confirmed",
			setup: func(t *testing.T, env *testEnv) (Intent, *int) {
				env.safe.NotMined = true
				claims := 0
				return transferIntent(8453, env.safeAccount(t), countClaims(&claims, nil)), &claims
			},
			wantState:   types.StateFailed,
			wantReached: types.StateSubmitted,
			wantCode:    types.ErrConfirmationTimeout,
			wantClaimed: true,
			wantSent:    1,
		},
		{
			name: "Reverted on chain",
			setup: func(t *testing.T, env *testEnv) (Intent, *int) {
				env.safe.Revert = true
				claims := 0
				return transferIntent(8453, env.safeAccount(t), countClaims(&claims, nil)), &claims
			},
			wantState:   types.StateFailed,
			wantReached: types.StateSubmitted,
			wantCode:    types.ErrSubmissionFailure,
			wantClaimed: true,
			wantSent:    1,
		},
		{
			name: "Unknown chain",
			setup: func(t *testing.T, env *testEnv) (Intent, *int) {
				claims := 0
				account := env.safeAccount(t)
				account.ChainID = 1
				return transferIntent(1, account, countClaims(&claims, nil)), &claims
			},
			wantState:   types.StateFailed,
			wantReached: types.StateBuilt,
			wantCode:    types.ErrUnsupportedChain,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			intent, claims := tc.setup(t, env)

			out := env.executor.Execute(context.Background(), intent)
			require.Error(t, out.Err)
			assert.Equal(t, tc.wantState, out.Attempt.State)
			assert.Equal(t, tc.wantReached, out.Attempt.Reached)
			assert.Equal(t, tc.wantClaimed, out.Claimed)
			assert.Len(t, env.safe.SentTransactions(), tc.wantSent)
			if tc.wantCode != "" {
				require.NotNil(t, out.Attempt.ErrorCode)
				assert.Equal(t, tc.wantCode, *out.Attempt.ErrorCode)
			}
			if tc.wantState == types.StateAborted {
				assert.ErrorIs(t, out.Err, ErrAborted)
			}
			if tc.wantClaimed || tc.wantState == types.StateAborted {
				assert.Equal(t, 1, *claims)
			} else {
				assert.Zero(t, *claims)
			}
		})
	}
}

func countClaims(n *int, err error) func(context.Context) error {
	return func(ctx context.Context) error {
		*n++
		return err
	}
}
