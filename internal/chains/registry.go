package chains

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/autotransfer/config"
	"github.com/vultisig/autotransfer/internal/types"
)

type Token struct {
	Symbol   string
	Address  common.Address
	Decimals uint8
}

type Swap struct {
	Router        common.Address
	WrappedNative common.Address
	SlippageBps   int64
	Deadline      time.Duration
}

// Profile is the immutable description of one configured chain.
type Profile struct {
	ChainID         int64
	Name            string
	RPCURL          string
	Strategy        types.ExecutionMethod
	NativeSymbol    string
	DefaultGasPrice *big.Int
	DefaultGasLimit uint64
	GasMultiplier   float64
	TopUpMargin     *big.Int
	ConfirmTimeout  time.Duration
	Tokens          map[string]Token
	Swap            *Swap
}

// Signer is a locally held key used to send raw transactions.
type Signer struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &Signer{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Chain bundles a profile with its live handles.
type Chain struct {
	Profile
	Client   Client
	Treasury *Signer
	Relayer  *Signer

	nonces NonceManager
}

func (c *Chain) ChainIDBig() *big.Int {
	return big.NewInt(c.ChainID)
}

// Token looks an asset up by symbol (case-insensitive) or contract address.
func (c *Chain) Token(asset string) (Token, bool) {
	if t, ok := c.Tokens[strings.ToUpper(asset)]; ok {
		return t, true
	}
	if common.IsHexAddress(asset) {
		addr := common.HexToAddress(asset)
		for _, t := range c.Tokens {
			if t.Address == addr {
				return t, true
			}
		}
	}
	return Token{}, false
}

func (c *Chain) IsNative(asset string) bool {
	return strings.EqualFold(asset, c.NativeSymbol) || strings.EqualFold(asset, "native")
}

// GasPrice asks the network and applies the chain's multiplier. On any RPC
// error the chain's default is returned and live is false.
func (c *Chain) GasPrice(ctx context.Context, timeout time.Duration) (price *big.Int, live bool) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	suggested, err := c.Client.SuggestGasPrice(callCtx)
	if err != nil || suggested == nil || suggested.Sign() <= 0 {
		return new(big.Int).Set(c.DefaultGasPrice), false
	}
	multiplied := decimal.NewFromBigInt(suggested, 0).Mul(decimal.NewFromFloat(c.GasMultiplier))
	return multiplied.Ceil().BigInt(), true
}

type Registry struct {
	chains map[int64]*Chain
	logger *logrus.Logger
}

type Options struct {
	Dialer    Dialer
	KeyLookup func(name string) string
}

// NewRegistry builds the table from configuration. Chains are dialed once;
// the table never changes afterwards.
func NewRegistry(ctx context.Context, cfgs []config.ChainConfig, logger *logrus.Logger, opts Options) (*Registry, error) {
	if opts.Dialer == nil {
		opts.Dialer = DialEthClient
	}
	if opts.KeyLookup == nil {
		opts.KeyLookup = os.Getenv
	}

	r := &Registry{
		chains: make(map[int64]*Chain, len(cfgs)),
		logger: logger,
	}
	for _, cfg := range cfgs {
		profile, err := profileFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		client, err := opts.Dialer(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to dial chain %d: %w", cfg.ChainID, err)
		}
		chain := &Chain{Profile: profile, Client: client}

		if cfg.TreasuryKeyEnv != "" {
			if chain.Treasury, err = loadSigner(opts.KeyLookup, cfg.TreasuryKeyEnv); err != nil {
				return nil, fmt.Errorf("chain %d treasury: %w", cfg.ChainID, err)
			}
		} else {
			logger.WithField("chain_id", cfg.ChainID).Warn("No treasury key configured, top-ups disabled")
		}
		if cfg.RelayerKeyEnv != "" {
			if chain.Relayer, err = loadSigner(opts.KeyLookup, cfg.RelayerKeyEnv); err != nil {
				return nil, fmt.Errorf("chain %d relayer: %w", cfg.ChainID, err)
			}
		}
		if profile.Strategy == types.MethodMultisig && chain.Relayer == nil {
			return nil, fmt.Errorf("chain %d uses multisig but has no relayer key", cfg.ChainID)
		}

		r.chains[cfg.ChainID] = chain
		logger.WithFields(logrus.Fields{
			"chain_id": cfg.ChainID,
			"name":     profile.Name,
			"strategy": profile.Strategy,
		}).Info("Chain registered")
	}
	return r, nil
}

func loadSigner(lookup func(string) string, envName string) (*Signer, error) {
	raw := lookup(envName)
	if raw == "" {
		return nil, fmt.Errorf("environment variable %s is empty", envName)
	}
	return NewSigner(raw)
}

func profileFromConfig(cfg config.ChainConfig) (Profile, error) {
	defaults := defaultsFor(cfg.ChainID)
	p := Profile{
		ChainID:         cfg.ChainID,
		Name:            cfg.Name,
		RPCURL:          cfg.RPCURL,
		Strategy:        types.ExecutionMethod(cfg.Strategy),
		NativeSymbol:    cfg.NativeSymbol,
		DefaultGasLimit: cfg.DefaultGasLimit,
		GasMultiplier:   cfg.GasMultiplier,
		ConfirmTimeout:  cfg.ConfirmTimeout,
		Tokens:          make(map[string]Token, len(cfg.Tokens)),
	}
	if !p.Strategy.Valid() {
		return Profile{}, fmt.Errorf("chain %d: unknown strategy %q", cfg.ChainID, cfg.Strategy)
	}
	if p.Name == "" {
		p.Name = defaults.name
	}
	if p.NativeSymbol == "" {
		p.NativeSymbol = defaults.nativeSymbol
	}
	if p.DefaultGasLimit == 0 {
		p.DefaultGasLimit = defaults.gasLimit
	}
	if p.GasMultiplier <= 0 {
		p.GasMultiplier = 1.1
	}

	p.DefaultGasPrice = gweiToWei(defaults.gasPriceGwei)
	if cfg.DefaultGasPrice != "" {
		gwei, err := decimal.NewFromString(cfg.DefaultGasPrice)
		if err != nil || !gwei.IsPositive() {
			return Profile{}, fmt.Errorf("chain %d: invalid default_gas_price %q", cfg.ChainID, cfg.DefaultGasPrice)
		}
		p.DefaultGasPrice = gwei.Shift(9).Ceil().BigInt()
	}

	margin := "0.001"
	if cfg.TopUpMargin != "" {
		margin = cfg.TopUpMargin
	}
	m, err := decimal.NewFromString(margin)
	if err != nil || m.IsNegative() {
		return Profile{}, fmt.Errorf("chain %d: invalid top_up_margin %q", cfg.ChainID, cfg.TopUpMargin)
	}
	p.TopUpMargin = m.Shift(18).BigInt()

	for _, t := range cfg.Tokens {
		if !common.IsHexAddress(t.Address) {
			return Profile{}, fmt.Errorf("chain %d: token %s has invalid address %q", cfg.ChainID, t.Symbol, t.Address)
		}
		p.Tokens[strings.ToUpper(t.Symbol)] = Token{
			Symbol:   strings.ToUpper(t.Symbol),
			Address:  common.HexToAddress(t.Address),
			Decimals: t.Decimals,
		}
	}

	if cfg.Swap.Router != "" {
		if !common.IsHexAddress(cfg.Swap.Router) || !common.IsHexAddress(cfg.Swap.WrappedNative) {
			return Profile{}, fmt.Errorf("chain %d: invalid swap router or wrapped native address", cfg.ChainID)
		}
		p.Swap = &Swap{
			Router:        common.HexToAddress(cfg.Swap.Router),
			WrappedNative: common.HexToAddress(cfg.Swap.WrappedNative),
			SlippageBps:   cfg.Swap.SlippageBps,
			Deadline:      cfg.Swap.Deadline,
		}
		if p.Swap.SlippageBps <= 0 {
			p.Swap.SlippageBps = 50
		}
		if p.Swap.Deadline <= 0 {
			p.Swap.Deadline = 20 * time.Minute
		}
	}
	return p, nil
}

// NewRegistryFromChains is used by tests and tools that already hold
// connected chains.
func NewRegistryFromChains(logger *logrus.Logger, chains ...*Chain) *Registry {
	r := &Registry{chains: make(map[int64]*Chain, len(chains)), logger: logger}
	for _, c := range chains {
		r.chains[c.ChainID] = c
	}
	return r
}

func (r *Registry) IsKnown(chainID int64) bool {
	_, ok := r.chains[chainID]
	return ok
}

func (r *Registry) StrategyFor(chainID int64) (types.ExecutionMethod, error) {
	c, ok := r.chains[chainID]
	if !ok {
		return "", types.UnsupportedChain(chainID)
	}
	return c.Strategy, nil
}

func (r *Registry) Get(chainID int64) (*Chain, error) {
	c, ok := r.chains[chainID]
	if !ok {
		return nil, types.UnsupportedChain(chainID)
	}
	return c, nil
}

// ChainIDs returns the configured chain ids in ascending order.
func (r *Registry) ChainIDs() []int64 {
	ids := make([]int64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Len() int {
	return len(r.chains)
}
