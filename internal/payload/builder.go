package payload

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/autotransfer/internal/chains"
	"github.com/vultisig/autotransfer/internal/nameresolver"
	"github.com/vultisig/autotransfer/internal/types"
)

const nativeDecimals = 18

// Payload is the (to, value, data) triple sent from the paying account.
type Payload struct {
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
	Data  []byte         `json:"data"`
	// Token and TokenAmount are set for fungible transfers so the funding
	// check can verify the token balance too.
	Token       *common.Address `json:"token,omitempty"`
	TokenAmount *big.Int        `json:"token_amount,omitempty"`
}

func (p Payload) String() string {
	return fmt.Sprintf("to=%s value=%s data=%d bytes", p.To.Hex(), p.Value, len(p.Data))
}

type ChainLookup interface {
	Get(chainID int64) (*chains.Chain, error)
}

type Builder struct {
	chains     ChainLookup
	names      nameresolver.Resolver
	logger     *logrus.Logger
	rpcTimeout time.Duration
}

func NewBuilder(chains ChainLookup, names nameresolver.Resolver, logger *logrus.Logger, rpcTimeout time.Duration) *Builder {
	if names == nil {
		names = nameresolver.Passthrough{}
	}
	if rpcTimeout <= 0 {
		rpcTimeout = 20 * time.Second
	}
	return &Builder{
		chains:     chains,
		names:      names,
		logger:     logger,
		rpcTimeout: rpcTimeout,
	}
}

// Build produces the payload for sending amount of asset to recipient on
// chainID. Recipient may be a name; if resolution fails the raw input is
// used and must then itself be a valid address.
func (b *Builder) Build(ctx context.Context, asset, amount, recipient string, chainID int64) (Payload, error) {
	chain, err := b.chains.Get(chainID)
	if err != nil {
		return Payload{}, err
	}

	to, err := b.ResolveRecipient(ctx, recipient, chainID)
	if err != nil {
		return Payload{}, err
	}

	if chain.IsNative(asset) {
		value, err := ToBaseUnits(amount, nativeDecimals)
		if err != nil {
			return Payload{}, err
		}
		return Payload{To: to, Value: value, Data: []byte{}}, nil
	}

	token, err := b.lookupToken(ctx, chain, asset)
	if err != nil {
		return Payload{}, err
	}
	value, err := ToBaseUnits(amount, token.Decimals)
	if err != nil {
		return Payload{}, err
	}
	data, err := PackTransfer(to, value)
	if err != nil {
		return Payload{}, err
	}
	tokenAddr := token.Address
	return Payload{
		To:          token.Address,
		Value:       big.NewInt(0),
		Data:        data,
		Token:       &tokenAddr,
		TokenAmount: value,
	}, nil
}

// ResolveRecipient turns a name into an address. A resolution failure is
// logged as a fallback and the raw input is used as-is; it is never
// replaced by a placeholder.
func (b *Builder) ResolveRecipient(ctx context.Context, recipient string, chainID int64) (common.Address, error) {
	recipient = strings.TrimSpace(recipient)
	resolved := recipient
	if !common.IsHexAddress(recipient) {
		callCtx, cancel := context.WithTimeout(ctx, b.rpcTimeout)
		out, err := b.names.Resolve(callCtx, recipient, chainID)
		cancel()
		if err != nil || out == "" {
			b.logger.WithFields(logrus.Fields{
				"recipient": recipient,
				"chain_id":  chainID,
				"code":      types.ErrNameResolutionFallback,
				"error":     err,
			}).Warn("Name resolution failed, using raw recipient")
		} else {
			resolved = out
		}
	}
	if !common.IsHexAddress(resolved) {
		return common.Address{}, fmt.Errorf("recipient %q is neither a resolvable name nor an address", recipient)
	}
	return common.HexToAddress(resolved), nil
}

func (b *Builder) lookupToken(ctx context.Context, chain *chains.Chain, asset string) (chains.Token, error) {
	if token, ok := chain.Token(asset); ok {
		return token, nil
	}
	if !common.IsHexAddress(asset) {
		return chains.Token{}, fmt.Errorf("asset %q is not configured on chain %d", asset, chain.ChainID)
	}

	addr := common.HexToAddress(asset)
	callCtx, cancel := context.WithTimeout(ctx, b.rpcTimeout)
	defer cancel()
	decimals, err := TokenDecimals(callCtx, chain.Client, addr)
	if err != nil {
		return chains.Token{}, fmt.Errorf("failed to read decimals of %s: %w", addr.Hex(), err)
	}
	return chains.Token{Symbol: addr.Hex(), Address: addr, Decimals: decimals}, nil
}
