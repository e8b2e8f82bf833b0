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
	"github.com/vultisig/autotransfer/pkg/uniswap"
)

// BuildSwap produces the payloads that swap amount of source into dest for
// account through the chain's router. An approve payload is prepended when
// the router's allowance does not cover the input.
func (b *Builder) BuildSwap(ctx context.Context, chainID int64, account common.Address, source, dest, amount string, now time.Time) ([]Payload, error) {
	chain, err := b.chains.Get(chainID)
	if err != nil {
		return nil, err
	}
	if chain.Swap == nil {
		return nil, fmt.Errorf("chain %d has no swap router configured", chainID)
	}
	if strings.EqualFold(source, dest) {
		return nil, fmt.Errorf("source and destination asset are both %s", source)
	}

	router, err := uniswap.NewClient(chain.Client, chain.Swap.Router, chain.Swap.Deadline)
	if err != nil {
		return nil, err
	}

	srcNative := chain.IsNative(source)
	dstNative := chain.IsNative(dest)
	if srcNative && dstNative {
		return nil, fmt.Errorf("cannot swap native asset into itself")
	}

	var srcToken, dstToken chains.Token
	if !srcNative {
		if srcToken, err = b.lookupToken(ctx, chain, source); err != nil {
			return nil, err
		}
	}
	if !dstNative {
		if dstToken, err = b.lookupToken(ctx, chain, dest); err != nil {
			return nil, err
		}
	}

	decimals := uint8(nativeDecimals)
	if !srcNative {
		decimals = srcToken.Decimals
	}
	amountIn, err := ToBaseUnits(amount, decimals)
	if err != nil {
		return nil, err
	}

	path := []common.Address{srcToken.Address, dstToken.Address}
	if srcNative {
		path[0] = chain.Swap.WrappedNative
	}
	if dstNative {
		path[1] = chain.Swap.WrappedNative
	}

	callCtx, cancel := context.WithTimeout(ctx, b.rpcTimeout)
	defer cancel()
	expected, err := router.GetExpectedAmountOut(callCtx, amountIn, path)
	if err != nil {
		return nil, err
	}
	minOut := router.CalculateAmountOutMin(expected, chain.Swap.SlippageBps)

	b.logger.WithFields(logrus.Fields{
		"chain_id":     chainID,
		"source":       source,
		"dest":         dest,
		"amount_in":    amountIn.String(),
		"expected_out": expected.String(),
		"min_out":      minOut.String(),
	}).Info("Building swap")

	if srcNative {
		data, err := router.SwapExactETHForTokens(minOut, path, account, now)
		if err != nil {
			return nil, fmt.Errorf("failed to pack swap: %w", err)
		}
		return []Payload{{To: router.GetRouterAddress(), Value: amountIn, Data: data}}, nil
	}

	var payloads []Payload
	allowance, err := Allowance(callCtx, chain.Client, srcToken.Address, account, router.GetRouterAddress())
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(amountIn) < 0 {
		approveData, err := PackApprove(router.GetRouterAddress(), amountIn)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, Payload{To: srcToken.Address, Value: big.NewInt(0), Data: approveData})
	}

	var data []byte
	if dstNative {
		data, err = router.SwapExactTokensForETH(amountIn, minOut, path, account, now)
	} else {
		data, err = router.SwapExactTokensForTokens(amountIn, minOut, path, account, now)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pack swap: %w", err)
	}
	tokenAddr := srcToken.Address
	payloads = append(payloads, Payload{
		To:          router.GetRouterAddress(),
		Value:       big.NewInt(0),
		Data:        data,
		Token:       &tokenAddr,
		TokenAmount: amountIn,
	})
	return payloads, nil
}
