package uniswap

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const routerABIJSON = `[
	{"name":"swapExactTokensForTokens","type":"function","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"name":"swapExactETHForTokens","type":"function","stateMutability":"payable","inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"name":"swapExactTokensForETH","type":"function","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"name":"getAmountsOut","type":"function","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"","type":"uint256[]"}]}
]`

type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client builds calldata for a Uniswap V2 compatible router. It never signs
// or sends anything.
type Client struct {
	caller   Caller
	router   common.Address
	deadline time.Duration
	abi      abi.ABI
}

func NewClient(caller Caller, router common.Address, deadline time.Duration) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse router abi: %w", err)
	}
	return &Client{caller: caller, router: router, deadline: deadline, abi: parsed}, nil
}

func (uc *Client) GetRouterAddress() common.Address {
	return uc.router
}

func (uc *Client) GetExpectedAmountOut(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	callData, err := uc.abi.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, err
	}
	result, err := uc.caller.CallContract(ctx, ethereum.CallMsg{To: &uc.router, Data: callData}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call getAmountsOut: %w", err)
	}

	var amountsOut []*big.Int
	if err := uc.abi.UnpackIntoInterface(&amountsOut, "getAmountsOut", result); err != nil {
		return nil, fmt.Errorf("failed to unpack getAmountsOut: %w", err)
	}
	if len(amountsOut) < 2 {
		return nil, fmt.Errorf("unexpected result length")
	}
	return amountsOut[len(amountsOut)-1], nil
}

// CalculateAmountOutMin applies a slippage bound given in basis points.
func (uc *Client) CalculateAmountOutMin(expectedAmountOut *big.Int, slippageBps int64) *big.Int {
	keep := big.NewInt(10_000 - slippageBps)
	out := new(big.Int).Mul(expectedAmountOut, keep)
	return out.Quo(out, big.NewInt(10_000))
}

func (uc *Client) SwapExactTokensForTokens(amountIn, amountOutMin *big.Int, path []common.Address, to common.Address, now time.Time) ([]byte, error) {
	return uc.abi.Pack("swapExactTokensForTokens", amountIn, amountOutMin, path, to, uc.deadlineFrom(now))
}

func (uc *Client) SwapExactETHForTokens(amountOutMin *big.Int, path []common.Address, to common.Address, now time.Time) ([]byte, error) {
	return uc.abi.Pack("swapExactETHForTokens", amountOutMin, path, to, uc.deadlineFrom(now))
}

func (uc *Client) SwapExactTokensForETH(amountIn, amountOutMin *big.Int, path []common.Address, to common.Address, now time.Time) ([]byte, error) {
	return uc.abi.Pack("swapExactTokensForETH", amountIn, amountOutMin, path, to, uc.deadlineFrom(now))
}

func (uc *Client) deadlineFrom(now time.Time) *big.Int {
	return big.NewInt(now.Add(uc.deadline).Unix())
}
