package payload

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"name":"transfer","type":"function","inputs":[{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"approve","type":"function","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %v", err))
	}
	return parsed
}

// Caller is the read-only contract call surface.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

func PackTransfer(recipient common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("transfer", recipient, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer: %w", err)
	}
	return data, nil
}

func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve: %w", err)
	}
	return data, nil
}

func TokenBalance(ctx context.Context, caller Caller, token, owner common.Address) (*big.Int, error) {
	var balance *big.Int
	if err := callToken(ctx, caller, token, "balanceOf", &balance, owner); err != nil {
		return nil, err
	}
	return balance, nil
}

func Allowance(ctx context.Context, caller Caller, token, owner, spender common.Address) (*big.Int, error) {
	var allowance *big.Int
	if err := callToken(ctx, caller, token, "allowance", &allowance, owner, spender); err != nil {
		return nil, err
	}
	return allowance, nil
}

func TokenDecimals(ctx context.Context, caller Caller, token common.Address) (uint8, error) {
	var decimals uint8
	if err := callToken(ctx, caller, token, "decimals", &decimals); err != nil {
		return 0, err
	}
	return decimals, nil
}

func callToken(ctx context.Context, caller Caller, token common.Address, method string, out any, args ...any) error {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", method, err)
	}
	result, err := caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("failed to call %s on %s: %w", method, token.Hex(), err)
	}
	if err := erc20ABI.UnpackIntoInterface(out, method, result); err != nil {
		return fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return nil
}
