package chains

import (
	"math/big"

	"github.com/ethereum/go-ethereum/params"
)

// chainDefaults are used when the live network cannot be asked. Gas prices
// lean high so a fallback estimate over-funds rather than under-funds.
type chainDefaults struct {
	name         string
	nativeSymbol string
	gasPriceGwei float64
	gasLimit     uint64
}

var knownChains = map[int64]chainDefaults{
	1:        {name: "ethereum", nativeSymbol: "ETH", gasPriceGwei: 30, gasLimit: 250_000},
	10:       {name: "optimism", nativeSymbol: "ETH", gasPriceGwei: 0.1, gasLimit: 250_000},
	30:       {name: "rootstock", nativeSymbol: "RBTC", gasPriceGwei: 0.07, gasLimit: 250_000},
	31:       {name: "rootstock-testnet", nativeSymbol: "tRBTC", gasPriceGwei: 0.07, gasLimit: 250_000},
	56:       {name: "bsc", nativeSymbol: "BNB", gasPriceGwei: 3, gasLimit: 250_000},
	137:      {name: "polygon", nativeSymbol: "POL", gasPriceGwei: 100, gasLimit: 250_000},
	8453:     {name: "base", nativeSymbol: "ETH", gasPriceGwei: 0.1, gasLimit: 250_000},
	42161:    {name: "arbitrum", nativeSymbol: "ETH", gasPriceGwei: 0.1, gasLimit: 1_000_000},
	43114:    {name: "avalanche", nativeSymbol: "AVAX", gasPriceGwei: 30, gasLimit: 250_000},
	84532:    {name: "base-sepolia", nativeSymbol: "ETH", gasPriceGwei: 0.1, gasLimit: 250_000},
	11155111: {name: "sepolia", nativeSymbol: "ETH", gasPriceGwei: 20, gasLimit: 250_000},
}

const (
	fallbackGasPriceGwei = 50
	fallbackGasLimit     = 300_000
)

func defaultsFor(chainID int64) chainDefaults {
	if d, ok := knownChains[chainID]; ok {
		return d
	}
	return chainDefaults{nativeSymbol: "ETH", gasPriceGwei: fallbackGasPriceGwei, gasLimit: fallbackGasLimit}
}

func gweiToWei(gwei float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(gwei), new(big.Float).SetInt64(params.GWei))
	wei, _ := f.Int(nil)
	return wei
}
