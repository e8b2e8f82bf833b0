package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Scheduler.TransferInterval = time.Minute
	cfg.Scheduler.PriceInterval = 30 * time.Second
	cfg.Scheduler.MaxOccurrences = 365
	cfg.Scheduler.MaxAttempts = 5
	cfg.Chains = []ChainConfig{
		{ChainID: 8453, Name: "base", RPCURL: "http://localhost:8545", Strategy: "multisig"},
		{ChainID: 30, Name: "rootstock", RPCURL: "http://localhost:4444", Strategy: "custom-account"},
	}
	return cfg
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name        string
		mutate      func(cfg *Config)
		shouldError bool
	}{
		{
			name:        "Valid config",
			mutate:      func(cfg *Config) {},
			shouldError: false,
		},
		{
			name:        "Zero transfer interval",
			mutate:      func(cfg *Config) { cfg.Scheduler.TransferInterval = 0 },
			shouldError: true,
		},
		{
			name:        "Negative price interval",
			mutate:      func(cfg *Config) { cfg.Scheduler.PriceInterval = -time.Second },
			shouldError: true,
		},
		{
			name:        "Zero occurrence cap",
			mutate:      func(cfg *Config) { cfg.Scheduler.MaxOccurrences = 0 },
			shouldError: true,
		},
		{
			name:        "Duplicate chain",
			mutate:      func(cfg *Config) { cfg.Chains = append(cfg.Chains, cfg.Chains[0]) },
			shouldError: true,
		},
		{
			name:        "Unknown strategy",
			mutate:      func(cfg *Config) { cfg.Chains[0].Strategy = "eoa" },
			shouldError: true,
		},
		{
			name:        "Missing RPC URL",
			mutate:      func(cfg *Config) { cfg.Chains[1].RPCURL = "" },
			shouldError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.shouldError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
