package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Host string `mapstructure:"host"`
		Port int64  `mapstructure:"port"`
	} `mapstructure:"server"`

	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Redis struct {
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	BlockStorage struct {
		Host      string `mapstructure:"host"`
		Region    string `mapstructure:"region"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		Bucket    string `mapstructure:"bucket"`
	} `mapstructure:"block_storage"`

	Datadog struct {
		Host string `mapstructure:"host"`
		Port string `mapstructure:"port"`
	} `mapstructure:"datadog"`

	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`

	Scheduler SchedulerConfig `mapstructure:"scheduler"`

	Signer struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"signer"`

	PriceFeed struct {
		PrimaryURL  string        `mapstructure:"primary_url"`
		FallbackURL string        `mapstructure:"fallback_url"`
		Timeout     time.Duration `mapstructure:"timeout"`
		CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"price_feed"`

	NameResolver struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"name_resolver"`

	CircuitBreaker struct {
		Enabled      bool          `mapstructure:"enabled"`
		Threshold    int           `mapstructure:"threshold"`
		Window       time.Duration `mapstructure:"window"`
		ResetTimeout time.Duration `mapstructure:"reset_timeout"`
	} `mapstructure:"circuit_breaker"`

	Metrics struct {
		Port   int64  `mapstructure:"port"`
		APIKey string `mapstructure:"api_key"`
	} `mapstructure:"metrics"`

	Chains []ChainConfig `mapstructure:"chains"`
}

type SchedulerConfig struct {
	TransferInterval time.Duration `mapstructure:"transfer_interval"`
	PriceInterval    time.Duration `mapstructure:"price_interval"`
	ItemTimeout      time.Duration `mapstructure:"item_timeout"`
	RPCTimeout       time.Duration `mapstructure:"rpc_timeout"`
	ConfirmTimeout   time.Duration `mapstructure:"confirm_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	StaleClaimAfter  time.Duration `mapstructure:"stale_claim_after"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	MaxOccurrences   int           `mapstructure:"max_occurrences"`
	EqualsTolerance  string        `mapstructure:"equals_tolerance"`
	BatchSize        int           `mapstructure:"batch_size"`
	Workers          int           `mapstructure:"workers"`
}

type ChainConfig struct {
	ChainID         int64         `mapstructure:"chain_id"`
	Name            string        `mapstructure:"name"`
	RPCURL          string        `mapstructure:"rpc_url"`
	Strategy        string        `mapstructure:"strategy"`
	TreasuryKeyEnv  string        `mapstructure:"treasury_key_env"`
	RelayerKeyEnv   string        `mapstructure:"relayer_key_env"`
	NativeSymbol    string        `mapstructure:"native_symbol"`
	DefaultGasPrice string        `mapstructure:"default_gas_price"`
	DefaultGasLimit uint64        `mapstructure:"default_gas_limit"`
	GasMultiplier   float64       `mapstructure:"gas_multiplier"`
	TopUpMargin     string        `mapstructure:"top_up_margin"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	Tokens          []TokenConfig `mapstructure:"tokens"`
	Swap            SwapConfig    `mapstructure:"swap"`
}

type TokenConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Address  string `mapstructure:"address"`
	Decimals uint8  `mapstructure:"decimals"`
}

type SwapConfig struct {
	Router        string        `mapstructure:"router"`
	WrappedNative string        `mapstructure:"wrapped_native"`
	SlippageBps   int64         `mapstructure:"slippage_bps"`
	Deadline      time.Duration `mapstructure:"deadline"`
}

func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("datadog.host", "localhost")
	viper.SetDefault("datadog.port", "8125")
	viper.SetDefault("metrics.port", 8090)

	viper.SetDefault("scheduler.transfer_interval", 60*time.Second)
	viper.SetDefault("scheduler.price_interval", 30*time.Second)
	viper.SetDefault("scheduler.item_timeout", 5*time.Minute)
	viper.SetDefault("scheduler.rpc_timeout", 20*time.Second)
	viper.SetDefault("scheduler.confirm_timeout", 5*time.Minute)
	viper.SetDefault("scheduler.poll_interval", 5*time.Second)
	viper.SetDefault("scheduler.stale_claim_after", 30*time.Minute)
	viper.SetDefault("scheduler.max_attempts", 5)
	viper.SetDefault("scheduler.max_occurrences", 365)
	viper.SetDefault("scheduler.equals_tolerance", "0.01")
	viper.SetDefault("scheduler.batch_size", 100)

	viper.SetDefault("signer.timeout", 30*time.Second)
	viper.SetDefault("price_feed.timeout", 10*time.Second)
	viper.SetDefault("price_feed.cache_ttl", 15*time.Second)
	viper.SetDefault("name_resolver.timeout", 10*time.Second)

	viper.SetDefault("circuit_breaker.enabled", true)
	viper.SetDefault("circuit_breaker.threshold", 5)
	viper.SetDefault("circuit_breaker.window", 5*time.Minute)
	viper.SetDefault("circuit_breaker.reset_timeout", 10*time.Minute)
}

// ReadConfig loads an optional .env file, then <name>.yaml from the working
// directory. Environment variables override file values, with dots in keys
// replaced by underscores (SCHEDULER_PRICE_INTERVAL).
func ReadConfig(name string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	viper.SetConfigName(name)
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("fail to read config file, err: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, err: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Scheduler.TransferInterval <= 0 {
		return errors.New("scheduler.transfer_interval must be positive")
	}
	if c.Scheduler.PriceInterval <= 0 {
		return errors.New("scheduler.price_interval must be positive")
	}
	if c.Scheduler.MaxOccurrences <= 0 {
		return errors.New("scheduler.max_occurrences must be positive")
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return errors.New("scheduler.max_attempts must be positive")
	}

	seen := make(map[int64]bool, len(c.Chains))
	for _, chain := range c.Chains {
		if chain.ChainID <= 0 {
			return fmt.Errorf("chain %q: chain_id must be positive", chain.Name)
		}
		if seen[chain.ChainID] {
			return fmt.Errorf("chain %d configured twice", chain.ChainID)
		}
		seen[chain.ChainID] = true
		if chain.RPCURL == "" {
			return fmt.Errorf("chain %d: rpc_url is required", chain.ChainID)
		}
		switch chain.Strategy {
		case "multisig", "custom-account":
		default:
			return fmt.Errorf("chain %d: unknown strategy %q", chain.ChainID, chain.Strategy)
		}
	}
	return nil
}

func (c *Config) RedisAddr() string {
	return c.Redis.Host + ":" + c.Redis.Port
}
