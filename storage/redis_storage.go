package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vultisig/autotransfer/config"
	"github.com/vultisig/autotransfer/contexthelper"
	"github.com/vultisig/autotransfer/internal/types"
)

type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(cfg config.Config) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	status := client.Ping(context.Background())
	if status.Err() != nil {
		return nil, status.Err()
	}
	return &RedisStorage{
		client: client,
	}, nil
}

func (r *RedisStorage) SetPriceQuote(ctx context.Context, quote types.PriceQuote, ttl time.Duration) error {
	if contexthelper.CheckCancellation(ctx) != nil {
		return ctx.Err()
	}
	quoteJSON, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("fail to serialize price quote to json, err: %w", err)
	}
	return r.client.Set(ctx, quote.CacheKey(), string(quoteJSON), ttl).Err()
}

// GetPriceQuote returns the cached quote for symbol, or nil when none is cached.
func (r *RedisStorage) GetPriceQuote(ctx context.Context, symbol string) (*types.PriceQuote, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return nil, ctx.Err()
	}
	key := types.PriceQuote{Symbol: symbol}.CacheKey()
	quoteJSON, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fail to get price quote, err: %w", err)
	}
	var quote types.PriceQuote
	if err := json.Unmarshal([]byte(quoteJSON), &quote); err != nil {
		return nil, fmt.Errorf("fail to deserialize price quote, err: %w", err)
	}
	return &quote, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
