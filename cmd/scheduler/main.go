package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/autotransfer/api"
	"github.com/vultisig/autotransfer/config"
	"github.com/vultisig/autotransfer/internal/chains"
	"github.com/vultisig/autotransfer/internal/executor"
	"github.com/vultisig/autotransfer/internal/funding"
	"github.com/vultisig/autotransfer/internal/nameresolver"
	"github.com/vultisig/autotransfer/internal/payload"
	"github.com/vultisig/autotransfer/internal/pricefeed"
	"github.com/vultisig/autotransfer/internal/scheduler"
	"github.com/vultisig/autotransfer/internal/signer"
	"github.com/vultisig/autotransfer/internal/tasks"
	"github.com/vultisig/autotransfer/internal/trigger"
	"github.com/vultisig/autotransfer/storage"
	"github.com/vultisig/autotransfer/storage/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := logrus.New()

	cfg, err := config.ReadConfig("config")
	if err != nil {
		panic(err)
	}

	sdClient, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
	if err != nil {
		panic(err)
	}

	db, err := postgres.NewPostgresBackend(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	registry, err := chains.NewRegistry(ctx, cfg.Chains, logger, chains.Options{})
	if err != nil {
		logger.Fatalf("Failed to build chain registry: %v", err)
	}

	var names nameresolver.Resolver
	if cfg.NameResolver.URL != "" {
		names = nameresolver.NewHTTPResolver(cfg.NameResolver.URL, cfg.NameResolver.Timeout, logger)
	}
	builder := payload.NewBuilder(registry, names, logger, cfg.Scheduler.RPCTimeout)

	signerClient := signer.NewClient(cfg.Signer.URL, cfg.Signer.Timeout, logger)
	funder := funding.NewPipeline(registry, logger, funding.Options{
		RPCTimeout:     cfg.Scheduler.RPCTimeout,
		ConfirmTimeout: cfg.Scheduler.ConfirmTimeout,
		PollInterval:   cfg.Scheduler.PollInterval,
	})
	exec := executor.NewExecutor(registry, funder, logger,
		executor.Options{
			RPCTimeout:     cfg.Scheduler.RPCTimeout,
			ConfirmTimeout: cfg.Scheduler.ConfirmTimeout,
			PollInterval:   cfg.Scheduler.PollInterval,
		},
		executor.NewSafeStrategy(signerClient, logger),
		executor.NewDirectStrategy(signerClient, logger),
	)

	var priceCache pricefeed.Cache
	redisStorage, err := storage.NewRedisStorage(*cfg)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, price quotes will not be cached")
	} else {
		defer redisStorage.Close()
		priceCache = redisStorage
	}
	var fallback pricefeed.Source
	if cfg.PriceFeed.FallbackURL != "" {
		fallback = pricefeed.NewHTTPSource("fallback", cfg.PriceFeed.FallbackURL, cfg.PriceFeed.Timeout)
	}
	feed := pricefeed.NewFeed(
		pricefeed.NewHTTPSource("primary", cfg.PriceFeed.PrimaryURL, cfg.PriceFeed.Timeout),
		fallback,
		priceCache,
		cfg.PriceFeed.CacheTTL,
		logger,
	)

	tolerance, err := trigger.ParseTolerance(cfg.Scheduler.EqualsTolerance)
	if err != nil {
		logger.Fatalf("Invalid equals tolerance: %v", err)
	}

	var archiver scheduler.Archiver
	if cfg.BlockStorage.Bucket != "" {
		blockStorage, err := storage.NewBlockStorage(*cfg, logger)
		if err != nil {
			logger.Fatalf("Failed to create block storage: %v", err)
		}
		archiver = blockStorage
	}

	engine, err := scheduler.NewSchedulerService(scheduler.Dependencies{
		Store:     db,
		Chains:    registry,
		Builder:   builder,
		Executor:  exec,
		Evaluator: trigger.NewEvaluator(tolerance, logger),
		Feed:      feed,
		Archiver:  archiver,
		Statsd:    sdClient,
	}, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create scheduler: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr(),
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Logger:      logger,
		Concurrency: 1,
		Queues: map[string]int{
			tasks.QUEUE_NAME: 10,
		},
	})
	mux := asynq.NewServeMux()
	scheduler.NewTaskHandler(engine, logger).Register(mux)
	if err := srv.Start(mux); err != nil {
		logger.Fatalf("could not start task server: %v", err)
	}

	health := api.NewHealthServer(cfg.Metrics.Port, engine, registry.ChainIDs(), cfg.Metrics.APIKey, logger)
	go func() {
		if err := health.Start(); err != nil {
			logger.WithError(err).Error("Health server stopped")
		}
	}()

	engine.Start(ctx)
	logger.WithFields(logrus.Fields{
		"chains": registry.ChainIDs(),
		"redis":  cfg.RedisAddr(),
	}).Info("Scheduler running")

	<-ctx.Done()
	logger.Info("Shutting down")
	srv.Shutdown()
	engine.Stop()
}
