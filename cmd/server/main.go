package main

import (
	"context"
	"fmt"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/autotransfer/api"
	"github.com/vultisig/autotransfer/config"
	"github.com/vultisig/autotransfer/internal/chains"
	"github.com/vultisig/autotransfer/internal/pattern"
	"github.com/vultisig/autotransfer/internal/trigger"
	"github.com/vultisig/autotransfer/service"
	"github.com/vultisig/autotransfer/storage/postgres"
)

func main() {
	ctx := context.Background()
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

	tolerance, err := trigger.ParseTolerance(cfg.Scheduler.EqualsTolerance)
	if err != nil {
		logger.Fatalf("Invalid equals tolerance: %v", err)
	}

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr(),
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := client.Close(); err != nil {
			logger.Errorf("fail to close asynq client, err: %v", err)
		}
	}()

	transfers, err := service.NewTransferService(db,
		registry,
		pattern.NewResolver(cfg.Scheduler.MaxOccurrences),
		trigger.NewEvaluator(tolerance, logger),
		client,
		nil,
		logger)
	if err != nil {
		logger.Fatalf("Failed to create transfer service: %v", err)
	}

	server := api.NewServer(cfg.Server.Port,
		sdClient,
		transfers,
		service.NewAuthService(cfg.Auth.JWTSecret),
		logger)
	if err := server.StartServer(); err != nil {
		panic(fmt.Sprintf("server exited, err: %v", err))
	}
}
