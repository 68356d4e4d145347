package main

import (
	"context"
	"fmt"
	"time"

	"campusdine/token-service/internal/config"
	"campusdine/token-service/internal/logger"
	"campusdine/token-service/internal/notify"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// retry runs op with exponential backoff until it succeeds, maxElapsed
// passes or ctx ends.
func retry(ctx context.Context, what string, maxElapsed time.Duration, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = maxElapsed

	notifyOnError := func(err error, wait time.Duration) {
		logger.Warn("Startup dependency not ready, retrying",
			zap.String("dependency", what),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notifyOnError); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func connectDatabase(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		poolConfig.MaxConns = cfg.Database.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	err = retry(ctx, "postgres", cfg.Startup.RetryMaxElapsed, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	})
	if err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func connectNATS(ctx context.Context, cfg config.Config) (*notify.Publisher, error) {
	natsConfig := notify.Config{
		URL:            cfg.NATS.URL,
		Subject:        cfg.NATS.Subject,
		ConnectionName: cfg.NATS.ConnectionName,
		MaxReconnects:  cfg.NATS.MaxReconnects,
		ReconnectWait:  cfg.NATS.ReconnectWait,
		FlushTimeout:   cfg.NATS.FlushTimeout,
		Workers:        cfg.NATS.Workers,
	}
	var publisher *notify.Publisher
	err := retry(ctx, "nats", cfg.Startup.RetryMaxElapsed, func() error {
		var connectErr error
		publisher, connectErr = notify.Connect(natsConfig)
		return connectErr
	})
	if err != nil {
		return nil, err
	}
	return publisher, nil
}
