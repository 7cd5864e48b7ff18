// Package service wires configuration, the stream client, the event bus, the
// task queue, and the admin server into one runnable unit with ordered
// startup and graceful shutdown.
package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/contextualhq/eventcore/internal/admin"
	"github.com/contextualhq/eventcore/internal/bus"
	"github.com/contextualhq/eventcore/internal/config"
	"github.com/contextualhq/eventcore/internal/schema"
	"github.com/contextualhq/eventcore/internal/streams"
	"github.com/contextualhq/eventcore/internal/taskqueue"
)

// Service owns the full component graph. Construction wires; Run starts.
type Service struct {
	cfg    *config.Config
	logger *zap.Logger

	client streams.Client
	bus    *bus.Bus
	queue  *taskqueue.Queue
	admin  *admin.Server
}

// New builds the component graph from configuration. The registry defaults to
// the built-in event catalog; pass a custom one to extend it.
func New(cfg *config.Config, registry *schema.Registry, logger *zap.Logger) *Service {
	if registry == nil {
		registry = schema.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := streams.NewRedisClient(streams.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})

	b := bus.New(client, registry, bus.Config{
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay,
		MaxLength:     cfg.MaxLength,
		StreamMaxLen:  cfg.StreamMaxLen,
		GroupPrefix:   cfg.GroupPrefix,
		BlockTime:     cfg.BlockTime,
		ClaimIdleTime: cfg.ClaimIdleTime,
		BatchSize:     cfg.BatchSize,
	}, logger)

	q := taskqueue.New(b, client, taskqueue.Config{
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		MaxQueueDepth:      cfg.MaxQueueDepth,
		DefaultRetry: taskqueue.RetryConfig{
			MaxAttempts: cfg.TaskMaxAttempts,
			Strategy:    taskqueue.Strategy(cfg.TaskRetryStrategy),
			BaseDelay:   cfg.TaskBaseDelay,
			MaxDelay:    cfg.TaskMaxDelay,
			Jitter:      cfg.TaskJitter,
		},
		DefaultTimeout:      cfg.TaskTimeout,
		HealthCheckInterval: cfg.HealthCheckInterval,
		DeadLetterRetention: cfg.DeadLetterRetention,
		HoldingStream:       cfg.HoldingStream,
	}, logger)

	srv := admin.NewServer(cfg.AdminListenAddr, b, q, client, logger, cfg.LogLevel == "debug")

	return &Service{
		cfg:    cfg,
		logger: logger,
		client: client,
		bus:    b,
		queue:  q,
		admin:  srv,
	}
}

// Bus returns the event bus for publishers and subscribers.
func (s *Service) Bus() *bus.Bus { return s.bus }

// Queue returns the task queue for handler registration and direct enqueue.
func (s *Service) Queue() *taskqueue.Queue { return s.queue }

// Run starts every component and blocks until ctx is cancelled or SIGINT or
// SIGTERM arrives, then drains within the configured grace period.
func (s *Service) Run(ctx context.Context) error {
	if err := s.waitForBackend(ctx); err != nil {
		return fmt.Errorf("stream backend not reachable: %w", err)
	}

	if err := s.queue.Start(ctx); err != nil {
		return fmt.Errorf("start task queue: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.admin.Start()
	}()

	s.logger.Info("service started",
		zap.String("redis_addr", s.cfg.RedisAddr),
		zap.String("admin_addr", s.cfg.AdminListenAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	case sig := <-sigCh:
		s.logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("admin server: %w", err)
		}
	}

	s.shutdown()
	return runErr
}

// waitForBackend pings the backend until it answers or StartupWait elapses.
func (s *Service) waitForBackend(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = s.cfg.StartupWait
	return backoff.Retry(func() error {
		return s.client.Ping(ctx)
	}, backoff.WithContext(bo, ctx))
}

// shutdown drains in dependency order: stop intake (admin), drain the queue,
// stop consumers, release the backend connection.
func (s *Service) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()

	if err := s.admin.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("admin shutdown failed", zap.Error(err))
	}
	if err := s.queue.Stop(s.cfg.ShutdownGrace); err != nil {
		s.logger.Warn("task queue drain incomplete", zap.Error(err))
	}
	s.bus.Close()
	if err := s.client.Close(); err != nil {
		s.logger.Warn("stream client close failed", zap.Error(err))
	}
	s.logger.Info("service stopped")
}
