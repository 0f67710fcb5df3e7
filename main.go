package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/config"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/database"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/handlers"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/logging"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/services"
	"github.com/ekaya-inc/ekaya-dataseries/pkg/services/workqueue"
)

// Version is set at build time via ldflags
var Version = "dev"

const (
	retentionInterval = time.Hour
	shutdownTimeout   = 30 * time.Second
)

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("ekaya-dataseries stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.String("redis", cfg.Redis.Host),
		zap.Int("workers", cfg.TaskQueue.Workers),
		zap.Bool("synchronous", cfg.TaskQueue.Synchronous))

	pools, err := database.NewPools(ctx,
		&database.Config{
			URL:             cfg.Database.ConnectionString(),
			MaxConnections:  cfg.Database.MaxConnections,
			ApplicationName: "ekaya-dataseries",
		},
		&database.Config{
			URL:             cfg.BulkConnectionString(),
			MaxConnections:  cfg.BulkDatabase.MaxConnections,
			ApplicationName: "ekaya-dataseries-bulk",
		})
	if err != nil {
		return err
	}
	defer pools.Close()

	sqlDB := stdlib.OpenDBFromPool(pools.Primary.Pool)
	err = database.RunMigrations(sqlDB, logger)
	_ = sqlDB.Close()
	if err != nil {
		return err
	}

	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	var notifier workqueue.Notifier = workqueue.NewLocalNotifier()
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		redisNotifier := workqueue.NewRedisNotifier(redisClient, logger)
		go func() {
			if err := redisNotifier.Run(ctx); err != nil {
				logger.Error("Task notification subscriber stopped", zap.Error(err))
			}
		}()
		notifier = redisNotifier
	}

	engine := services.NewEngine(cfg, pools, notifier, logger)
	engine.Pool.Start(ctx)
	engine.Consumers.RunScheduler(ctx, cfg.Consumers.DispatchInterval)
	engine.Retention.RunScheduler(ctx, retentionInterval)
	engine.Health.RunScheduler(ctx, cfg.HealthCheckInterval)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, engine.Health, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-dataseries",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErr:
		stop()
		engine.Pool.Wait()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	engine.Pool.Wait()
	logger.Info("Shutdown complete")
	return nil
}
