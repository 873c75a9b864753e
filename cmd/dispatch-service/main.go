package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/remote-scheduler/internal/bootstrap"
	"github.com/cuongbtq/remote-scheduler/internal/config"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/dispatch"
	"github.com/cuongbtq/remote-scheduler/internal/worker"
	"github.com/cuongbtq/remote-scheduler/internal/worker/storage"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("DISPATCH_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/dispatch-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging, "dispatch-service")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting dispatch service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	api, err := dispatch.NewAPIClient(bootstrap.APIConfig(&cfg.Scheduler), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler API client: %w", err)
	}

	queues, err := bootstrap.ConnectQueues(cfg, api, appLogger.Logger)
	if err != nil {
		return err
	}

	dispatchers := make(map[string]worker.Dispatcher, len(queues))
	for name, q := range queues {
		dispatchers[name] = q
	}

	dbClient, err := bootstrap.InitPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	hostname, _ := os.Hostname()
	workerInstance, err := worker.NewWorker(&worker.Config{
		Logger:      appLogger.Logger,
		WorkerID:    fmt.Sprintf("dispatch-%s-%s", hostname, uuid.NewString()[:8]),
		Storage:     storage.NewStorage(dbClient.GetDB(), appLogger.Logger),
		Consumer:    rabbitClient,
		Queues:      dispatchers,
		Concurrency: cfg.Worker.Concurrency,
		JobTimeout:  cfg.Worker.JobTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		err := workerInstance.Start(ctx)
		if err == nil && ctx.Err() == nil {
			err = fmt.Errorf("worker stopped consuming: RabbitMQ delivery channel closed")
		}
		if err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Dispatch service started successfully",
		slog.Int("connections", len(dispatchers)),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Dispatch service shutdown complete")
	return nil
}
