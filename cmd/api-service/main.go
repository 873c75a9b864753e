package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/remote-scheduler/internal/api/handler"
	"github.com/cuongbtq/remote-scheduler/internal/api/router"
	"github.com/cuongbtq/remote-scheduler/internal/api/storage"
	"github.com/cuongbtq/remote-scheduler/internal/bootstrap"
	"github.com/cuongbtq/remote-scheduler/internal/config"
	"github.com/cuongbtq/remote-scheduler/internal/jobs"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/callback"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/dispatch"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/registry"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

const replayPurgeInterval = 10 * time.Minute

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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging, "api-service")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := bootstrap.InitPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if err := dbClient.Migrate(ctx, storage.Schema...); err != nil {
		return err
	}

	appLogger.Info("Database connection established")

	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	replayStore, err := bootstrap.OpenReplayStore(ctx, cfg, dbClient, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to open replay store: %w", err)
	}
	defer replayStore.Close()
	go replayStore.RunPurger(ctx, replayPurgeInterval, appLogger.Logger)

	appLogger.Info("Replay guard ready", slog.String("driver", cfg.Scheduler.Replay.Driver))

	reg := registry.New()
	if err := jobs.Register(reg, appLogger.Logger); err != nil {
		return fmt.Errorf("failed to register jobs: %w", err)
	}

	api, err := dispatch.NewAPIClient(bootstrap.APIConfig(&cfg.Scheduler), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler API client: %w", err)
	}

	jobStorage := storage.NewStorage(dbClient, appLogger.Logger)

	callbackHandler := callback.NewHandler(callback.Config{
		Path:            cfg.Scheduler.Callback.Path,
		Mode:            cfg.Scheduler.Signing.Mode,
		Environment:     cfg.App.Environment,
		MaxAge:          cfg.Scheduler.Callback.MaxAge,
		ExecutionBudget: cfg.Scheduler.Callback.ExecutionBudget,
	},
		bootstrap.KeySource(&cfg.Scheduler),
		replayStore.Guard,
		reg,
		appLogger.Logger,
		callback.WithStatusRecorder(jobStorage),
	)

	healthChecks := map[string]router.HealthCheck{
		"postgres": dbClient.HealthCheck,
		"rabbitmq": func(context.Context) error {
			if !rabbitClient.IsConnected() {
				return errors.New("rabbitmq connection closed")
			}
			return nil
		},
	}
	if replayStore.HealthCheck != nil && cfg.Scheduler.Replay.Driver != config.ReplayDriverPostgres {
		healthChecks["replay"] = replayStore.HealthCheck
	}

	r := initRouter(cfg, &router.Config{
		ServiceName: "api-service",
		Handlers: &handler.Dependencies{
			Logger:            appLogger.Logger,
			Jobs:              jobStorage,
			Publisher:         rabbitClient,
			Queues:            api,
			DefaultConnection: cfg.Scheduler.Connection,
			Connections:       bootstrap.ConnectionNames(&cfg.Scheduler),
		},
		Callback:     callbackHandler,
		HealthChecks: healthChecks,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running", slog.String("address", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed to start", slog.Any("error", err))
		return err
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, routerCfg *router.Config) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(routerCfg)
}
