// Package bootstrap builds the clients shared by the service binaries from
// the loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/remote-scheduler/internal/config"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/dispatch"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/replay"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/signing"
	"github.com/cuongbtq/remote-scheduler/shared/logger"
	"github.com/cuongbtq/remote-scheduler/shared/postgresql"
	"github.com/cuongbtq/remote-scheduler/shared/rabbitmq"
	"github.com/cuongbtq/remote-scheduler/shared/redis"
	"github.com/cuongbtq/remote-scheduler/shared/sqlite"
)

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig, service string) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      service,
	})
}

// InitPostgreSQL initializes the PostgreSQL database client
func InitPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(RabbitMQConfig(cfg), logger)
}

// RabbitMQConfig maps the YAML settings onto the client configuration
func RabbitMQConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}
}

// ConnectionNames returns the default connection followed by every other
// configured connection, without duplicates
func ConnectionNames(s *config.SchedulerConfig) []string {
	names := []string{s.Connection}
	for _, conn := range s.Connections {
		if conn.Name != s.Connection {
			names = append(names, conn.Name)
		}
	}
	return names
}

// APIConfig maps the scheduler API settings onto the client configuration
func APIConfig(s *config.SchedulerConfig) dispatch.APIConfig {
	return dispatch.APIConfig{
		BaseURL:    s.API.BaseURL,
		PublicKey:  s.API.PublicKey,
		PrivateKey: s.API.PrivateKey,
		Timeout:    s.API.Timeout,
	}
}

// DispatchSettings resolves the settings of one named connection. A
// connection without its own key signs with the shared signing key.
func DispatchSettings(cfg *config.Config, name string) dispatch.Settings {
	s := &cfg.Scheduler
	conn, _ := s.ConnectionByName(name)

	key := conn.Key
	if key == "" {
		key = s.Signing.Key
	}

	return dispatch.Settings{
		Connection:   name,
		API:          APIConfig(s),
		PublicURL:    cfg.Server.PublicURL,
		BaseURI:      conn.BaseURI,
		CallbackPath: s.Callback.Path,
		Mode:         s.Signing.Mode,
		SigningKey:   key,
		TokenTTL:     time.Duration(conn.Timeout) * time.Second,
		Timezone:     s.Timezone,
	}
}

// ConnectQueues opens a queue for every configured connection on top of one
// shared API client
func ConnectQueues(cfg *config.Config, api dispatch.Submitter, logger *slog.Logger) (map[string]*dispatch.Queue, error) {
	names := ConnectionNames(&cfg.Scheduler)
	queues := make(map[string]*dispatch.Queue, len(names))

	for _, name := range names {
		q, err := dispatch.ConnectWith(DispatchSettings(cfg, name), api, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect queue %s: %w", name, err)
		}
		queues[name] = q
	}
	return queues, nil
}

// KeySource serves the configured candidate keys
func KeySource(s *config.SchedulerConfig) signing.KeySource {
	return signing.KeySourceFunc(func(context.Context) ([]string, error) {
		return s.CandidateKeys(), nil
	})
}

// ReplayStore is an opened replay guard with its backing resources
type ReplayStore struct {
	Guard replay.Guard

	// HealthCheck is nil for the memory driver
	HealthCheck func(ctx context.Context) error

	closers []func() error
	purger  *replay.SQLGuard
}

// Close releases the store's own connections
func (r *ReplayStore) Close() error {
	var firstErr error
	for _, closeFn := range r.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RunPurger deletes expired SQL replay records every interval until ctx is
// canceled. It returns immediately for drivers that expire records themselves.
func (r *ReplayStore) RunPurger(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if r.purger == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := r.purger.Purge(ctx)
			if err != nil {
				logger.Warn("Failed to purge replay records", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.Debug("Purged replay records", slog.Int64("removed", removed))
			}
		}
	}
}

// OpenReplayStore opens the replay guard selected by scheduler.replay.driver.
// pg is only used by the postgres driver.
func OpenReplayStore(ctx context.Context, cfg *config.Config, pg *postgresql.Client, logger *slog.Logger) (*ReplayStore, error) {
	rc := cfg.Scheduler.Replay
	opts := replay.Options{TTL: rc.TTL, Prefix: rc.Prefix}

	switch rc.Driver {
	case config.ReplayDriverRedis:
		client, err := redis.NewClient(&redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &ReplayStore{
			Guard:       replay.NewRedisGuard(client.GetClient(), opts),
			HealthCheck: client.HealthCheck,
			closers:     []func() error{client.Close},
		}, nil

	case config.ReplayDriverPostgres:
		if pg == nil {
			return nil, fmt.Errorf("postgres replay driver needs a database client")
		}
		guard := replay.NewSQLGuard(pg.GetDB(), opts)
		if err := guard.Migrate(ctx); err != nil {
			return nil, err
		}
		return &ReplayStore{Guard: guard, HealthCheck: pg.HealthCheck, purger: guard}, nil

	case config.ReplayDriverSQLite:
		db, err := sqlite.Open(&sqlite.Config{Path: rc.SQLitePath}, logger)
		if err != nil {
			return nil, err
		}
		guard := replay.NewSQLGuard(db, opts)
		if err := guard.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return &ReplayStore{
			Guard:       guard,
			HealthCheck: db.PingContext,
			closers:     []func() error{db.Close},
			purger:      guard,
		}, nil

	case config.ReplayDriverMemory:
		logger.Warn("Using in-memory replay guard; replays are only detected within this process")
		return &ReplayStore{Guard: replay.NewMemoryGuard(opts)}, nil

	default:
		return nil, fmt.Errorf("unknown replay driver: %s", rc.Driver)
	}
}
