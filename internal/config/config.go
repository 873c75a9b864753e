package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Replay store drivers
const (
	ReplayDriverRedis    = "redis"
	ReplayDriverPostgres = "postgres"
	ReplayDriverSQLite   = "sqlite"
	ReplayDriverMemory   = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	PublicURL       string        `yaml:"public_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// IsLocal reports whether the app runs in the local environment
func (a AppConfig) IsLocal() bool {
	return a.Environment == "local"
}

// WorkerConfig holds dispatch service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SchedulerConfig holds the remote scheduler driver configuration
type SchedulerConfig struct {
	Connection  string                `yaml:"connection"`
	Timezone    string                `yaml:"timezone"`
	API         SchedulerAPIConfig    `yaml:"api"`
	Signing     SigningConfig         `yaml:"signing"`
	Connections []SchedulerConnection `yaml:"connections"`
	Callback    CallbackConfig        `yaml:"callback"`
	Replay      ReplayConfig          `yaml:"replay"`
}

// SchedulerAPIConfig holds the remote scheduling API endpoint and credentials
type SchedulerAPIConfig struct {
	BaseURL    string        `yaml:"base_url"`
	PublicKey  string        `yaml:"public_key"`
	PrivateKey string        `yaml:"private_key"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SigningConfig selects how callbacks are authenticated.
// An empty key falls back to the API public key.
type SigningConfig struct {
	Mode string `yaml:"mode"`
	Key  string `yaml:"key"`
}

// SchedulerConnection is one named queue connection
type SchedulerConnection struct {
	Name    string `yaml:"name"`
	Key     string `yaml:"key"`
	BaseURI string `yaml:"base_uri"`
	// Timeout is the token lifetime in seconds
	Timeout int `yaml:"timeout"`
}

// CallbackConfig holds inbound callback settings
type CallbackConfig struct {
	Path            string        `yaml:"path"`
	MaxAge          time.Duration `yaml:"max_age"`
	ExecutionBudget time.Duration `yaml:"execution_budget"`
}

// ReplayConfig selects the replay guard store
type ReplayConfig struct {
	Driver     string        `yaml:"driver"`
	TTL        time.Duration `yaml:"ttl"`
	Prefix     string        `yaml:"prefix"`
	SQLitePath string        `yaml:"sqlite_path"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment, so call godotenv.Load first.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	s := &c.Scheduler
	if s.Connection == "" {
		s.Connection = "scheduler"
	}
	if s.Timezone == "" {
		s.Timezone = "Europe/Oslo"
	}
	if s.Signing.Mode == "" {
		s.Signing.Mode = "auto"
	}
	if s.Signing.Key == "" {
		s.Signing.Key = s.API.PublicKey
	}
	if s.Replay.Driver == "" {
		s.Replay.Driver = ReplayDriverMemory
	}
}

// CandidateKeys returns the signing key followed by every connection key, in
// configured order. Blank entries are skipped.
func (s *SchedulerConfig) CandidateKeys() []string {
	keys := make([]string, 0, len(s.Connections)+1)
	if s.Signing.Key != "" {
		keys = append(keys, s.Signing.Key)
	}
	for _, conn := range s.Connections {
		if conn.Key != "" {
			keys = append(keys, conn.Key)
		}
	}
	return keys
}

// ConnectionByName returns the named connection, if configured
func (s *SchedulerConfig) ConnectionByName(name string) (SchedulerConnection, bool) {
	for _, conn := range s.Connections {
		if conn.Name == name {
			return conn, true
		}
	}
	return SchedulerConnection{}, false
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

// ValidateAPIConfig checks everything the API service needs
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if err := c.ValidateSchedulerConfig(); err != nil {
		return err
	}

	if len(c.Scheduler.CandidateKeys()) == 0 {
		return fmt.Errorf("scheduler needs at least one signing or connection key")
	}

	switch c.Scheduler.Replay.Driver {
	case ReplayDriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis replay driver")
		}
	case ReplayDriverSQLite:
		if c.Scheduler.Replay.SQLitePath == "" {
			return fmt.Errorf("scheduler replay sqlite_path is required for the sqlite replay driver")
		}
	case ReplayDriverPostgres, ReplayDriverMemory:
	default:
		return fmt.Errorf("unknown scheduler replay driver: %s", c.Scheduler.Replay.Driver)
	}

	return nil
}

// ValidateWorkerConfig checks everything the dispatch service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if err := c.ValidateSchedulerConfig(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return nil
}

// ValidateSchedulerConfig checks the remote scheduler settings
func (c *Config) ValidateSchedulerConfig() error {
	s := c.Scheduler

	if s.API.BaseURL == "" {
		return fmt.Errorf("scheduler api base_url is required")
	}
	if _, err := url.ParseRequestURI(s.API.BaseURL); err != nil {
		return fmt.Errorf("invalid scheduler api base_url: %w", err)
	}

	switch s.Signing.Mode {
	case "digest", "token", "auto":
	default:
		return fmt.Errorf("invalid scheduler signing mode: %s (must be digest, token or auto)", s.Signing.Mode)
	}

	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler timezone: %s", s.Timezone)
	}

	seen := make(map[string]bool, len(s.Connections))
	for i, conn := range s.Connections {
		if conn.Name == "" {
			return fmt.Errorf("scheduler connection %d has no name", i)
		}
		if seen[conn.Name] {
			return fmt.Errorf("duplicate scheduler connection: %s", conn.Name)
		}
		seen[conn.Name] = true
		if conn.Timeout < 0 {
			return fmt.Errorf("scheduler connection %s timeout must not be negative", conn.Name)
		}
	}

	conn, _ := s.ConnectionByName(s.Connection)
	if conn.BaseURI == "" && c.Server.PublicURL == "" {
		return fmt.Errorf("server public_url or a base_uri for connection %s is required", s.Connection)
	}

	return nil
}
