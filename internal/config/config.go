package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/jobrelay/internal/broker"
	"github.com/cuongbtq/jobrelay/internal/codec"
	"github.com/cuongbtq/jobrelay/internal/domain"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Broker   BrokerConfig   `yaml:"broker"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	Worker   WorkerConfig   `yaml:"worker"`
	Views    []ViewConfig   `yaml:"views"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" env:"APP_ENV"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int             `yaml:"port" env:"SERVER_PORT"`
	BasePath        string          `yaml:"base_path"`
	PublicURL       string          `yaml:"public_url" env:"PUBLIC_URL"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig limits dispatch requests per client IP. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// BrokerConfig selects the queue backend shared by both services
type BrokerConfig struct {
	Type      string        `yaml:"type" env:"BROKER_TYPE"`
	Codec     string        `yaml:"codec"`
	ResultTTL time.Duration `yaml:"result_ttl"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL           string        `yaml:"url" env:"REDIS_URL"`
	PoolSize      int           `yaml:"pool_size"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	BlockTimeout  time.Duration `yaml:"block_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password" env:"DATABASE_PASSWORD"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration.
// Job queues are declared on demand and bound under their own name.
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password" env:"RABBITMQ_PASSWORD"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
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

// QueueConfig holds the settings applied to every declared job queue
type QueueConfig struct {
	Durable    bool `yaml:"durable"`
	AutoDelete bool `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string         `yaml:"level" env:"LOG_LEVEL"`
	Format       string         `yaml:"format"`
	Output       string         `yaml:"output"`
	EnableCaller bool           `yaml:"enable_caller"`
	Rotation     RotationConfig `yaml:"rotation"`
}

// RotationConfig applies when logging.output is a file path
type RotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Queues            []string      `yaml:"queues"`
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LeaseTimeout      time.Duration `yaml:"lease_timeout"`
	ReapSchedule      string        `yaml:"reap_schedule"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MetricsPort       int           `yaml:"metrics_port"`
}

// ViewConfig declares one dispatch/status endpoint pair
type ViewConfig struct {
	Name      string   `yaml:"name"`
	Path      string   `yaml:"path"`
	Queue     string   `yaml:"queue"`
	JobModule string   `yaml:"job_module"`
	JobName   string   `yaml:"job_name"`
	JobParams []string `yaml:"job_params"`
}

// Descriptor builds the job descriptor declared by the view
func (v ViewConfig) Descriptor() (domain.Descriptor, error) {
	return domain.NewDescriptor(v.JobModule, v.JobName, v.JobParams)
}

// Load reads and parses the configuration file, then applies environment
// overrides and defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cleanenv.ReadEnv(&config); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/api/v1"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Broker.Type == "" {
		c.Broker.Type = broker.TypeRedis
	}
	if c.Broker.Codec == "" {
		c.Broker.Codec = codec.NameJSON
	}
	if c.Broker.ResultTTL <= 0 {
		c.Broker.ResultTTL = broker.DefaultResultTTL
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "localhost:6379/0"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if len(c.Worker.Queues) == 0 {
		c.Worker.Queues = []string{domain.DefaultQueue}
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.HeartbeatInterval == 0 {
		c.Worker.HeartbeatInterval = 10 * time.Second
	}
	if c.Worker.LeaseTimeout == 0 {
		c.Worker.LeaseTimeout = 6 * c.Worker.HeartbeatInterval
	}
	if c.Worker.ReapSchedule == "" {
		c.Worker.ReapSchedule = "@every 30s"
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	for i := range c.Views {
		if c.Views[i].Queue == "" {
			c.Views[i].Queue = domain.DefaultQueue
		}
	}
}

// Validate checks the settings shared by both services
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %q (must be console or json)", c.Logging.Format)
	}

	if _, err := codec.Lookup(c.Broker.Codec); err != nil {
		return fmt.Errorf("invalid broker codec: %w", err)
	}

	switch c.Broker.Type {
	case broker.TypeMemory:
	case broker.TypeRedis:
		if c.Redis.URL == "" {
			return errors.New("redis url is required")
		}
	case broker.TypeRabbitMQ:
		return c.validateRabbitMQ()
	default:
		return fmt.Errorf("invalid broker type: %q (must be %s, %s or %s)",
			c.Broker.Type, broker.TypeMemory, broker.TypeRedis, broker.TypeRabbitMQ)
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
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

	return nil
}

// ValidateAPIConfig checks the settings the API service needs, including
// every view declaration
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server base_path must start with '/': %q", c.Server.BasePath)
	}

	if c.Server.RateLimit.RequestsPerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("server rate_limit must not be negative")
	}

	if len(c.Views) == 0 {
		return fmt.Errorf("at least one view is required")
	}

	names := make(map[string]bool, len(c.Views))
	paths := make(map[string]bool, len(c.Views))
	for _, v := range c.Views {
		if v.Name == "" {
			return fmt.Errorf("view name is required")
		}
		if names[v.Name] {
			return fmt.Errorf("duplicate view name: %q", v.Name)
		}
		names[v.Name] = true

		path := strings.Trim(v.Path, "/")
		if path == "" {
			return fmt.Errorf("view %s: path is required", v.Name)
		}
		if paths[path] {
			return fmt.Errorf("view %s: duplicate path %q", v.Name, v.Path)
		}
		paths[path] = true

		if _, err := v.Descriptor(); err != nil {
			return fmt.Errorf("view %s: %w", v.Name, err)
		}
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if len(c.Worker.Queues) == 0 {
		return fmt.Errorf("worker queues must not be empty")
	}

	for _, q := range c.Worker.Queues {
		if q == "" {
			return fmt.Errorf("worker queue name must not be empty")
		}
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout < 0 {
		return fmt.Errorf("worker job_timeout must not be negative")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.LeaseTimeout <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker lease_timeout must be greater than heartbeat_interval")
	}

	if _, err := cron.ParseStandard(c.Worker.ReapSchedule); err != nil {
		return fmt.Errorf("invalid worker reap_schedule %q: %w", c.Worker.ReapSchedule, err)
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.MetricsPort != 0 && (c.Worker.MetricsPort < MinPort || c.Worker.MetricsPort > MaxPort) {
		return fmt.Errorf("invalid worker metrics port: %d (must be between %d and %d)", c.Worker.MetricsPort, MinPort, MaxPort)
	}

	return nil
}
