package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	EnvironmentTest       = "test"
	EnvironmentProduction = "production"

	DriverRabbitMQ = "rabbitmq"
	DriverMemory   = "memory"
)

// ErrBrokerConfig marks invalid broker connection parameters
var ErrBrokerConfig = errors.New("invalid broker configuration")

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Jobs     JobsConfig     `yaml:"jobs"`
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
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
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds the job transport connection configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   string           `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
	Concurrency   int `yaml:"concurrency"`
}

// RedisConfig holds the job bookkeeping store configuration
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// JobsConfig holds background job settings
type JobsConfig struct {
	Driver       string `yaml:"driver"`
	DefaultQueue string `yaml:"default_queue"`
	// RunnerEnabled defaults to true outside production when unset
	RunnerEnabled   *bool         `yaml:"runner_enabled"`
	ObserverEnabled *bool         `yaml:"observer_enabled"`
	Attempts        int           `yaml:"attempts"`
	Backoff         time.Duration `yaml:"backoff"`
	SettleTimeout   time.Duration `yaml:"settle_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	SweepBatch      int           `yaml:"sweep_batch"`
	Heartbeat       string        `yaml:"heartbeat"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment.
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
	if c.Jobs.Driver == "" {
		c.Jobs.Driver = DriverRabbitMQ
	}
	if c.Jobs.DefaultQueue == "" {
		c.Jobs.DefaultQueue = "default"
	}
	if c.Jobs.DrainTimeout == 0 {
		c.Jobs.DrainTimeout = 30 * time.Second
	}
	if c.Jobs.SweepBatch == 0 {
		c.Jobs.SweepBatch = 100
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "jobkit"
	}
}

// IsTest reports whether the process runs in the deterministic test mode
func (c *Config) IsTest() bool {
	return c.App.Environment == EnvironmentTest
}

// IsProduction reports whether the process runs in production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvironmentProduction
}

// RunnerEnabled reports whether the runner starts automatically
func (c *Config) RunnerEnabled() bool {
	if c.Jobs.RunnerEnabled != nil {
		return *c.Jobs.RunnerEnabled
	}
	return !c.IsProduction()
}

// ObserverEnabled reports whether audit records are written
func (c *Config) ObserverEnabled() bool {
	if c.Jobs.ObserverEnabled != nil {
		return *c.Jobs.ObserverEnabled
	}
	return true
}

// Validate checks if the configuration is valid. Broker problems wrap
// ErrBrokerConfig.
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

	if c.Jobs.DefaultQueue == "" {
		return fmt.Errorf("jobs default_queue is required")
	}

	if c.Jobs.Attempts < 0 {
		return fmt.Errorf("jobs attempts must not be negative")
	}

	switch c.Jobs.Driver {
	case DriverMemory:
		return nil
	case DriverRabbitMQ:
		return c.ValidateBroker()
	default:
		return fmt.Errorf("unknown jobs driver %q", c.Jobs.Driver)
	}
}

// ValidateBroker checks the broker connection parameters
func (c *Config) ValidateBroker() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("%w: rabbitmq host is required", ErrBrokerConfig)
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("%w: invalid rabbitmq port: %d (must be between %d and %d)", ErrBrokerConfig, c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange == "" {
		return fmt.Errorf("%w: rabbitmq exchange is required", ErrBrokerConfig)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis addr is required", ErrBrokerConfig)
	}

	return nil
}
