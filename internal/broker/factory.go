package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobkit/shared/rabbitmq"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the bookkeeping store connection settings
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string
	DialTimeout time.Duration
}

// Config holds everything needed to open queue handles
type Config struct {
	RabbitMQ rabbitmq.Config
	Redis    RedisConfig
	Queue    Options
}

// Factory opens queue handles over one shared AMQP connection and one
// Redis client
type Factory struct {
	conn     *rabbitmq.Connection
	state    *State
	exchange string
	opts     Options
	logger   *slog.Logger
}

// NewFactory validates the connection parameters and prepares lazy
// connections. Every dial consults guard.
func NewFactory(cfg Config, guard *Guard, logger *slog.Logger) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.RabbitMQ.Validate(); err != nil {
		return nil, err
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("%w: redis address is required", ErrInvalidConfig)
	}

	amqpConfig := cfg.RabbitMQ
	if guard != nil {
		amqpConfig.BeforeDial = guard.Check
	}

	redisOpts := &redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	}
	if guard != nil {
		redisOpts.Dialer = guard.DialContext
	}

	return &Factory{
		conn:     rabbitmq.NewConnection(&amqpConfig, logger),
		state:    NewState(redis.NewClient(redisOpts), cfg.Redis.Prefix),
		exchange: amqpConfig.ExchangeName,
		opts:     cfg.Queue,
		logger:   logger,
	}, nil
}

// Open declares the queue topology and returns a handle
func (f *Factory) Open(name string) (Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: queue name is required", ErrInvalidConfig)
	}
	q, err := openQueue(name, f.conn, f.exchange, f.state, f.opts, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue %s: %w", name, err)
	}
	return q, nil
}

// Close releases the shared connections
func (f *Factory) Close() error {
	return errors.Join(f.conn.Close(), f.state.Close())
}
