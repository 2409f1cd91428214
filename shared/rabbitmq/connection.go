package rabbitmq

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrInvalidConfig is returned when connection parameters are missing or invalid
	ErrInvalidConfig = errors.New("invalid rabbitmq configuration")

	// ErrClosed is returned when a channel is requested from a closed connection
	ErrClosed = errors.New("rabbitmq connection closed")
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host              string
	Port              int
	User              string
	Password          string
	VHost             string
	ExchangeName      string
	RetryAttempts     int
	RetryInterval     time.Duration
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration

	// BeforeDial is consulted before every dial attempt. A non-nil error
	// aborts the dial without retrying.
	BeforeDial func() error
}

// Validate checks that the connection parameters are usable
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if c.ExchangeName == "" {
		return fmt.Errorf("%w: exchange name is required", ErrInvalidConfig)
	}
	return nil
}

// URL renders the AMQP URI for the configured broker
func (c *Config) URL() string {
	path := "/"
	if c.VHost != "" && c.VHost != "/" {
		path += url.PathEscape(strings.TrimPrefix(c.VHost, "/"))
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   path,
	}
	return u.String()
}

// Connection is a lazily dialed AMQP connection shared by every queue
// handle. Channels are opened on demand; a dropped connection is redialed
// on the next Channel call.
type Connection struct {
	config *Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// NewConnection creates a connection that dials on first use
func NewConnection(config *Config, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{config: config, logger: logger}
}

// Channel opens a new channel, dialing the broker if needed
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if c.conn == nil || c.conn.IsClosed() {
		if err := c.dial(); err != nil {
			return nil, err
		}
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	return ch, nil
}

// dial establishes the connection with retry logic; caller holds mu
func (c *Connection) dial() error {
	if err := c.config.Validate(); err != nil {
		return err
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if c.config.BeforeDial != nil {
			if guardErr := c.config.BeforeDial(); guardErr != nil {
				return guardErr
			}
		}

		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		var conn *amqp.Connection
		conn, err = amqp.DialConfig(c.config.URL(), amqpConfig)
		if err == nil {
			c.conn = conn
			c.logger.Info("Successfully connected to RabbitMQ",
				slog.String("host", c.config.Host),
				slog.String("exchange", c.config.ExchangeName),
			)
			return nil
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
}

// IsConnected reports whether a live connection exists
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.conn != nil && !c.conn.IsClosed()
}

// Close closes the connection; further Channel calls fail with ErrClosed
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}

	c.logger.Info("Closing RabbitMQ connection")
	if err := c.conn.Close(); err != nil {
		c.logger.Error("Failed to close RabbitMQ connection",
			slog.Any("error", err),
		)
		return err
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}
