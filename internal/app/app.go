package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobkit/internal/audit"
	"github.com/cuongbtq/jobkit/internal/broker"
	"github.com/cuongbtq/jobkit/internal/config"
	"github.com/cuongbtq/jobkit/internal/jobs"
	"github.com/cuongbtq/jobkit/internal/tasks"
	"github.com/cuongbtq/jobkit/shared/postgresql"
	"github.com/cuongbtq/jobkit/shared/rabbitmq"
	"github.com/jmoiron/sqlx"
)

// Options select the process flavour
type Options struct {
	// Command marks a command-style process; the runner never consumes
	Command bool
	// Mailer delivers welcome emails; defaults to a log-only mailer
	Mailer tasks.Mailer
}

// Deps are the externally owned resources of an App
type Deps struct {
	Logger *slog.Logger
	DB     *sqlx.DB
	// Factory opens queue handles; built from the config when nil
	Factory jobs.QueueFactory
	// Guard is blocked at shutdown; optional with a custom Factory
	Guard *broker.Guard
}

// App wires the job subsystem together
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Audit       *audit.Store
	Registry    *jobs.Registry
	Queues      *jobs.Queues
	Service     *jobs.Service
	Runner      *jobs.Runner
	Observer    *jobs.Observer
	Coordinator *jobs.Coordinator

	db *postgresql.Client
}

// New connects to PostgreSQL, prepares the broker factory and builds the
// App. The database is closed by Shutdown.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	guard := &broker.Guard{}
	factory, err := NewQueueFactory(cfg, guard, logger)
	if err != nil {
		return nil, err
	}

	dbClient, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		_ = factory.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a, err := Build(ctx, cfg, Deps{Logger: logger, DB: dbClient.GetDB(), Factory: factory, Guard: guard}, opts)
	if err != nil {
		_ = factory.Close()
		_ = dbClient.Close()
		return nil, err
	}

	a.db = dbClient
	a.Coordinator.OnShutdown("database", jobs.PriorityLowest+1, func(context.Context) error {
		return dbClient.Close()
	})
	return a, nil
}

// Build assembles the App from already opened resources
func Build(ctx context.Context, cfg *config.Config, deps Deps, opts Options) (*App, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := audit.NewStore(deps.DB)
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
	}

	factory := deps.Factory
	guard := deps.Guard
	if factory == nil {
		if guard == nil {
			guard = &broker.Guard{}
		}
		f, err := NewQueueFactory(cfg, guard, logger)
		if err != nil {
			return nil, err
		}
		factory = f
	}

	registry := jobs.NewRegistry()
	mailer := opts.Mailer
	if mailer == nil {
		mailer = tasks.NewLogMailer(logger.With(slog.String("component", "mailer")))
	}
	tasks.Register(registry, tasks.Deps{
		Mailer:           mailer,
		HeartbeatPattern: cfg.Jobs.Heartbeat,
		Logger:           logger,
	})

	queues := jobs.NewQueues(factory, logger)

	// Test mode is decided once here
	var dispatcher jobs.Dispatcher = jobs.NewBrokerDispatcher(queues)
	if cfg.IsTest() {
		dispatcher = jobs.NewNoopDispatcher(logger)
	}

	service := jobs.NewService(registry, dispatcher, cfg.Jobs.DefaultQueue, logger)

	runner := jobs.NewRunner(jobs.RunnerConfig{
		Enabled:      cfg.RunnerEnabled(),
		Command:      opts.Command,
		DefaultQueue: cfg.Jobs.DefaultQueue,
		DrainTimeout: cfg.Jobs.DrainTimeout,
	}, registry, queues, logger.With(slog.String("component", "runner")))

	observer := jobs.NewObserver(jobs.ObserverConfig{
		Enabled:       cfg.ObserverEnabled() && !opts.Command,
		DefaultQueue:  cfg.Jobs.DefaultQueue,
		SweepInterval: cfg.Jobs.SweepInterval,
		SweepBatch:    cfg.Jobs.SweepBatch,
	}, registry, queues, store, logger.With(slog.String("component", "observer")))

	coordinator := jobs.NewCoordinator(logger)
	var connGuard jobs.ConnectionGuard
	if guard != nil {
		connGuard = guard
	}
	jobs.RegisterTeardown(coordinator, runner, observer, connGuard, queues)

	return &App{
		Config:      cfg,
		Logger:      logger,
		Audit:       store,
		Registry:    registry,
		Queues:      queues,
		Service:     service,
		Runner:      runner,
		Observer:    observer,
		Coordinator: coordinator,
	}, nil
}

// NewQueueFactory builds the broker factory selected by jobs.driver.
// Invalid connection parameters are reported as a ConfigurationError.
func NewQueueFactory(cfg *config.Config, guard *broker.Guard, logger *slog.Logger) (jobs.QueueFactory, error) {
	opts := broker.Options{
		Attempts:      cfg.Jobs.Attempts,
		Backoff:       cfg.Jobs.Backoff,
		Concurrency:   cfg.RabbitMQ.Consumer.Concurrency,
		Prefetch:      cfg.RabbitMQ.Consumer.PrefetchCount,
		SettleTimeout: cfg.Jobs.SettleTimeout,
		PollInterval:  cfg.Jobs.PollInterval,
	}

	if cfg.Jobs.Driver == config.DriverMemory {
		return broker.NewMemoryFactory(opts), nil
	}

	if err := cfg.ValidateBroker(); err != nil {
		return nil, &jobs.ConfigurationError{Err: err}
	}

	factory, err := broker.NewFactory(broker.Config{
		RabbitMQ: rabbitmq.Config{
			Host:              cfg.RabbitMQ.Host,
			Port:              cfg.RabbitMQ.Port,
			User:              cfg.RabbitMQ.User,
			Password:          cfg.RabbitMQ.Password,
			VHost:             cfg.RabbitMQ.VHost,
			ExchangeName:      cfg.RabbitMQ.Exchange,
			RetryAttempts:     cfg.RabbitMQ.Connection.RetryAttempts,
			RetryInterval:     cfg.RabbitMQ.Connection.RetryInterval,
			Heartbeat:         cfg.RabbitMQ.Connection.Heartbeat,
			ConnectionTimeout: cfg.RabbitMQ.Connection.ConnectionTimeout,
		},
		Redis: broker.RedisConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			Prefix:      cfg.Redis.Prefix,
			DialTimeout: cfg.Redis.DialTimeout,
		},
		Queue: opts,
	}, guard, logger.With(slog.String("component", "broker")))
	if err != nil {
		if errors.Is(err, broker.ErrInvalidConfig) {
			return nil, &jobs.ConfigurationError{Err: err}
		}
		return nil, err
	}
	return factory, nil
}

// Start runs the observer and then the runner
func (a *App) Start(ctx context.Context) error {
	if err := a.Observer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start observer: %w", err)
	}
	if err := a.Runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runner: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection
func (a *App) HealthCheck(ctx context.Context) error {
	if a.db != nil {
		return a.db.HealthCheck(ctx)
	}
	return a.Audit.Ping(ctx)
}

// Shutdown runs every registered teardown phase once
func (a *App) Shutdown(ctx context.Context) error {
	return a.Coordinator.Shutdown(ctx)
}
