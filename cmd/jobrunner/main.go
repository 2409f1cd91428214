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

	"github.com/cuongbtq/jobkit/internal/api/handler"
	"github.com/cuongbtq/jobkit/internal/api/router"
	"github.com/cuongbtq/jobkit/internal/app"
	"github.com/cuongbtq/jobkit/internal/config"
	"github.com/cuongbtq/jobkit/shared/logger"
	"github.com/gin-gonic/gin"
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

	defaultConfigPath := os.Getenv("JOBKIT_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/jobkit/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting job runner",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("driver", cfg.Jobs.Driver),
	)

	ctx := context.Background()

	a, err := app.New(ctx, cfg, appLogger.Logger, app.Options{})
	if err != nil {
		return fmt.Errorf("failed to initialize jobs: %w", err)
	}

	if err := a.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Jobs.DrainTimeout)
		defer cancel()
		_ = a.Shutdown(shutdownCtx)
		return err
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      initRouter(cfg, appLogger, a),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	appLogger.Info("Job runner is running",
		slog.String("address", srv.Addr),
		slog.String("runner", a.Runner.State().String()),
		slog.Any("queues", a.Queues.Names()),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Ops server failed", slog.Any("error", runErr))
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout+cfg.Jobs.DrainTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Ops server forced to shutdown", slog.Any("error", err))
	}

	if err := a.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Job subsystem shutdown finished with errors", slog.Any("error", err))
		return errors.Join(runErr, err)
	}

	appLogger.Info("Job runner shutdown complete")
	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initRouter builds the ops HTTP surface
func initRouter(cfg *config.Config, appLogger *logger.Logger, a *app.App) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger:  appLogger.Component("http"),
		Service: cfg.App.Name,
		Jobs:    a.Service,
		Audit:   a.Audit,
		Checks: map[string]handler.CheckFunc{
			"broker":   a.Observer.Ping,
			"database": a.HealthCheck,
		},
	})
}
