package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/jobkit/internal/app"
	"github.com/cuongbtq/jobkit/internal/audit"
	"github.com/cuongbtq/jobkit/internal/config"
	"github.com/cuongbtq/jobkit/internal/jobs"
	"github.com/cuongbtq/jobkit/shared/logger"
	"github.com/joho/godotenv"
)

const usage = `usage: jobctl [-config path] <command> [flags]

commands:
  enqueue   -name NAME [-payload JSON] [-delay 10s] [-job-id ID]
  audit     [-queue Q] [-name NAME] [-status completed|failed] [-page-size N] [-cursor C]
  triggers  [-queue Q]
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer) error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("JOBKIT_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/jobkit/config.yaml"
	}

	global := flag.NewFlagSet("jobctl", flag.ContinueOnError)
	configPath := global.String("config", defaultConfigPath, "Path to configuration file")
	global.Usage = func() { fmt.Fprint(global.Output(), usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errors.New("command is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: "stderr",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	ctx := context.Background()

	a, err := app.New(ctx, cfg, appLogger.Logger, app.Options{Command: true})
	if err != nil {
		return fmt.Errorf("failed to initialize jobs: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Shutdown finished with errors", slog.Any("error", err))
		}
	}()

	cmd, cmdArgs := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "enqueue":
		return enqueue(ctx, a, cmdArgs, out)
	case "audit":
		return listAudit(ctx, a, cmdArgs, out)
	case "triggers":
		return listTriggers(ctx, a, cmdArgs, out)
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func enqueue(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	name := fs.String("name", "", "Registered job name")
	payload := fs.String("payload", "{}", "Job input as JSON")
	delay := fs.Duration("delay", 0, "Delay before the job becomes eligible")
	jobID := fs.String("job-id", "", "Explicit broker job id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("-name is required")
	}
	if !json.Valid([]byte(*payload)) {
		return errors.New("-payload must be valid JSON")
	}

	var opts []jobs.EnqueueOption
	if *delay > 0 {
		opts = append(opts, jobs.WithDelay(*delay))
	}
	if *jobID != "" {
		opts = append(opts, jobs.WithJobID(*jobID))
	}

	id, err := a.Service.QueueJobByName(ctx, *name, json.RawMessage(*payload), opts...)
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]any{"job_id": id, "name": *name, "queued": id != ""})
}

func listAudit(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	queue := fs.String("queue", "", "Filter by queue")
	name := fs.String("name", "", "Filter by job name")
	status := fs.String("status", "", "Filter by status (completed or failed)")
	pageSize := fs.Int("page-size", 20, "Records per page")
	cursorStr := fs.String("cursor", "", "Cursor of the page to fetch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cursor, err := audit.DecodeCursor(*cursorStr)
	if err != nil {
		return err
	}

	records, next, err := a.Audit.List(ctx, audit.Filter{
		Queue:    *queue,
		Name:     *name,
		Status:   audit.Status(*status),
		PageSize: *pageSize,
		Cursor:   cursor,
	})
	if err != nil {
		return err
	}

	resp := map[string]any{"records": records}
	if next != nil {
		resp["next_cursor"] = next.Encode()
	}
	return writeJSON(out, resp)
}

func listTriggers(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("triggers", flag.ContinueOnError)
	queue := fs.String("queue", a.Config.Jobs.DefaultQueue, "Queue to inspect")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q, err := a.Queues.Get(*queue)
	if err != nil {
		return err
	}
	triggers, err := q.Repeatables(ctx)
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]any{"queue": *queue, "triggers": triggers})
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
