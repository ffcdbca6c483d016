package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/autoplan/autoplan/internal/app"
	"github.com/autoplan/autoplan/internal/cli/autoplanctl"
	"github.com/autoplan/autoplan/internal/config"
	"github.com/autoplan/autoplan/internal/observability"
	"github.com/autoplan/autoplan/internal/plan"
	"github.com/autoplan/autoplan/internal/runs"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("AUTOPLAN_CLI_TIMEOUT")), 2*time.Minute)
	options := autoplanctl.Options{
		BaseURL:  envOr("AUTOPLAN_API_URL", "http://localhost:8080"),
		APIKey:   strings.TrimSpace(os.Getenv("AUTOPLAN_API_KEY")),
		Timeout:  timeout,
		Local:    runLocal,
		ReadFile: os.ReadFile,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
	if cfg, err := config.LoadFromEnv("autoplanctl"); err == nil {
		options.MaxRows = cfg.Query.MaxRows
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := autoplanctl.Run(ctx, os.Args[1:], options)
	stop()
	os.Exit(code)
}

// runLocal builds the full runtime from the environment, so `autoplanctl run`
// talks to the warehouse directly instead of going through the API.
func runLocal(ctx context.Context, request runs.CreateRequest) (plan.Run, error) {
	cfg, err := config.LoadFromEnv("autoplanctl")
	if err != nil {
		return plan.Run{}, fmt.Errorf("load config: %w", err)
	}
	logger := observability.NewLogger(cfg, os.Stderr)
	runtime, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		return plan.Run{}, err
	}
	defer func() { _ = runtime.Close() }()
	return runtime.Runs.CreateAndExecute(ctx, request)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid AUTOPLAN_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
