// Package autoplanctl implements the autoplanctl command line: local plan
// execution and SQL validation, plus a thin client for the HTTP API.
package autoplanctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/autoplan/autoplan/internal/guard"
	"github.com/autoplan/autoplan/internal/plan"
	"github.com/autoplan/autoplan/internal/runs"
)

// LocalRunner creates and executes a run in process.
type LocalRunner func(ctx context.Context, request runs.CreateRequest) (plan.Run, error)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRows    int
	HTTPClient *http.Client
	Local      LocalRunner
	ReadFile   func(path string) ([]byte, error)
	Stdout     io.Writer
	Stderr     io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("autoplanctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "autoplan API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 2*time.Minute), "HTTP timeout (e.g. 30s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}
	cmd := &command{
		baseURL:  strings.TrimRight(*baseURL, "/"),
		apiKey:   *apiKey,
		client:   client,
		options:  defaults,
		stdout:   stdout,
		stderr:   stderr,
		readFile: defaults.ReadFile,
	}

	name := strings.TrimSpace(fs.Arg(0))
	rest := fs.Args()[1:]
	switch name {
	case "validate":
		return cmd.validate(rest)
	case "run":
		return cmd.runLocal(ctx, rest)
	case "health":
		return cmd.call(ctx, http.MethodGet, "/v1/health", nil)
	case "ready":
		return cmd.call(ctx, http.MethodGet, "/v1/ready", nil)
	case "tables":
		return cmd.tables(ctx, rest)
	case "runs":
		return cmd.call(ctx, http.MethodGet, "/v1/runs", nil)
	case "run-get":
		return cmd.withRunID(rest, func(runID string) int {
			return cmd.call(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil)
		})
	case "run-execute":
		return cmd.withRunID(rest, func(runID string) int {
			return cmd.call(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/execute", nil)
		})
	case "run-create":
		return cmd.createRemote(ctx, rest)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		writeUsage(stderr)
		return 2
	}
}

type command struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	options  Options
	stdout   io.Writer
	stderr   io.Writer
	readFile func(string) ([]byte, error)
}

func (c *command) validate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	maxRows := fs.Int("max-rows", intOr(c.options.MaxRows, 10000), "row cap applied to the statement")
	schema := fs.String("schema", "", "schema used to qualify bare table names")
	timeout := fs.Duration("query-timeout", 30*time.Second, "execution-time hint")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	sqlText := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if sqlText == "" {
		_, _ = fmt.Fprintln(c.stderr, "usage: autoplanctl validate [-max-rows N] [-schema S] <sql>")
		return 2
	}

	prepared, err := guard.Validate(sqlText, guard.Policy{MaxRows: *maxRows, Schema: *schema, Timeout: *timeout})
	if err != nil {
		_, _ = fmt.Fprintf(c.stderr, "rejected: %v\n", err)
		return 1
	}
	c.printJSON(map[string]any{
		"valid":  true,
		"sql":    prepared.SQL,
		"limit":  prepared.Limit,
		"tables": guard.ReferencedTables(sqlText),
	})
	return 0
}

// runLocal executes a plan file in process. Exit code 3 signals a run that
// needs confirmation, so scripts can tell it apart from hard failures.
func (c *command) runLocal(ctx context.Context, args []string) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(c.stderr, "usage: autoplanctl run <plan.yaml>")
		return 2
	}
	if c.options.Local == nil {
		_, _ = fmt.Fprintln(c.stderr, "local execution is not configured")
		return 1
	}
	request, err := c.loadPlan(args[0])
	if err != nil {
		_, _ = fmt.Fprintf(c.stderr, "load plan: %v\n", err)
		return 1
	}
	run, err := c.options.Local(ctx, request)
	if err != nil {
		_, _ = fmt.Fprintf(c.stderr, "run failed: %v\n", err)
		return 1
	}
	c.printJSON(run)
	switch run.Status {
	case plan.StatusDone:
		return 0
	case plan.StatusNeedsConfirmation:
		return 3
	default:
		return 1
	}
}

func (c *command) createRemote(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run-create", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	execute := fs.Bool("execute", false, "execute the run immediately")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(c.stderr, "usage: autoplanctl run-create [-execute] <plan.yaml>")
		return 2
	}
	request, err := c.loadPlan(fs.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(c.stderr, "load plan: %v\n", err)
		return 1
	}
	body, err := json.Marshal(map[string]any{"task": request.Task, "plan": request.Plan, "execute": *execute})
	if err != nil {
		_, _ = fmt.Fprintf(c.stderr, "encode request: %v\n", err)
		return 1
	}
	return c.call(ctx, http.MethodPost, "/v1/runs", body)
}

func (c *command) tables(ctx context.Context, args []string) int {
	path := "/v1/tables"
	if len(args) > 0 {
		path += "?describe=" + url.QueryEscape(strings.Join(args, ","))
	}
	return c.call(ctx, http.MethodGet, path, nil)
}

func (c *command) withRunID(args []string, fn func(string) int) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		_, _ = fmt.Fprintln(c.stderr, "a run id is required")
		return 2
	}
	return fn(strings.TrimSpace(args[0]))
}

func (c *command) loadPlan(path string) (runs.CreateRequest, error) {
	readFile := c.readFile
	if readFile == nil {
		return runs.CreateRequest{}, fmt.Errorf("file access is not configured")
	}
	raw, err := readFile(path)
	if err != nil {
		return runs.CreateRequest{}, err
	}
	return ParsePlanFile(raw)
}

func (c *command) call(ctx context.Context, method, path string, body []byte) int {
	code, responseBody, err := doRequest(ctx, c.client, method, c.baseURL+path, c.apiKey, body)
	if err != nil {
		_, _ = fmt.Fprintf(c.stderr, "request failed: %v\n", err)
		return 1
	}
	if code >= 400 {
		_, _ = fmt.Fprintf(c.stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}
	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(c.stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(c.stdout, string(responseBody))
	}
	return 0
}

func (c *command) printJSON(value any) {
	formatted, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(c.stderr, "encode output: %v\n", err)
		return
	}
	_, _ = fmt.Fprintln(c.stdout, string(formatted))
}

func doRequest(ctx context.Context, client *http.Client, method, endpoint, apiKey string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: autoplanctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "local commands:")
	_, _ = fmt.Fprintln(w, "  validate <sql>              check SQL against the guard")
	_, _ = fmt.Fprintln(w, "  run <plan.yaml>             execute a plan in process")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "api commands:")
	_, _ = fmt.Fprintln(w, "  health                      GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                       GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  tables [name...]            GET /v1/tables")
	_, _ = fmt.Fprintln(w, "  runs                        GET /v1/runs")
	_, _ = fmt.Fprintln(w, "  run-get <run_id>            GET /v1/runs/{run_id}")
	_, _ = fmt.Fprintln(w, "  run-create [-execute] <f>   POST /v1/runs")
	_, _ = fmt.Fprintln(w, "  run-execute <run_id>        POST /v1/runs/{run_id}/execute")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func intOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
