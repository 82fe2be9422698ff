// Command lumactl is the operations CLI: statistics refreshes against the
// database, job submission and cancellation against a running API server.
//
// Exit codes: 0 success, 2 bad input, 1 runtime failure.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lumagallery/luma/internal/adapter/repo/postgres"
	"github.com/lumagallery/luma/internal/config"
	"github.com/lumagallery/luma/internal/domain"
	"github.com/lumagallery/luma/internal/observability"
	"github.com/lumagallery/luma/internal/usecase"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: lumactl <command> [flags]

commands:
  refresh-tag-stats          recompute tag cardinality statistics
  refresh-gen-source-stats   recompute per-user and community counts
  submit-job --file <yaml>   submit a generation job via the API server
  cancel-job --id <id>       cancel a job via the API server
`)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitRuntime
	}
	slog.SetDefault(observability.SetupLogger(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch args[0] {
	case "refresh-tag-stats":
		return runRefresh(ctx, cfg, "tag cardinalities", func(s *usecase.StatsService) (int64, error) {
			return s.RefreshTagCardinalities(ctx)
		})
	case "refresh-gen-source-stats":
		return runRefresh(ctx, cfg, "gen source stats", func(s *usecase.StatsService) (int64, error) {
			return s.RefreshGenSourceStats(ctx)
		})
	case "submit-job":
		return runSubmitJob(ctx, args[1:])
	case "cancel-job":
		return runCancelJob(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func runRefresh(ctx context.Context, cfg config.Config, what string, fn func(*usecase.StatsService) (int64, error)) int {
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "db connect: %v\n", err)
		return exitRuntime
	}
	defer pool.Close()

	n, err := fn(usecase.NewStatsService(postgres.NewStatsRepo(pool)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "refresh %s: %v\n", what, err)
		return exitRuntime
	}
	fmt.Printf("refreshed %s: %d rows\n", what, n)
	return exitOK
}

// jobFile mirrors the POST /generation-jobs body.
type jobFile struct {
	Prompt          string                `yaml:"prompt" json:"prompt"`
	NegativePrompt  string                `yaml:"negative_prompt,omitempty" json:"negative_prompt,omitempty"`
	CheckpointModel string                `yaml:"checkpoint_model,omitempty" json:"checkpoint_model,omitempty"`
	LoraModels      []domain.LoraRef      `yaml:"lora_models,omitempty" json:"lora_models,omitempty"`
	Width           int                   `yaml:"width,omitempty" json:"width,omitempty"`
	Height          int                   `yaml:"height,omitempty" json:"height,omitempty"`
	BatchSize       int                   `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	SamplerParams   *domain.SamplerParams `yaml:"sampler_params,omitempty" json:"sampler_params,omitempty"`
	Backend         string                `yaml:"backend,omitempty" json:"backend,omitempty"`
}

func runSubmitJob(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit-job", flag.ContinueOnError)
	file := fs.String("file", "", "path to a YAML job spec")
	server := fs.String("server", serverDefault(), "API server base URL")
	userID := fs.Int64("user", 0, "submitting user id")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *file == "" {
		fmt.Fprintln(os.Stderr, "submit-job: --file is required")
		return exitUsage
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", *file, err)
		return exitUsage
	}
	var spec jobFile
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		fmt.Fprintf(os.Stderr, "parse %s: %v\n", *file, err)
		return exitUsage
	}
	if spec.Prompt == "" {
		fmt.Fprintln(os.Stderr, "submit-job: spec must set prompt")
		return exitUsage
	}

	body, err := json.Marshal(spec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return exitRuntime
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *server+"/generation-jobs", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return exitRuntime
	}
	req.Header.Set("Content-Type", "application/json")
	if *userID > 0 {
		req.Header.Set("X-User-Id", fmt.Sprintf("%d", *userID))
	}
	return doAPICall(req, http.StatusCreated)
}

func runCancelJob(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("cancel-job", flag.ContinueOnError)
	id := fs.Int64("id", 0, "job id to cancel")
	server := fs.String("server", serverDefault(), "API server base URL")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *id <= 0 {
		fmt.Fprintln(os.Stderr, "cancel-job: --id must be a positive integer")
		return exitUsage
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/generation-jobs/%d", *server, *id), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return exitRuntime
	}
	return doAPICall(req, http.StatusOK)
}

func doAPICall(req *http.Request, wantStatus int) int {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "api call: %v\n", err)
		return exitRuntime
	}
	defer func() { _ = resp.Body.Close() }()

	out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	fmt.Println(string(bytes.TrimSpace(out)))
	if resp.StatusCode != wantStatus {
		fmt.Fprintf(os.Stderr, "api returned %d\n", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return exitUsage
		}
		return exitRuntime
	}
	return exitOK
}

func serverDefault() string {
	if v := os.Getenv("LUMA_SERVER_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}
