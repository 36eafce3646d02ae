package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/acm-runtime/acm/pkg/checkpoint"
	"github.com/acm-runtime/acm/pkg/config"
	"github.com/acm-runtime/acm/pkg/contracts"
	"github.com/acm-runtime/acm/pkg/executor"
	"github.com/acm-runtime/acm/pkg/observability"
	"github.com/acm-runtime/acm/pkg/policy"
	"github.com/acm-runtime/acm/pkg/registry"
	"github.com/acm-runtime/acm/pkg/resume"
	"github.com/acm-runtime/acm/pkg/scope"
)

// planFile is the JSON document the run command consumes.
type planFile struct {
	Goal    contracts.Goal           `json:"goal"`
	Plan    contracts.Plan           `json:"plan"`
	Context *contracts.ContextPacket `json:"context,omitempty"`
	Policy  []policy.Rule            `json:"policy,omitempty"`
}

func runCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	planPath := fs.String("plan", "", "plan file (JSON)")
	profile := fs.String("profile", "", "run profile (YAML)")
	runID := fs.String("run-id", "", "run identifier (generated when empty)")
	ledgerOut := fs.String("ledger", "", "write the run ledger as JSONL to this path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *planPath == "" {
		_, _ = fmt.Fprintln(stderr, "acm run: -plan is required")
		return 2
	}

	opts, err := config.Load(*profile)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "acm run:", err)
		return 1
	}
	doc, err := readPlanFile(*planPath)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "acm run:", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, shutdown, err := buildRunner(ctx, opts, doc.Policy, stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "acm run:", err)
		return 1
	}
	defer func() { _ = shutdown(context.Background()) }()

	res, runErr := runner.Run(ctx, executor.Request{
		RunID:   *runID,
		Goal:    doc.Goal,
		Plan:    doc.Plan,
		Context: doc.Context,
	})
	return report(res, runErr, *ledgerOut, stdout, stderr)
}

func resumeCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profile := fs.String("profile", "", "run profile (YAML)")
	runID := fs.String("run-id", "", "run to resume")
	checkpointID := fs.String("checkpoint", "", "checkpoint id (latest when empty)")
	ledgerOut := fs.String("ledger", "", "write the run ledger as JSONL to this path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *runID == "" {
		_, _ = fmt.Fprintln(stderr, "acm resume: -run-id is required")
		return 2
	}

	opts, err := config.Load(*profile)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "acm resume:", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, shutdown, err := buildRunner(ctx, opts, nil, stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "acm resume:", err)
		return 1
	}
	defer func() { _ = shutdown(context.Background()) }()

	res, runErr := runner.Resume(ctx, *runID, *checkpointID)
	return report(res, runErr, *ledgerOut, stdout, stderr)
}

func checkpointsCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profile := fs.String("profile", "", "run profile (YAML)")
	runID := fs.String("run-id", "", "run to inspect")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *runID == "" {
		_, _ = fmt.Fprintln(stderr, "acm checkpoints: -run-id is required")
		return 2
	}
	opts, err := config.Load(*profile)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "acm checkpoints:", err)
		return 1
	}
	ctx := context.Background()
	store, err := buildStore(ctx, opts)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "acm checkpoints:", err)
		return 1
	}
	ids, err := store.List(ctx, *runID)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "acm checkpoints:", err)
		return 1
	}
	for _, id := range ids {
		_, _ = fmt.Fprintln(stdout, id)
	}
	return 0
}

func readPlanFile(path string) (*planFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc planFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &doc, nil
}

// buildRunner assembles the executor stack from configuration.
func buildRunner(ctx context.Context, opts config.Options, rules []policy.Rule, stderr io.Writer) (*resume.Runner, func(context.Context) error, error) {
	logger := newLogger(opts.LogLevel, stderr)
	slog.SetDefault(logger)

	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint: opts.OTLPEndpoint,
		Insecure: opts.OTLPInsecure,
	})
	if err != nil {
		return nil, nil, err
	}

	var engine policy.Engine = policy.AllowAll{}
	if len(rules) > 0 {
		if engine, err = policy.NewCELEngine(rules); err != nil {
			_ = shutdown(ctx)
			return nil, nil, err
		}
	}

	inst, err := observability.NewFromGlobal()
	if err != nil {
		_ = shutdown(ctx)
		return nil, nil, err
	}

	store, err := buildStore(ctx, opts)
	if err != nil {
		_ = shutdown(ctx)
		return nil, nil, err
	}

	execOpts := []executor.Option{
		executor.WithPolicy(engine),
		executor.WithLogger(logger),
		executor.WithInstrumentation(inst),
		executor.WithTaskTimeout(opts.TaskTimeout),
	}
	if opts.ScopeMaxArtifacts > 0 || opts.ScopeMaxBytes > 0 {
		execOpts = append(execOpts, executor.WithScopeOptions(
			scope.WithMaxArtifacts(opts.ScopeMaxArtifacts),
			scope.WithMaxBytes(opts.ScopeMaxBytes),
		))
	}

	var runnerOpts []resume.RunnerOption
	if opts.RedisAddr != "" {
		lease, err := checkpoint.NewLease(redis.NewClient(&redis.Options{Addr: opts.RedisAddr}), opts.LeaseTTL)
		if err != nil {
			_ = shutdown(ctx)
			return nil, nil, err
		}
		runnerOpts = append(runnerOpts, resume.WithLease(lease))
	}

	runner, err := resume.NewRunner(store, opts.CheckpointInterval, builtinRegistry(), execOpts, runnerOpts...)
	if err != nil {
		_ = shutdown(ctx)
		return nil, nil, err
	}
	return runner, shutdown, nil
}

func buildStore(ctx context.Context, opts config.Options) (checkpoint.Store, error) {
	switch opts.CheckpointBackend {
	case config.BackendMemory:
		return checkpoint.NewInMemoryStore(), nil
	case config.BackendFile:
		return checkpoint.NewFileStore(opts.CheckpointPath)
	case config.BackendSQLite:
		return checkpoint.NewSQLiteStore(opts.CheckpointPath)
	case config.BackendPostgres:
		return checkpoint.OpenPostgresStore(ctx, opts.PostgresDSN)
	case config.BackendS3:
		return checkpoint.OpenS3Store(ctx, opts.S3Bucket, opts.S3Prefix)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", opts.CheckpointBackend)
	}
}

// builtinRegistry holds the capabilities the CLI ships with. Hosts embedding
// the runtime register their own.
func builtinRegistry() *registry.CapabilityRegistry {
	reg, err := registry.NewCapabilityRegistry("1.0.0")
	if err != nil {
		panic(err) // static version string
	}
	must := func(e error) {
		if e != nil {
			panic(e)
		}
	}
	must(reg.Register(registry.Capability{Name: "noop"},
		registry.TaskFunc(func(context.Context, registry.RunContext, map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		})))
	must(reg.Register(registry.Capability{Name: "echo"},
		registry.TaskFunc(func(_ context.Context, _ registry.RunContext, input map[string]any) (map[string]any, error) {
			out := make(map[string]any, len(input))
			for k, v := range input {
				out[k] = v
			}
			return out, nil
		})))
	must(reg.Register(registry.Capability{Name: "merge"},
		registry.TaskFunc(func(_ context.Context, run registry.RunContext, input map[string]any) (map[string]any, error) {
			merged := map[string]any{}
			if from, ok := input["from"].([]any); ok {
				for _, id := range from {
					taskID, _ := id.(string)
					if out, ok := run.Output(taskID); ok {
						for k, v := range out {
							merged[k] = v
						}
					}
				}
			}
			return merged, nil
		})))
	return reg
}

func report(res *executor.Result, runErr error, ledgerOut string, stdout, stderr io.Writer) int {
	if res != nil && ledgerOut != "" {
		f, err := os.Create(ledgerOut)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "acm: write ledger:", err)
		} else {
			if err := res.Ledger.EncodeJSONL(f); err != nil {
				_, _ = fmt.Fprintln(stderr, "acm: write ledger:", err)
			}
			_ = f.Close()
		}
	}
	if runErr != nil {
		_, _ = fmt.Fprintln(stderr, "acm: run failed:", runErr)
		return 1
	}
	summary := map[string]any{
		"run_id":    res.RunID,
		"status":    res.Status,
		"completed": res.CompletedCount,
		"entries":   res.Ledger.Len(),
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(summary)
	return 0
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
