package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/llmops/internal/config"
	"github.com/ongoingai/llmops/internal/configstore"
	"github.com/ongoingai/llmops/internal/eval"
	"github.com/ongoingai/llmops/internal/evaluators"
	"github.com/ongoingai/llmops/internal/ledger"
	"github.com/ongoingai/llmops/internal/metrics"
	"github.com/ongoingai/llmops/internal/observability"
	"github.com/ongoingai/llmops/internal/storage"
	"github.com/ongoingai/llmops/internal/trace"
	"github.com/ongoingai/llmops/internal/version"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

func loadConfig(configPath string) (config.Config, error) {
	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		if stage == configStageLoad {
			return config.Config{}, failf(1, "failed to load config: %v", err)
		}
		return config.Config{}, failf(1, "config is invalid: %v", err)
	}
	return cfg, nil
}

// newLogger returns a JSON logger stamped with span and correlation ids.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, &exitError{code: 2, err: fmt.Errorf("invalid log level %q: expected debug, info, warn or error", level)}
	}
	inner := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(observability.NewTraceLogHandler(inner)), nil
}

func writeJSONOutput(out io.Writer, v any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func storageOptions(cfg config.StorageConfig) storage.Options {
	return storage.Options{
		Driver:      cfg.Driver,
		Dir:         cfg.Dir,
		SQLitePath:  cfg.SQLitePath,
		PostgresDSN: cfg.PostgresDSN,
		RedisURL:    cfg.RedisURL,
		RedisPrefix: cfg.RedisPrefix,
	}
}

// commandEnv is the wiring shared by every command that touches storage.
type commandEnv struct {
	cfg       config.Config
	logger    *slog.Logger
	runtime   *observability.Runtime
	container storage.Container

	traces      *ledger.Ledger[trace.Trace]
	evaluations *ledger.Ledger[eval.Record]
	evaluators  *configstore.EvaluatorStore
	metrics     *metrics.Service
	// cycle is nil when no judge model is configured.
	cycle *evaluationCycle
}

func openCommandEnv(ctx context.Context, opts *globalOptions, logOut io.Writer) (*commandEnv, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(logOut, opts.logLevel)
	if err != nil {
		return nil, err
	}

	runtime, otelErr := observability.Setup(ctx, cfg.Observability, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
		runtime = nil
	}

	container, err := storage.Open(ctx, storageOptions(cfg.Storage))
	if err != nil {
		shutdownOpenTelemetry(logger, runtime, otelShutdownTimeout)
		return nil, failf(1, "failed to initialize %s storage: %v", cfg.Storage.Driver, err)
	}

	env := &commandEnv{
		cfg:         cfg,
		logger:      logger,
		runtime:     runtime,
		container:   container,
		traces:      trace.NewLedger(container),
		evaluations: eval.NewLedger(container),
		evaluators:  configstore.NewEvaluatorStore(container),
		metrics: metrics.NewService(container, metrics.ServiceOptions{
			Logger:   logger,
			Observer: runtime,
		}),
	}

	if cfg.LLM.Configured() {
		client, err := evaluators.NewClient(cfg.LLM, runtime.WrapHTTPTransport(http.DefaultTransport))
		if err != nil {
			env.Close()
			return nil, failf(1, "failed to initialize judge client: %v", err)
		}
		env.cycle = &evaluationCycle{
			traces: env.traces,
			evals:  env.evaluations,
			store:  env.evaluators,
			client: client,
			opts: eval.RunnerOptions{
				Concurrency: cfg.Evaluation.Concurrency,
				Timeout:     time.Duration(cfg.Evaluation.TimeoutMS) * time.Millisecond,
				Logger:      logger,
				Observer:    runtime,
			},
		}
	}
	return env, nil
}

func (e *commandEnv) Close() {
	if e == nil {
		return
	}
	if err := e.container.Close(); err != nil {
		e.logger.Error("failed to close storage", "driver", e.cfg.Storage.Driver, "error", err)
	}
	shutdownOpenTelemetry(e.logger, e.runtime, otelShutdownTimeout)
}

// evaluationCycle rebuilds the judge registry from the evaluator config
// document on every run, so status changes apply to the next cycle.
type evaluationCycle struct {
	traces *ledger.Ledger[trace.Trace]
	evals  *ledger.Ledger[eval.Record]
	store  *configstore.EvaluatorStore
	client *evaluators.Client
	opts   eval.RunnerOptions
}

func (c *evaluationCycle) Run(ctx context.Context) (eval.RunSummary, error) {
	registry, err := c.registry(ctx)
	if err != nil {
		return eval.RunSummary{}, err
	}
	return eval.NewRunner(c.traces, c.evals, registry, c.opts).Run(ctx)
}

// registry registers every built-in judge until an evaluator config
// document exists; from then on only enabled configs run.
func (c *evaluationCycle) registry(ctx context.Context) (*eval.Registry, error) {
	keys, exists, err := c.store.EnabledKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("load evaluator configs: %w", err)
	}
	if !exists {
		keys = nil
	}

	registry := eval.NewRegistry(eval.DisplayNamesV1)
	skipped, err := evaluators.Register(registry, c.client, keys)
	if err != nil {
		return nil, fmt.Errorf("register judges: %w", err)
	}
	if len(skipped) > 0 && c.opts.Logger != nil {
		c.opts.Logger.WarnContext(ctx, "enabled evaluator configs have no matching judge", "evaluators", skipped)
	}
	return registry, nil
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

func shutdownTraceWriter(logger *slog.Logger, writer *trace.Writer, timeout time.Duration) error {
	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		logger.Error(
			"failed to flush pending traces before shutdown",
			"error", err,
			"timeout", timeout.String(),
		)
		return err
	}
	logger.Info("flushed pending traces before shutdown", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// attachTraceWriterHooks feeds writer pressure and failures into logs and
// the metrics runtime.
func attachTraceWriterHooks(logger *slog.Logger, writer *trace.Writer, runtime *observability.Runtime, driver string) {
	writer.SetMetrics(trace.WriterMetrics{
		OnDrop: runtime.RecordTraceQueueDrop,
		OnFlush: func(batchSize int, _ time.Duration) {
			runtime.RecordTraceFlush(batchSize)
		},
	})
	writer.SetWriteFailureHandler(func(failure trace.WriteFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		runtime.RecordTraceWriteFailure(failure.ErrorClass, failure.FailedCount)
		logger.Error(
			"trace persistence failed; dropped trace records",
			"storage_driver", driver,
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error_kind", fmt.Sprintf("%T", failure.Err),
		)
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
