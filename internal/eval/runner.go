package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/llmops/internal/ledger"
	"github.com/ongoingai/llmops/internal/observability"
	"github.com/ongoingai/llmops/internal/storage"
	"github.com/ongoingai/llmops/internal/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 4
	defaultTimeout     = 60 * time.Second
	tracerName         = "github.com/ongoingai/llmops/internal/eval"
)

// Observer receives one signal per persisted evaluation record.
type Observer interface {
	RecordEvaluation(ctx context.Context, evaluator, status string, latency time.Duration)
}

// RunSummary reports what one run did.
type RunSummary struct {
	// NoTraces is set when the trace ledger does not exist yet.
	NoTraces  bool          `json:"no_traces"`
	Traces    int           `json:"traces"`
	Planned   int           `json:"planned"`
	Completed int           `json:"completed"`
	Errored   int           `json:"errored"`
	Abandoned int           `json:"abandoned"`
	Duration  time.Duration `json:"duration_ns"`
}

type RunnerOptions struct {
	// Concurrency bounds in-flight evaluator calls.
	Concurrency int
	// Timeout bounds a single evaluator call.
	Timeout  time.Duration
	Logger   *slog.Logger
	Observer Observer
	Now      func() time.Time
	NewID    func() string
}

// Runner evaluates every unplanned (trace, evaluator) pair and appends one
// record per pair as soon as it finishes.
type Runner struct {
	traces   *ledger.Ledger[trace.Trace]
	evals    *ledger.Ledger[Record]
	registry *Registry
	opts     RunnerOptions
}

func NewRunner(traces *ledger.Ledger[trace.Trace], evals *ledger.Ledger[Record], registry *Registry, opts RunnerOptions) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Runner{traces: traces, evals: evals, registry: registry, opts: opts}
}

// Run reads both ledgers, plans missing work, and executes it. A missing
// trace ledger is not an error.
func (r *Runner) Run(ctx context.Context) (RunSummary, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "evaluation.run")
	defer span.End()

	start := time.Now()
	if err := r.evals.Ensure(ctx); err != nil {
		span.SetStatus(codes.Error, "ensure evaluation ledger")
		return RunSummary{}, fmt.Errorf("ensure evaluation ledger: %w", err)
	}

	traces, err := r.traces.ReadAll(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		r.opts.Logger.InfoContext(ctx, "evaluation run skipped", "reason", "trace ledger not found")
		return RunSummary{NoTraces: true, Duration: time.Since(start)}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read traces")
		return RunSummary{}, err
	}

	records, err := r.evals.ReadAll(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read evaluations")
		return RunSummary{}, err
	}

	plan := Plan(traces, records, r.registry)
	span.SetAttributes(
		attribute.Int("llmops.traces", len(traces)),
		attribute.Int("llmops.evaluations.existing", len(records)),
		attribute.Int("llmops.evaluations.planned", len(plan)),
	)

	summary, err := r.Execute(ctx, plan)
	summary.Traces = len(traces)
	summary.Duration = time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execute plan")
		return summary, err
	}

	r.opts.Logger.InfoContext(ctx, "evaluation run finished",
		"traces", summary.Traces,
		"planned", summary.Planned,
		"completed", summary.Completed,
		"errored", summary.Errored,
		"abandoned", summary.Abandoned,
		"duration_ms", summary.Duration.Milliseconds(),
	)
	return summary, nil
}

// Execute runs plan with bounded parallelism. Evaluator failures become error
// records; a ledger append failure stops the run and is returned. Tasks cut
// short by cancellation are abandoned without a record so the next run
// picks them up.
func (r *Runner) Execute(ctx context.Context, plan []Task) (RunSummary, error) {
	summary := RunSummary{Planned: len(plan)}
	if len(plan) == 0 {
		return summary, nil
	}

	var completed, errored, abandoned atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	for i, task := range plan {
		if gctx.Err() != nil {
			abandoned.Add(int64(len(plan) - i))
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				abandoned.Add(1)
				return nil
			}
			rec, latency := r.evaluate(gctx, task)
			if gctx.Err() != nil {
				abandoned.Add(1)
				return nil
			}
			if err := r.evals.Append(gctx, rec); err != nil {
				abandoned.Add(1)
				r.opts.Logger.ErrorContext(gctx, "evaluation append failed",
					"trace_id", rec.TraceID,
					"evaluator", rec.EvaluatorName,
					"error_class", storage.ClassifyWriteError(err),
					"error", err,
				)
				return fmt.Errorf("append evaluation %s/%s: %w", rec.TraceID, rec.EvaluatorName, err)
			}
			if rec.Status == StatusCompleted {
				completed.Add(1)
			} else {
				errored.Add(1)
			}
			if r.opts.Observer != nil {
				r.opts.Observer.RecordEvaluation(gctx, rec.EvaluatorName, rec.Status, latency)
			}
			return nil
		})
	}

	err := g.Wait()
	summary.Completed = int(completed.Load())
	summary.Errored = int(errored.Load())
	summary.Abandoned = int(abandoned.Load())
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return summary, err
}

type outcome struct {
	result Result
	err    error
}

// evaluate runs one evaluator under its own deadline and always returns a
// record. The evaluator runs on its own goroutine so a call that ignores its
// context still times out.
func (r *Runner) evaluate(ctx context.Context, task Task) (Record, time.Duration) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "evaluation.evaluator",
		oteltrace.WithAttributes(
			attribute.String("llmops.trace_id", task.Trace.TraceID),
			attribute.String("llmops.evaluator", task.CanonicalName),
		),
	)
	defer span.End()

	rec := Record{
		EvalID:        r.opts.NewID(),
		TraceID:       task.Trace.TraceID,
		EvaluatorName: task.CanonicalName,
	}
	start := time.Now()

	ev, ok := r.registry.Get(task.Evaluator)
	var res Result
	var err error
	if !ok {
		err = fmt.Errorf("evaluator %q is not registered", task.Evaluator)
	} else {
		res, err = r.call(ctx, ev, task.Trace)
	}
	if err == nil {
		err = checkScore(res.Score)
	}
	latency := time.Since(start)
	rec.Timestamp = trace.FormatTimestamp(r.opts.Now())

	if err != nil {
		rec.Status = StatusError
		rec.Explanation = "Evaluator failed: " + observability.ScrubCredentials(err.Error())
		span.SetStatus(codes.Error, "evaluator failed")
		if ctx.Err() == nil {
			r.opts.Logger.WarnContext(ctx, "evaluator failed",
				"trace_id", rec.TraceID,
				"evaluator", rec.EvaluatorName,
				"error", rec.Explanation,
			)
		}
		return rec, latency
	}

	rec.Status = StatusCompleted
	rec.Score = res.Score
	rec.Explanation = res.Explanation
	return rec, latency
}

func (r *Runner) call(ctx context.Context, ev Evaluator, t trace.Trace) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("evaluator panicked: %v", p)}
			}
		}()
		res, err := ev.Evaluate(callCtx, t)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return Result{}, fmt.Errorf("timed out after %s: %w", r.opts.Timeout, out.err)
		}
		return out.result, out.err
	case <-callCtx.Done():
		if ctx.Err() == nil {
			return Result{}, fmt.Errorf("timed out after %s: %w", r.opts.Timeout, context.DeadlineExceeded)
		}
		return Result{}, ctx.Err()
	}
}

func checkScore(score *float64) error {
	if score == nil {
		return nil
	}
	if math.IsNaN(*score) || math.IsInf(*score, 0) {
		return fmt.Errorf("evaluator returned non-finite score")
	}
	if !validScore(*score) {
		return fmt.Errorf("evaluator returned score %v outside [0,1]", *score)
	}
	return nil
}
