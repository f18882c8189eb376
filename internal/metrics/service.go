package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ongoingai/llmops/internal/eval"
	"github.com/ongoingai/llmops/internal/ledger"
	"github.com/ongoingai/llmops/internal/session"
	"github.com/ongoingai/llmops/internal/storage"
	"github.com/ongoingai/llmops/internal/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/ongoingai/llmops/internal/metrics"

// Cycle outcomes reported to the Observer.
const (
	OutcomeWritten = "written"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Observer receives one signal per aggregation cycle.
type Observer interface {
	RecordAggregation(ctx context.Context, outcome string, duration time.Duration)
	RecordSnapshotTotals(traces, sessions, users int, tokens int64, cost float64)
}

type ServiceOptions struct {
	Logger   *slog.Logger
	Observer Observer
	Now      func() time.Time
}

// CycleResult reports the outcome of one RunCycle call.
type CycleResult struct {
	// NoTraces is set when the trace ledger does not exist and nothing was
	// written.
	NoTraces bool      `json:"no_traces"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// Service recomputes and publishes the KPI snapshot.
type Service struct {
	traces   *ledger.Ledger[trace.Trace]
	evals    *ledger.Ledger[eval.Record]
	artifact *ledger.Document[Snapshot]
	opts     ServiceOptions
}

func NewService(container storage.Container, opts ServiceOptions) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		traces:   trace.NewLedger(container),
		evals:    eval.NewLedger(container),
		artifact: ledger.NewDocument[Snapshot](container, ArtifactName),
		opts:     opts,
	}
}

// RunCycle reads both ledgers once, recomputes the snapshot, and replaces
// the artifact. A missing trace ledger skips the cycle; a missing evaluation
// ledger counts as no evaluations. Any other failure leaves the previous
// artifact untouched.
func (s *Service) RunCycle(ctx context.Context) (CycleResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "metrics.aggregate")
	defer span.End()

	started := s.opts.Now()
	result, err := s.runCycle(ctx)
	outcome := OutcomeWritten
	switch {
	case err != nil:
		outcome = OutcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, "aggregation failed")
		s.opts.Logger.Error("metrics aggregation failed", "error", err)
	case result.NoTraces:
		outcome = OutcomeSkipped
		s.opts.Logger.Info("metrics aggregation skipped", "reason", "trace ledger missing")
	default:
		snap := result.Snapshot
		s.opts.Logger.Info("metrics snapshot written",
			"artifact", ArtifactName,
			"total_traces", snap.TotalTraces,
			"total_sessions", snap.TotalSessions,
		)
		if s.opts.Observer != nil {
			s.opts.Observer.RecordSnapshotTotals(snap.TotalTraces, snap.TotalSessions, snap.TotalUsers, snap.TotalTokens, snap.TotalCost)
		}
	}
	span.SetAttributes(attribute.String("llmops.aggregation.outcome", outcome))
	if s.opts.Observer != nil {
		s.opts.Observer.RecordAggregation(ctx, outcome, s.opts.Now().Sub(started))
	}
	return result, err
}

func (s *Service) runCycle(ctx context.Context) (CycleResult, error) {
	traces, err := s.traces.ReadAll(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return CycleResult{NoTraces: true}, nil
	}
	if err != nil {
		return CycleResult{}, err
	}

	records, err := s.evals.ReadAll(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		records = nil
	} else if err != nil {
		return CycleResult{}, err
	}

	snap, err := Aggregate(traces, records, session.Materialize(traces), s.opts.Now())
	if err != nil {
		return CycleResult{}, err
	}
	if err := s.artifact.Put(ctx, snap); err != nil {
		return CycleResult{}, fmt.Errorf("write %s: %w", ArtifactName, err)
	}
	return CycleResult{Snapshot: &snap}, nil
}

// Latest returns the last published snapshot, or an error wrapping
// storage.ErrNotFound when no cycle has written one.
func (s *Service) Latest(ctx context.Context) (Snapshot, error) {
	return s.artifact.Get(ctx)
}
