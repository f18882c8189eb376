package metrics

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ongoingai/llmops/internal/eval"
	"github.com/ongoingai/llmops/internal/ledger"
	"github.com/ongoingai/llmops/internal/storage"
	"github.com/ongoingai/llmops/internal/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	traces   int
}

func (o *recordingObserver) RecordAggregation(_ context.Context, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) RecordSnapshotTotals(traces, _, _ int, _ int64, _ float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.traces = traces
}

func newService(t *testing.T) (*Service, storage.Container, *recordingObserver) {
	t.Helper()
	c, err := storage.NewFileContainer(t.TempDir())
	require.NoError(t, err)
	obs := &recordingObserver{}
	svc := NewService(c, ServiceOptions{
		Observer: obs,
		Now:      func() time.Time { return fixedNow },
	})
	return svc, c, obs
}

func TestRunCycleSkipsWithoutTraceLedger(t *testing.T) {
	t.Parallel()

	svc, c, obs := newService(t)
	result, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, result.NoTraces)
	assert.Nil(t, result.Snapshot)

	exists, err := c.Exists(context.Background(), ArtifactName)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = svc.Latest(context.Background())
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	assert.Equal(t, []string{OutcomeSkipped}, obs.outcomes)
}

func TestRunCycleWritesSnapshotWithoutEvaluations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, c, obs := newService(t)
	traces := trace.NewLedger(c)
	require.NoError(t, traces.Append(ctx, tr("a", "s", "2025-01-01T00:00:01Z", 100, 0.01, "m1")))
	require.NoError(t, traces.Append(ctx, tr("b", "s", "2025-01-01T00:00:02Z", 200, 0.02, "m1")))

	result, err := svc.RunCycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, result.Snapshot)
	assert.Equal(t, 2, result.Snapshot.TotalTraces)

	latest, err := svc.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, *result.Snapshot, latest)
	assert.Equal(t, fixedNow.Format(time.RFC3339Nano), latest.GeneratedAt)
	assert.Equal(t, []string{OutcomeWritten}, obs.outcomes)
	assert.Equal(t, 2, obs.traces)
}

func TestRunCycleEmptyTraceLedgerStillPublishes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, c, _ := newService(t)
	require.NoError(t, trace.NewLedger(c).Ensure(ctx))

	result, err := svc.RunCycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, result.Snapshot)
	assert.Zero(t, result.Snapshot.TotalTraces)
	assert.Nil(t, result.Snapshot.AvgLatencyMS)
}

func TestRunCycleFailureKeepsPreviousArtifact(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, c, obs := newService(t)
	require.NoError(t, trace.NewLedger(c).Append(ctx, tr("a", "s", "2025-01-01T00:00:01Z", 1, 0, "m")))
	_, err := svc.RunCycle(ctx)
	require.NoError(t, err)
	before, err := svc.Latest(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Append(ctx, eval.LedgerName, []byte(`{"trace_id":"a","evaluator_name":"h","status":"bogus"}`)))
	require.NoError(t, trace.NewLedger(c).Append(ctx, tr("b", "s", "2025-01-01T00:00:02Z", 1, 0, "m")))

	_, err = svc.RunCycle(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrMalformedRecord))

	after, err := svc.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []string{OutcomeWritten, OutcomeFailed}, obs.outcomes)
}

func TestRunCyclePublishesDespitePartialTailLine(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, c, obs := newService(t)
	require.NoError(t, trace.NewLedger(c).Append(ctx, tr("a", "s", "2025-01-01T00:00:01Z", 100, 0.01, "m1")))

	fc := c.(*storage.FileContainer)
	path, err := fc.Path(trace.LedgerName)
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"trace_id":"b","session_id":"s","timest`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	result, err := svc.RunCycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, result.Snapshot)
	assert.Equal(t, 1, result.Snapshot.TotalTraces)
	assert.Equal(t, []string{OutcomeWritten}, obs.outcomes)

	// The next append terminates the fragment, which then fails the read.
	require.NoError(t, trace.NewLedger(c).Append(ctx, tr("c", "s", "2025-01-01T00:00:03Z", 1, 0, "m1")))
	_, err = svc.RunCycle(ctx)
	assert.True(t, errors.Is(err, ledger.ErrMalformedRecord))
}
