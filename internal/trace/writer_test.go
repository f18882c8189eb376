package trace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ongoingai/llmops/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu     sync.Mutex
	traces []Trace
	failOn map[string]error
	block  chan struct{}
}

func (s *memorySink) Append(ctx context.Context, t Trace) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[t.TraceID]; err != nil {
		return err
	}
	s.traces = append(s.traces, t)
	return nil
}

func (s *memorySink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.traces)
}

func sampleTrace(i int) Trace {
	return Trace{
		TraceID:   fmt.Sprintf("trace-%d", i),
		SessionID: "session-1",
		Timestamp: fmt.Sprintf("2025-01-01T00:00:%02dZ", i%60),
	}
}

func TestWriterDrainsQueueOnShutdown(t *testing.T) {
	t.Parallel()

	sink := &memorySink{}
	w := NewWriter(sink, 128)
	w.Start(context.Background())

	for i := 0; i < 100; i++ {
		require.True(t, w.Enqueue(sampleTrace(i)))
	}
	require.NoError(t, w.Shutdown(context.Background()))

	assert.Equal(t, 100, sink.Count())
	diag := w.Diagnostics()
	assert.Equal(t, int64(100), diag.EnqueueAcceptedTotal)
	assert.Equal(t, int64(100), diag.WrittenTotal)
	assert.False(t, w.Enqueue(sampleTrace(101)))
}

func TestWriterEnqueueReturnsFalseWhenQueueIsFull(t *testing.T) {
	t.Parallel()

	w := NewWriter(&memorySink{}, 2)
	drops := 0
	w.SetMetrics(WriterMetrics{OnDrop: func() { drops++ }})

	assert.True(t, w.Enqueue(sampleTrace(1)))
	assert.True(t, w.Enqueue(sampleTrace(2)))
	assert.False(t, w.Enqueue(sampleTrace(3)))

	diag := w.Diagnostics()
	assert.Equal(t, int64(1), diag.EnqueueDroppedTotal)
	assert.Equal(t, QueuePressureSaturated, diag.QueuePressureState)
	assert.Equal(t, 1, drops)

	require.NoError(t, w.Shutdown(context.Background()))
}

func TestWriterContinuesAfterWriteFailures(t *testing.T) {
	t.Parallel()

	sink := &memorySink{failOn: map[string]error{
		"trace-2": errors.New("database is locked"),
	}}
	w := NewWriter(sink, 16)

	var (
		mu       sync.Mutex
		failures []WriteFailure
	)
	w.SetWriteFailureHandler(func(f WriteFailure) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, f)
	})
	w.Start(context.Background())

	for i := 1; i <= 4; i++ {
		require.True(t, w.Enqueue(sampleTrace(i)))
	}
	require.NoError(t, w.Shutdown(context.Background()))

	assert.Equal(t, 3, sink.Count())
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, failures)
	assert.Equal(t, storage.ErrorClassContention, failures[0].ErrorClass)
	assert.Equal(t, 1, failures[0].FailedCount)

	diag := w.Diagnostics()
	assert.Equal(t, int64(1), diag.WriteDroppedTotal)
	assert.Equal(t, map[string]int64{storage.ErrorClassContention: 1}, diag.WriteFailuresByClass)
	assert.NotNil(t, diag.LastWriteDropAt)
}

func TestWriterShutdownHonorsContextDeadline(t *testing.T) {
	t.Parallel()

	sink := &memorySink{block: make(chan struct{})}
	w := NewWriter(sink, 4)
	w.Start(context.Background())
	require.True(t, w.Enqueue(sampleTrace(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(sink.block)
}

func TestWriterShutdownWithoutStart(t *testing.T) {
	t.Parallel()

	w := NewWriter(&memorySink{}, 4)
	require.NoError(t, w.Shutdown(context.Background()))
	require.NoError(t, w.Shutdown(context.Background()))
}

func TestWriterAppendsToLedger(t *testing.T) {
	t.Parallel()

	c, err := storage.NewFileContainer(t.TempDir())
	require.NoError(t, err)
	l := NewLedger(c)

	w := NewWriter(l, 8)
	w.Start(context.Background())
	for i := 0; i < 5; i++ {
		require.True(t, w.Enqueue(sampleTrace(i)))
	}
	require.NoError(t, w.Shutdown(context.Background()))

	got, err := l.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestQueuePressureState(t *testing.T) {
	t.Parallel()

	assert.Equal(t, QueuePressureOK, queuePressureState(queueUtilizationPct(1, 10)))
	assert.Equal(t, QueuePressureElevated, queuePressureState(queueUtilizationPct(5, 10)))
	assert.Equal(t, QueuePressureHigh, queuePressureState(queueUtilizationPct(8, 10)))
	assert.Equal(t, QueuePressureSaturated, queuePressureState(queueUtilizationPct(12, 10)))
	assert.Equal(t, 0, queueUtilizationPct(3, 0))
}
