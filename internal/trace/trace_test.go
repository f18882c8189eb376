package trace

import (
	"context"
	"testing"

	"github.com/ongoingai/llmops/internal/ledger"
	"github.com/ongoingai/llmops/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValidTrace(t *testing.T) {
	t.Parallel()

	got, err := Decode([]byte(`{"trace_id":"trace-3","session_id":"session-1","timestamp":"2025-01-01T00:00:00Z","tokens":120,"cost":0.012,"latency_ms":900,"model":"gpt-4o","extra":"ignored"}`))
	require.NoError(t, err)
	assert.Equal(t, "trace-3", got.TraceID)
	assert.Equal(t, int64(120), got.Tokens)
	assert.Equal(t, "gpt-4o", got.ModelLabel())
	assert.Equal(t, UnknownLabel, got.NameLabel())
}

func TestDecodeRejectsInvalidShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
	}{
		{name: "missing trace_id", line: `{"session_id":"s","timestamp":"T1"}`},
		{name: "missing session_id", line: `{"trace_id":"a","timestamp":"T1"}`},
		{name: "missing timestamp", line: `{"trace_id":"a","session_id":"s"}`},
		{name: "negative tokens", line: `{"trace_id":"a","session_id":"s","timestamp":"T1","tokens":-1}`},
		{name: "negative cost", line: `{"trace_id":"a","session_id":"s","timestamp":"T1","cost":-0.5}`},
		{name: "fractional tokens", line: `{"trace_id":"a","session_id":"s","timestamp":"T1","tokens":1.5}`},
		{name: "string latency", line: `{"trace_id":"a","session_id":"s","timestamp":"T1","latency_ms":"fast"}`},
		{name: "not json", line: `trace`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tt.line))
			assert.ErrorIs(t, err, ErrInvalidTrace)
		})
	}
}

func TestLedgerRoundTripThroughContainer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, err := storage.NewFileContainer(t.TempDir())
	require.NoError(t, err)
	l := NewLedger(c)

	want := Trace{TraceID: "trace-1", SessionID: "session-1", Timestamp: "2025-01-01T00:00:00Z", Tokens: 10, Cost: 0.001, Model: "gpt-4o-mini"}
	require.NoError(t, l.Append(ctx, want))

	got, err := l.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Trace{want}, got)

	require.NoError(t, c.Append(ctx, LedgerName, []byte(`{"trace_id":"x"}`)))
	_, err = l.ReadAll(ctx)
	assert.ErrorIs(t, err, ledger.ErrMalformedRecord)
	assert.ErrorIs(t, err, ErrInvalidTrace)
}
