package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func score(v float64) *float64 { return &v }

func TestEffectivePrefersLatestScoredRecord(t *testing.T) {
	t.Parallel()

	records := []Record{
		{EvalID: "1", TraceID: "a", EvaluatorName: "h", Score: score(0.2), Status: StatusCompleted, Timestamp: "2025-01-01T00:00:02Z"},
		{EvalID: "2", TraceID: "a", EvaluatorName: "h", Score: score(0.8), Status: StatusCompleted, Timestamp: "2025-01-01T00:00:01Z"},
		{EvalID: "3", TraceID: "a", EvaluatorName: "h", Status: StatusError, Timestamp: "2025-01-01T00:00:09Z"},
		{EvalID: "4", TraceID: "b", EvaluatorName: "h", Status: StatusError, Timestamp: "2025-01-01T00:00:01Z"},
		{EvalID: "5", TraceID: "b", EvaluatorName: "h", Status: StatusError, Timestamp: "2025-01-01T00:00:01Z"},
	}

	got := Effective(records)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[Key{TraceID: "a", EvaluatorName: "h"}].EvalID)
	assert.Equal(t, "5", got[Key{TraceID: "b", EvaluatorName: "h"}].EvalID)
}

func TestEffectiveComparesTimestampsAsInstants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		earlier string
		later   string
	}{
		{name: "offset against Z", earlier: "2025-01-01T10:30:00+02:00", later: "2025-01-01T09:00:00Z"},
		{name: "fraction widths", earlier: "2025-01-01T00:00:01Z", later: "2025-01-01T00:00:01.5Z"},
		{name: "Z against +00:00", earlier: "2025-01-01T00:00:01.000000Z", later: "2025-01-01T00:00:02+00:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			records := []Record{
				{EvalID: "later", TraceID: "a", EvaluatorName: "h", Score: score(0.9), Status: StatusCompleted, Timestamp: tt.later},
				{EvalID: "earlier", TraceID: "a", EvaluatorName: "h", Score: score(0.1), Status: StatusCompleted, Timestamp: tt.earlier},
			}
			got := Effective(records)
			assert.Equal(t, "later", got[Key{TraceID: "a", EvaluatorName: "h"}].EvalID)
		})
	}
}

func TestEffectiveFallsBackToStringOrderForUnparseableTimestamps(t *testing.T) {
	t.Parallel()

	records := []Record{
		{EvalID: "b", TraceID: "a", EvaluatorName: "h", Status: StatusError, Timestamp: "T2"},
		{EvalID: "a", TraceID: "a", EvaluatorName: "h", Status: StatusError, Timestamp: "T1"},
	}
	assert.Equal(t, "b", Effective(records)[Key{TraceID: "a", EvaluatorName: "h"}].EvalID)
}

func TestScoresByTraceDropsNullScores(t *testing.T) {
	t.Parallel()

	records := []Record{
		{TraceID: "a", EvaluatorName: "hallucination_score", Score: score(0.5), Status: StatusCompleted},
		{TraceID: "a", EvaluatorName: "conciseness_score", Status: StatusCompleted},
		{TraceID: "b", EvaluatorName: "hallucination_score", Status: StatusError},
	}

	got := ScoresByTrace(records)
	assert.Equal(t, map[string]map[string]float64{
		"a": {"hallucination_score": 0.5},
	}, got)
}

func TestDecodeRecord(t *testing.T) {
	t.Parallel()

	rec, err := Decode([]byte(`{"eval_id":"e1","trace_id":"a","evaluator_name":"hallucination_score","score":0.75,"explanation":"ok","status":"completed","timestamp":"2025-01-01T00:00:00+00:00"}`))
	require.NoError(t, err)
	require.NotNil(t, rec.Score)
	assert.InDelta(t, 0.75, *rec.Score, 1e-9)
	assert.True(t, rec.Scored())

	rec, err = Decode([]byte(`{"eval_id":"e2","trace_id":"a","evaluator_name":"h","score":null,"explanation":"Evaluator failed: x","status":"error","timestamp":"T"}`))
	require.NoError(t, err)
	assert.Nil(t, rec.Score)
	assert.False(t, rec.Scored())

	for _, line := range []string{
		`{"evaluator_name":"h","status":"completed"}`,
		`{"trace_id":"a","status":"completed"}`,
		`{"trace_id":"a","evaluator_name":"h","status":"pending"}`,
		`{"trace_id":"a","evaluator_name":"h","status":"completed","score":1.2}`,
		`{"trace_id":"a","evaluator_name":"h","status":"completed","score":"high"}`,
	} {
		_, err := Decode([]byte(line))
		assert.ErrorIs(t, err, ErrInvalidRecord, line)
	}
}

func TestNameTableCanonical(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "hallucination_score", DisplayNamesV1.Canonical("hallucination_llm"))
	assert.Equal(t, "context_relevance_score", DisplayNamesV1.Canonical("context_relevance_llm"))
	assert.Equal(t, "custom", DisplayNamesV1.Canonical("custom"))
	assert.Equal(t, "x", NameTable{"a": "x"}.Canonical("a"))
}
