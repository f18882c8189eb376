// Package metrics aggregates the trace and evaluation ledgers into the KPI
// snapshot read by dashboards.
package metrics

// ArtifactName is the document overwritten by every aggregation cycle.
const ArtifactName = "aggregates/metrics.json"

// SchemaVersion is bumped whenever a Snapshot field changes meaning.
const SchemaVersion = 1

// EvaluationSummary aggregates the non-null scores of one evaluator.
type EvaluationSummary struct {
	Count    int     `json:"count"`
	AvgScore float64 `json:"avg_score"`
}

// Snapshot is the KPI artifact. Pointer fields are null when their
// denominator is zero or no input contributes.
type Snapshot struct {
	SchemaVersion int    `json:"schema_version"`
	GeneratedAt   string `json:"generated_at"`

	TotalTraces         int      `json:"total_traces"`
	TotalSessions       int      `json:"total_sessions"`
	TotalUsers          int      `json:"total_users"`
	AvgTracesPerSession *float64 `json:"avg_traces_per_session"`

	AvgLatencyMS *float64 `json:"avg_latency_ms"`

	TotalTokens       int64              `json:"total_tokens"`
	TotalCost         float64            `json:"total_cost"`
	TokensByModel     map[string]int64   `json:"tokens_by_model"`
	CostByModel       map[string]float64 `json:"cost_by_model"`
	TraceCountByModel map[string]int     `json:"trace_count_by_model"`

	TraceCountByName  map[string]int     `json:"trace_count_by_name"`
	CostByTraceName   map[string]float64 `json:"cost_by_trace_name"`
	TokensByTraceName map[string]int64   `json:"tokens_by_trace_name"`

	FirstResponseAccuracyAvg *float64                     `json:"first_response_accuracy_avg"`
	EvaluationSummary        map[string]EvaluationSummary `json:"evaluation_summary"`
}
