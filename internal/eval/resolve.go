package eval

import "time"

// Key identifies the evaluation of one trace by one evaluator.
type Key struct {
	TraceID       string
	EvaluatorName string
}

// Effective collapses duplicate records to one per Key. A completed record
// with a score beats one without; otherwise the later timestamp wins, and
// equal timestamps go to the later ledger position.
func Effective(records []Record) map[Key]Record {
	out := make(map[Key]Record, len(records))
	for _, rec := range records {
		key := Key{TraceID: rec.TraceID, EvaluatorName: rec.EvaluatorName}
		current, ok := out[key]
		if !ok || supersedes(rec, current) {
			out[key] = rec
		}
	}
	return out
}

func supersedes(candidate, current Record) bool {
	if candidate.Scored() != current.Scored() {
		return candidate.Scored()
	}
	return notBefore(candidate.Timestamp, current.Timestamp)
}

// notBefore compares RFC3339 timestamps as instants, so offsets and
// fraction widths do not matter. Unparseable values compare as strings.
func notBefore(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA != nil || errB != nil {
		return a >= b
	}
	return !ta.Before(tb)
}

// ScoresByTrace returns the effective non-null scores per trace_id keyed by
// evaluator display name.
func ScoresByTrace(records []Record) map[string]map[string]float64 {
	scores := make(map[string]map[string]float64)
	for key, rec := range Effective(records) {
		if !rec.Scored() {
			continue
		}
		byName, ok := scores[key.TraceID]
		if !ok {
			byName = make(map[string]float64)
			scores[key.TraceID] = byName
		}
		byName[key.EvaluatorName] = *rec.Score
	}
	return scores
}
