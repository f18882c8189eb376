// Package session derives per-session facts from the trace stream.
package session

import (
	"sort"

	"github.com/ongoingai/llmops/internal/trace"
)

// Fact describes a session by its chronologically first trace.
type Fact struct {
	SessionID        string `json:"session_id"`
	UserID           string `json:"user_id,omitempty"`
	FirstTraceID     string `json:"first_trace_id"`
	SessionStartTime string `json:"session_start_time"`
}

// SortByTimestamp returns a copy of traces ordered by timestamp ascending.
// Equal timestamps keep their input order.
func SortByTimestamp(traces []trace.Trace) []trace.Trace {
	sorted := make([]trace.Trace, len(traces))
	copy(sorted, traces)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})
	return sorted
}

// Materialize builds one Fact per session_id. The first trace of a session
// is the earliest by timestamp across the whole input, regardless of the
// order in which traces were appended.
func Materialize(traces []trace.Trace) map[string]Fact {
	facts := make(map[string]Fact)
	for _, t := range SortByTimestamp(traces) {
		if _, seen := facts[t.SessionID]; seen {
			continue
		}
		facts[t.SessionID] = Fact{
			SessionID:        t.SessionID,
			UserID:           t.UserID,
			FirstTraceID:     t.TraceID,
			SessionStartTime: t.Timestamp,
		}
	}
	return facts
}

// Summary is the per-session rollup served by the sessions read endpoint.
type Summary struct {
	SessionID   string  `json:"session_id"`
	UserID      string  `json:"user_id"`
	TraceCount  int     `json:"trace_count"`
	TotalTokens int64   `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
	Created     string  `json:"created"`
}

// Summarize rolls traces up per session. UserID is the most recently
// observed non-empty user, or "unknown". Results are ordered by Created
// descending, then session_id.
func Summarize(traces []trace.Trace) []Summary {
	byID := make(map[string]*Summary)
	var order []string
	for _, t := range SortByTimestamp(traces) {
		s, ok := byID[t.SessionID]
		if !ok {
			s = &Summary{SessionID: t.SessionID, UserID: trace.UnknownLabel, Created: t.Timestamp}
			byID[t.SessionID] = s
			order = append(order, t.SessionID)
		}
		s.TraceCount++
		s.TotalTokens += t.Tokens
		s.TotalCost += t.Cost
		if t.UserID != "" {
			s.UserID = t.UserID
		}
	}

	out := make([]Summary, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Created != out[j].Created {
			return out[i].Created > out[j].Created
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}
