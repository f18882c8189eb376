// Package trace defines the recorded LLM invocation and the ledger that
// holds it.
package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ongoingai/llmops/internal/ledger"
	"github.com/ongoingai/llmops/internal/storage"
)

// LedgerName is the append blob holding one Trace per line.
const LedgerName = "traces/traces.jsonl"

// TimestampLayout is fixed-width so formatted timestamps sort
// lexicographically in chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTimestamp renders t in UTC with TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// UnknownLabel replaces an absent model or trace name in breakdowns.
const UnknownLabel = "unknown"

var ErrInvalidTrace = errors.New("invalid trace")

// Trace is one recorded LLM invocation. Trace IDs are not guaranteed to be
// unique across sessions.
type Trace struct {
	TraceID     string  `json:"trace_id"`
	SessionID   string  `json:"session_id"`
	UserID      string  `json:"user_id,omitempty"`
	TraceName   string  `json:"trace_name,omitempty"`
	Timestamp   string  `json:"timestamp"`
	Question    string  `json:"question,omitempty"`
	Context     string  `json:"context,omitempty"`
	Answer      string  `json:"answer,omitempty"`
	Tokens      int64   `json:"tokens"`
	TokensIn    int64   `json:"tokens_in,omitempty"`
	TokensOut   int64   `json:"tokens_out,omitempty"`
	Cost        float64 `json:"cost"`
	LatencyMS   int64   `json:"latency_ms"`
	Model       string  `json:"model,omitempty"`
	Environment string  `json:"environment,omitempty"`
}

// ModelLabel returns the model or UnknownLabel when absent.
func (t Trace) ModelLabel() string {
	if strings.TrimSpace(t.Model) == "" {
		return UnknownLabel
	}
	return t.Model
}

// NameLabel returns the trace name or UnknownLabel when absent.
func (t Trace) NameLabel() string {
	if strings.TrimSpace(t.TraceName) == "" {
		return UnknownLabel
	}
	return t.TraceName
}

// Validate rejects traces that cannot be aggregated.
func (t Trace) Validate() error {
	var problems []string
	if strings.TrimSpace(t.TraceID) == "" {
		problems = append(problems, "trace_id is required")
	}
	if strings.TrimSpace(t.SessionID) == "" {
		problems = append(problems, "session_id is required")
	}
	if strings.TrimSpace(t.Timestamp) == "" {
		problems = append(problems, "timestamp is required")
	}
	if t.Tokens < 0 || t.TokensIn < 0 || t.TokensOut < 0 {
		problems = append(problems, "token counts must be non-negative")
	}
	if t.LatencyMS < 0 {
		problems = append(problems, "latency_ms must be non-negative")
	}
	if t.Cost < 0 || math.IsNaN(t.Cost) || math.IsInf(t.Cost, 0) {
		problems = append(problems, "cost must be a non-negative finite number")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTrace, strings.Join(problems, "; "))
	}
	return nil
}

// Decode parses and validates one ledger line.
func Decode(line []byte) (Trace, error) {
	var t Trace
	if err := json.Unmarshal(line, &t); err != nil {
		return Trace{}, fmt.Errorf("%w: %v", ErrInvalidTrace, err)
	}
	if err := t.Validate(); err != nil {
		return Trace{}, err
	}
	return t, nil
}

// NewLedger returns the trace ledger stored in container.
func NewLedger(container storage.Container) *ledger.Ledger[Trace] {
	return ledger.New(container, LedgerName, Decode)
}
