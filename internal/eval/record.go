// Package eval plans and runs quality evaluators over traces and persists
// one record per (trace_id, evaluator) attempt.
package eval

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/ongoingai/llmops/internal/ledger"
	"github.com/ongoingai/llmops/internal/storage"
)

// LedgerName is the append blob holding one Record per line.
const LedgerName = "evaluations/evaluations.jsonl"

const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

var ErrInvalidRecord = errors.New("invalid evaluation record")

// Record is the outcome of running one evaluator on one trace. Score is nil
// when the evaluator failed or returned no score.
type Record struct {
	EvalID        string   `json:"eval_id"`
	TraceID       string   `json:"trace_id"`
	EvaluatorName string   `json:"evaluator_name"`
	Score         *float64 `json:"score"`
	Explanation   string   `json:"explanation"`
	Status        string   `json:"status"`
	Timestamp     string   `json:"timestamp"`
}

// Scored reports whether r is a completed record carrying a score.
func (r Record) Scored() bool {
	return r.Status == StatusCompleted && r.Score != nil
}

func (r Record) Validate() error {
	var problems []string
	if strings.TrimSpace(r.TraceID) == "" {
		problems = append(problems, "trace_id is required")
	}
	if strings.TrimSpace(r.EvaluatorName) == "" {
		problems = append(problems, "evaluator_name is required")
	}
	if r.Status != StatusCompleted && r.Status != StatusError {
		problems = append(problems, fmt.Sprintf("status %q must be %q or %q", r.Status, StatusCompleted, StatusError))
	}
	if r.Score != nil && !validScore(*r.Score) {
		problems = append(problems, fmt.Sprintf("score %v must be within [0,1]", *r.Score))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(problems, "; "))
	}
	return nil
}

func validScore(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 && v <= 1
}

// Decode parses and validates one ledger line.
func Decode(line []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// NewLedger returns the evaluation ledger stored in container.
func NewLedger(container storage.Container) *ledger.Ledger[Record] {
	return ledger.New(container, LedgerName, Decode)
}
