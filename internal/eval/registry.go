package eval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ongoingai/llmops/internal/trace"
)

// Result is a successful evaluation. A nil Score means the evaluator ran but
// produced no score.
type Result struct {
	Score       *float64
	Explanation string
}

// Evaluator scores one trace. A non-nil error is the failure arm and is
// persisted as an error record.
type Evaluator interface {
	Evaluate(ctx context.Context, t trace.Trace) (Result, error)
}

// Func adapts a plain function to Evaluator.
type Func func(ctx context.Context, t trace.Trace) (Result, error)

func (f Func) Evaluate(ctx context.Context, t trace.Trace) (Result, error) {
	return f(ctx, t)
}

// Registry holds evaluators by registry key.
type Registry struct {
	names      NameTable
	evaluators map[string]Evaluator
	byDisplay  map[string]string
}

// NewRegistry builds an empty registry. A nil table uses DisplayNamesV1.
func NewRegistry(names NameTable) *Registry {
	if names == nil {
		names = DisplayNamesV1
	}
	return &Registry{
		names:      names,
		evaluators: make(map[string]Evaluator),
		byDisplay:  make(map[string]string),
	}
}

// Register adds ev under key. Two keys sharing a display name would plan the
// same work twice, so that is rejected.
func (r *Registry) Register(key string, ev Evaluator) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("evaluator key cannot be empty")
	}
	if ev == nil {
		return fmt.Errorf("evaluator %q is nil", key)
	}
	if _, exists := r.evaluators[key]; exists {
		return fmt.Errorf("evaluator %q already registered", key)
	}
	display := r.names.Canonical(key)
	if other, exists := r.byDisplay[display]; exists {
		return fmt.Errorf("evaluator %q and %q share display name %q", key, other, display)
	}
	r.evaluators[key] = ev
	r.byDisplay[display] = key
	return nil
}

func (r *Registry) Get(key string) (Evaluator, bool) {
	ev, ok := r.evaluators[key]
	return ev, ok
}

// Canonical returns the persisted display name for key.
func (r *Registry) Canonical(key string) string {
	return r.names.Canonical(key)
}

// Names returns the registered keys in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.evaluators))
	for name := range r.evaluators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	return len(r.evaluators)
}
