package eval

import "github.com/ongoingai/llmops/internal/trace"

// Task is one (trace, evaluator) pair that has no record yet.
type Task struct {
	Trace         trace.Trace
	Evaluator     string
	CanonicalName string
}

// DoneIndex maps trace_id to the display names that already have a record
// of any status.
func DoneIndex(records []Record) map[string]map[string]struct{} {
	done := make(map[string]map[string]struct{}, len(records))
	for _, rec := range records {
		markDone(done, rec.TraceID, rec.EvaluatorName)
	}
	return done
}

func markDone(done map[string]map[string]struct{}, traceID, name string) {
	names, ok := done[traceID]
	if !ok {
		names = make(map[string]struct{})
		done[traceID] = names
	}
	names[name] = struct{}{}
}

// Plan returns every (trace, evaluator) pair whose display name is absent
// from the trace's done set, in trace-then-evaluator order. The done set is
// built from existing records only and is keyed by trace_id alone: once any
// trace with an id has a record, every trace sharing that id counts as done.
// Traces sharing an id that have no record yet are all planned.
func Plan(traces []trace.Trace, records []Record, registry *Registry) []Task {
	if len(traces) == 0 || registry == nil || registry.Len() == 0 {
		return nil
	}

	done := DoneIndex(records)
	keys := registry.Names()
	var plan []Task
	for _, t := range traces {
		for _, key := range keys {
			name := registry.Canonical(key)
			if _, ok := done[t.TraceID][name]; ok {
				continue
			}
			plan = append(plan, Task{Trace: t, Evaluator: key, CanonicalName: name})
		}
	}
	return plan
}
