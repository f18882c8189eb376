package eval

// NameTable maps evaluator registry keys to the display names persisted in
// evaluation records.
type NameTable map[string]string

// DisplayNamesV1 is the canonical name table. Entries are never renamed:
// changing a display name makes every trace eligible for re-evaluation.
var DisplayNamesV1 = NameTable{
	"hallucination_llm":     "hallucination_score",
	"context_match_llm":     "context_score",
	"answer_quality_llm":    "answer_quality_score",
	"conciseness_llm":       "conciseness_score",
	"context_relevance_llm": "context_relevance_score",
}

// FirstResponseAccuracy is both the registry key and display name of the
// evaluator that feeds the first-response KPI.
const FirstResponseAccuracy = "first_response_accuracy"

// Canonical returns the display name for key; unknown keys are their own
// display name.
func (t NameTable) Canonical(key string) string {
	if name, ok := t[key]; ok {
		return name
	}
	return key
}
