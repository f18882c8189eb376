package evaluators

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ongoingai/llmops/internal/eval"
	"github.com/ongoingai/llmops/internal/trace"
)

// Judge is an eval.Evaluator backed by a prompt template.
type Judge struct {
	client *Client
	system string
	prompt func(trace.Trace) string
}

func (j *Judge) Evaluate(ctx context.Context, t trace.Trace) (eval.Result, error) {
	return j.client.Judge(ctx, j.system, j.prompt(t))
}

type definition struct {
	system string
	prompt func(trace.Trace) string
}

const verdictFormat = `Return ONLY valid JSON:
{
  "score": <float between 0 and 1>,
  "explanation": "<short explanation>"
}`

var builtins = map[string]definition{
	"hallucination_llm": {
		system: "You are a strict hallucination evaluator.",
		prompt: func(t trace.Trace) string {
			return fmt.Sprintf(`Evaluate the hallucination of the following answer.

Hallucination = information NOT supported by the context.

Question:
%s

Context:
%s

Answer:
%s

%s`, t.Question, t.Context, t.Answer, verdictFormat)
		},
	},
	"conciseness_llm": {
		system: "You are a conciseness evaluator. Judge if the answer is overly long, repetitive, padded, or verbose. Return only JSON.",
		prompt: func(t trace.Trace) string {
			return fmt.Sprintf(`Evaluate the conciseness of the AI answer.

Conciseness = how short, clear, and to-the-point the answer is.
Penalize unnecessary words, padding, repetition, or overly long explanations.

Question:
%s

Context:
%s

Answer:
%s

%s

Scoring:
0.0 = extremely concise
0.5 = reasonably concise
1.0 = very verbose, padded, or unnecessarily long`, t.Question, t.Context, t.Answer, verdictFormat)
		},
	},
	"context_relevance_llm": {
		system: "You are a strict RAG evaluator. You must determine how relevant the retrieved context is to the user's question.",
		prompt: func(t trace.Trace) string {
			return fmt.Sprintf(`Evaluate the Context Relevance of the retrieved RAG context.

Context Relevance = how much the retrieved context helps answer the question.
- Score 0: completely irrelevant.
- Score 1: fully contains the needed information.

Question:
%s

Retrieved Context:
%s

%s`, t.Question, t.Context, verdictFormat)
		},
	},
	eval.FirstResponseAccuracy: {
		system: "You are a strict answer accuracy evaluator.",
		prompt: func(t trace.Trace) string {
			return fmt.Sprintf(`Evaluate whether the answer correctly and completely answers the question, using the context as ground truth.

- Score 0: wrong or unsupported.
- Score 1: fully correct.

Question:
%s

Context:
%s

Answer:
%s

%s`, t.Question, t.Context, t.Answer, verdictFormat)
		},
	},
}

// BuiltinKeys returns the registry keys of every built-in judge, sorted.
func BuiltinKeys() []string {
	keys := make([]string, 0, len(builtins))
	for key := range builtins {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// NewJudge returns the built-in judge registered under key.
func NewJudge(client *Client, key string) (*Judge, error) {
	def, ok := builtins[key]
	if !ok {
		return nil, fmt.Errorf("unknown judge %q", key)
	}
	return &Judge{client: client, system: def.system, prompt: def.prompt}, nil
}

// Register adds the judges named by keys to registry. A nil keys slice
// registers every built-in judge; unknown keys are returned as skipped.
func Register(registry *eval.Registry, client *Client, keys []string) ([]string, error) {
	if keys == nil {
		keys = BuiltinKeys()
	}
	var skipped []string
	for _, key := range keys {
		key = strings.TrimSpace(key)
		judge, err := NewJudge(client, key)
		if err != nil {
			skipped = append(skipped, key)
			continue
		}
		if err := registry.Register(key, judge); err != nil {
			return skipped, err
		}
	}
	return skipped, nil
}
