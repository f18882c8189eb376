// Package tracegen produces synthetic traces for demos and load tests.
package tracegen

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/ongoingai/llmops/internal/trace"
)

const (
	goodRatio       = 0.8
	badContextRatio = 0.1

	userCount        = 20
	sessionCount     = 7
	defaultIDRange   = 7
	minTracesPerRun  = 2
	maxTracesPerRun  = 6
	minTokensIn      = 200
	maxTokensIn      = 800
	minTokensOut     = 50
	maxTokensOut     = 300
	minLatencyMS     = 300
	maxLatencyMS     = 2000
	minCostPerToken  = 0.00005
	maxCostPerToken  = 0.0002
	costDecimalScale = 1e5
)

var (
	traceNames   = []string{"simple-qa", "multi-hop-reasoning", "tool-use-flow"}
	models       = []string{"gpt-4o", "gpt-4o-mini", "llama-3.3-70b"}
	environments = []string{"dev", "stage", "prod"}
)

type sample struct {
	question string
	context  string
	answer   string
}

var samples = []sample{
	{
		question: "Explain valve shutdown procedure",
		context:  "Standard operating procedure for valve shutdown safety steps including isolation and lockout",
		answer:   "The valve shutdown procedure includes isolation, lockout, and safety steps",
	},
	{
		question: "What caused temperature spike?",
		context:  "Emergency protocol for temperature spike mitigation and cooling system checks",
		answer:   "Temperature spikes are mitigated by cooling system checks and emergency protocols",
	},
	{
		question: "Why did machine stop?",
		context:  "Machine maintenance and failure diagnostics guide for conveyor belts and motors",
		answer:   "Machine stoppage can occur due to motor failure or power issues",
	},
	{
		question: "Explain emergency response for power failure",
		context:  "Electrical safety manual covering power failure and emergency shutdown",
		answer:   "Emergency shutdown requires following electrical safety and isolation procedures",
	},
	{
		question: "How to handle overheating in reactor systems?",
		context:  "Pressure control guidelines for reactors and pipelines in manufacturing units",
		answer:   "Overheating can happen if cooling systems are not working properly",
	},
}

var badAnswers = []string{
	"This answer is unrelated to the procedure",
	"The issue was caused by network latency",
	"Software bugs are the main reason for mechanical failures",
	"User authentication problems caused the shutdown",
}

type Options struct {
	Rand *rand.Rand
	Now  func() time.Time
	// TraceIDRange bounds the trace-N suffix. The range is small on purpose:
	// ids repeat across sessions the way production traffic does.
	TraceIDRange int
}

type Generator struct {
	rng     *rand.Rand
	now     func() time.Time
	idRange int
	last    time.Time
}

func New(opts Options) *Generator {
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TraceIDRange <= 0 {
		opts.TraceIDRange = defaultIDRange
	}
	return &Generator{rng: opts.Rand, now: opts.Now, idRange: opts.TraceIDRange}
}

// Batch returns the traces of one generator run, between two and six.
func (g *Generator) Batch() []trace.Trace {
	n := minTracesPerRun + g.rng.IntN(maxTracesPerRun-minTracesPerRun+1)
	out := make([]trace.Trace, 0, n)
	for range n {
		out = append(out, g.Next())
	}
	return out
}

// Next returns one trace. Timestamps strictly increase across calls.
func (g *Generator) Next() trace.Trace {
	base := samples[g.rng.IntN(len(samples))]
	question, context, answer := base.question, base.context, base.answer

	switch r := g.rng.Float64(); {
	case r < goodRatio:
	case r < goodRatio+badContextRatio:
		context = g.otherContext(context)
	default:
		answer = badAnswers[g.rng.IntN(len(badAnswers))]
	}

	tokensIn := int64(minTokensIn + g.rng.IntN(maxTokensIn-minTokensIn+1))
	tokensOut := int64(minTokensOut + g.rng.IntN(maxTokensOut-minTokensOut+1))
	tokens := tokensIn + tokensOut
	rate := minCostPerToken + g.rng.Float64()*(maxCostPerToken-minCostPerToken)

	return trace.Trace{
		TraceID:     fmt.Sprintf("trace-%d", 1+g.rng.IntN(g.idRange)),
		SessionID:   fmt.Sprintf("session-%d", 1+g.rng.IntN(sessionCount)),
		UserID:      fmt.Sprintf("user-%02d", 1+g.rng.IntN(userCount)),
		TraceName:   traceNames[g.rng.IntN(len(traceNames))],
		Timestamp:   g.timestamp(),
		Question:    question,
		Context:     context,
		Answer:      answer,
		Tokens:      tokens,
		TokensIn:    tokensIn,
		TokensOut:   tokensOut,
		Cost:        math.Round(float64(tokens)*rate*costDecimalScale) / costDecimalScale,
		LatencyMS:   int64(minLatencyMS + g.rng.IntN(maxLatencyMS-minLatencyMS+1)),
		Model:       models[g.rng.IntN(len(models))],
		Environment: environments[g.rng.IntN(len(environments))],
	}
}

func (g *Generator) otherContext(current string) string {
	others := make([]string, 0, len(samples)-1)
	for _, s := range samples {
		if s.context != current {
			others = append(others, s.context)
		}
	}
	return others[g.rng.IntN(len(others))]
}

func (g *Generator) timestamp() string {
	ts := g.now().UTC().Truncate(time.Microsecond)
	if !ts.After(g.last) {
		ts = g.last.Add(time.Microsecond)
	}
	g.last = ts
	return trace.FormatTimestamp(ts)
}

// Enqueuer accepts traces without blocking. *trace.Writer satisfies it.
type Enqueuer interface {
	Enqueue(t trace.Trace) bool
}

// Publish enqueues traces and returns how many were accepted.
func Publish(w Enqueuer, traces []trace.Trace) int {
	accepted := 0
	for _, t := range traces {
		if w.Enqueue(t) {
			accepted++
		}
	}
	return accepted
}
