package metrics

import (
	"fmt"
	"sort"
	"time"

	"github.com/ongoingai/llmops/internal/eval"
	"github.com/ongoingai/llmops/internal/session"
	"github.com/ongoingai/llmops/internal/trace"
)

// Aggregate computes a Snapshot from one consistent read of both ledgers and
// the session facts derived from the same traces. Any invalid input fails the
// whole computation.
func Aggregate(traces []trace.Trace, records []eval.Record, facts map[string]session.Fact, now time.Time) (Snapshot, error) {
	for i, t := range traces {
		if err := t.Validate(); err != nil {
			return Snapshot{}, fmt.Errorf("aggregate trace %d: %w", i, err)
		}
	}
	for i, rec := range records {
		if err := rec.Validate(); err != nil {
			return Snapshot{}, fmt.Errorf("aggregate evaluation %d: %w", i, err)
		}
	}

	snap := Snapshot{
		SchemaVersion:     SchemaVersion,
		GeneratedAt:       now.UTC().Format(time.RFC3339Nano),
		TotalTraces:       len(traces),
		TotalSessions:     len(facts),
		TokensByModel:     make(map[string]int64),
		TraceCountByModel: make(map[string]int),
		TraceCountByName:  make(map[string]int),
		TokensByTraceName: make(map[string]int64),
	}

	var (
		totalCost    decimal
		totalLatency int64
		costByModel  = sumMap{}
		costByName   = sumMap{}
		users        = make(map[string]struct{})
	)
	for i, t := range traces {
		cost, err := decimalFromFloat(t.Cost)
		if err != nil {
			return Snapshot{}, fmt.Errorf("aggregate trace %d cost: %w", i, err)
		}
		model, name := t.ModelLabel(), t.NameLabel()

		snap.TotalTokens += t.Tokens
		totalCost = totalCost.Add(cost)
		totalLatency += t.LatencyMS

		snap.TokensByModel[model] += t.Tokens
		costByModel.add(model, cost)
		snap.TraceCountByModel[model]++

		snap.TraceCountByName[name]++
		costByName.add(name, cost)
		snap.TokensByTraceName[name] += t.Tokens

		if t.UserID != "" {
			users[t.UserID] = struct{}{}
		}
	}
	snap.TotalUsers = len(users)

	var err error
	if snap.TotalCost, err = totalCost.Round(6); err != nil {
		return Snapshot{}, err
	}
	if snap.CostByModel, err = costByModel.rounded(6); err != nil {
		return Snapshot{}, err
	}
	if snap.CostByTraceName, err = costByName.rounded(6); err != nil {
		return Snapshot{}, err
	}
	if snap.TotalSessions > 0 {
		if snap.AvgTracesPerSession, err = ratio(int64(snap.TotalTraces), int64(snap.TotalSessions), 2); err != nil {
			return Snapshot{}, err
		}
	}
	if snap.TotalTraces > 0 {
		if snap.AvgLatencyMS, err = ratio(totalLatency, int64(snap.TotalTraces), 2); err != nil {
			return Snapshot{}, err
		}
	}

	effective := eval.Effective(records)
	if snap.EvaluationSummary, err = summarizeEvaluations(effective); err != nil {
		return Snapshot{}, err
	}
	if snap.FirstResponseAccuracyAvg, err = firstResponseAccuracy(facts, effective); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func ratio(num, den int64, places int32) (*float64, error) {
	v, err := decimalFromInt(num).Quo(decimalFromInt(den)).Round(places)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func summarizeEvaluations(effective map[eval.Key]eval.Record) (map[string]EvaluationSummary, error) {
	sums := sumMap{}
	counts := make(map[string]int)
	for key, rec := range effective {
		if !rec.Scored() {
			continue
		}
		score, err := decimalFromFloat(*rec.Score)
		if err != nil {
			return nil, err
		}
		sums.add(key.EvaluatorName, score)
		counts[key.EvaluatorName]++
	}

	summary := make(map[string]EvaluationSummary, len(counts))
	for name, count := range counts {
		avg, err := sums[name].Quo(decimalFromInt(int64(count))).Round(3)
		if err != nil {
			return nil, err
		}
		summary[name] = EvaluationSummary{Count: count, AvgScore: avg}
	}
	return summary, nil
}

// firstResponseAccuracy averages the first_response_accuracy score recorded
// against each session's first trace. Sessions without one are excluded;
// no contributing session yields nil.
func firstResponseAccuracy(facts map[string]session.Fact, effective map[eval.Key]eval.Record) (*float64, error) {
	ids := make([]string, 0, len(facts))
	for id := range facts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		sum   decimal
		count int64
	)
	for _, id := range ids {
		rec, ok := effective[eval.Key{TraceID: facts[id].FirstTraceID, EvaluatorName: eval.FirstResponseAccuracy}]
		if !ok || !rec.Scored() {
			continue
		}
		score, err := decimalFromFloat(*rec.Score)
		if err != nil {
			return nil, err
		}
		sum = sum.Add(score)
		count++
	}
	if count == 0 {
		return nil, nil
	}
	avg, err := sum.Quo(decimalFromInt(count)).Round(3)
	if err != nil {
		return nil, err
	}
	return &avg, nil
}
