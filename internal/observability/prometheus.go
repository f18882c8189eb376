package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "llmops"

// promCollectors holds the pipeline series scraped from the /metrics route.
type promCollectors struct {
	registry *prometheus.Registry

	evaluationRecords  *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec

	aggregationCycles   *prometheus.CounterVec
	aggregationDuration prometheus.Histogram

	snapshotTraces   prometheus.Gauge
	snapshotSessions prometheus.Gauge
	snapshotUsers    prometheus.Gauge
	snapshotTokens   prometheus.Gauge
	snapshotCost     prometheus.Gauge

	traceQueueDropped prometheus.Counter
	traceWriteFailed  *prometheus.CounterVec
	traceFlushSize    prometheus.Histogram
}

func newPromCollectors() *promCollectors {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &promCollectors{
		registry: registry,
		evaluationRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "evaluation_records_total",
			Help:      "Evaluation records appended to the ledger.",
		}, []string{"evaluator", "status"}),
		evaluationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Evaluator call latency in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"evaluator"}),
		aggregationCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "aggregation_cycles_total",
			Help:      "Metrics aggregation cycles by outcome.",
		}, []string{"outcome"}),
		aggregationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      "aggregation_duration_seconds",
			Help:      "Metrics aggregation cycle duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		snapshotTraces: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "snapshot_traces",
			Help:      "Total traces in the latest metrics snapshot.",
		}),
		snapshotSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "snapshot_sessions",
			Help:      "Total sessions in the latest metrics snapshot.",
		}),
		snapshotUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "snapshot_users",
			Help:      "Distinct users in the latest metrics snapshot.",
		}),
		snapshotTokens: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "snapshot_tokens",
			Help:      "Total tokens in the latest metrics snapshot.",
		}),
		snapshotCost: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "snapshot_cost_usd",
			Help:      "Total cost in the latest metrics snapshot.",
		}),
		traceQueueDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "trace_queue_dropped_total",
			Help:      "Traces dropped because the writer queue was full.",
		}),
		traceWriteFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "trace_write_failed_total",
			Help:      "Traces dropped after storage write failures.",
		}, []string{"error_class"}),
		traceFlushSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      "trace_flush_batch_size",
			Help:      "Traces per writer flush.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 7),
		}),
	}
}

func (p *promCollectors) handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *promCollectors) recordEvaluation(evaluator, status string, latency time.Duration) {
	p.evaluationRecords.WithLabelValues(evaluator, status).Inc()
	p.evaluationDuration.WithLabelValues(evaluator).Observe(latency.Seconds())
}

func (p *promCollectors) recordAggregation(outcome string, d time.Duration) {
	p.aggregationCycles.WithLabelValues(outcome).Inc()
	p.aggregationDuration.Observe(d.Seconds())
}

func (p *promCollectors) recordSnapshot(traces, sessions, users int, tokens int64, cost float64) {
	p.snapshotTraces.Set(float64(traces))
	p.snapshotSessions.Set(float64(sessions))
	p.snapshotUsers.Set(float64(users))
	p.snapshotTokens.Set(float64(tokens))
	p.snapshotCost.Set(cost)
}
