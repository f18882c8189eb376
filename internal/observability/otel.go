package observability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ongoingai/llmops/internal/config"
	"github.com/ongoingai/llmops/internal/correlation"
	"github.com/ongoingai/llmops/internal/pathutil"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "llmops"
)

// Runtime exposes OpenTelemetry HTTP wrappers, the Prometheus registry, and
// pipeline metric hooks. A nil or zero Runtime is a no-op.
type Runtime struct {
	enabled bool

	evaluationCounter        metric.Int64Counter
	evaluationLatency        metric.Float64Histogram
	aggregationCounter       metric.Int64Counter
	traceQueueDroppedCounter metric.Int64Counter
	traceWriteFailedCounter  metric.Int64Counter

	prometheus *promCollectors

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers, the Prometheus registry, and
// runtime hooks.
func Setup(ctx context.Context, cfg config.ObservabilityConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{}
	if cfg.Prometheus.Enabled {
		runtime.prometheus = newPromCollectors()
	}

	otelCfg := cfg.OTel
	if !otelCfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(otelCfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(otelCfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(otelCfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := otelCfg.Insecure
	if strings.Contains(strings.TrimSpace(otelCfg.Endpoint), "://") {
		// An explicit scheme overrides the insecure toggle.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(otelCfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if otelCfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(otelCfg.SamplingRatio))),
			sdktrace.WithBatcher(newScrubbingExporter(traceExporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if otelCfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})
	runtime.createInstruments(otel.Meter(instrumentationName), logger)

	runtime.enabled = true
	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", otelCfg.TracesEnabled,
			"otel_metrics_enabled", otelCfg.MetricsEnabled,
			"otel_sampling_ratio", otelCfg.SamplingRatio,
		)
	}

	return runtime, nil
}

func (r *Runtime) createInstruments(meter metric.Meter, logger *slog.Logger) {
	warn := func(name string, err error) {
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry instrument", "metric", name, "error", err)
		}
	}

	var err error
	r.evaluationCounter, err = meter.Int64Counter(
		"llmops.evaluation.records_total",
		metric.WithDescription("Count of evaluation records appended to the ledger."),
	)
	warn("llmops.evaluation.records_total", err)

	r.evaluationLatency, err = meter.Float64Histogram(
		"llmops.evaluation.duration",
		metric.WithDescription("Evaluator call latency."),
		metric.WithUnit("s"),
	)
	warn("llmops.evaluation.duration", err)

	r.aggregationCounter, err = meter.Int64Counter(
		"llmops.aggregation.cycles_total",
		metric.WithDescription("Count of metrics aggregation cycles by outcome."),
	)
	warn("llmops.aggregation.cycles_total", err)

	r.traceQueueDroppedCounter, err = meter.Int64Counter(
		"llmops.trace.queue_dropped_total",
		metric.WithDescription("Count of traces dropped because the async trace queue was full."),
	)
	warn("llmops.trace.queue_dropped_total", err)

	r.traceWriteFailedCounter, err = meter.Int64Counter(
		"llmops.trace.write_failed_total",
		metric.WithDescription("Count of trace records dropped after storage write failures."),
	)
	warn("llmops.trace.write_failed_total", err)
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// PrometheusHandler serves the scrape endpoint, or nil when Prometheus is
// disabled.
func (r *Runtime) PrometheusHandler() http.Handler {
	if r == nil || r.prometheus == nil {
		return nil
	}
	return r.prometheus.handler()
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"llmops.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// SpanEnrichmentMiddleware adds the correlation id and marks 5xx responses as errors.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if span == nil || !span.IsRecording() {
			return
		}

		statusCode := recorder.StatusCode()
		if statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", statusCode))
		}
		if correlationID, ok := correlation.FromContext(req.Context()); ok {
			span.SetAttributes(attribute.String("llmops.correlation_id", correlationID))
		}
	})
}

// WrapHTTPTransport wraps an outbound HTTP transport with OpenTelemetry spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return clientSpanName(req.Method, req.URL.Path)
		}),
	)
}

// RecordEvaluation counts one persisted evaluation record.
func (r *Runtime) RecordEvaluation(ctx context.Context, evaluator, status string, latency time.Duration) {
	if r == nil {
		return
	}
	if r.prometheus != nil {
		r.prometheus.recordEvaluation(evaluator, status, latency)
	}
	if !r.enabled {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("evaluator", evaluator),
		attribute.String("status", status),
	)
	if r.evaluationCounter != nil {
		r.evaluationCounter.Add(ctx, 1, attrs)
	}
	if r.evaluationLatency != nil {
		r.evaluationLatency.Record(ctx, latency.Seconds(), attrs)
	}
}

// RecordAggregation counts one aggregation cycle by outcome.
func (r *Runtime) RecordAggregation(ctx context.Context, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	if r.prometheus != nil {
		r.prometheus.recordAggregation(outcome, duration)
	}
	if r.enabled && r.aggregationCounter != nil {
		r.aggregationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// RecordSnapshotTotals publishes the latest snapshot headline numbers as gauges.
func (r *Runtime) RecordSnapshotTotals(traces, sessions, users int, tokens int64, cost float64) {
	if r == nil || r.prometheus == nil {
		return
	}
	r.prometheus.recordSnapshot(traces, sessions, users, tokens, cost)
}

// RecordTraceQueueDrop increments a counter when the async trace queue is full.
func (r *Runtime) RecordTraceQueueDrop() {
	if r == nil {
		return
	}
	if r.prometheus != nil {
		r.prometheus.traceQueueDropped.Inc()
	}
	if r.enabled && r.traceQueueDroppedCounter != nil {
		r.traceQueueDroppedCounter.Add(context.Background(), 1)
	}
}

// RecordTraceFlush observes the size of one writer flush.
func (r *Runtime) RecordTraceFlush(batchSize int) {
	if r == nil || r.prometheus == nil {
		return
	}
	r.prometheus.traceFlushSize.Observe(float64(batchSize))
}

// RecordTraceWriteFailure increments a counter for dropped trace records.
func (r *Runtime) RecordTraceWriteFailure(errorClass string, failedCount int) {
	if r == nil || failedCount <= 0 {
		return
	}
	errorClass = strings.TrimSpace(errorClass)
	if r.prometheus != nil {
		r.prometheus.traceWriteFailed.WithLabelValues(errorClass).Add(float64(failedCount))
	}
	if r.enabled && r.traceWriteFailedCounter != nil {
		r.traceWriteFailedCounter.Add(
			context.Background(),
			int64(failedCount),
			metric.WithAttributes(attribute.String("error_class", errorClass)),
		)
	}
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

// routePatternForPath collapses request paths into low-cardinality span names.
func routePatternForPath(path string) string {
	switch {
	case pathutil.HasPathPrefix(path, "/api/traces"):
		return "/api/traces/*"
	case pathutil.HasPathPrefix(path, "/api/evaluations"):
		return "/api/evaluations/*"
	case pathutil.HasPathPrefix(path, "/api/evaluators"):
		return "/api/evaluators/*"
	case pathutil.HasPathPrefix(path, "/api/metrics"):
		return "/api/metrics/*"
	case pathutil.HasPathPrefix(path, "/api"):
		return "/api/*"
	case pathutil.HasPathPrefix(path, "/metrics"):
		return "/metrics"
	default:
		return "/other"
	}
}

func outboundPatternForPath(path string) string {
	if strings.HasSuffix(strings.TrimRight(path, "/"), "/chat/completions") {
		return "/chat/completions"
	}
	return "/other"
}

func serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + routePatternForPath(path)
}

func clientSpanName(method, path string) string {
	return "llm " + normalizedMethod(method) + " " + outboundPatternForPath(path)
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	if w == nil {
		return nil
	}
	return w.ResponseWriter
}

func (w *statusCapturingResponseWriter) Header() http.Header {
	return w.ResponseWriter.Header()
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusCapturingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *statusCapturingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusCapturingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

func (w *statusCapturingResponseWriter) ReadFrom(r io.Reader) (int64, error) {
	readerFrom, ok := w.ResponseWriter.(io.ReaderFrom)
	if !ok {
		return io.Copy(w.ResponseWriter, r)
	}
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return readerFrom.ReadFrom(r)
}
