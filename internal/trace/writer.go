package trace

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ongoingai/llmops/internal/storage"
)

const writerBatchSize = 64

const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

// Sink persists one trace. *ledger.Ledger[Trace] satisfies it.
type Sink interface {
	Append(ctx context.Context, t Trace) error
}

// PipelineDiagnostics captures queue pressure and drop signals of a Writer.
type PipelineDiagnostics struct {
	QueueCapacity           int              `json:"queue_capacity"`
	QueueDepth              int              `json:"queue_depth"`
	QueueDepthHighWatermark int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct     int              `json:"queue_utilization_pct"`
	QueuePressureState      string           `json:"queue_pressure_state"`
	EnqueueAcceptedTotal    int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal     int64            `json:"enqueue_dropped_total"`
	WrittenTotal            int64            `json:"written_total"`
	WriteDroppedTotal       int64            `json:"write_dropped_total"`
	LastWriteDropAt         *time.Time       `json:"last_write_drop_at,omitempty"`
	WriteFailuresByClass    map[string]int64 `json:"write_failures_by_class,omitempty"`
}

// WriteFailure describes queued traces that could not be persisted.
type WriteFailure struct {
	BatchSize   int
	FailedCount int
	Err         error
	ErrorClass  string
}

// WriteFailureHandler receives asynchronous write failure signals.
type WriteFailureHandler func(WriteFailure)

// WriterMetrics holds optional callbacks the Writer invokes at key pipeline points.
type WriterMetrics struct {
	// OnEnqueue is called each time a trace is placed on the queue.
	OnEnqueue func()
	// OnDrop is called each time a trace is dropped because the queue is full.
	OnDrop func()
	// OnFlush is called after each batch is flushed to the sink.
	OnFlush func(batchSize int, duration time.Duration)
}

// Writer appends traces to a Sink from a bounded queue on a single worker
// goroutine, so producers never block on storage.
type Writer struct {
	sink  Sink
	queue chan Trace
	wg    sync.WaitGroup

	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}
	queueMu  sync.RWMutex
	cancelMu sync.Mutex
	cancel   context.CancelFunc

	onFailure WriteFailureHandler
	metrics   WriterMetrics

	highWatermark   atomic.Int64
	acceptedTotal   atomic.Int64
	droppedTotal    atomic.Int64
	writtenTotal    atomic.Int64
	writeDropped    atomic.Int64
	lastWriteDropNs atomic.Int64

	failuresMu      sync.Mutex
	failuresByClass map[string]int64
}

// NewWriter builds a Writer. Handlers and metrics must be set before Start.
func NewWriter(sink Sink, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Writer{
		sink:            sink,
		queue:           make(chan Trace, bufferSize),
		done:            make(chan struct{}),
		onFailure:       func(WriteFailure) {},
		failuresByClass: make(map[string]int64),
	}
}

func (w *Writer) SetWriteFailureHandler(handler WriteFailureHandler) {
	if handler == nil {
		handler = func(WriteFailure) {}
	}
	w.onFailure = handler
}

func (w *Writer) SetMetrics(m WriterMetrics) {
	w.metrics = m
}

// QueueLen returns the number of traces waiting to be written.
func (w *Writer) QueueLen() int {
	return len(w.queue)
}

func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancelMu.Lock()
	w.cancel = cancel
	w.cancelMu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.markDone()

		for {
			select {
			case <-workerCtx.Done():
				return
			case t, ok := <-w.queue:
				if !ok {
					return
				}
				batch := make([]Trace, 0, writerBatchSize)
				batch = append(batch, t)
			drain:
				for len(batch) < writerBatchSize {
					select {
					case next, ok := <-w.queue:
						if !ok {
							// Flush with a fresh context so shutdown does not
							// reject the final batch.
							w.flushBatch(context.Background(), batch)
							return
						}
						batch = append(batch, next)
					default:
						break drain
					}
				}
				w.flushBatch(workerCtx, batch)
			}
		}
	}()
}

// Enqueue queues t without blocking and reports whether it was accepted.
func (w *Writer) Enqueue(t Trace) bool {
	if w.stopped.Load() {
		return false
	}
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return false
	}

	select {
	case w.queue <- t:
		w.acceptedTotal.Add(1)
		w.observeQueueDepth(len(w.queue))
		if w.metrics.OnEnqueue != nil {
			w.metrics.OnEnqueue()
		}
		return true
	default:
		w.droppedTotal.Add(1)
		w.observeQueueDepth(cap(w.queue))
		if w.metrics.OnDrop != nil {
			w.metrics.OnDrop()
		}
		return false
	}
}

// Shutdown stops accepting traces and waits for the queue to drain or ctx
// to expire.
func (w *Writer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.queueMu.Lock()
		close(w.queue)
		w.queueMu.Unlock()
		if !w.started.Load() {
			w.markDone()
		}
	})

	select {
	case <-w.done:
		w.wg.Wait()
		w.cancelWorker()
		return nil
	case <-ctx.Done():
		w.cancelWorker()
		return ctx.Err()
	}
}

func (w *Writer) cancelWorker() {
	w.cancelMu.Lock()
	cancel := w.cancel
	w.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Writer) markDone() {
	w.doneOnce.Do(func() {
		close(w.done)
	})
}

func (w *Writer) flushBatch(ctx context.Context, batch []Trace) {
	start := time.Now()
	defer func() {
		if w.metrics.OnFlush != nil {
			w.metrics.OnFlush(len(batch), time.Since(start))
		}
	}()

	var (
		failed   int
		firstErr error
	)
	for _, t := range batch {
		if err := w.sink.Append(ctx, t); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.writtenTotal.Add(1)
	}
	if failed > 0 {
		w.reportWriteFailure(WriteFailure{
			BatchSize:   len(batch),
			FailedCount: failed,
			Err:         firstErr,
		})
	}
}

func (w *Writer) reportWriteFailure(failure WriteFailure) {
	failure.ErrorClass = storage.ClassifyWriteError(failure.Err)
	w.writeDropped.Add(int64(failure.FailedCount))
	w.lastWriteDropNs.Store(time.Now().UTC().UnixNano())

	w.failuresMu.Lock()
	w.failuresByClass[failure.ErrorClass] += int64(failure.FailedCount)
	w.failuresMu.Unlock()

	w.onFailure(failure)
}

// Diagnostics returns a point-in-time snapshot of queue pressure and
// dropped-trace counters.
func (w *Writer) Diagnostics() PipelineDiagnostics {
	capacity := cap(w.queue)
	depth := len(w.queue)
	high := int(w.highWatermark.Load())
	if depth > high {
		high = depth
	}
	util := queueUtilizationPct(depth, capacity)

	snapshot := PipelineDiagnostics{
		QueueCapacity:           capacity,
		QueueDepth:              depth,
		QueueDepthHighWatermark: high,
		QueueUtilizationPct:     util,
		QueuePressureState:      queuePressureState(util),
		EnqueueAcceptedTotal:    w.acceptedTotal.Load(),
		EnqueueDroppedTotal:     w.droppedTotal.Load(),
		WrittenTotal:            w.writtenTotal.Load(),
		WriteDroppedTotal:       w.writeDropped.Load(),
	}
	if ts := w.lastWriteDropNs.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastWriteDropAt = &last
	}

	w.failuresMu.Lock()
	if len(w.failuresByClass) > 0 {
		snapshot.WriteFailuresByClass = make(map[string]int64, len(w.failuresByClass))
		for class, n := range w.failuresByClass {
			snapshot.WriteFailuresByClass[class] = n
		}
	}
	w.failuresMu.Unlock()

	return snapshot
}

func (w *Writer) observeQueueDepth(depth int) {
	value := int64(depth)
	for {
		current := w.highWatermark.Load()
		if value <= current {
			return
		}
		if w.highWatermark.CompareAndSwap(current, value) {
			return
		}
	}
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return QueuePressureSaturated
	case utilizationPct >= 80:
		return QueuePressureHigh
	case utilizationPct >= 50:
		return QueuePressureElevated
	default:
		return QueuePressureOK
	}
}
