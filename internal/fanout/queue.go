package fanout

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ongoingai/untrace/internal/trace"
)

const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

const (
	JobSourceIngest = "ingest"
	JobSourceSweep  = "sweep"
)

// Job asks a worker to fan out one stored trace.
type Job struct {
	Trace      *trace.Trace
	Source     string
	EnqueuedAt time.Time
}

func (j Job) key() string {
	if j.Trace == nil {
		return ""
	}
	return j.Trace.OrgID + "\x00" + j.Trace.TraceID
}

// Runner is the work a queue worker performs for a job.
type Runner interface {
	Fanout(ctx context.Context, t *trace.Trace) Result
}

// DropRecorder counts jobs rejected by a full queue.
type DropRecorder interface {
	RecordQueueDrop(source string)
}

// Diagnostics is a point-in-time view of queue pressure and throughput.
type Diagnostics struct {
	QueueCapacity           int        `json:"queue_capacity"`
	QueueDepth              int        `json:"queue_depth"`
	QueueDepthHighWatermark int        `json:"queue_depth_high_watermark"`
	QueueUtilizationPct     int        `json:"queue_utilization_pct"`
	QueuePressureState      string     `json:"queue_pressure_state"`
	Workers                 int        `json:"workers"`
	InFlight                int64      `json:"in_flight"`
	EnqueuedTotal           int64      `json:"enqueued_total"`
	DroppedTotal            int64      `json:"dropped_total"`
	ProcessedTotal          int64      `json:"processed_total"`
	FailedTotal             int64      `json:"failed_total"`
	LastDropAt              *time.Time `json:"last_drop_at,omitempty"`
	LastError               string     `json:"last_error,omitempty"`
	LastErrorAt             *time.Time `json:"last_error_at,omitempty"`
}

type QueueOptions struct {
	Capacity int
	Workers  int
	Drops    DropRecorder
	Logger   *slog.Logger
}

// Queue is a bounded in-process job queue drained by a fixed worker pool.
// A trace already queued or in flight is not queued twice.
type Queue struct {
	runner  Runner
	queue   chan Job
	workers int
	drops   DropRecorder
	logger  *slog.Logger
	wg      sync.WaitGroup

	started      atomic.Bool
	stopped      atomic.Bool
	stopOnce     sync.Once
	doneOnce     sync.Once
	done         chan struct{}
	queueMu      sync.RWMutex
	lifecycleMu  sync.RWMutex
	workerCancel context.CancelFunc
	pending      sync.Map // job key -> struct{}

	depthHighWatermark atomic.Int64
	inFlight           atomic.Int64
	enqueuedTotal      atomic.Int64
	droppedTotal       atomic.Int64
	processedTotal     atomic.Int64
	failedTotal        atomic.Int64
	lastDropUnixNano   atomic.Int64
	lastErrorUnixNano  atomic.Int64
	lastError          atomic.Value // string
}

func NewQueue(runner Runner, options QueueOptions) *Queue {
	if options.Capacity <= 0 {
		options.Capacity = 1024
	}
	if options.Workers <= 0 {
		options.Workers = 2
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		runner:  runner,
		queue:   make(chan Job, options.Capacity),
		workers: options.Workers,
		drops:   options.Drops,
		logger:  logger,
		done:    make(chan struct{}),
	}
	q.lastError.Store("")
	return q
}

func (q *Queue) Start(ctx context.Context) {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	q.lifecycleMu.Lock()
	q.workerCancel = cancel
	q.lifecycleMu.Unlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range q.queue {
				q.run(workerCtx, job)
			}
		}()
	}
	go func() {
		q.wg.Wait()
		q.markDone()
	}()
}

// Enqueue places a job without blocking. It returns false when the queue is
// full or shut down.
func (q *Queue) Enqueue(job Job) bool {
	if q.stopped.Load() || job.Trace == nil {
		return false
	}
	q.queueMu.RLock()
	defer q.queueMu.RUnlock()
	if q.stopped.Load() {
		return false
	}

	key := job.key()
	if _, loaded := q.pending.LoadOrStore(key, struct{}{}); loaded {
		return true
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	select {
	case q.queue <- job:
		q.enqueuedTotal.Add(1)
		q.observeDepth(len(q.queue))
		return true
	default:
		q.pending.Delete(key)
		q.droppedTotal.Add(1)
		q.observeDepth(cap(q.queue))
		q.lastDropUnixNano.Store(time.Now().UTC().UnixNano())
		if q.drops != nil {
			q.drops.RecordQueueDrop(job.Source)
		}
		return false
	}
}

// Shutdown stops intake and waits for queued jobs to drain. When ctx ends
// first, in-flight fanouts are cancelled; their traces stay pending.
func (q *Queue) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.stopOnce.Do(func() {
		q.stopped.Store(true)
		q.queueMu.Lock()
		close(q.queue)
		q.queueMu.Unlock()
		if !q.started.Load() {
			q.markDone()
		}
	})

	select {
	case <-q.done:
		q.cancelWorkers()
		return nil
	case <-ctx.Done():
		q.cancelWorkers()
		return ctx.Err()
	}
}

func (q *Queue) run(ctx context.Context, job Job) {
	defer q.pending.Delete(job.key())
	q.inFlight.Add(1)
	defer q.inFlight.Add(-1)

	result := q.runner.Fanout(ctx, job.Trace)
	q.processedTotal.Add(1)
	if result.Success {
		return
	}
	q.failedTotal.Add(1)
	message := "fanout incomplete"
	if len(result.Errors) > 0 {
		message = result.Errors[0].Message
	}
	q.lastError.Store(message)
	q.lastErrorUnixNano.Store(time.Now().UTC().UnixNano())
	q.logger.Warn(
		"fanout finished with errors",
		"trace_id", job.Trace.TraceID,
		"org_id", job.Trace.OrgID,
		"source", job.Source,
		"destinations", result.DestinationsProcessed,
		"failed_destinations", len(result.Errors),
	)
}

func (q *Queue) cancelWorkers() {
	q.lifecycleMu.RLock()
	cancel := q.workerCancel
	q.lifecycleMu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (q *Queue) markDone() {
	q.doneOnce.Do(func() {
		close(q.done)
	})
}

// Diagnostics returns queue depth, pressure and counters.
func (q *Queue) Diagnostics() Diagnostics {
	if q == nil {
		return Diagnostics{}
	}
	capacity := cap(q.queue)
	depth := len(q.queue)
	highWatermark := int(q.depthHighWatermark.Load())
	if depth > highWatermark {
		highWatermark = depth
	}
	utilization := utilizationPct(depth, capacity)

	snapshot := Diagnostics{
		QueueCapacity:           capacity,
		QueueDepth:              depth,
		QueueDepthHighWatermark: highWatermark,
		QueueUtilizationPct:     utilization,
		QueuePressureState:      pressureState(utilization),
		Workers:                 q.workers,
		InFlight:                q.inFlight.Load(),
		EnqueuedTotal:           q.enqueuedTotal.Load(),
		DroppedTotal:            q.droppedTotal.Load(),
		ProcessedTotal:          q.processedTotal.Load(),
		FailedTotal:             q.failedTotal.Load(),
	}
	if ts := q.lastDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastDropAt = &last
	}
	if ts := q.lastErrorUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastErrorAt = &last
		snapshot.LastError, _ = q.lastError.Load().(string)
	}
	return snapshot
}

func (q *Queue) observeDepth(depth int) {
	value := int64(depth)
	for {
		current := q.depthHighWatermark.Load()
		if value <= current {
			return
		}
		if q.depthHighWatermark.CompareAndSwap(current, value) {
			return
		}
	}
}

func utilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func pressureState(utilizationPct int) string {
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
