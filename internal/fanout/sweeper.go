package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ongoingai/untrace/internal/trace"
)

// PendingLister finds traces whose fanout never completed.
type PendingLister interface {
	ListPendingFanout(ctx context.Context, createdBefore time.Time, limit int) ([]*trace.Trace, error)
}

// Enqueuer accepts fanout jobs without blocking.
type Enqueuer interface {
	Enqueue(job Job) bool
}

type SweeperOptions struct {
	Interval  time.Duration
	Grace     time.Duration
	BatchSize int
	Logger    *slog.Logger
}

// Sweeper re-enqueues traces left pending, for example after a full queue
// or a restart between the trace write and its fanout.
type Sweeper struct {
	traces    PendingLister
	queue     Enqueuer
	interval  time.Duration
	grace     time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(traces PendingLister, queue Enqueuer, options SweeperOptions) *Sweeper {
	if options.Interval <= 0 {
		options.Interval = time.Minute
	}
	if options.Grace <= 0 {
		options.Grace = 30 * time.Second
	}
	if options.BatchSize <= 0 {
		options.BatchSize = 100
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		traces:    traces,
		queue:     queue,
		interval:  options.Interval,
		grace:     options.Grace,
		batchSize: options.BatchSize,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SweepOnce enqueues one batch of pending traces older than the grace
// period and returns how many the queue accepted.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	pending, err := s.traces.ListPendingFanout(ctx, s.now().Add(-s.grace), s.batchSize)
	if err != nil {
		return 0, err
	}
	accepted := 0
	for _, t := range pending {
		if s.queue.Enqueue(Job{Trace: t, Source: JobSourceSweep}) {
			accepted++
			continue
		}
		// The queue is full; the rest waits for the next sweep.
		break
	}
	if len(pending) > 0 {
		s.logger.Info("fanout sweep re-enqueued pending traces", "pending", len(pending), "enqueued", accepted)
	}
	return accepted, nil
}

// Start runs a sweep immediately and then on every interval until Stop.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("fanout sweep failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}(s.done)
}

// Stop cancels the loop and waits for an in-progress sweep to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
