// Package queuehandler provides a fixed-size worker pool that drains a
// dynamically growing queue. Items may be enqueued while workers run;
// WhenComplete provides the barrier push uses to know that everything
// enqueued so far has been executed.
package queuehandler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// QueueHandler drains enqueued items with a bounded number of workers.
// Items are not guaranteed to execute in submission order; callers must
// not rely on cross-item ordering.
type QueueHandler[T any] struct {
	workers int
	action  func(ctx context.Context, workerID int, item T) error
	logger  *zap.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []T
	outstanding int // queued + currently executing
	closed      bool
	waiters     []chan struct{}

	executed  []atomic.Uint64 // per-worker, for instrumentation
	completed atomic.Uint64
	failed    atomic.Uint64

	wg sync.WaitGroup
}

// New creates a handler with the given worker count (minimum 1) and
// starts its workers. The action receives the identity of the worker
// executing it; an action error is counted and logged but never stops
// the other workers.
func New[T any](workers int, logger *zap.Logger, action func(ctx context.Context, workerID int, item T) error) *QueueHandler[T] {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &QueueHandler[T]{
		workers:  workers,
		action:   action,
		logger:   logger,
		executed: make([]atomic.Uint64, workers),
	}
	h.cond = sync.NewCond(&h.mu)
	for i := 0; i < workers; i++ {
		h.wg.Add(1)
		go h.worker(i)
	}
	return h
}

// Enqueue adds an item for execution by any idle worker.
func (h *QueueHandler[T]) Enqueue(item T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.queue = append(h.queue, item)
	h.outstanding++
	h.cond.Signal()
}

// WhenComplete returns a channel that is closed once every item enqueued
// before the call (and any item enqueued before the queue next drains)
// has finished executing. A handler with nothing outstanding completes
// immediately.
func (h *QueueHandler[T]) WhenComplete() <-chan struct{} {
	ch := make(chan struct{})
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outstanding == 0 {
		close(ch)
		return ch
	}
	h.waiters = append(h.waiters, ch)
	return ch
}

// Close stops the workers after their current item and waits for them to
// exit. Items still queued are dropped.
func (h *QueueHandler[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	dropped := len(h.queue)
	h.outstanding -= dropped
	h.queue = nil
	h.notifyLocked()
	h.cond.Broadcast()
	h.mu.Unlock()
	h.wg.Wait()
	if dropped > 0 {
		h.logger.Debug("Queue handler closed with items dropped", zap.Int("dropped", dropped))
	}
}

func (h *QueueHandler[T]) worker(id int) {
	defer h.wg.Done()
	ctx := context.Background()
	for {
		h.mu.Lock()
		for len(h.queue) == 0 && !h.closed {
			h.cond.Wait()
		}
		if h.closed && len(h.queue) == 0 {
			h.mu.Unlock()
			return
		}
		item := h.queue[0]
		h.queue = h.queue[1:]
		h.mu.Unlock()

		start := time.Now()
		err := h.action(ctx, id, item)
		h.executed[id].Add(1)
		if err != nil {
			h.failed.Add(1)
			h.logger.Debug("Queue item failed",
				zap.Int("worker_id", id),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
		} else {
			h.completed.Add(1)
		}

		h.mu.Lock()
		h.outstanding--
		if h.outstanding == 0 {
			h.notifyLocked()
		}
		h.mu.Unlock()
	}
}

func (h *QueueHandler[T]) notifyLocked() {
	for _, ch := range h.waiters {
		close(ch)
	}
	h.waiters = nil
}

// Stats is a point-in-time snapshot of handler counters.
type Stats struct {
	Workers   int
	PerWorker []uint64
	Completed uint64
	Failed    uint64
	Queued    int
}

// Stats returns current counters. Per-worker counts are read atomically
// and can be inspected by tests without races.
func (h *QueueHandler[T]) Stats() Stats {
	h.mu.Lock()
	queued := len(h.queue)
	h.mu.Unlock()
	per := make([]uint64, h.workers)
	for i := range per {
		per[i] = h.executed[i].Load()
	}
	return Stats{
		Workers:   h.workers,
		PerWorker: per,
		Completed: h.completed.Load(),
		Failed:    h.failed.Load(),
		Queued:    queued,
	}
}
