package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"call-intake/internal/metrics"
	"call-intake/pkg/logger"
)

// ErrAtCapacity is returned by Submit when the queue is full.
var ErrAtCapacity = errors.New("intake: dispatcher at capacity")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("intake: dispatcher stopped")

type Handler func(ctx context.Context, item Item)

type queued struct {
	item Item
	// ctx carries the submitter's logger; cancellation comes from the worker side.
	ctx context.Context
}

// Dispatcher hands items to a fixed pool of workers over a bounded channel.
// Submit never blocks.
type Dispatcher struct {
	workers int
	handle  Handler
	queue   chan queued

	mu      sync.RWMutex
	stopped bool
	started bool
	wg      sync.WaitGroup
}

func NewDispatcher(workers, queueSize int, handle Handler) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	return &Dispatcher{workers: workers, handle: handle, queue: make(chan queued, queueSize)}
}

// Start launches the workers. Items run under ctx; cancelling it aborts in-flight calls.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx, i)
	}
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	defer d.wg.Done()
	for q := range d.queue {
		metrics.DispatchQueueDepth.Dec()
		itemCtx := logger.With(ctx, logger.From(q.ctx).With("worker", id))
		d.safeHandle(itemCtx, q.item)
	}
}

func (d *Dispatcher) safeHandle(ctx context.Context, item Item) {
	defer func() {
		if r := recover(); r != nil {
			logger.From(ctx).Error("dispatcher worker panic", "panic", fmt.Sprint(r), "provider", item.Raw.Provider)
		}
	}()
	d.handle(ctx, item)
}

// Submit queues item without blocking.
func (d *Dispatcher) Submit(ctx context.Context, item Item) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	metrics.DispatchQueueDepth.Inc()
	select {
	case d.queue <- queued{item: item, ctx: ctx}:
		return nil
	default:
		metrics.DispatchQueueDepth.Dec()
		metrics.DispatchDropped.Inc()
		logger.From(ctx).Error("dispatcher queue full, call dropped", "provider", item.Raw.Provider, "route", item.Raw.Route)
		return fmt.Errorf("%w (%d queued)", ErrAtCapacity, cap(d.queue))
	}
}

// Stop refuses new items, drains the queue and waits for the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}
