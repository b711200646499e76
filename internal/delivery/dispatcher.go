package delivery

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/charlesng35/bucketcast/pkg/logger"
	"github.com/charlesng35/bucketcast/pkg/metrics"
)

// ErrDispatcherStopped is returned by Enqueue after Stop.
var ErrDispatcherStopped = errors.New("delivery: dispatcher stopped")

// Job is one unit of dispatch work.
type Job func(ctx context.Context)

// Dispatcher runs jobs on a fixed set of single-worker queues. Jobs with the
// same key always land on the same queue, so they run in enqueue order.
type Dispatcher struct {
	queues []chan Job
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	log    *zap.Logger
}

func NewDispatcher(workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{
		queues: make([]chan Job, workers),
		log:    logger.WithModule("delivery"),
	}
	for i := range d.queues {
		d.queues[i] = make(chan Job, queueSize)
	}
	return d
}

// Start launches the workers. Jobs receive ctx; workers keep draining their
// queues until Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, q := range d.queues {
		d.wg.Add(1)
		go d.work(ctx, i, q)
	}
	d.log.Info("dispatcher started", zap.Int("workers", len(d.queues)))
}

func (d *Dispatcher) work(ctx context.Context, id int, q <-chan Job) {
	defer d.wg.Done()
	for job := range q {
		metrics.DispatchQueueDepth.Dec()
		d.run(ctx, id, job)
	}
}

func (d *Dispatcher) run(ctx context.Context, id int, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("dispatch job panicked", zap.Int("worker", id), zap.Any("panic", rec))
		}
	}()
	job(ctx)
}

// Enqueue adds job to the queue owning key, blocking while that queue is
// full.
func (d *Dispatcher) Enqueue(ctx context.Context, key string, job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherStopped
	}
	metrics.DispatchQueueDepth.Inc()
	select {
	case d.queues[d.shard(key)] <- job:
		return nil
	case <-ctx.Done():
		metrics.DispatchQueueDepth.Dec()
		return ctx.Err()
	}
}

func (d *Dispatcher) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.queues)))
}

// Stop rejects new jobs and waits for queued ones to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.log.Info("dispatcher stopped")
}
