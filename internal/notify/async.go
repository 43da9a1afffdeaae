package notify

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// ErrDispatchFull is returned when an event is dropped because the
// dispatcher's queue is full.
var ErrDispatchFull = errors.New("notification queue full")

// Dispatcher delivers events to a slow notifier (webhook, NATS) from a
// fixed set of background workers so publishers never wait on outbound
// I/O. Events of one job always go to the same worker and keep their order.
type Dispatcher struct {
	next    Notifier
	logger  *slog.Logger
	workers int
	size    int
	timeout time.Duration

	queues []chan Event
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// DispatchOption configures a Dispatcher.
type DispatchOption func(*Dispatcher)

func WithDispatchWorkers(n int) DispatchOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithDispatchQueueSize bounds the events buffered per worker.
func WithDispatchQueueSize(n int) DispatchOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.size = n
		}
	}
}

// WithDeliveryTimeout bounds one delivery to the wrapped notifier.
func WithDeliveryTimeout(t time.Duration) DispatchOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// NewDispatcher starts the workers. Shutdown must be called to drain them.
func NewDispatcher(next Notifier, logger *slog.Logger, opts ...DispatchOption) *Dispatcher {
	d := &Dispatcher{
		next:    next,
		logger:  logger.With("component", "notify_dispatcher"),
		workers: 2,
		size:    256,
		timeout: 15 * time.Second,
	}
	for _, o := range opts {
		o(d)
	}
	d.queues = make([]chan Event, d.workers)
	for i := range d.queues {
		d.queues[i] = make(chan Event, d.size)
		d.wg.Add(1)
		go d.run(i, d.queues[i])
	}
	return d
}

func (d *Dispatcher) run(id int, ch <-chan Event) {
	defer d.wg.Done()
	for ev := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.next.Notify(ctx, ev)
		cancel()
		if err != nil {
			d.logger.Warn("notification delivery failed", "worker_id", id, "job_id", ev.JobID, "event", ev.Type, "error", err)
		}
	}
}

// Notify queues the event and returns at once. A full queue drops the event
// with ErrDispatchFull; a closed dispatcher drops it silently.
func (d *Dispatcher) Notify(_ context.Context, ev Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("dropping notification: dispatcher is shutting down", "job_id", ev.JobID, "event", ev.Type)
		return nil
	}
	select {
	case d.queues[d.shard(ev.JobID)] <- ev:
		return nil
	default:
		return ErrDispatchFull
	}
}

func (d *Dispatcher) shard(jobID string) int {
	h := fnv.New32a()
	h.Write([]byte(jobID))
	return int(h.Sum32() % uint32(len(d.queues)))
}

// Shutdown stops accepting events and waits for queued ones to be
// delivered or for ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, ch := range d.queues {
		close(ch)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); d.wg.Wait() }()
	select {
	case <-done:
		d.logger.Info("notification queue drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
