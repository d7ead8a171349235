package usage

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Recorder persists usage events asynchronously. Record never blocks the
// response path: events flow through a bounded queue drained by a single
// worker, and a full queue or failed write is an operator problem, not a
// client one.
type Recorder struct {
	store   Store
	queue   chan *Event
	done    chan struct{}
	dropped atomic.Int64
	log     *zap.Logger
}

func NewRecorder(store Store, queueSize int, log *zap.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Recorder{
		store: store,
		queue: make(chan *Event, queueSize),
		done:  make(chan struct{}),
		log:   log,
	}
	go r.run()
	return r
}

// Record enqueues one usage event. Fire-and-forget: if the queue is full
// the event is dropped and counted, never blocking the caller.
func (r *Recorder) Record(ev *Event) {
	select {
	case r.queue <- ev:
	default:
		n := r.dropped.Add(1)
		r.log.Error("usage queue full, dropping event; billing accuracy degraded",
			zap.String("request_id", ev.RequestID),
			zap.Int64("dropped_total", n),
		)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.queue {
		r.persist(ev)
	}
}

func (r *Recorder) persist(ev *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.store.Append(ctx, ev); err != nil {
		n := r.dropped.Add(1)
		// The response is long gone; all we can do is make noise.
		r.log.Error("failed to persist usage event; billing accuracy degraded",
			zap.String("request_id", ev.RequestID),
			zap.String("tenant_id", ev.TenantID),
			zap.String("outcome", string(ev.Outcome)),
			zap.Int64("dropped_total", n),
			zap.Error(err),
		)
	}
}

// Dropped returns how many events failed to persist or were shed.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events and drains the queue, waiting up to the
// given timeout for in-flight writes.
func (r *Recorder) Close(timeout time.Duration) {
	close(r.queue)
	select {
	case <-r.done:
	case <-time.After(timeout):
		r.log.Warn("usage recorder shutdown timed out with events still queued")
	}
}
