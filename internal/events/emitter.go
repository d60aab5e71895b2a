package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coverwise/coverwise/internal/redact"
)

// Sink consumes events (file, webhook, etc.).
type Sink interface {
	Name() string
	Deliver(context.Context, *Event) error
	Close(context.Context) error
}

// Metrics is a point-in-time copy of the delivery counters.
type Metrics struct {
	Enqueued    uint64
	Dropped     uint64
	SinkSuccess map[string]uint64
	SinkFailure map[string]uint64
}

// Emitter buffers and delivers events to sinks.
type Emitter struct {
	queue           chan *Event
	sinks           []Sink
	shutdownTimeout time.Duration

	enqueued atomic.Uint64
	dropped  atomic.Uint64

	metricsMu   sync.Mutex
	sinkSuccess map[string]uint64
	sinkFailure map[string]uint64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	// deliverCtx is cancelled by Close once shutdownTimeout runs out.
	deliverCtx    context.Context
	cancelDeliver context.CancelFunc
}

// EmitterConfig controls worker and queue sizing.
type EmitterConfig struct {
	QueueSize       int
	Workers         int
	ShutdownTimeout time.Duration
}

// NewEmitter starts background workers to deliver events to the provided sinks.
func NewEmitter(cfg EmitterConfig, sinks []Sink) *Emitter {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 2 * time.Second
	}

	deliverCtx, cancelDeliver := context.WithCancel(context.Background())
	em := &Emitter{
		deliverCtx:      deliverCtx,
		cancelDeliver:   cancelDeliver,
		queue:           make(chan *Event, queueSize),
		sinks:           sinks,
		shutdownTimeout: shutdownTimeout,
		sinkSuccess:     make(map[string]uint64, len(sinks)),
		sinkFailure:     make(map[string]uint64, len(sinks)),
	}
	for i := 0; i < workers; i++ {
		em.wg.Add(1)
		go em.worker()
	}
	return em
}

// Emit enqueues ev without blocking the request path. Events are dropped
// when the queue is full or the emitter is closed.
func (e *Emitter) Emit(ctx context.Context, ev *Event) {
	if e == nil || ev == nil {
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.dropped.Add(1)
		return
	}
	select {
	case e.queue <- ev:
		e.enqueued.Add(1)
	default:
		e.dropped.Add(1)
	}
}

// Close stops accepting new events and waits briefly to drain the queue.
// Deliveries still running after the shutdown timeout are cancelled, and
// sinks are closed only once the workers have returned or a second timeout
// has passed.
func (e *Emitter) Close(ctx context.Context) {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, e.shutdownTimeout)
	defer cancel()

	select {
	case <-done:
	case <-waitCtx.Done():
		redact.Logf("events: shutdown timed out with %d events queued, cancelling deliveries", len(e.queue))
		e.cancelDeliver()
		select {
		case <-done:
		case <-time.After(e.shutdownTimeout):
			redact.Logf("events: sinks still delivering after cancel")
		}
	}
	e.cancelDeliver()

	closeCtx, cancelClose := context.WithTimeout(context.WithoutCancel(ctx), e.shutdownTimeout)
	defer cancelClose()
	for _, s := range e.sinks {
		if err := s.Close(closeCtx); err != nil {
			redact.Logf("events: sink %s close error: %v", s.Name(), err)
		}
	}
}

// MetricsSnapshot copies current counters.
func (e *Emitter) MetricsSnapshot() Metrics {
	if e == nil {
		return Metrics{}
	}
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	out := Metrics{
		Enqueued:    e.enqueued.Load(),
		Dropped:     e.dropped.Load(),
		SinkSuccess: make(map[string]uint64, len(e.sinkSuccess)),
		SinkFailure: make(map[string]uint64, len(e.sinkFailure)),
	}
	for k, v := range e.sinkSuccess {
		out.SinkSuccess[k] = v
	}
	for k, v := range e.sinkFailure {
		out.SinkFailure[k] = v
	}
	return out
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for ev := range e.queue {
		e.deliver(ev)
	}
}

func (e *Emitter) deliver(ev *Event) {
	for _, s := range e.sinks {
		err := s.Deliver(e.deliverCtx, ev)
		e.metricsMu.Lock()
		if err != nil {
			e.sinkFailure[s.Name()]++
		} else {
			e.sinkSuccess[s.Name()]++
		}
		e.metricsMu.Unlock()
		if err != nil {
			redact.Logf("events: sink %s failed for %s %s: %v", s.Name(), ev.Type, ev.ID, err)
		}
	}
}
