package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Hasanromadon/tangibly-sub001/internal/metrics"
)

// Dispatcher defaults
const (
	DefaultQueueSize   = 1024
	DefaultSendTimeout = 5 * time.Second
)

// DispatcherConfig holds Dispatcher options
type DispatcherConfig struct {
	QueueSize   int
	SendTimeout time.Duration
	Logger      *slog.Logger
}

// Dispatcher delivers events to a Sink from a single background worker.
// Dispatch never blocks: when the queue is full the event is dropped and
// counted.
type Dispatcher struct {
	name    string
	sink    Sink
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewDispatcher creates a Dispatcher and starts its worker
func NewDispatcher(name string, sink Sink, cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Dispatcher{
		name:    name,
		sink:    sink,
		timeout: cfg.SendTimeout,
		logger:  cfg.Logger.With(slog.String("sink", name)),
		queue:   make(chan Event, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Dispatch queues e for delivery and reports whether it was accepted
func (d *Dispatcher) Dispatch(e Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		metrics.EventSinkDroppedTotal.WithLabelValues(d.name).Inc()
		return false
	}
	select {
	case d.queue <- e:
		return true
	default:
		metrics.EventSinkDroppedTotal.WithLabelValues(d.name).Inc()
		d.logger.Warn("event sink queue full, dropping event", slog.String("event_id", e.ID))
		return false
	}
}

// Close stops accepting events and waits until the queue is drained
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		d.deliver(e)
	}
}

// deliver sends one event; sink failures and panics are logged, never
// propagated
func (d *Dispatcher) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event sink panicked", slog.Any("panic", r), slog.String("event_id", e.ID))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sink.Send(ctx, e); err != nil {
		metrics.EventSinkFailuresTotal.WithLabelValues(d.name).Inc()
		d.logger.Warn("event sink delivery failed",
			slog.String("event_id", e.ID),
			slog.String("error", err.Error()),
		)
	}
}
