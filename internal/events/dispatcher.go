package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"hrauth/internal/lib/logger/sl"
)

// DispatcherConfig controls buffering behavior. Without DropIfFull, Publish
// waits at most EnqueueTimeout for buffer space and then drops the event.
type DispatcherConfig struct {
	BufferSize     int
	DropIfFull     bool
	EnqueueTimeout time.Duration
	EmitTimeout    time.Duration
}

// Dispatcher queues events on a buffered channel drained by a single
// goroutine that forwards them to a sink.
type Dispatcher struct {
	logger    *slog.Logger
	cfg       DispatcherConfig
	sink      Sink
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewDispatcher(logger *slog.Logger, cfg DispatcherConfig, sink Sink) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 50 * time.Millisecond
	}
	if cfg.EmitTimeout <= 0 {
		cfg.EmitTimeout = 5 * time.Second
	}
	if sink == nil {
		sink = MultiSink{}
	}

	d := &Dispatcher{
		logger: logger,
		cfg:    cfg,
		sink:   sink,
		ch:     make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.emit(event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.emit(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) emit(event Event) {
	const op = "events.Dispatcher.emit"

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.EmitTimeout)
	defer cancel()

	if err := d.sink.Emit(ctx, event); err != nil {
		d.logger.Error("failed to deliver event",
			slog.String("op", op),
			slog.String("event", event.Name),
			sl.Err(err),
		)
	}
}

// Publish enqueues the event. With DropIfFull a full buffer drops the event
// instead of waiting; otherwise the wait is bounded by EnqueueTimeout and ctx.
func (d *Dispatcher) Publish(ctx context.Context, event Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- event:
		case <-d.done:
		default:
			d.dropped.Add(1)
			d.logger.Warn("event buffer full, dropping event", slog.String("event", event.Name))
		}
		return
	}

	timer := time.NewTimer(d.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case d.ch <- event:
	case <-timer.C:
		d.dropped.Add(1)
		d.logger.Warn("event buffer still full after timeout, dropping event",
			slog.String("event", event.Name),
			slog.Duration("timeout", d.cfg.EnqueueTimeout),
		)
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.done:
	}
}

// Close stops accepting events and waits until the queue is drained.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
