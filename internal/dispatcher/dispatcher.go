// Package dispatcher routes events by command name to handlers. The
// simulator client routes sensor pushes through it by actor and the
// recorder queues storage work on it. Handlers run inline or on a per
// command worker fed by a bounded queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/roadrl/carlaenv/internal/dispatcher"

// ResultQueued is returned by a buffered handler once the event is queued.
const ResultQueued = "queued"

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrQueueFull      = errors.New("queue full")
	ErrUnregistered   = errors.New("handler unregistered")
)

// Event is one routed message. Command selects the handler; Payload is
// handler specific (a decoded sensor push, a record operation).
type Event struct {
	Command   string
	Payload   any
	Timestamp time.Time
}

// HandlerFunc processes an event and returns a result.
type HandlerFunc func(Event) (any, error)

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*options)

type options struct {
	bufferSize int
	blocking   bool
	logged     bool
}

// Buffered runs the handler on its own worker fed by a queue of size events.
func Buffered(size int) Option {
	return func(o *options) { o.bufferSize = size }
}

// Blocking makes Dispatch wait for room in a full queue instead of dropping.
func Blocking() Option {
	return func(o *options) { o.blocking = true }
}

// Logged logs every event at debug level and failures at error level.
func Logged() Option {
	return func(o *options) { o.logged = true }
}

// worker is the queue and goroutine behind a buffered handler.
type worker struct {
	ch   chan Event
	done chan struct{}
}

type instruments struct {
	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter
	failed    metric.Int64Counter
	duration  metric.Float64Histogram
}

// Dispatcher routes events to registered handlers.
type Dispatcher struct {
	logger Logger
	inst   instruments

	// guards handlers, workers and fallback; workers also feed the gauge
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	workers  map[string]*worker
	fallback HandlerFunc
}

// New creates a Dispatcher. Metrics go to the global meter provider, which
// is a no-op unless telemetry is enabled.
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
		workers:  make(map[string]*worker),
	}
	if err := d.initInstruments(otel.Meter(instrumentationName)); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dispatcher) initInstruments(m metric.Meter) error {
	var err error
	if d.inst.queueSize, err = m.Int64ObservableGauge("dispatcher.queue.size",
		metric.WithDescription("Events waiting in a handler queue")); err != nil {
		return fmt.Errorf("creating queue size gauge: %w", err)
	}
	if _, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		d.mu.RLock()
		defer d.mu.RUnlock()
		for cmd, w := range d.workers {
			o.ObserveInt64(d.inst.queueSize, int64(len(w.ch)),
				metric.WithAttributes(attribute.String("command", cmd)))
		}
		return nil
	}, d.inst.queueSize); err != nil {
		return fmt.Errorf("registering queue callback: %w", err)
	}
	if d.inst.processed, err = m.Int64Counter("dispatcher.events.processed",
		metric.WithDescription("Events handled by a buffered handler")); err != nil {
		return fmt.Errorf("creating processed counter: %w", err)
	}
	if d.inst.dropped, err = m.Int64Counter("dispatcher.events.dropped",
		metric.WithDescription("Events dropped because the queue was full")); err != nil {
		return fmt.Errorf("creating dropped counter: %w", err)
	}
	if d.inst.failed, err = m.Int64Counter("dispatcher.events.failed",
		metric.WithDescription("Events whose buffered handler returned an error")); err != nil {
		return fmt.Errorf("creating failed counter: %w", err)
	}
	if d.inst.duration, err = m.Float64Histogram("dispatcher.handler.duration",
		metric.WithDescription("Time a buffered handler spent on one event"),
		metric.WithUnit("ms")); err != nil {
		return fmt.Errorf("creating duration histogram: %w", err)
	}
	return nil
}

// Register adds a handler for command, replacing any previous one.
func (d *Dispatcher) Register(command string, h HandlerFunc, opts ...Option) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.logged {
		h = d.withLogging(command, h)
	}
	if o.bufferSize > 0 {
		h = d.withWorker(command, o.bufferSize, o.blocking, h)
	}

	d.mu.Lock()
	d.handlers[command] = h
	d.mu.Unlock()
}

// SetFallback installs h for events whose command has no handler, e.g.
// pushes from a sensor that was just destroyed. nil removes it.
func (d *Dispatcher) SetFallback(h HandlerFunc) {
	d.mu.Lock()
	d.fallback = h
	d.mu.Unlock()
}

// Unregister removes the handler for command. For a buffered handler it
// returns once the events already queued have been handled, so it must not
// be called from that handler.
func (d *Dispatcher) Unregister(command string) {
	d.mu.Lock()
	delete(d.handlers, command)
	w, ok := d.workers[command]
	if ok {
		close(w.ch)
		delete(d.workers, command)
	}
	d.mu.Unlock()

	if ok {
		<-w.done
	}
}

// Close unregisters every handler and waits for all queues to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	workers := make([]*worker, 0, len(d.workers))
	for cmd, w := range d.workers {
		close(w.ch)
		workers = append(workers, w)
		delete(d.workers, cmd)
	}
	d.handlers = make(map[string]HandlerFunc)
	d.mu.Unlock()

	for _, w := range workers {
		<-w.done
	}
}

// Dispatch routes an event to its handler, or to the fallback.
func (d *Dispatcher) Dispatch(e Event) (any, error) {
	d.mu.RLock()
	h, ok := d.handlers[e.Command]
	if !ok {
		h = d.fallback
	}
	d.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, e.Command)
	}
	return h(e)
}

// HasHandler returns true if a handler is registered for the command.
func (d *Dispatcher) HasHandler(command string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[command]
	return ok
}

// QueueLength returns the number of events waiting for command's worker.
func (d *Dispatcher) QueueLength(command string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if w, ok := d.workers[command]; ok {
		return len(w.ch)
	}
	return 0
}

func (d *Dispatcher) withWorker(command string, size int, blocking bool, h HandlerFunc) HandlerFunc {
	w := &worker{ch: make(chan Event, size), done: make(chan struct{})}
	attrs := metric.WithAttributes(attribute.String("command", command))

	d.mu.Lock()
	if old, ok := d.workers[command]; ok {
		close(old.ch)
	}
	d.workers[command] = w
	d.mu.Unlock()

	go func() {
		defer close(w.done)
		ctx := context.Background()
		for e := range w.ch {
			start := time.Now()
			if _, err := h(e); err != nil {
				d.inst.failed.Add(ctx, 1, attrs)
			}
			d.inst.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
			d.inst.processed.Add(ctx, 1, attrs)
		}
	}()

	// The read lock is held while queueing so Unregister cannot close the
	// channel under a sender.
	return func(e Event) (any, error) {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.workers[command] != w {
			return nil, fmt.Errorf("%w: %s", ErrUnregistered, command)
		}
		if blocking {
			w.ch <- e
			return ResultQueued, nil
		}
		select {
		case w.ch <- e:
			return ResultQueued, nil
		default:
			d.inst.dropped.Add(context.Background(), 1, attrs)
			return nil, fmt.Errorf("%w: %s", ErrQueueFull, command)
		}
	}
}

func (d *Dispatcher) withLogging(command string, h HandlerFunc) HandlerFunc {
	return func(e Event) (any, error) {
		start := time.Now()
		d.logger.Debug("handling event", "command", command, "payload", fmt.Sprintf("%T", e.Payload))

		result, err := h(e)
		if err != nil {
			d.logger.Error("event failed", "command", command, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("event complete", "command", command, "duration", time.Since(start))
		}
		return result, err
	}
}
