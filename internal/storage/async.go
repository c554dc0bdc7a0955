package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roadrl/carlaenv/internal/dispatcher"
	"github.com/roadrl/carlaenv/pkg/core"
)

// CommandRecord is the dispatcher command the recorder queues work under.
const CommandRecord = "episode.record"

// DefaultQueueSize is the number of records buffered ahead of the backend.
const DefaultQueueSize = 1024

var errRecorderClosed = errors.New("recorder closed")

type opKind int

const (
	opStart opKind = iota
	opStep
	opEnd
)

func (k opKind) String() string {
	switch k {
	case opStart:
		return "start"
	case opStep:
		return "step"
	case opEnd:
		return "end"
	}
	return "unknown"
}

type recordOp struct {
	kind    opKind
	episode *core.Episode
	step    *core.StepRecord
	done    chan error
}

// AsyncRecorder feeds a Backend from one dispatcher queue so the step loop
// never waits on disk or network. Operations reach the backend in the order
// they were submitted. EndEpisode waits until everything queued before it
// has been written.
type AsyncRecorder struct {
	backend Backend
	d       *dispatcher.Dispatcher
	log     *slog.Logger
	pending atomic.Int64
	closed  atomic.Bool
	lastErr atomic.Pointer[error]
}

// NewAsyncRecorder registers the recorder queue on d. queueSize <= 0 uses
// DefaultQueueSize. The queue blocks when full rather than dropping steps.
func NewAsyncRecorder(d *dispatcher.Dispatcher, backend Backend, log *slog.Logger, queueSize int) *AsyncRecorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &AsyncRecorder{backend: backend, d: d, log: log}
	d.Register(CommandRecord, r.handle, dispatcher.Buffered(queueSize), dispatcher.Blocking())
	return r
}

func (r *AsyncRecorder) handle(e dispatcher.Event) (any, error) {
	op, ok := e.Payload.(*recordOp)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", e.Payload)
	}
	defer r.pending.Add(-1)

	var err error
	switch op.kind {
	case opStart:
		err = r.backend.StartEpisode(op.episode)
	case opStep:
		err = r.backend.RecordStep(op.step)
	case opEnd:
		err = r.backend.EndEpisode()
	}
	if err != nil {
		r.lastErr.Store(&err)
		r.log.Error("Storage backend failed", "op", op.kind, "error", err)
	}
	if op.done != nil {
		op.done <- err
	}
	return nil, err
}

func (r *AsyncRecorder) submit(op *recordOp) error {
	if r.closed.Load() {
		return errRecorderClosed
	}
	r.pending.Add(1)
	if _, err := r.d.Dispatch(dispatcher.Event{Command: CommandRecord, Payload: op, Timestamp: time.Now()}); err != nil {
		r.pending.Add(-1)
		return err
	}
	return nil
}

// StartEpisode queues the start of an episode. The episode is copied so the
// caller may keep mutating its totals.
func (r *AsyncRecorder) StartEpisode(e *core.Episode) error {
	cp := *e
	return r.submit(&recordOp{kind: opStart, episode: &cp})
}

// RecordStep queues one step. The record must not be modified afterwards.
func (r *AsyncRecorder) RecordStep(s *core.StepRecord) error {
	return r.submit(&recordOp{kind: opStep, step: s})
}

// EndEpisode queues the end of the episode and waits for the backend to
// finish it.
func (r *AsyncRecorder) EndEpisode() error {
	done := make(chan error, 1)
	if err := r.submit(&recordOp{kind: opEnd, done: done}); err != nil {
		return err
	}
	return <-done
}

// Pending returns the number of operations not yet handled by the backend.
func (r *AsyncRecorder) Pending() int {
	return int(r.pending.Load())
}

// Err returns the most recent backend error, if any.
func (r *AsyncRecorder) Err() error {
	if p := r.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Close stops accepting work and returns once every queued operation has
// reached the backend. The backend itself is not closed.
func (r *AsyncRecorder) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.d.Unregister(CommandRecord)
	return nil
}
