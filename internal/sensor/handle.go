package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roadrl/carlaenv/pkg/sim"
)

// Spec declares one sensor mounted on the hero.
type Spec struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Transform  sim.Transform     `json:"transform"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Handle owns one attached sensor actor and its single-slot mailbox. The
// delivery callback overwrites the slot under mu; GetData copies the slot
// reference under mu and decodes outside it.
type Handle struct {
	name  string
	kind  Kind
	actor sim.Sensor

	mu      sync.Mutex
	latest  sim.Data
	version uint64
	latched bool
}

// Attach spawns the sensor described by spec on parent and starts
// listening. Unknown types fail before anything is spawned.
func Attach(ctx context.Context, world sim.World, lib sim.BlueprintLibrary, spec Spec, parent sim.Actor) (*Handle, error) {
	kind, err := ParseKind(spec.Type)
	if err != nil {
		return nil, fmt.Errorf("sensor %q: %w", spec.Name, err)
	}

	bp, err := lib.Find(kind.TypeID())
	if err != nil {
		return nil, fmt.Errorf("sensor %q: %w", spec.Name, err)
	}
	bp.SetAttribute("role_name", spec.Name)
	for k, v := range spec.Attributes {
		bp.SetAttribute(k, v)
	}

	a, err := world.SpawnActor(ctx, bp, spec.Transform, parent)
	if err != nil {
		return nil, fmt.Errorf("spawn sensor %q: %w", spec.Name, err)
	}
	s, ok := a.(sim.Sensor)
	if !ok {
		_ = a.Destroy(ctx)
		return nil, fmt.Errorf("spawn sensor %q: actor %d (%s) is not a sensor", spec.Name, a.ID(), a.TypeID())
	}

	h := &Handle{name: spec.Name, kind: kind, actor: s}
	if err := s.Listen(h.deliver); err != nil {
		_ = s.Destroy(ctx)
		return nil, fmt.Errorf("listen sensor %q: %w", spec.Name, err)
	}
	return h, nil
}

func (h *Handle) deliver(d sim.Data) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = d
	h.version++
	if h.kind.IsEvent() {
		h.latched = true
	}
}

func (h *Handle) Name() string         { return h.name }
func (h *Handle) Kind() Kind           { return h.kind }
func (h *Handle) ActorID() sim.ActorID { return h.actor.ID() }

// Version returns the number of payloads delivered so far.
func (h *Handle) Version() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// Ready reports whether the handle can produce a value. Event sensors are
// always ready; others need their first payload.
func (h *Handle) Ready() bool {
	if h.kind.IsEvent() {
		return true
	}
	return h.Version() > 0
}

// GetData returns the decoded newest payload. ok is false until the first
// payload arrives. Event sensors return a Flag that is cleared by the read.
func (h *Handle) GetData() (Value, bool, error) {
	h.mu.Lock()
	if h.kind.IsEvent() {
		f := h.latched
		h.latched = false
		h.mu.Unlock()
		return Flag(f), true, nil
	}
	data := h.latest
	h.mu.Unlock()

	if data == nil {
		return nil, false, nil
	}
	v, err := Decode(h.kind, data)
	if err != nil {
		return nil, false, fmt.Errorf("sensor %q: %w", h.name, err)
	}
	return v, true, nil
}

// Destroy stops delivery and releases the sensor actor. The actor is
// destroyed even when Stop fails; both errors are returned.
func (h *Handle) Destroy(ctx context.Context) error {
	var errs []error
	if err := h.actor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop sensor %q: %w", h.name, err))
	}
	if err := h.actor.Destroy(ctx); err != nil {
		errs = append(errs, fmt.Errorf("destroy sensor %q: %w", h.name, err))
	}
	return errors.Join(errs...)
}
