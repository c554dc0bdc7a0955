package rpcclient

import (
	"context"
	"fmt"

	"github.com/roadrl/carlaenv/internal/dispatcher"
	"github.com/roadrl/carlaenv/pkg/sim"
)

type world struct {
	c *Client
}

func (w *world) Map(ctx context.Context) (sim.Map, error) {
	var r mapResult
	if err := w.c.call(ctx, MethodWorldMap, nil, &r); err != nil {
		return nil, err
	}
	return &roadMap{c: w.c, name: r.Name}, nil
}

func (w *world) Blueprints(ctx context.Context) (sim.BlueprintLibrary, error) {
	var bps []sim.Blueprint
	if err := w.c.call(ctx, MethodBlueprints, nil, &bps); err != nil {
		return nil, err
	}
	return library(bps), nil
}

func (w *world) SpawnActor(ctx context.Context, bp sim.Blueprint, t sim.Transform, parent sim.Actor) (sim.Actor, error) {
	p := spawnParams{Blueprint: bp, Transform: t}
	if parent != nil {
		id := parent.ID()
		p.Parent = &id
	}
	var r spawnResult
	if err := w.c.call(ctx, MethodSpawnActor, p, &r); err != nil {
		return nil, err
	}
	base := actor{c: w.c, id: r.ID, typeID: r.TypeID}
	switch r.Class {
	case ClassVehicle:
		return &vehicle{actor: base}, nil
	case ClassSensor:
		return &sensorActor{actor: base}, nil
	default:
		return &base, nil
	}
}

func (w *world) Settings(ctx context.Context) (sim.Settings, error) {
	var s sim.Settings
	err := w.c.call(ctx, MethodSettings, nil, &s)
	return s, err
}

func (w *world) ApplySettings(ctx context.Context, s sim.Settings) error {
	return w.c.call(ctx, MethodApplySettings, s, nil)
}

func (w *world) SetWeather(ctx context.Context, preset string) error {
	return w.c.call(ctx, MethodSetWeather, weatherParams{Preset: preset}, nil)
}

func (w *world) Tick(ctx context.Context) (uint64, error) {
	var r tickResult
	err := w.c.call(ctx, MethodTick, nil, &r)
	return r.Frame, err
}

type roadMap struct {
	c    *Client
	name string
}

func (m *roadMap) Name() string { return m.name }

func (m *roadMap) SpawnPoints(ctx context.Context) ([]sim.Transform, error) {
	var points []sim.Transform
	err := m.c.call(ctx, MethodSpawnPoints, nil, &points)
	return points, err
}

func (m *roadMap) WaypointAt(ctx context.Context, loc sim.Location) (sim.Waypoint, error) {
	var wp sim.Waypoint
	err := m.c.call(ctx, MethodWaypoint, waypointParams{Location: loc}, &wp)
	return wp, err
}

type library []sim.Blueprint

func (l library) Find(id string) (sim.Blueprint, error) {
	for _, bp := range l {
		if bp.ID == id {
			return clone(bp), nil
		}
	}
	return sim.Blueprint{}, fmt.Errorf("blueprint %q: %w", id, sim.ErrNotFound)
}

func (l library) Filter(pattern string) []sim.Blueprint {
	var out []sim.Blueprint
	for _, bp := range l {
		if sim.MatchBlueprint(pattern, bp.ID) {
			out = append(out, clone(bp))
		}
	}
	return out
}

func clone(bp sim.Blueprint) sim.Blueprint {
	attrs := make(map[string]string, len(bp.Attributes))
	for k, v := range bp.Attributes {
		attrs[k] = v
	}
	return sim.Blueprint{ID: bp.ID, Attributes: attrs}
}

type actor struct {
	c      *Client
	id     sim.ActorID
	typeID string
}

func (a *actor) ID() sim.ActorID { return a.id }
func (a *actor) TypeID() string  { return a.typeID }

func (a *actor) Destroy(ctx context.Context) error {
	return a.c.call(ctx, MethodDestroy, idParams{ID: a.id}, nil)
}

type vehicle struct {
	actor
}

func (v *vehicle) Transform(ctx context.Context) (sim.Transform, error) {
	var t sim.Transform
	err := v.c.call(ctx, MethodTransform, idParams{ID: v.id}, &t)
	return t, err
}

func (v *vehicle) Velocity(ctx context.Context) (sim.Vector3D, error) {
	var vel sim.Vector3D
	err := v.c.call(ctx, MethodVelocity, idParams{ID: v.id}, &vel)
	return vel, err
}

func (v *vehicle) ApplyControl(ctx context.Context, ctl sim.VehicleControl) error {
	return v.c.call(ctx, MethodApplyControl, controlParams{ID: v.id, Control: ctl}, nil)
}

func (v *vehicle) SetAutopilot(ctx context.Context, enabled bool, tmPort int) error {
	return v.c.call(ctx, MethodSetAutopilot, autopilotParams{ID: v.id, Enabled: enabled, TMPort: tmPort}, nil)
}

func (v *vehicle) TrafficLight(ctx context.Context) (sim.TrafficLight, bool, error) {
	var r lightResult
	if err := v.c.call(ctx, MethodTrafficLight, idParams{ID: v.id}, &r); err != nil {
		return nil, false, err
	}
	if !r.Found {
		return nil, false, nil
	}
	return &trafficLight{c: v.c, id: r.ID}, true, nil
}

type trafficLight struct {
	c  *Client
	id sim.ActorID
}

func (l *trafficLight) State(ctx context.Context) (sim.TrafficLightState, error) {
	var s sim.TrafficLightState
	err := l.c.call(ctx, MethodLightState, idParams{ID: l.id}, &s)
	return s, err
}

func (l *trafficLight) SetState(ctx context.Context, s sim.TrafficLightState) error {
	return l.c.call(ctx, MethodLightSetState, lightStateParams{ID: l.id, State: s}, nil)
}

type sensorActor struct {
	actor
}

// Listen registers cb for this actor's pushes before asking the server to
// start streaming.
func (s *sensorActor) Listen(cb func(sim.Data)) error {
	cmd := sensorCommand(s.id)
	s.c.disp.Register(cmd, func(e dispatcher.Event) (any, error) {
		push := e.Payload.(*SensorPush)
		d, err := push.Decode()
		if err != nil {
			return nil, err
		}
		cb(d)
		return nil, nil
	})
	if err := s.c.call(context.Background(), MethodSensorListen, idParams{ID: s.id}, nil); err != nil {
		s.c.disp.Unregister(cmd)
		return err
	}
	return nil
}

func (s *sensorActor) Stop(ctx context.Context) error {
	s.c.disp.Unregister(sensorCommand(s.id))
	return s.c.call(ctx, MethodSensorStop, idParams{ID: s.id}, nil)
}

func (s *sensorActor) Destroy(ctx context.Context) error {
	s.c.disp.Unregister(sensorCommand(s.id))
	return s.actor.Destroy(ctx)
}
