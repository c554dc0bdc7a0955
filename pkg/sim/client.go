package sim

import (
	"context"
	"errors"
)

// ActorID identifies an actor within one simulator session.
type ActorID uint32

// ErrNotFound is returned when a blueprint, actor or traffic light does not exist.
var ErrNotFound = errors.New("not found")

// Client is a connection to a running simulator.
type Client interface {
	ServerVersion(ctx context.Context) (string, error)
	World(ctx context.Context) (World, error)
	Close() error
}

// World is the live simulation.
type World interface {
	Map(ctx context.Context) (Map, error)
	Blueprints(ctx context.Context) (BlueprintLibrary, error)
	// SpawnActor spawns bp at t. When parent is non-nil t is relative to it
	// and the actor is attached.
	SpawnActor(ctx context.Context, bp Blueprint, t Transform, parent Actor) (Actor, error)
	Settings(ctx context.Context) (Settings, error)
	ApplySettings(ctx context.Context, s Settings) error
	SetWeather(ctx context.Context, preset string) error
	// Tick advances a synchronous world by one fixed step and returns the
	// new frame number.
	Tick(ctx context.Context) (uint64, error)
}

// Map answers static road-network queries.
type Map interface {
	Name() string
	SpawnPoints(ctx context.Context) ([]Transform, error)
	// WaypointAt projects loc onto the nearest driving lane.
	WaypointAt(ctx context.Context, loc Location) (Waypoint, error)
}

// BlueprintLibrary lists spawnable templates.
type BlueprintLibrary interface {
	Find(id string) (Blueprint, error)
	Filter(pattern string) []Blueprint
}

// Actor is any spawned simulator object.
type Actor interface {
	ID() ActorID
	TypeID() string
	Destroy(ctx context.Context) error
}

// Vehicle is an actor that accepts driving controls.
type Vehicle interface {
	Actor
	Transform(ctx context.Context) (Transform, error)
	Velocity(ctx context.Context) (Vector3D, error)
	ApplyControl(ctx context.Context, c VehicleControl) error
	SetAutopilot(ctx context.Context, enabled bool, trafficManagerPort int) error
	// TrafficLight returns the light currently affecting the vehicle, if any.
	TrafficLight(ctx context.Context) (TrafficLight, bool, error)
}

// TrafficLight is a controllable traffic light actor.
type TrafficLight interface {
	State(ctx context.Context) (TrafficLightState, error)
	SetState(ctx context.Context, s TrafficLightState) error
}

// Sensor is an actor that delivers Data asynchronously. The callback runs
// on a goroutine owned by the client and may run concurrently with other
// sensors' callbacks.
type Sensor interface {
	Actor
	Listen(cb func(Data)) error
	Stop(ctx context.Context) error
}
