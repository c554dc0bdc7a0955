package rpcclient

import (
	"encoding/json"
	"fmt"

	"github.com/roadrl/carlaenv/pkg/sim"
)

// Method names understood by the simulator bridge.
const (
	MethodServerVersion  = "server.version"
	MethodWorldMap       = "world.map"
	MethodBlueprints     = "world.blueprints"
	MethodSpawnActor     = "world.spawn_actor"
	MethodSettings       = "world.settings"
	MethodApplySettings  = "world.apply_settings"
	MethodSetWeather     = "world.set_weather"
	MethodTick           = "world.tick"
	MethodSpawnPoints    = "map.spawn_points"
	MethodWaypoint       = "map.waypoint"
	MethodDestroy        = "actor.destroy"
	MethodTransform      = "vehicle.transform"
	MethodVelocity       = "vehicle.velocity"
	MethodApplyControl   = "vehicle.apply_control"
	MethodSetAutopilot   = "vehicle.set_autopilot"
	MethodTrafficLight   = "vehicle.traffic_light"
	MethodLightState     = "traffic_light.state"
	MethodLightSetState  = "traffic_light.set_state"
	MethodSensorListen   = "sensor.listen"
	MethodSensorStop     = "sensor.stop"
	MethodSensorDataPush = "sensor.data"
)

// Payload kinds carried by sensor.data pushes.
const (
	KindImage        = "image"
	KindIMU          = "imu"
	KindGNSS         = "gnss"
	KindCollision    = "collision"
	KindLaneInvasion = "lane_invasion"
)

// Request is a client to server call.
type Request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Error is a server reported call failure.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Error codes.
const (
	CodeNotFound = 404
)

// frame is any server to client message: a response when ID is set, a push
// otherwise.
type frame struct {
	ID     *uint64         `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// SensorPush is the params object of a sensor.data push.
type SensorPush struct {
	Actor sim.ActorID     `json:"actor"`
	Kind  string          `json:"kind"`
	Data  json.RawMessage `json:"data"`
}

// Decode converts the push data into its payload type.
func (p *SensorPush) Decode() (sim.Data, error) {
	var d sim.Data
	switch p.Kind {
	case KindImage:
		d = &sim.Image{}
	case KindIMU:
		d = &sim.IMUMeasurement{}
	case KindGNSS:
		d = &sim.GNSSMeasurement{}
	case KindCollision:
		d = &sim.CollisionEvent{}
	case KindLaneInvasion:
		d = &sim.LaneInvasionEvent{}
	default:
		return nil, fmt.Errorf("unknown sensor payload kind %q", p.Kind)
	}
	if err := json.Unmarshal(p.Data, d); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", p.Kind, err)
	}
	return d, nil
}

// PayloadKind returns the push kind for a payload.
func PayloadKind(d sim.Data) string {
	switch d.(type) {
	case *sim.Image:
		return KindImage
	case *sim.IMUMeasurement:
		return KindIMU
	case *sim.GNSSMeasurement:
		return KindGNSS
	case *sim.CollisionEvent:
		return KindCollision
	case *sim.LaneInvasionEvent:
		return KindLaneInvasion
	}
	return ""
}

type idParams struct {
	ID sim.ActorID `json:"id"`
}

type spawnParams struct {
	Blueprint sim.Blueprint `json:"blueprint"`
	Transform sim.Transform `json:"transform"`
	Parent    *sim.ActorID  `json:"parent,omitempty"`
}

// Actor classes reported by world.spawn_actor.
const (
	ClassVehicle = "vehicle"
	ClassSensor  = "sensor"
	ClassOther   = "other"
)

type spawnResult struct {
	ID     sim.ActorID `json:"id"`
	TypeID string      `json:"type_id"`
	Class  string      `json:"class"`
}

type mapResult struct {
	Name string `json:"name"`
}

type tickResult struct {
	Frame uint64 `json:"frame"`
}

type weatherParams struct {
	Preset string `json:"preset"`
}

type waypointParams struct {
	Location sim.Location `json:"location"`
}

type controlParams struct {
	ID      sim.ActorID        `json:"id"`
	Control sim.VehicleControl `json:"control"`
}

type autopilotParams struct {
	ID      sim.ActorID `json:"id"`
	Enabled bool        `json:"enabled"`
	TMPort  int         `json:"tm_port"`
}

type lightResult struct {
	ID    sim.ActorID `json:"id"`
	Found bool        `json:"found"`
}

type lightStateParams struct {
	ID    sim.ActorID           `json:"id"`
	State sim.TrafficLightState `json:"state"`
}
