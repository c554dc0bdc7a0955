// Package sim describes the boundary of the external vehicle simulator: the
// geometry, control and payload types exchanged with it and the client
// interfaces the environment consumes. Implementations live elsewhere
// (internal/rpcclient talks to a real engine, internal/simfake runs in-process).
package sim

import (
	"math"
	"strings"
)

// Vector3D is a free vector in the simulator's right-handed world frame.
type Vector3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Length returns the euclidean norm of v.
func (v Vector3D) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Location is a point in world coordinates, in meters.
type Location struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Rotation holds Euler angles in degrees.
type Rotation struct {
	Pitch float64 `json:"pitch" yaml:"pitch"`
	Yaw   float64 `json:"yaw" yaml:"yaw"`
	Roll  float64 `json:"roll" yaml:"roll"`
}

// Transform is a location plus orientation.
type Transform struct {
	Location Location `json:"location"`
	Rotation Rotation `json:"rotation"`
}

// ForwardVector returns the unit vector the transform is facing.
func (t Transform) ForwardVector() Vector3D {
	pitch := t.Rotation.Pitch * math.Pi / 180
	yaw := t.Rotation.Yaw * math.Pi / 180
	return Vector3D{
		X: math.Cos(pitch) * math.Cos(yaw),
		Y: math.Cos(pitch) * math.Sin(yaw),
		Z: math.Sin(pitch),
	}
}

// VehicleControl is the per-tick control input of a vehicle.
type VehicleControl struct {
	Steer     float64 `json:"steer"`    // [-1, 1]
	Throttle  float64 `json:"throttle"` // [0, 1]
	Brake     float64 `json:"brake"`    // [0, 1]
	HandBrake bool    `json:"hand_brake"`
	Reverse   bool    `json:"reverse"`
}

// Settings are the world settings that control stepping.
type Settings struct {
	SynchronousMode   bool    `json:"synchronous_mode"`
	FixedDeltaSeconds float64 `json:"fixed_delta_seconds"`
	NoRenderingMode   bool    `json:"no_rendering_mode"`
}

// Blueprint is a spawnable actor template with string attributes.
type Blueprint struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// SetAttribute sets a blueprint attribute, allocating the map if needed.
func (b *Blueprint) SetAttribute(key, value string) {
	if b.Attributes == nil {
		b.Attributes = make(map[string]string)
	}
	b.Attributes[key] = value
}

// MatchBlueprint reports whether id matches a wildcard pattern in the
// engine's filter syntax ("vehicle.*", "*model3", exact ids).
func MatchBlueprint(pattern, id string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == id
	}
	if !strings.HasPrefix(id, parts[0]) {
		return false
	}
	rest := id[len(parts[0]):]
	for i, part := range parts[1:] {
		last := i == len(parts)-2
		if last {
			return strings.HasSuffix(rest, part)
		}
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return true
}

// Waypoint is a point on a lane centerline. Left and Right are set only when
// the adjacent lane exists and is drivable.
type Waypoint struct {
	Transform Transform `json:"transform"`
	RoadID    int       `json:"road_id"`
	LaneID    int       `json:"lane_id"`
	LaneWidth float64   `json:"lane_width"`
	Left      *Waypoint `json:"left,omitempty"`
	Right     *Waypoint `json:"right,omitempty"`
}

// TrafficLightState is the phase of a traffic light.
type TrafficLightState int

const (
	TrafficLightRed TrafficLightState = iota
	TrafficLightYellow
	TrafficLightGreen
	TrafficLightOff
	TrafficLightUnknown
)

func (s TrafficLightState) String() string {
	switch s {
	case TrafficLightRed:
		return "Red"
	case TrafficLightYellow:
		return "Yellow"
	case TrafficLightGreen:
		return "Green"
	case TrafficLightOff:
		return "Off"
	default:
		return "Unknown"
	}
}
