// Package observation merges sensor readings and lane geometry into one
// per-tick snapshot.
package observation

import (
	"context"
	"fmt"
	"sort"

	"github.com/roadrl/carlaenv/internal/geo"
	"github.com/roadrl/carlaenv/internal/sensor"
	"github.com/roadrl/carlaenv/pkg/sim"
)

// Derived feature names.
const (
	DistanceCenter    = "distance_center"
	DistanceLeftLane  = "distance_left_lane"
	DistanceRightLane = "distance_right_lane"
	Collision         = "collision"
	LineInvasion      = "line_invasion"
	Speed             = "speed"
)

// Observation is a self-contained snapshot. Sensors holds the freshest value
// of every sensor that has delivered; a sensor with no data yet is missing
// from the map. Nil lane distances mean the adjacent lane does not exist.
type Observation struct {
	Frame             uint64
	Sensors           map[string]sensor.Value
	DistanceCenter    float64
	DistanceLeftLane  *float64
	DistanceRightLane *float64
	Collision         bool
	LineInvasion      bool
	Speed             float64
	Steer             float64
	Location          sim.Location
}

// Get returns the value stored under a sensor or derived feature name. An
// absent adjacent lane distance reports false.
func (o *Observation) Get(name string) (any, bool) {
	switch name {
	case DistanceCenter:
		return o.DistanceCenter, true
	case DistanceLeftLane:
		if o.DistanceLeftLane == nil {
			return nil, false
		}
		return *o.DistanceLeftLane, true
	case DistanceRightLane:
		if o.DistanceRightLane == nil {
			return nil, false
		}
		return *o.DistanceRightLane, true
	case Collision:
		return o.Collision, true
	case LineInvasion:
		return o.LineInvasion, true
	case Speed:
		return o.Speed, true
	}
	v, ok := o.Sensors[name]
	return v, ok
}

// SensorNames returns the names present in Sensors, sorted.
func (o *Observation) SensorNames() []string {
	names := make([]string, 0, len(o.Sensors))
	for n := range o.Sensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Collect reads every handle once and computes the lane distances of hero
// against the nearest waypoint.
func Collect(ctx context.Context, hero sim.Vehicle, sensors []*sensor.Handle, mp sim.Map) (*Observation, error) {
	obs := &Observation{Sensors: make(map[string]sensor.Value, len(sensors))}

	for _, h := range sensors {
		v, ok, err := h.GetData()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		switch h.Kind() {
		case sensor.KindCollision:
			obs.Collision = obs.Collision || bool(v.(sensor.Flag))
		case sensor.KindLaneInvasion:
			obs.LineInvasion = obs.LineInvasion || bool(v.(sensor.Flag))
		default:
			obs.Sensors[h.Name()] = v
		}
	}

	t, err := hero.Transform(ctx)
	if err != nil {
		return nil, fmt.Errorf("hero transform: %w", err)
	}
	vel, err := hero.Velocity(ctx)
	if err != nil {
		return nil, fmt.Errorf("hero velocity: %w", err)
	}
	wp, err := mp.WaypointAt(ctx, t.Location)
	if err != nil {
		return nil, fmt.Errorf("waypoint: %w", err)
	}

	d := geo.DistancesFromWaypoint(t.Location, wp)
	obs.DistanceCenter = d.Center
	obs.DistanceLeftLane = d.Left
	obs.DistanceRightLane = d.Right
	obs.Speed = vel.Length()
	obs.Location = t.Location
	return obs, nil
}
