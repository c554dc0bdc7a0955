// Package reward scores an observation. Every component is bounded on its
// own and returned separately so callers can weight them.
package reward

import (
	"math"
	"sort"

	"github.com/roadrl/carlaenv/internal/observation"
)

// Component names.
const (
	Velocity     = "velocity"
	LaneCenter   = "lane_center"
	Collision    = "collision"
	LaneInvasion = "lane_invasion"
	Steering     = "steering"
)

// Lane change directions.
const (
	LaneChangeLeft  = -1
	LaneKeep        = 0
	LaneChangeRight = 1
)

// Record maps component names to scores.
type Record map[string]float64

// Total returns the unweighted sum of all components.
func (r Record) Total() float64 {
	var sum float64
	for _, name := range r.Names() {
		sum += r[name]
	}
	return sum
}

// Names returns the component names, sorted.
func (r Record) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Params are the scoring references.
type Params struct {
	TargetVelocity      float64 // m/s
	LaneHalfWidth       float64 // m
	LaneChangeDirection int
}

// Compute scores obs. It keeps no state between calls.
func Compute(obs *observation.Observation, p Params) Record {
	return Record{
		Velocity:     VelocityReward(obs.Speed, p.TargetVelocity),
		LaneCenter:   LaneCenterReward(SelectDistance(obs, p.LaneChangeDirection), p.LaneHalfWidth),
		Collision:    CollisionPenalty(obs.Collision),
		LaneInvasion: LaneInvasionPenalty(obs.LineInvasion, p.LaneChangeDirection),
		Steering:     SteeringReward(obs.Steer),
	}
}

// VelocityReward is 0 at standstill, 0.5 at the target and saturates at 1
// from twice the target. It is 1-(target-min(speed, 2*target))/target
// halved into [0, 1].
func VelocityReward(speed, target float64) float64 {
	return (1 - (target-math.Min(speed, 2*target))/target) / 2
}

// LaneCenterReward is -(distance/halfWidth). Range (-inf, 0].
func LaneCenterReward(distance, halfWidth float64) float64 {
	return -(distance / halfWidth)
}

// SelectDistance picks the lateral distance matching the lane change
// direction, falling back to the current lane when the target lane is
// absent.
func SelectDistance(obs *observation.Observation, direction int) float64 {
	switch {
	case direction < 0 && obs.DistanceLeftLane != nil:
		return *obs.DistanceLeftLane
	case direction > 0 && obs.DistanceRightLane != nil:
		return *obs.DistanceRightLane
	}
	return obs.DistanceCenter
}

// CollisionPenalty is -1 on collision, else 0.
func CollisionPenalty(collided bool) float64 {
	if collided {
		return -1
	}
	return 0
}

// LaneInvasionPenalty is -1 when a line was crossed without an intended lane
// change, else 0.
func LaneInvasionPenalty(invaded bool, direction int) float64 {
	if invaded && direction == LaneKeep {
		return -1
	}
	return 0
}

// SteeringReward penalizes steering quadratically. Range [-1, 0] for steer in
// [-1, 1].
func SteeringReward(steer float64) float64 {
	s := 2 * steer
	return -(s * s / 4)
}
