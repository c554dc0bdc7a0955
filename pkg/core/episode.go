// pkg/core/episode.go
package core

import "time"

// Position3D is a point in simulator world coordinates, in meters.
type Position3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// SensorInfo describes one sensor of an episode.
type SensorInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Episode is one reset-to-reset run of the environment.
type Episode struct {
	ID            string       `json:"id"`
	StartTime     time.Time    `json:"startTime"`
	EndTime       time.Time    `json:"endTime,omitzero"`
	MapName       string       `json:"mapName"`
	Vehicle       string       `json:"vehicle"`
	Weather       string       `json:"weather"`
	Autopilot     bool         `json:"autopilot"`
	MaxSteps      int          `json:"maxSteps"`
	Sensors       []SensorInfo `json:"sensors"`
	Steps         int          `json:"steps"`
	TotalReward   float64      `json:"totalReward"`
	Collisions    int          `json:"collisions"`
	LaneInvasions int          `json:"laneInvasions"`
	Tag           string       `json:"tag,omitempty"`
}

// Duration returns the wall time between start and end, or zero while the
// episode is running.
func (e *Episode) Duration() time.Duration {
	if e.EndTime.IsZero() {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

// UploadMetadata contains episode information needed for upload
type UploadMetadata struct {
	EpisodeID   string
	MapName     string
	Vehicle     string
	Duration    float64
	Steps       int
	TotalReward float64
	Tag         string
}

// UploadMetadata describes the episode for the collection server.
func (e *Episode) UploadMetadata() UploadMetadata {
	return UploadMetadata{
		EpisodeID:   e.ID,
		MapName:     e.MapName,
		Vehicle:     e.Vehicle,
		Duration:    e.Duration().Seconds(),
		Steps:       e.Steps,
		TotalReward: e.TotalReward,
		Tag:         e.Tag,
	}
}

// Accumulate folds one recorded step into the episode totals.
func (e *Episode) Accumulate(s *StepRecord) {
	e.Steps = s.Step
	e.TotalReward += s.TotalReward()
	if s.Collision {
		e.Collisions++
	}
	if s.LineInvasion {
		e.LaneInvasions++
	}
}
