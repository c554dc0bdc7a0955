// Package v1 contains the v1 episode summary format written next to the
// per-step observation files.
package v1

// FormatVersion is written into every export.
const FormatVersion = "1"

// Export is the root JSON structure for v1 format
type Export struct {
	Version         string              `json:"version"`
	EpisodeID       string              `json:"episodeId"`
	MapName         string              `json:"mapName"`
	Vehicle         string              `json:"vehicle"`
	Weather         string              `json:"weather"`
	Autopilot       bool                `json:"autopilot"`
	MaxSteps        int                 `json:"maxSteps"`
	StartTime       string              `json:"startTime"`
	EndTime         string              `json:"endTime"`
	DurationSeconds float64             `json:"durationSeconds"`
	Steps           int                 `json:"steps"`
	TotalReward     float64             `json:"totalReward"`
	RewardTotals    map[string]float64  `json:"rewardTotals"`
	Collisions      int                 `json:"collisions"`
	LaneInvasions   int                 `json:"laneInvasions"`
	Tags            string              `json:"tags"`
	Sensors         []Sensor            `json:"sensors"`
	Frames          [][]any             `json:"frames"`
	Trajectory      [][]float64         `json:"trajectory"`
	Events          [][]any             `json:"events"`
	Images          map[string][]string `json:"images,omitempty"`
}

// Sensor describes one sensor of the episode
type Sensor struct {
	Name string `json:"name"`
	Type string `json:"type"`
}
