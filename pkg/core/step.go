// pkg/core/step.go
package core

import "time"

// Action is the control input of one step.
type Action struct {
	Steer    float64 `json:"steer"`
	Throttle float64 `json:"throttle"`
}

// Image is an image shaped observation field. Pix holds Height*Width*Channels
// samples of BitDepth bits; 16 bit samples are big endian.
type Image struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Channels int    `json:"channels"`
	BitDepth int    `json:"bitDepth"`
	Pix      []byte `json:"-"`
}

// GeoPoint is a GNSS fix.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// StepRecord is everything recorded for one environment step. Step 0 is
// the observation produced by reset and carries no reward.
type StepRecord struct {
	EpisodeID         string               `json:"episodeId"`
	Step              int                  `json:"step"`
	Frame             uint64               `json:"frame"`
	Time              time.Time            `json:"time"`
	Action            Action               `json:"action"`
	Autopilot         bool                 `json:"autopilot"`
	Reward            map[string]float64   `json:"reward,omitempty"`
	Done              bool                 `json:"done"`
	Speed             float64              `json:"speed"`
	DistanceCenter    float64              `json:"distance_center"`
	DistanceLeftLane  *float64             `json:"distance_left_lane"`
	DistanceRightLane *float64             `json:"distance_right_lane"`
	Collision         bool                 `json:"collision"`
	LineInvasion      bool                 `json:"line_invasion"`
	Location          Position3D           `json:"location"`
	GNSS              *GeoPoint            `json:"gnss,omitempty"`
	Vectors           map[string][]float64 `json:"vectors,omitempty"`
	Images            map[string]*Image    `json:"-"`
}

// TotalReward sums the reward components.
func (s *StepRecord) TotalReward() float64 {
	var sum float64
	for _, v := range s.Reward {
		sum += v
	}
	return sum
}
