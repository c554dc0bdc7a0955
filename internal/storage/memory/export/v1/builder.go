package v1

import (
	"sort"
	"time"

	"github.com/roadrl/carlaenv/pkg/core"
)

// EpisodeData contains all the data needed to build an export
type EpisodeData struct {
	Episode *core.Episode
	Steps   []core.StepRecord
	// Images maps a sensor name to the image files written for it, in step
	// order.
	Images map[string][]string
}

// Build creates an Export from the episode data.
//
// Frames hold one entry per step:
// [step, frame, steer, throttle, reward, speed, distanceCenter, collision, lineInvasion].
// Events hold [step, "collision"] and [step, "line_invasion"] entries.
func Build(data *EpisodeData) Export {
	ep := data.Episode
	export := Export{
		Version:      FormatVersion,
		EpisodeID:    ep.ID,
		MapName:      ep.MapName,
		Vehicle:      ep.Vehicle,
		Weather:      ep.Weather,
		Autopilot:    ep.Autopilot,
		MaxSteps:     ep.MaxSteps,
		StartTime:    formatTime(ep.StartTime),
		EndTime:      formatTime(ep.EndTime),
		Tags:         ep.Tag,
		RewardTotals: make(map[string]float64),
		Sensors:      make([]Sensor, 0, len(ep.Sensors)),
		Frames:       make([][]any, 0, len(data.Steps)),
		Trajectory:   make([][]float64, 0, len(data.Steps)),
		Events:       make([][]any, 0),
	}

	for _, s := range ep.Sensors {
		export.Sensors = append(export.Sensors, Sensor{Name: s.Name, Type: s.Type})
	}

	steps := append([]core.StepRecord(nil), data.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Step < steps[j].Step })

	for _, s := range steps {
		total := s.TotalReward()
		export.TotalReward += total
		for k, v := range s.Reward {
			export.RewardTotals[k] += v
		}
		if s.Step > export.Steps {
			export.Steps = s.Step
		}

		export.Frames = append(export.Frames, []any{
			s.Step,
			s.Frame,
			s.Action.Steer,
			s.Action.Throttle,
			total,
			s.Speed,
			s.DistanceCenter,
			boolToInt(s.Collision),
			boolToInt(s.LineInvasion),
		})
		export.Trajectory = append(export.Trajectory, []float64{s.Location.X, s.Location.Y, s.Location.Z})

		if s.Collision {
			export.Collisions++
			export.Events = append(export.Events, []any{s.Step, "collision"})
		}
		if s.LineInvasion {
			export.LaneInvasions++
			export.Events = append(export.Events, []any{s.Step, "line_invasion"})
		}
	}

	if !ep.EndTime.IsZero() {
		export.DurationSeconds = ep.EndTime.Sub(ep.StartTime).Seconds()
	}
	if len(data.Images) > 0 {
		export.Images = data.Images
	}
	return export
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// boolToInt converts a boolean to 0 or 1
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
