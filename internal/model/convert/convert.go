package convert

import (
	"encoding/json"

	"github.com/roadrl/carlaenv/internal/model"
	"github.com/roadrl/carlaenv/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
)

// pointToPosition3D converts a PostGIS geom.Point to a core.Position3D
func pointToPosition3D(p geom.Point) core.Position3D {
	coord, ok := p.Coordinates()
	if !ok {
		return core.Position3D{}
	}
	return core.Position3D{X: coord.XY.X, Y: coord.XY.Y, Z: coord.Z}
}

// EpisodeToCore converts a GORM Episode to a core.Episode.
// GORM Episode.UUID maps to core Episode.ID.
func EpisodeToCore(e model.Episode) core.Episode {
	sensors := make([]core.SensorInfo, 0, len(e.Sensors))
	for _, s := range e.Sensors {
		sensors = append(sensors, core.SensorInfo{Name: s.Name, Type: s.Type})
	}

	out := core.Episode{
		ID:            e.UUID,
		StartTime:     e.StartTime,
		MapName:       e.MapName,
		Vehicle:       e.Vehicle,
		Weather:       e.Weather,
		Autopilot:     e.Autopilot,
		MaxSteps:      e.MaxSteps,
		Sensors:       sensors,
		Steps:         e.Steps,
		TotalReward:   e.TotalReward,
		Collisions:    e.Collisions,
		LaneInvasions: e.LaneInvasions,
		Tag:           e.Tag,
	}
	if e.EndTime.Valid {
		out.EndTime = e.EndTime.Time
	}
	return out
}

// StepToCore converts a GORM Step to a core.StepRecord. The GNSS fix is not
// restored because only its projected position is stored.
func StepToCore(s model.Step, episodeUUID string) core.StepRecord {
	out := core.StepRecord{
		EpisodeID:      episodeUUID,
		Step:           s.Step,
		Frame:          s.Frame,
		Time:           s.Time,
		Action:         core.Action{Steer: s.Steer, Throttle: s.Throttle},
		Autopilot:      s.Autopilot,
		Done:           s.Done,
		Speed:          s.Speed,
		DistanceCenter: s.DistanceCenter,
		Collision:      s.Collision,
		LineInvasion:   s.LineInvasion,
		Location:       pointToPosition3D(s.Position),
	}
	if s.DistanceLeftLane.Valid {
		v := s.DistanceLeftLane.Float64
		out.DistanceLeftLane = &v
	}
	if s.DistanceRightLane.Valid {
		v := s.DistanceRightLane.Float64
		out.DistanceRightLane = &v
	}
	if len(s.Reward) > 0 {
		_ = json.Unmarshal(s.Reward, &out.Reward)
	}
	if len(s.Vectors) > 0 {
		_ = json.Unmarshal(s.Vectors, &out.Vectors)
	}
	if len(out.Reward) == 0 {
		out.Reward = nil
	}
	if len(out.Vectors) == 0 {
		out.Vectors = nil
	}
	return out
}
