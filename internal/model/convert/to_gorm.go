// Package convert provides functions to convert between GORM models and core models
package convert

import (
	"database/sql"
	"encoding/json"

	"github.com/roadrl/carlaenv/internal/geo"
	"github.com/roadrl/carlaenv/internal/model"
	"github.com/roadrl/carlaenv/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
	"gorm.io/datatypes"
)

// position3DToPoint converts a core.Position3D to a PostGIS geom.Point.
// Non-finite positions become an empty point.
func position3DToPoint(p core.Position3D) geom.Point {
	point, err := geo.PointXYZ(p.X, p.Y, p.Z)
	if err != nil {
		return geom.NewEmptyPoint(geom.DimXYZ)
	}
	return point
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// mapToJSON converts a map to datatypes.JSON for DB storage. Nil maps become
// an empty object.
func mapToJSON[V any](m map[string]V) datatypes.JSON {
	if len(m) == 0 {
		return datatypes.JSON("{}")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(data)
}

// CoreToEpisode converts a core.Episode to a GORM model.Episode.
// core.Episode.ID maps to GORM Episode.UUID.
func CoreToEpisode(e core.Episode) model.Episode {
	sensors := make([]model.EpisodeSensor, 0, len(e.Sensors))
	for _, s := range e.Sensors {
		sensors = append(sensors, model.EpisodeSensor{Name: s.Name, Type: s.Type})
	}

	out := model.Episode{
		UUID:          e.ID,
		StartTime:     e.StartTime,
		MapName:       e.MapName,
		Vehicle:       e.Vehicle,
		Weather:       e.Weather,
		Autopilot:     e.Autopilot,
		MaxSteps:      e.MaxSteps,
		Steps:         e.Steps,
		TotalReward:   e.TotalReward,
		Collisions:    e.Collisions,
		LaneInvasions: e.LaneInvasions,
		Tag:           e.Tag,
		Sensors:       sensors,
	}
	if !e.EndTime.IsZero() {
		out.EndTime = sql.NullTime{Time: e.EndTime, Valid: true}
	}
	return out
}

// CoreToStep converts a core.StepRecord to a GORM model.Step belonging to
// the episode row episodeID. A GNSS fix outside the valid range is stored as
// an empty point.
func CoreToStep(s core.StepRecord, episodeID uint) model.Step {
	out := model.Step{
		EpisodeID:         episodeID,
		Step:              s.Step,
		Frame:             s.Frame,
		Time:              s.Time,
		Steer:             s.Action.Steer,
		Throttle:          s.Action.Throttle,
		Autopilot:         s.Autopilot,
		Reward:            mapToJSON(s.Reward),
		TotalReward:       s.TotalReward(),
		Done:              s.Done,
		Speed:             s.Speed,
		DistanceCenter:    s.DistanceCenter,
		DistanceLeftLane:  nullFloat(s.DistanceLeftLane),
		DistanceRightLane: nullFloat(s.DistanceRightLane),
		Collision:         s.Collision,
		LineInvasion:      s.LineInvasion,
		Position:          position3DToPoint(s.Location),
		GNSSPosition:      geom.NewEmptyPoint(geom.DimXYZ),
		Vectors:           mapToJSON(s.Vectors),
	}
	if s.GNSS != nil {
		if pt, err := geo.Coords3857From4326(s.GNSS.Longitude, s.GNSS.Latitude, s.GNSS.Altitude); err == nil {
			out.GNSSPosition = pt
		}
	}
	return out
}

// TrajectoryFromSteps builds the episode path through the recorded step
// positions. Steps without a position are skipped.
func TrajectoryFromSteps(steps []model.Step) (geom.LineString, error) {
	coords := make([]float64, 0, len(steps)*2)
	for _, s := range steps {
		xy, ok := s.Position.XY()
		if !ok {
			continue
		}
		coords = append(coords, xy.X, xy.Y)
	}
	return geo.LineStringXY(coords)
}
