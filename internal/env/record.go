package env

import (
	"encoding/binary"
	"errors"

	"github.com/roadrl/carlaenv/internal/reward"
	"github.com/roadrl/carlaenv/internal/sensor"
	"github.com/roadrl/carlaenv/pkg/core"
)

func (e *Env) startEpisode() {
	infos := make([]core.SensorInfo, 0, len(e.handles))
	for _, h := range e.handles {
		infos = append(infos, core.SensorInfo{Name: h.Name(), Type: h.Kind().String()})
	}
	e.episode = e.episodes.Begin(core.Episode{
		MapName:   e.mp.Name(),
		Vehicle:   e.sensors.Vehicle,
		Weather:   e.cfg.Weather,
		Autopilot: e.autopilot,
		MaxSteps:  e.cfg.MaxSteps,
		Sensors:   infos,
	}, e.now())

	if e.recorder == nil {
		return
	}
	if err := e.recorder.StartEpisode(e.episode); err != nil {
		e.logger.Error("Failed to start episode recording", "episode", e.episode.ID, "error", err)
	}
}

func (e *Env) finishEpisode() {
	if e.episode == nil {
		return
	}
	ep := e.episodes.End(e.now())
	e.episode = nil
	if ep == nil {
		return
	}
	e.metrics.episodeEnded()
	e.logger.Info("Episode finished",
		"episode", ep.ID,
		"steps", ep.Steps,
		"totalReward", ep.TotalReward,
		"collisions", ep.Collisions,
		"laneInvasions", ep.LaneInvasions)

	if e.recorder == nil {
		return
	}
	if err := e.recorder.EndEpisode(); err != nil {
		e.logger.Error("Failed to end episode recording", "episode", ep.ID, "error", err)
	}
}

// record folds the current observation into the episode totals and hands
// a step record to the recorder. Recording failures never fail a step.
func (e *Env) record(a Action, r reward.Record, done bool) {
	if e.episode == nil {
		return
	}
	rec := e.stepRecord(a, r, done)
	e.episode.Accumulate(rec)

	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordStep(rec); err != nil {
		e.logger.Warn("Failed to record step", "episode", e.episode.ID, "step", e.steps, "error", err)
	}
}

func (e *Env) stepRecord(a Action, r reward.Record, done bool) *core.StepRecord {
	obs := e.obs
	rec := &core.StepRecord{
		EpisodeID:         e.episode.ID,
		Step:              e.steps,
		Frame:             obs.Frame,
		Time:              e.now(),
		Autopilot:         e.autopilot,
		Done:              done,
		Speed:             obs.Speed,
		DistanceCenter:    obs.DistanceCenter,
		DistanceLeftLane:  obs.DistanceLeftLane,
		DistanceRightLane: obs.DistanceRightLane,
		Collision:         obs.Collision,
		LineInvasion:      obs.LineInvasion,
		Location:          core.Position3D{X: obs.Location.X, Y: obs.Location.Y, Z: obs.Location.Z},
	}
	if !e.autopilot {
		rec.Action = core.Action{Steer: a.Steer, Throttle: a.Throttle}
	}
	if len(r) > 0 {
		rec.Reward = make(map[string]float64, len(r))
		for k, v := range r {
			rec.Reward[k] = v
		}
	}

	for _, h := range e.handles {
		v, ok := obs.Sensors[h.Name()]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case *sensor.Image:
			if rec.Images == nil {
				rec.Images = make(map[string]*core.Image)
			}
			rec.Images[h.Name()] = imageRecord(val)
		case *sensor.DepthMap:
			if rec.Images == nil {
				rec.Images = make(map[string]*core.Image)
			}
			rec.Images[h.Name()] = depthRecord(val)
		case sensor.Vector:
			if h.Kind() == sensor.KindGNSS && len(val) >= sensor.GNSSVectorLen && rec.GNSS == nil {
				rec.GNSS = &core.GeoPoint{Latitude: val[0], Longitude: val[1], Altitude: val[2]}
			}
			if rec.Vectors == nil {
				rec.Vectors = make(map[string][]float64)
			}
			rec.Vectors[h.Name()] = append([]float64(nil), val...)
		}
	}
	return rec
}

// imageRecord copies the pixels; the observation handed to the caller keeps
// the original slice.
func imageRecord(img *sensor.Image) *core.Image {
	return &core.Image{
		Width:    img.Width,
		Height:   img.Height,
		Channels: img.Channels,
		BitDepth: 8,
		Pix:      append([]byte(nil), img.Pix...),
	}
}

func depthRecord(d *sensor.DepthMap) *core.Image {
	pix := make([]byte, len(d.Pix)*2)
	for i, v := range d.Pix {
		binary.BigEndian.PutUint16(pix[i*2:], v)
	}
	return &core.Image{
		Width:    d.Width,
		Height:   d.Height,
		Channels: 1,
		BitDepth: 16,
		Pix:      pix,
	}
}

// Recorders fans the episode stream out to several recorders. Every
// recorder sees every call; their errors are joined.
type Recorders []Recorder

func (rs Recorders) StartEpisode(ep *core.Episode) error {
	var errs []error
	for _, r := range rs {
		errs = append(errs, r.StartEpisode(ep))
	}
	return errors.Join(errs...)
}

func (rs Recorders) RecordStep(rec *core.StepRecord) error {
	var errs []error
	for _, r := range rs {
		errs = append(errs, r.RecordStep(rec))
	}
	return errors.Join(errs...)
}

func (rs Recorders) EndEpisode() error {
	var errs []error
	for _, r := range rs {
		errs = append(errs, r.EndEpisode())
	}
	return errors.Join(errs...)
}
