package simfake

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/roadrl/carlaenv/pkg/sim"
)

const defaultDelta = 0.05

var blueprintIDs = []string{
	"vehicle.tesla.model3",
	"vehicle.audi.tt",
	"vehicle.lincoln.mkz_2020",
	"sensor.camera.rgb",
	"sensor.camera.depth",
	"sensor.camera.semantic_segmentation",
	"sensor.other.imu",
	"sensor.other.gnss",
	"sensor.other.collision",
	"sensor.other.lane_invasion",
	"sensor.other.obstacle",
}

// World implements sim.World.
type World struct {
	opts Options

	mu       sync.Mutex
	frame    uint64
	settings sim.Settings
	weather  string
	nextID   sim.ActorID
	vehicles map[sim.ActorID]*Vehicle
	sensors  map[sim.ActorID]*Sensor
	light    *TrafficLight
}

func newWorld(opts Options) *World {
	w := &World{
		opts:     opts,
		weather:  "ClearNoon",
		vehicles: make(map[sim.ActorID]*Vehicle),
		sensors:  make(map[sim.ActorID]*Sensor),
	}
	if opts.TrafficLight > 0 {
		w.light = &TrafficLight{w: w, x: opts.TrafficLight, state: sim.TrafficLightRed}
	}
	return w
}

// Map implements sim.World.
func (w *World) Map(ctx context.Context) (sim.Map, error) {
	return &Map{opts: w.opts}, nil
}

// Blueprints implements sim.World.
func (w *World) Blueprints(ctx context.Context) (sim.BlueprintLibrary, error) {
	return &Library{}, nil
}

// SpawnActor implements sim.World.
func (w *World) SpawnActor(ctx context.Context, bp sim.Blueprint, t sim.Transform, parent sim.Actor) (sim.Actor, error) {
	if w.opts.SpawnHook != nil {
		if err := w.opts.SpawnHook(bp); err != nil {
			return nil, err
		}
	}
	if _, err := (&Library{}).Find(bp.ID); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID

	switch {
	case strings.HasPrefix(bp.ID, "vehicle."):
		v := &Vehicle{
			w:      w,
			id:     id,
			typeID: bp.ID,
			loc:    sim.Location{X: t.Location.X, Y: t.Location.Y}, // settles on the road surface
			yaw:    t.Rotation.Yaw,
			lane:   w.laneIndex(t.Location.Y),
		}
		w.vehicles[id] = v
		return v, nil

	case strings.HasPrefix(bp.ID, "sensor."):
		if parent == nil {
			return nil, fmt.Errorf("sensor %s must be attached to a parent", bp.ID)
		}
		pv, ok := w.vehicles[parent.ID()]
		if !ok {
			return nil, fmt.Errorf("parent actor %d: %w", parent.ID(), sim.ErrNotFound)
		}
		attrs := make(map[string]string, len(bp.Attributes))
		for k, v := range bp.Attributes {
			attrs[k] = v
		}
		s := &Sensor{w: w, id: id, typeID: bp.ID, parent: pv, rel: t, attrs: attrs}
		w.sensors[id] = s
		return s, nil
	}

	return nil, fmt.Errorf("cannot spawn %s", bp.ID)
}

// Settings implements sim.World.
func (w *World) Settings(ctx context.Context) (sim.Settings, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.settings, nil
}

// ApplySettings implements sim.World.
func (w *World) ApplySettings(ctx context.Context, s sim.Settings) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.settings = s
	return nil
}

// SetWeather implements sim.World.
func (w *World) SetWeather(ctx context.Context, preset string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.weather = preset
	return nil
}

// Tick advances every vehicle by one fixed step, then delivers one payload
// per listening sensor, each on its own goroutine. It returns after every
// callback has returned.
func (w *World) Tick(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	w.mu.Lock()
	w.frame++
	frame := w.frame
	dt := w.settings.FixedDeltaSeconds
	if dt <= 0 {
		dt = defaultDelta
	}

	events := make(map[sim.ActorID]vehicleEvents, len(w.vehicles))
	for id, v := range w.vehicles {
		events[id] = v.step(dt)
	}

	ids := make([]sim.ActorID, 0, len(w.sensors))
	for id := range w.sensors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	type delivery struct {
		cb   func(sim.Data)
		data sim.Data
	}
	var deliveries []delivery
	for _, id := range ids {
		s := w.sensors[id]
		if s.cb == nil || s.parent.destroyed {
			continue
		}
		if data := s.payload(frame, events[s.parent.id]); data != nil {
			deliveries = append(deliveries, delivery{cb: s.cb, data: data})
		}
	}
	w.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range deliveries {
		wg.Add(1)
		go func(d delivery) {
			defer wg.Done()
			d.cb(d.data)
		}(d)
	}
	wg.Wait()

	return frame, nil
}

// Frame returns the current frame number.
func (w *World) Frame() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frame
}

// Weather returns the last applied weather preset.
func (w *World) Weather() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.weather
}

// ActorCount returns the number of live vehicles and sensors.
func (w *World) ActorCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.vehicles) + len(w.sensors)
}

// SensorCount returns the number of live sensors.
func (w *World) SensorCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sensors)
}

// Light returns the traffic light, or nil when disabled.
func (w *World) Light() *TrafficLight {
	return w.light
}

// Place teleports a vehicle and zeroes its speed.
func (w *World) Place(id sim.ActorID, loc sim.Location, yaw float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.vehicles[id]
	if !ok {
		return fmt.Errorf("vehicle %d: %w", id, sim.ErrNotFound)
	}
	v.loc = loc
	v.yaw = yaw
	v.speed = 0
	v.lane = w.laneIndex(loc.Y)
	return nil
}

// SetSpeed overrides a vehicle's forward speed in m/s.
func (w *World) SetSpeed(id sim.ActorID, speed float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.vehicles[id]
	if !ok {
		return fmt.Errorf("vehicle %d: %w", id, sim.ErrNotFound)
	}
	v.speed = speed
	return nil
}

func (w *World) laneIndex(y float64) int {
	idx := int(math.Round(y / w.opts.LaneWidth))
	if idx < 0 {
		return 0
	}
	if idx > w.opts.Lanes-1 {
		return w.opts.Lanes - 1
	}
	return idx
}

func (w *World) roadEdges() (minY, maxY float64) {
	half := w.opts.LaneWidth / 2
	return -half, float64(w.opts.Lanes-1)*w.opts.LaneWidth + half
}

// Map implements sim.Map for the straight road. Lane i is centered on
// y = i*LaneWidth and runs along +X; Left is lane i-1 and Right lane i+1.
type Map struct {
	opts Options
}

func (m *Map) Name() string { return m.opts.MapName }

// SpawnPoints implements sim.Map.
func (m *Map) SpawnPoints(ctx context.Context) ([]sim.Transform, error) {
	points := make([]sim.Transform, 0, m.opts.Lanes)
	for i := 0; i < m.opts.Lanes; i++ {
		points = append(points, sim.Transform{
			Location: sim.Location{X: 10, Y: float64(i) * m.opts.LaneWidth, Z: 0.5},
		})
	}
	return points, nil
}

// WaypointAt implements sim.Map.
func (m *Map) WaypointAt(ctx context.Context, loc sim.Location) (sim.Waypoint, error) {
	idx := int(math.Round(loc.Y / m.opts.LaneWidth))
	if idx < 0 {
		idx = 0
	}
	if idx > m.opts.Lanes-1 {
		idx = m.opts.Lanes - 1
	}
	x := math.Max(0, math.Min(loc.X, m.opts.RoadLength))

	wp := m.lane(idx, x)
	if idx > 0 {
		left := m.lane(idx-1, x)
		wp.Left = &left
	}
	if idx < m.opts.Lanes-1 {
		right := m.lane(idx+1, x)
		wp.Right = &right
	}
	return wp, nil
}

func (m *Map) lane(idx int, x float64) sim.Waypoint {
	return sim.Waypoint{
		Transform: sim.Transform{Location: sim.Location{X: x, Y: float64(idx) * m.opts.LaneWidth}},
		RoadID:    1,
		LaneID:    -(idx + 1),
		LaneWidth: m.opts.LaneWidth,
	}
}

// Library implements sim.BlueprintLibrary.
type Library struct{}

// Find implements sim.BlueprintLibrary.
func (l *Library) Find(id string) (sim.Blueprint, error) {
	for _, bid := range blueprintIDs {
		if bid == id {
			return sim.Blueprint{ID: bid, Attributes: map[string]string{}}, nil
		}
	}
	return sim.Blueprint{}, errUnknownBlueprint(id)
}

// Filter implements sim.BlueprintLibrary.
func (l *Library) Filter(pattern string) []sim.Blueprint {
	var out []sim.Blueprint
	for _, bid := range blueprintIDs {
		if sim.MatchBlueprint(pattern, bid) {
			out = append(out, sim.Blueprint{ID: bid, Attributes: map[string]string{}})
		}
	}
	return out
}
