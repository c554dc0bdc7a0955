package simfake

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/roadrl/carlaenv/pkg/sim"
)

const (
	autopilotSpeed = 8.0  // m/s
	maxYawRate     = 40.0 // deg/s at full steer
	stopDistance   = 15.0 // m before the stop line
)

type vehicleEvents struct {
	collided bool
	invaded  bool
}

// Vehicle implements sim.Vehicle with a point-mass model.
type Vehicle struct {
	w      *World
	id     sim.ActorID
	typeID string

	// guarded by w.mu
	loc       sim.Location
	yaw       float64
	speed     float64
	accel     float64
	yawRate   float64
	lane      int
	control   sim.VehicleControl
	autopilot bool
	destroyed bool
}

func (v *Vehicle) ID() sim.ActorID { return v.id }
func (v *Vehicle) TypeID() string  { return v.typeID }

// Destroy implements sim.Actor.
func (v *Vehicle) Destroy(ctx context.Context) error {
	v.w.mu.Lock()
	defer v.w.mu.Unlock()
	if v.destroyed {
		return fmt.Errorf("vehicle %d: %w", v.id, sim.ErrNotFound)
	}
	v.destroyed = true
	delete(v.w.vehicles, v.id)
	return nil
}

// Transform implements sim.Vehicle.
func (v *Vehicle) Transform(ctx context.Context) (sim.Transform, error) {
	v.w.mu.Lock()
	defer v.w.mu.Unlock()
	return sim.Transform{Location: v.loc, Rotation: sim.Rotation{Yaw: v.yaw}}, nil
}

// Velocity implements sim.Vehicle.
func (v *Vehicle) Velocity(ctx context.Context) (sim.Vector3D, error) {
	v.w.mu.Lock()
	defer v.w.mu.Unlock()
	rad := v.yaw * math.Pi / 180
	return sim.Vector3D{X: v.speed * math.Cos(rad), Y: v.speed * math.Sin(rad)}, nil
}

// ApplyControl implements sim.Vehicle.
func (v *Vehicle) ApplyControl(ctx context.Context, c sim.VehicleControl) error {
	v.w.mu.Lock()
	defer v.w.mu.Unlock()
	if v.destroyed {
		return fmt.Errorf("vehicle %d: %w", v.id, sim.ErrNotFound)
	}
	v.control = c
	return nil
}

// SetAutopilot implements sim.Vehicle.
func (v *Vehicle) SetAutopilot(ctx context.Context, enabled bool, trafficManagerPort int) error {
	v.w.mu.Lock()
	defer v.w.mu.Unlock()
	v.autopilot = enabled
	return nil
}

// Autopilot reports whether the vehicle is driven by the engine.
func (v *Vehicle) Autopilot() bool {
	v.w.mu.Lock()
	defer v.w.mu.Unlock()
	return v.autopilot
}

// Control returns the last applied control.
func (v *Vehicle) Control() sim.VehicleControl {
	v.w.mu.Lock()
	defer v.w.mu.Unlock()
	return v.control
}

// TrafficLight implements sim.Vehicle.
func (v *Vehicle) TrafficLight(ctx context.Context) (sim.TrafficLight, bool, error) {
	v.w.mu.Lock()
	defer v.w.mu.Unlock()
	if v.w.light == nil || !v.nearLight() {
		return nil, false, nil
	}
	return v.w.light, true, nil
}

func (v *Vehicle) nearLight() bool {
	d := v.w.light.x - v.loc.X
	return d >= 0 && d <= stopDistance
}

// step integrates one tick. Called with w.mu held.
func (v *Vehicle) step(dt float64) vehicleEvents {
	var ev vehicleEvents
	prev := v.speed

	if v.autopilot {
		target := autopilotSpeed
		if v.w.light != nil && v.w.light.state == sim.TrafficLightRed && v.nearLight() {
			target = 0
		}
		dv := math.Max(-8*dt, math.Min(3*dt, target-v.speed))
		v.speed += dv
		v.yaw = 0
		v.yawRate = 0
		v.loc.Y += (float64(v.lane)*v.w.opts.LaneWidth - v.loc.Y) * math.Min(1, 2*dt)
	} else {
		c := v.control
		a := 4*c.Throttle - 8*c.Brake - 0.05*v.speed
		v.speed = math.Max(0, v.speed+a*dt)
		v.yawRate = c.Steer * maxYawRate * math.Min(v.speed/5, 1)
		v.yaw += v.yawRate * dt
	}
	v.accel = (v.speed - prev) / dt

	rad := v.yaw * math.Pi / 180
	v.loc.X += v.speed * math.Cos(rad) * dt
	v.loc.Y += v.speed * math.Sin(rad) * dt

	minY, maxY := v.w.roadEdges()
	if v.loc.Y < minY || v.loc.Y > maxY {
		v.loc.Y = math.Max(minY, math.Min(maxY, v.loc.Y))
		v.speed = 0
		ev.collided = true
	}
	if v.loc.X > v.w.opts.RoadLength {
		v.loc.X = v.w.opts.RoadLength
		v.speed = 0
		ev.collided = true
	}

	if lane := v.w.laneIndex(v.loc.Y); lane != v.lane {
		if !v.autopilot {
			ev.invaded = true
		}
		v.lane = lane
	}
	return ev
}

// TrafficLight implements sim.TrafficLight.
type TrafficLight struct {
	w     *World
	x     float64
	state sim.TrafficLightState
}

// State implements sim.TrafficLight.
func (l *TrafficLight) State(ctx context.Context) (sim.TrafficLightState, error) {
	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	return l.state, nil
}

// SetState implements sim.TrafficLight.
func (l *TrafficLight) SetState(ctx context.Context, s sim.TrafficLightState) error {
	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	l.state = s
	return nil
}

// Sensor implements sim.Sensor.
type Sensor struct {
	w      *World
	id     sim.ActorID
	typeID string
	parent *Vehicle
	rel    sim.Transform
	attrs  map[string]string

	// guarded by w.mu
	cb        func(sim.Data)
	destroyed bool
}

func (s *Sensor) ID() sim.ActorID { return s.id }
func (s *Sensor) TypeID() string  { return s.typeID }

// Attribute returns a blueprint attribute the sensor was spawned with.
func (s *Sensor) Attribute(key string) string { return s.attrs[key] }

// Listen implements sim.Sensor.
func (s *Sensor) Listen(cb func(sim.Data)) error {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if s.destroyed {
		return fmt.Errorf("sensor %d: %w", s.id, sim.ErrNotFound)
	}
	s.cb = cb
	return nil
}

// Stop implements sim.Sensor.
func (s *Sensor) Stop(ctx context.Context) error {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if s.w.opts.StopHook != nil {
		if err := s.w.opts.StopHook(s.id); err != nil {
			return err
		}
	}
	s.cb = nil
	return nil
}

// Destroy implements sim.Actor.
func (s *Sensor) Destroy(ctx context.Context) error {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if s.destroyed {
		return fmt.Errorf("sensor %d: %w", s.id, sim.ErrNotFound)
	}
	s.destroyed = true
	s.cb = nil
	delete(s.w.sensors, s.id)
	return nil
}

func (s *Sensor) intAttr(key string, def int) int {
	if v, err := strconv.Atoi(s.attrs[key]); err == nil && v > 0 {
		return v
	}
	return def
}

// payload builds this tick's data. Called with w.mu held.
func (s *Sensor) payload(frame uint64, ev vehicleEvents) sim.Data {
	p := s.parent
	switch s.typeID {
	case "sensor.camera.rgb", "sensor.camera.depth", "sensor.camera.semantic_segmentation":
		width := s.intAttr("image_size_x", 80)
		height := s.intAttr("image_size_y", 60)
		return &sim.Image{
			FrameNum: frame,
			Width:    width,
			Height:   height,
			FOV:      90,
			Raw:      renderImage(s.typeID, frame, width, height),
		}
	case "sensor.other.imu":
		yaw := math.Mod(p.yaw*math.Pi/180, 2*math.Pi)
		if yaw < 0 {
			yaw += 2 * math.Pi
		}
		return &sim.IMUMeasurement{
			FrameNum:      frame,
			Accelerometer: sim.Vector3D{X: p.accel, Z: 9.81},
			Gyroscope:     sim.Vector3D{Z: p.yawRate * math.Pi / 180},
			Compass:       yaw,
		}
	case "sensor.other.gnss":
		return &sim.GNSSMeasurement{
			FrameNum:  frame,
			Latitude:  -p.loc.Y / 111320.0,
			Longitude: p.loc.X / 111320.0,
			Altitude:  p.loc.Z,
		}
	case "sensor.other.collision":
		if ev.collided {
			return &sim.CollisionEvent{FrameNum: frame}
		}
	case "sensor.other.lane_invasion":
		if ev.invaded {
			return &sim.LaneInvasionEvent{FrameNum: frame, CrossedLaneMarkings: []string{"Broken"}}
		}
	}
	return nil
}

// renderImage produces a deterministic BGRA frame. Camera frames encode
// (frame, column, row) in (B, G, R); segmentation frames carry the semantic
// tag in R (sky above the horizon, road below); depth frames encode the
// normalized distance in 24 bits over R, G, B.
func renderImage(typeID string, frame uint64, width, height int) []byte {
	raw := make([]byte, width*height*4)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 4
			switch typeID {
			case "sensor.camera.semantic_segmentation":
				tag := byte(13)
				if y >= height/2 {
					tag = 7
				}
				raw[i+2] = tag
			case "sensor.camera.depth":
				norm := float64(y+1) / float64(height)
				v := uint32(norm * float64(1<<24-1))
				raw[i+2] = byte(v)
				raw[i+1] = byte(v >> 8)
				raw[i] = byte(v >> 16)
			default:
				raw[i] = byte(frame)
				raw[i+1] = byte(x)
				raw[i+2] = byte(y)
			}
			raw[i+3] = 255
		}
	}
	return raw
}
