// Package env is the synchronous step loop: reset spawns the hero and its
// sensors, step applies one action and advances the simulator by exactly
// one tick, close releases everything.
package env

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/roadrl/carlaenv/internal/actor"
	"github.com/roadrl/carlaenv/internal/episode"
	"github.com/roadrl/carlaenv/internal/observation"
	"github.com/roadrl/carlaenv/internal/reward"
	"github.com/roadrl/carlaenv/internal/sensor"
	"github.com/roadrl/carlaenv/internal/sensorconfig"
	"github.com/roadrl/carlaenv/pkg/core"
	"github.com/roadrl/carlaenv/pkg/sim"
)

// ErrInvalidState is returned when an operation is not valid in the current
// state, e.g. Step before Reset or anything after Close.
var ErrInvalidState = errors.New("invalid environment state")

// State is the lifecycle state of an Env.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateStepping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateReady:
		return "READY"
	case StateStepping:
		return "STEPPING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config holds the episode parameters.
type Config struct {
	MaxSteps            int
	TargetVelocity      float64
	LaneHalfWidth       float64
	LaneChangeDirection int
	Autopilot           bool
	PrimingTicks        int
	Weather             string
	TrafficManagerPort  int
	Seed                int64 // 0 seeds from the clock
}

// DefaultConfig returns the stock episode parameters.
func DefaultConfig() Config {
	return Config{
		MaxSteps:       1000,
		TargetVelocity: 8,
		LaneHalfWidth:  2.5,
		PrimingTicks:   10,
	}
}

// Action is the manual control input of one step.
type Action struct {
	Steer    float64
	Throttle float64
}

// Info accompanies every step result.
type Info struct {
	Steps  int
	Done   bool
	Reward reward.Record
}

// Recorder receives the episode stream. storage.Backend implements it.
type Recorder interface {
	StartEpisode(ep *core.Episode) error
	RecordStep(rec *core.StepRecord) error
	EndEpisode() error
}

// Option configures an Env.
type Option func(*Env)

// WithRecorder streams episodes to r.
func WithRecorder(r Recorder) Option {
	return func(e *Env) { e.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Env) { e.logger = l }
}

// WithEpisodeContext shares the episode context, typically with the log
// context provider.
func WithEpisodeContext(c *episode.Context) Option {
	return func(e *Env) { e.episodes = c }
}

// WithRelease registers a function run last by Close, typically tearing
// down the simulator process.
func WithRelease(fn func() error) Option {
	return func(e *Env) { e.release = fn }
}

// WithClock overrides time.Now for episode and step timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Env) { e.now = now }
}

// Env is a single-threaded environment. Its methods must not be called
// concurrently.
type Env struct {
	cfg      Config
	client   sim.Client
	sensors  *sensorconfig.SensorSetConfig
	recorder Recorder
	episodes *episode.Context
	logger   *slog.Logger
	release  func() error
	now      func() time.Time
	metrics  *metrics

	world   sim.World
	mp      sim.Map
	actors  *actor.Manager
	state   State
	hero    sim.Vehicle
	handles []*sensor.Handle

	autopilot bool
	steps     int
	obs       *observation.Observation
	episode   *core.Episode
}

// New prepares an environment on an established client. Nothing is spawned
// until Reset.
func New(ctx context.Context, client sim.Client, sensors *sensorconfig.SensorSetConfig, cfg Config, opts ...Option) (*Env, error) {
	e := &Env{
		cfg:       cfg,
		client:    client,
		sensors:   sensors,
		autopilot: cfg.Autopilot,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.episodes == nil {
		e.episodes = episode.NewContext()
	}
	if e.cfg.MaxSteps <= 0 {
		return nil, fmt.Errorf("max steps must be positive, got %d", e.cfg.MaxSteps)
	}
	if e.cfg.TargetVelocity <= 0 || e.cfg.LaneHalfWidth <= 0 {
		return nil, fmt.Errorf("target velocity and lane half width must be positive")
	}

	m, err := newMetrics()
	if err != nil {
		return nil, err
	}
	e.metrics = m

	e.world, err = client.World(ctx)
	if err != nil {
		return nil, fmt.Errorf("get world: %w", err)
	}
	e.mp, err = e.world.Map(ctx)
	if err != nil {
		return nil, fmt.Errorf("get map: %w", err)
	}
	if cfg.Weather != "" {
		if err := e.world.SetWeather(ctx, cfg.Weather); err != nil {
			return nil, fmt.Errorf("set weather: %w", err)
		}
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	e.actors = actor.NewManager(e.world, rand.New(rand.NewSource(seed)), e.logger)
	return e, nil
}

// State returns the lifecycle state.
func (e *Env) State() State { return e.state }

// Steps returns the number of steps since the last Reset.
func (e *Env) Steps() int { return e.steps }

// Observation returns the latest observation.
func (e *Env) Observation() *observation.Observation { return e.obs }

// Hero returns the current hero vehicle.
func (e *Env) Hero() sim.Vehicle { return e.hero }

// MapName returns the loaded map.
func (e *Env) MapName() string { return e.mp.Name() }

// Reset destroys the previous episode's actors, spawns a new hero with its
// sensors, primes the sensors and returns the first observation.
func (e *Env) Reset(ctx context.Context) (*observation.Observation, error) {
	if e.state == StateClosed {
		return nil, fmt.Errorf("reset: %w: %s", ErrInvalidState, e.state)
	}
	e.finishEpisode()

	if err := e.actors.DestroyAll(ctx); err != nil {
		e.logger.Warn("Failed to destroy previous actors", "error", err)
	}
	e.state = StateUninitialized
	e.hero, e.handles, e.obs = nil, nil, nil

	hero, err := e.actors.SpawnHero(ctx, e.sensors.Vehicle)
	if err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}
	handles, err := e.actors.SpawnSensors(ctx, hero, e.sensors)
	if err != nil {
		_ = e.actors.DestroyAll(ctx)
		return nil, fmt.Errorf("reset: %w", err)
	}
	e.hero, e.handles = hero, handles

	if e.autopilot {
		if err := hero.SetAutopilot(ctx, true, e.cfg.TrafficManagerPort); err != nil {
			return nil, e.abortReset(ctx, fmt.Errorf("enable autopilot: %w", err))
		}
	} else if err := hero.ApplyControl(ctx, sim.VehicleControl{}); err != nil {
		return nil, e.abortReset(ctx, fmt.Errorf("apply control: %w", err))
	}

	frame, err := e.prime(ctx)
	if err != nil {
		return nil, e.abortReset(ctx, err)
	}

	obs, err := observation.Collect(ctx, hero, handles, e.mp)
	if err != nil {
		return nil, e.abortReset(ctx, fmt.Errorf("collect: %w", err))
	}
	obs.Frame = frame
	e.obs = obs
	e.steps = 0
	e.state = StateReady

	e.startEpisode()
	e.record(Action{}, nil, false)
	e.logger.Info("Environment reset", "hero", hero.ID(), "sensors", len(handles), "autopilot", e.autopilot)
	return obs, nil
}

func (e *Env) abortReset(ctx context.Context, err error) error {
	_ = e.actors.DestroyAll(ctx)
	e.hero, e.handles = nil, nil
	return fmt.Errorf("reset: %w", err)
}

// prime issues the zero action tick, then up to PrimingTicks more until
// every sensor has delivered once.
func (e *Env) prime(ctx context.Context) (uint64, error) {
	frame, err := e.world.Tick(ctx)
	if err != nil {
		return 0, fmt.Errorf("priming tick: %w", err)
	}
	for i := 0; i < e.cfg.PrimingTicks && !e.sensorsReady(); i++ {
		if frame, err = e.world.Tick(ctx); err != nil {
			return 0, fmt.Errorf("priming tick: %w", err)
		}
	}
	if !e.sensorsReady() {
		e.logger.Warn("Some sensors have not delivered after priming", "ticks", e.cfg.PrimingTicks+1)
	}
	return frame, nil
}

func (e *Env) sensorsReady() bool {
	for _, h := range e.handles {
		if !h.Ready() {
			return false
		}
	}
	return true
}

// Step applies a (ignored under autopilot), advances one tick and scores
// the resulting observation. done turns true at MaxSteps and stays true.
func (e *Env) Step(ctx context.Context, a Action) (*observation.Observation, reward.Record, bool, Info, error) {
	if e.state != StateReady && e.state != StateStepping {
		return nil, nil, false, Info{}, fmt.Errorf("step: %w: %s", ErrInvalidState, e.state)
	}
	start := time.Now()

	if e.autopilot {
		if err := e.releaseRedLight(ctx); err != nil {
			return nil, nil, false, Info{}, fmt.Errorf("step: %w", err)
		}
	} else {
		ctl := sim.VehicleControl{Steer: a.Steer, Throttle: a.Throttle}
		if err := e.hero.ApplyControl(ctx, ctl); err != nil {
			return nil, nil, false, Info{}, fmt.Errorf("step: apply control: %w", err)
		}
	}

	frame, err := e.world.Tick(ctx)
	if err != nil {
		return nil, nil, false, Info{}, fmt.Errorf("step: tick: %w", err)
	}
	e.steps++
	e.state = StateStepping
	e.episodes.SetStep(e.steps)

	obs, err := observation.Collect(ctx, e.hero, e.handles, e.mp)
	if err != nil {
		return nil, nil, false, Info{}, fmt.Errorf("step: collect: %w", err)
	}
	obs.Frame = frame
	if !e.autopilot {
		obs.Steer = a.Steer
	}
	e.obs = obs

	r := reward.Compute(obs, reward.Params{
		TargetVelocity:      e.cfg.TargetVelocity,
		LaneHalfWidth:       e.cfg.LaneHalfWidth,
		LaneChangeDirection: e.cfg.LaneChangeDirection,
	})
	done := e.steps >= e.cfg.MaxSteps

	e.record(a, r, done)
	e.metrics.observe(ctx, time.Since(start), r.Total())

	return obs, r, done, Info{Steps: e.steps, Done: done, Reward: r}, nil
}

// releaseRedLight switches a red light affecting the hero to green.
func (e *Env) releaseRedLight(ctx context.Context) error {
	light, ok, err := e.hero.TrafficLight(ctx)
	if err != nil || !ok {
		return err
	}
	st, err := light.State(ctx)
	if err != nil {
		return fmt.Errorf("traffic light state: %w", err)
	}
	if st != sim.TrafficLightRed {
		return nil
	}
	e.logger.Debug("Forcing red traffic light to green", "step", e.steps)
	return light.SetState(ctx, sim.TrafficLightGreen)
}

// SetAutopilot switches between manual actions and engine driving. It
// applies to the current hero immediately and to later resets.
func (e *Env) SetAutopilot(ctx context.Context, enabled bool) error {
	if e.state == StateClosed {
		return fmt.Errorf("set autopilot: %w: %s", ErrInvalidState, e.state)
	}
	e.autopilot = enabled
	if e.hero == nil {
		return nil
	}
	return e.hero.SetAutopilot(ctx, enabled, e.cfg.TrafficManagerPort)
}

// Autopilot reports whether the engine drives the hero.
func (e *Env) Autopilot() bool { return e.autopilot }

// Close ends the episode, destroys every actor, closes the client and runs
// the release function. Calling it again is a no-op.
func (e *Env) Close(ctx context.Context) error {
	if e.state == StateClosed {
		return nil
	}
	e.finishEpisode()

	var errs []error
	if err := e.actors.DestroyAll(ctx); err != nil {
		errs = append(errs, err)
	}
	e.hero, e.handles = nil, nil
	if err := e.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}
	if e.release != nil {
		if err := e.release(); err != nil {
			errs = append(errs, fmt.Errorf("release: %w", err))
		}
	}
	e.state = StateClosed
	e.logger.Info("Environment closed")
	return errors.Join(errs...)
}
