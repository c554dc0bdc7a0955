// Package simfake is an in-process simulator implementing pkg/sim. It models a
// straight multi-lane road with one traffic light, kinematic vehicles and
// sensors that deliver their payloads on separate goroutines at every tick.
package simfake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roadrl/carlaenv/pkg/sim"
)

// ErrClosed is returned by calls on a closed engine.
var ErrClosed = errors.New("simfake: engine closed")

// Options shape the fake road network.
type Options struct {
	Lanes        int
	LaneWidth    float64
	RoadLength   float64
	TrafficLight float64 // x position of the stop line, 0 disables it
	MapName      string
	// SpawnHook is consulted before every spawn; a non-nil error fails it.
	SpawnHook func(bp sim.Blueprint) error
	// StopHook is consulted by every sensor Stop; a non-nil error fails it
	// and leaves the sensor listening.
	StopHook func(id sim.ActorID) error
}

// DefaultOptions returns a three lane, one kilometer road.
func DefaultOptions() Options {
	return Options{
		Lanes:        3,
		LaneWidth:    3.5,
		RoadLength:   1000,
		TrafficLight: 120,
		MapName:      "FakeTown",
	}
}

// Engine implements sim.Client.
type Engine struct {
	mu     sync.Mutex
	world  *World
	closed bool
}

// New creates an engine with a fresh world.
func New(opts Options) *Engine {
	if opts.Lanes <= 0 {
		opts.Lanes = 1
	}
	if opts.LaneWidth <= 0 {
		opts.LaneWidth = 3.5
	}
	if opts.RoadLength <= 0 {
		opts.RoadLength = 1000
	}
	if opts.MapName == "" {
		opts.MapName = "FakeTown"
	}
	return &Engine{world: newWorld(opts)}
}

// ServerVersion implements sim.Client.
func (e *Engine) ServerVersion(ctx context.Context) (string, error) {
	if err := e.check(); err != nil {
		return "", err
	}
	return "0.9.15-fake", nil
}

// World implements sim.Client.
func (e *Engine) World(ctx context.Context) (sim.World, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.world, nil
}

// Close implements sim.Client.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// FakeWorld exposes the concrete world for assertions.
func (e *Engine) FakeWorld() *World {
	return e.world
}

func (e *Engine) check() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

func errUnknownBlueprint(id string) error {
	return fmt.Errorf("blueprint %q: %w", id, sim.ErrNotFound)
}
