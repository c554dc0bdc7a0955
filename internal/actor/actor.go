// Package actor owns the hero vehicle and the sensors attached to it for
// the lifetime of one episode.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/roadrl/carlaenv/internal/sensor"
	"github.com/roadrl/carlaenv/internal/sensorconfig"
	"github.com/roadrl/carlaenv/pkg/sim"
)

// ErrPartialSpawn is matched by every PartialSpawnError.
var ErrPartialSpawn = errors.New("partial sensor spawn")

// ErrNoSpawnPoint is returned when the map offers no spawn point.
var ErrNoSpawnPoint = errors.New("no spawn points available")

// PartialSpawnError reports the sensor whose attach failed. Sensors
// attached before it have been destroyed by the time it is returned.
type PartialSpawnError struct {
	Sensor     string
	RolledBack int
	Err        error
}

func (e *PartialSpawnError) Error() string {
	return fmt.Sprintf("attach sensor %q failed after %d attached (rolled back): %v", e.Sensor, e.RolledBack, e.Err)
}

func (e *PartialSpawnError) Unwrap() []error {
	return []error{ErrPartialSpawn, e.Err}
}

// Event sensor names attached next to the configured set.
const (
	CollisionSensor    = "collision"
	LaneInvasionSensor = "lane_invasion"
)

// Manager spawns and destroys the actors of one episode.
type Manager struct {
	world  sim.World
	logger *slog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	hero    sim.Vehicle
	sensors []*sensor.Handle
	others  []sim.Actor
}

// NewManager creates a manager spawning into world. rng picks spawn points;
// nil seeds from the clock.
func NewManager(world sim.World, rng *rand.Rand, logger *slog.Logger) *Manager {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{world: world, rng: rng, logger: logger}
}

// SpawnHero spawns the first blueprint matching vehicle at a uniformly random
// spawn point.
func (m *Manager) SpawnHero(ctx context.Context, vehicle string) (sim.Vehicle, error) {
	lib, err := m.world.Blueprints(ctx)
	if err != nil {
		return nil, fmt.Errorf("blueprint library: %w", err)
	}
	bps := lib.Filter(vehicle)
	if len(bps) == 0 {
		return nil, fmt.Errorf("vehicle blueprint %q: %w", vehicle, sim.ErrNotFound)
	}
	bp := bps[0]
	bp.SetAttribute("role_name", "hero")

	mp, err := m.world.Map(ctx)
	if err != nil {
		return nil, fmt.Errorf("map: %w", err)
	}
	points, err := mp.SpawnPoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("spawn points: %w", err)
	}
	if len(points) == 0 {
		return nil, ErrNoSpawnPoint
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	at := points[m.rng.Intn(len(points))]

	a, err := m.world.SpawnActor(ctx, bp, at, nil)
	if err != nil {
		return nil, fmt.Errorf("spawn hero %s: %w", bp.ID, err)
	}
	v, ok := a.(sim.Vehicle)
	if !ok {
		_ = a.Destroy(ctx)
		return nil, fmt.Errorf("spawn hero: actor %d (%s) is not a vehicle", a.ID(), a.TypeID())
	}
	m.hero = v
	m.logger.Debug("Spawned hero", "actor", v.ID(), "blueprint", bp.ID, "x", at.Location.X, "y", at.Location.Y)
	return v, nil
}

// SpawnSensors attaches the configured sensors to hero in name order,
// followed by the collision and lane invasion sensors. On the first failure
// every sensor attached by this call is destroyed and a *PartialSpawnError
// is returned.
func (m *Manager) SpawnSensors(ctx context.Context, hero sim.Actor, cfg *sensorconfig.SensorSetConfig) ([]*sensor.Handle, error) {
	lib, err := m.world.Blueprints(ctx)
	if err != nil {
		return nil, fmt.Errorf("blueprint library: %w", err)
	}

	specs := make([]sensor.Spec, 0, cfg.Len()+2)
	for _, name := range cfg.Names() {
		s, _ := cfg.Spec(name)
		specs = append(specs, s)
	}
	specs = append(specs,
		sensor.Spec{Name: CollisionSensor, Type: sensor.KindCollision.TypeID()},
		sensor.Spec{Name: LaneInvasionSensor, Type: sensor.KindLaneInvasion.TypeID()},
	)

	attached := make([]*sensor.Handle, 0, len(specs))
	for _, spec := range specs {
		h, err := sensor.Attach(ctx, m.world, lib, spec, hero)
		if err != nil {
			for i := len(attached) - 1; i >= 0; i-- {
				if derr := attached[i].Destroy(ctx); derr != nil {
					m.logger.Warn("Failed to roll back sensor", "sensor", attached[i].Name(), "error", derr)
				}
			}
			return nil, &PartialSpawnError{Sensor: spec.Name, RolledBack: len(attached), Err: err}
		}
		attached = append(attached, h)
	}

	m.mu.Lock()
	m.sensors = append(m.sensors, attached...)
	m.mu.Unlock()
	m.logger.Debug("Attached sensors", "count", len(attached))
	return attached, nil
}

// Track hands an extra actor to the manager for destruction.
func (m *Manager) Track(a sim.Actor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.others = append(m.others, a)
}

// Hero returns the current hero, or nil.
func (m *Manager) Hero() sim.Vehicle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hero
}

// Sensors returns the attached handles in spawn order.
func (m *Manager) Sensors() []*sensor.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*sensor.Handle, len(m.sensors))
	copy(out, m.sensors)
	return out
}

// Owned returns the number of live actors the manager owns.
func (m *Manager) Owned() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.sensors) + len(m.others)
	if m.hero != nil {
		n++
	}
	return n
}

// DestroyAll destroys every sensor, then the hero and tracked actors. The
// manager owns nothing afterwards even when some destroys fail; their
// errors are joined.
func (m *Manager) DestroyAll(ctx context.Context) error {
	m.mu.Lock()
	sensors, hero, others := m.sensors, m.hero, m.others
	m.sensors, m.hero, m.others = nil, nil, nil
	m.mu.Unlock()

	var errs []error
	for i := len(sensors) - 1; i >= 0; i-- {
		if err := sensors[i].Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if hero != nil {
		if err := hero.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("destroy hero: %w", err))
		}
	}
	for _, a := range others {
		if err := a.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("destroy actor %d: %w", a.ID(), err))
		}
	}
	if len(errs) > 0 {
		m.logger.Warn("Some actors failed to destroy", "count", len(errs))
	}
	return errors.Join(errs...)
}
