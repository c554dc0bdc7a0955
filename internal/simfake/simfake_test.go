package simfake

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/roadrl/carlaenv/pkg/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spawnHero(t *testing.T, w sim.World, lane int) *Vehicle {
	t.Helper()
	ctx := context.Background()
	m, err := w.Map(ctx)
	require.NoError(t, err)
	points, err := m.SpawnPoints(ctx)
	require.NoError(t, err)
	a, err := w.SpawnActor(ctx, sim.Blueprint{ID: "vehicle.tesla.model3"}, points[lane], nil)
	require.NoError(t, err)
	return a.(*Vehicle)
}

func TestEngineClose(t *testing.T) {
	e := New(DefaultOptions())
	_, err := e.ServerVersion(context.Background())
	require.NoError(t, err)

	require.NoError(t, e.Close())
	assert.True(t, e.Closed())

	_, err = e.World(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSpawnUnknownBlueprint(t *testing.T) {
	e := New(DefaultOptions())
	w, _ := e.World(context.Background())

	_, err := w.SpawnActor(context.Background(), sim.Blueprint{ID: "vehicle.unknown"}, sim.Transform{}, nil)
	assert.ErrorIs(t, err, sim.ErrNotFound)
}

func TestSpawnSensorRequiresParent(t *testing.T) {
	e := New(DefaultOptions())
	w, _ := e.World(context.Background())

	_, err := w.SpawnActor(context.Background(), sim.Blueprint{ID: "sensor.other.imu"}, sim.Transform{}, nil)
	assert.Error(t, err)
}

func TestSpawnHook(t *testing.T) {
	opts := DefaultOptions()
	boom := errors.New("boom")
	opts.SpawnHook = func(bp sim.Blueprint) error {
		if bp.ID == "sensor.other.gnss" {
			return boom
		}
		return nil
	}
	e := New(opts)
	w, _ := e.World(context.Background())
	hero := spawnHero(t, w, 0)

	_, err := w.SpawnActor(context.Background(), sim.Blueprint{ID: "sensor.other.gnss"}, sim.Transform{}, hero)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, e.FakeWorld().ActorCount())
}

func TestWaypointAdjacentLanes(t *testing.T) {
	e := New(DefaultOptions())
	w, _ := e.World(context.Background())
	m, _ := w.Map(context.Background())

	wp, err := m.WaypointAt(context.Background(), sim.Location{X: 50, Y: 0.4})
	require.NoError(t, err)
	assert.Equal(t, 0.0, wp.Transform.Location.Y)
	assert.Nil(t, wp.Left)
	require.NotNil(t, wp.Right)
	assert.Equal(t, 3.5, wp.Right.Transform.Location.Y)

	wp, _ = m.WaypointAt(context.Background(), sim.Location{X: 50, Y: 7})
	require.NotNil(t, wp.Left)
	assert.Nil(t, wp.Right)
}

func TestSingleLaneHasNoNeighbours(t *testing.T) {
	opts := DefaultOptions()
	opts.Lanes = 1
	e := New(opts)
	w, _ := e.World(context.Background())
	m, _ := w.Map(context.Background())

	wp, err := m.WaypointAt(context.Background(), sim.Location{X: 20})
	require.NoError(t, err)
	assert.Nil(t, wp.Left)
	assert.Nil(t, wp.Right)
}

func TestTickDeliversToEverySensor(t *testing.T) {
	e := New(DefaultOptions())
	w, _ := e.World(context.Background())
	hero := spawnHero(t, w, 1)

	var mu sync.Mutex
	got := map[string]sim.Data{}
	for _, id := range []string{"sensor.camera.rgb", "sensor.other.imu", "sensor.other.gnss"} {
		a, err := w.SpawnActor(context.Background(), sim.Blueprint{ID: id}, sim.Transform{}, hero)
		require.NoError(t, err)
		id := id
		require.NoError(t, a.(sim.Sensor).Listen(func(d sim.Data) {
			mu.Lock()
			got[id] = d
			mu.Unlock()
		}))
	}

	frame, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), frame)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	img := got["sensor.camera.rgb"].(*sim.Image)
	assert.Equal(t, 80, img.Width)
	assert.Equal(t, 60, img.Height)
	assert.Len(t, img.Raw, 80*60*4)
	assert.Equal(t, frame, got["sensor.other.imu"].Frame())
}

func TestDestroyedSensorStopsDelivering(t *testing.T) {
	e := New(DefaultOptions())
	w, _ := e.World(context.Background())
	hero := spawnHero(t, w, 0)

	a, err := w.SpawnActor(context.Background(), sim.Blueprint{ID: "sensor.other.imu"}, sim.Transform{}, hero)
	require.NoError(t, err)
	calls := 0
	require.NoError(t, a.(sim.Sensor).Listen(func(sim.Data) { calls++ }))
	require.NoError(t, a.Destroy(context.Background()))

	_, err = w.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.ErrorIs(t, a.Destroy(context.Background()), sim.ErrNotFound)
}

func TestAutopilotStopsAtRedLight(t *testing.T) {
	opts := DefaultOptions()
	opts.TrafficLight = 30
	e := New(opts)
	w, _ := e.World(context.Background())
	hero := spawnHero(t, w, 0)
	require.NoError(t, hero.SetAutopilot(context.Background(), true, 8010))

	for i := 0; i < 400; i++ {
		_, err := w.Tick(context.Background())
		require.NoError(t, err)
	}
	tr, _ := hero.Transform(context.Background())
	assert.Less(t, tr.Location.X, 30.0)

	light, ok, err := hero.TrafficLight(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, light.SetState(context.Background(), sim.TrafficLightGreen))

	for i := 0; i < 200; i++ {
		_, _ = w.Tick(context.Background())
	}
	tr, _ = hero.Transform(context.Background())
	assert.Greater(t, tr.Location.X, 30.0)
}

func TestLeavingRoadEmitsCollision(t *testing.T) {
	e := New(DefaultOptions())
	w, _ := e.World(context.Background())
	hero := spawnHero(t, w, 0)

	a, err := w.SpawnActor(context.Background(), sim.Blueprint{ID: "sensor.other.collision"}, sim.Transform{}, hero)
	require.NoError(t, err)
	var mu sync.Mutex
	var events int
	require.NoError(t, a.(sim.Sensor).Listen(func(d sim.Data) {
		if _, ok := d.(*sim.CollisionEvent); ok {
			mu.Lock()
			events++
			mu.Unlock()
		}
	}))

	require.NoError(t, e.FakeWorld().SetSpeed(hero.ID(), 10))
	require.NoError(t, hero.ApplyControl(context.Background(), sim.VehicleControl{Steer: -1, Throttle: 1}))
	for i := 0; i < 100; i++ {
		_, _ = w.Tick(context.Background())
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, events)
}
