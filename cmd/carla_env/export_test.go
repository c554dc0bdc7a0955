package main

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadrl/carlaenv/internal/database"
	"github.com/roadrl/carlaenv/internal/storage/gormstore"
	v1 "github.com/roadrl/carlaenv/internal/storage/memory/export/v1"
	"github.com/roadrl/carlaenv/pkg/core"
)

func recordEpisode(t *testing.T, b *gormstore.Backend, id string, start time.Time, steps int) {
	t.Helper()
	require.NoError(t, b.StartEpisode(&core.Episode{
		ID:        id,
		StartTime: start,
		MapName:   "Town01",
		Sensors:   []core.SensorInfo{{Name: "front_camera", Type: "sensor.camera.rgb"}},
	}))
	for i := 0; i <= steps; i++ {
		require.NoError(t, b.RecordStep(&core.StepRecord{
			Step:     i,
			Time:     time.Now(),
			Reward:   map[string]float64{"velocity": 1},
			Location: core.Position3D{X: float64(i)},
		}))
	}
	require.NoError(t, b.EndEpisode())
}

func TestExportEpisodes(t *testing.T) {
	db, err := database.GetSqliteDB(filepath.Join(t.TempDir(), "episodes.db"))
	require.NoError(t, err)
	b := gormstore.New(gormstore.Dependencies{
		DB:     db,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Info:   envInfo(),
	})
	require.NoError(t, b.Init())
	defer b.Close()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recordEpisode(t, b, "11111111-0000-4000-8000-000000000001", start, 3)
	recordEpisode(t, b, "22222222-0000-4000-8000-000000000002", start.Add(time.Minute), 1)

	out := t.TempDir()
	paths, err := exportEpisodes(db, nil, out)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(out, "20260301_120000_Town01_11111111.json.gz"), paths[0])

	f, err := os.Open(paths[0])
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)

	var export v1.Export
	require.NoError(t, json.NewDecoder(zr).Decode(&export))
	assert.Equal(t, "11111111-0000-4000-8000-000000000001", export.EpisodeID)
	assert.Len(t, export.Frames, 4)
	assert.Len(t, export.Sensors, 1)
}

func TestExportUnknownEpisode(t *testing.T) {
	db, err := database.GetSqliteDB(filepath.Join(t.TempDir(), "episodes.db"))
	require.NoError(t, err)
	require.NoError(t, database.Setup(db, slog.New(slog.NewTextHandler(io.Discard, nil)), envInfo()))

	paths, err := exportEpisodes(db, []string{"missing"}, t.TempDir())
	assert.Error(t, err)
	assert.Empty(t, paths)
}

func TestHTTPToWS(t *testing.T) {
	assert.Equal(t, "wss://example.com", httpToWS("https://example.com/"))
	assert.Equal(t, "ws://localhost:5000", httpToWS("http://localhost:5000"))
}
