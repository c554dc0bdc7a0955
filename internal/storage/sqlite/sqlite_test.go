package sqlitestorage

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/roadrl/carlaenv/internal/database"
	"github.com/roadrl/carlaenv/internal/model"
	"github.com/roadrl/carlaenv/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpisodeIsDumpedOnEnd(t *testing.T) {
	dir := t.TempDir()
	dump := filepath.Join(dir, "out", "carla_env.db")

	b, err := New(Config{
		DSN:      filepath.Join(dir, "live.db"),
		DumpPath: dump,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), model.EnvInfo{Name: "carla-env"})
	require.NoError(t, err)
	require.NoError(t, b.Init())

	start := time.Now().Add(-time.Minute)
	require.NoError(t, b.StartEpisode(&core.Episode{ID: "ep-1", StartTime: start, MapName: "Town03", Vehicle: "vehicle.audi.tt"}))
	require.NoError(t, b.RecordStep(&core.StepRecord{Step: 0}))
	require.NoError(t, b.RecordStep(&core.StepRecord{Step: 1, Reward: map[string]float64{"velocity": 1}}))
	require.NoError(t, b.EndEpisode())

	_, err = os.Stat(dump)
	require.NoError(t, err)
	assert.Equal(t, dump, b.GetExportedFilePath())

	meta := b.GetExportMetadata()
	assert.Equal(t, "ep-1", meta.EpisodeID)
	assert.Equal(t, "Town03", meta.MapName)
	assert.Equal(t, 1, meta.Steps)
	assert.Equal(t, 1.0, meta.TotalReward)
	assert.Greater(t, meta.Duration, 59.0)

	require.NoError(t, b.Close())

	// the dump is a complete database
	dumped, err := database.GetSqliteDB(dump)
	require.NoError(t, err)
	var n int64
	require.NoError(t, dumped.Model(&model.Step{}).Count(&n).Error)
	assert.Equal(t, int64(2), n)
}

func TestNoDumpPath(t *testing.T) {
	b, err := New(Config{DSN: filepath.Join(t.TempDir(), "live.db")},
		slog.New(slog.NewTextHandler(io.Discard, nil)), model.EnvInfo{})
	require.NoError(t, err)
	require.NoError(t, b.Init())
	assert.Empty(t, b.GetExportedFilePath())
	assert.Equal(t, core.UploadMetadata{}, b.GetExportMetadata())
	require.NoError(t, b.Close())
}
