package postgres

import (
	"io"
	"log/slog"
	"testing"

	"github.com/roadrl/carlaenv/internal/config"
	"github.com/roadrl/carlaenv/internal/model"
	"github.com/roadrl/carlaenv/pkg/core"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew(t *testing.T) {
	b := New(Dependencies{Logger: discard()})
	require.NotNil(t, b)
	// closing before Init is harmless
	require.NoError(t, b.Close())
}

func TestInitFailsWithoutServer(t *testing.T) {
	b := New(Dependencies{
		Logger: discard(),
		Config: config.DBConfig{Host: "127.0.0.1", Port: "1", Username: "u", Password: "p", Database: "x"},
	})
	assert.Error(t, b.Init())
}

func TestInitCloseWithInjectedDB(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	b := New(Dependencies{DB: db, Logger: discard(), Info: model.EnvInfo{Name: "carla-env"}})
	require.NoError(t, b.Init())

	require.NoError(t, b.StartEpisode(&core.Episode{ID: "pg-1", MapName: "Town05"}))
	require.NoError(t, b.RecordStep(&core.StepRecord{Step: 0}))
	require.NoError(t, b.EndEpisode())

	var n int64
	require.NoError(t, db.Model(&model.Step{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	require.NoError(t, b.Close())
}
