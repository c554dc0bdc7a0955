package storage_test

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roadrl/carlaenv/internal/config"
	"github.com/roadrl/carlaenv/internal/dispatcher"
	"github.com/roadrl/carlaenv/internal/model"
	"github.com/roadrl/carlaenv/internal/storage"
	"github.com/roadrl/carlaenv/internal/storage/memory"
	"github.com/roadrl/carlaenv/internal/storage/postgres"
	sqlitestorage "github.com/roadrl/carlaenv/internal/storage/sqlite"
	"github.com/roadrl/carlaenv/internal/storage/websocket"
	"github.com/roadrl/carlaenv/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ storage.Backend    = (*memory.Backend)(nil)
	_ storage.Backend    = (*sqlitestorage.Backend)(nil)
	_ storage.Backend    = (*postgres.Backend)(nil)
	_ storage.Backend    = (*websocket.Backend)(nil)
	_ storage.Backend    = storage.Noop{}
	_ storage.Uploadable = (*memory.Backend)(nil)
	_ storage.Uploadable = (*sqlitestorage.Backend)(nil)
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewBackend(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name     string
		cfg      config.StorageConfig
		expected any
	}{
		{"memory", config.StorageConfig{Type: "memory", Memory: config.MemoryConfig{OutputDir: dir}}, &memory.Backend{}},
		{"sqlite", config.StorageConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "env.db")}}, &sqlitestorage.Backend{}},
		{"postgres", config.StorageConfig{Type: "postgres"}, &postgres.Backend{}},
		{"websocket", config.StorageConfig{Type: "websocket"}, &websocket.Backend{}},
		{"none", config.StorageConfig{Type: "none"}, storage.Noop{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := storage.NewBackend(tt.cfg, config.DBConfig{}, discard(), model.EnvInfo{Name: "carla-env"})
			require.NoError(t, err)
			assert.IsType(t, tt.expected, b)
		})
	}
}

func TestNewBackendUnknownType(t *testing.T) {
	_, err := storage.NewBackend(config.StorageConfig{Type: "tape"}, config.DBConfig{}, discard(), model.EnvInfo{})
	assert.ErrorContains(t, err, "unknown storage type")
}

func TestNoop(t *testing.T) {
	var b storage.Noop
	assert.NoError(t, b.Init())
	assert.NoError(t, b.StartEpisode(&core.Episode{}))
	assert.NoError(t, b.RecordStep(&core.StepRecord{}))
	assert.NoError(t, b.EndEpisode())
	assert.NoError(t, b.Close())
}

// fakeBackend records the calls it receives.
type fakeBackend struct {
	mu      sync.Mutex
	calls   []string
	delay   time.Duration
	stepErr error
}

func (f *fakeBackend) add(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) Init() error  { return nil }
func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) StartEpisode(e *core.Episode) error {
	f.add("start:" + e.ID)
	return nil
}

func (f *fakeBackend) RecordStep(s *core.StepRecord) error {
	time.Sleep(f.delay)
	f.add("step")
	return f.stepErr
}

func (f *fakeBackend) EndEpisode() error {
	f.add("end")
	return nil
}

func newRecorder(t *testing.T, b storage.Backend) *storage.AsyncRecorder {
	t.Helper()
	d, err := dispatcher.New(discard())
	require.NoError(t, err)
	r := storage.NewAsyncRecorder(d, b, discard(), 16)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestAsyncRecorderKeepsOrder(t *testing.T) {
	fb := &fakeBackend{delay: time.Millisecond}
	r := newRecorder(t, fb)

	ep := &core.Episode{ID: "a"}
	require.NoError(t, r.StartEpisode(ep))
	// the queued copy is not affected by later changes
	ep.ID = "b"
	for i := 0; i < 5; i++ {
		require.NoError(t, r.RecordStep(&core.StepRecord{Step: i}))
	}
	require.NoError(t, r.EndEpisode())

	assert.Equal(t, []string{"start:a", "step", "step", "step", "step", "step", "end"}, fb.Calls())
	assert.Equal(t, 0, r.Pending())
}

func TestAsyncRecorderKeepsLastError(t *testing.T) {
	fb := &fakeBackend{stepErr: errors.New("disk full")}
	r := newRecorder(t, fb)

	require.NoError(t, r.StartEpisode(&core.Episode{ID: "a"}))
	require.NoError(t, r.RecordStep(&core.StepRecord{}))
	require.NoError(t, r.EndEpisode())

	assert.EqualError(t, r.Err(), "disk full")
}

func TestAsyncRecorderClose(t *testing.T) {
	r := newRecorder(t, &fakeBackend{})
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Error(t, r.RecordStep(&core.StepRecord{}))
}
