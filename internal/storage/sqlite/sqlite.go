// Package sqlitestorage implements the storage.Backend interface using an in-memory
// SQLite database with periodic disk dumps via VACUUM INTO.
// It wraps the gorm backend; the only SQLite-specific concerns are creating
// the in-memory DB and dumping it to disk periodically and on close.
package sqlitestorage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roadrl/carlaenv/internal/database"
	"github.com/roadrl/carlaenv/internal/model"
	"github.com/roadrl/carlaenv/internal/model/convert"
	"github.com/roadrl/carlaenv/internal/storage/gormstore"
	"github.com/roadrl/carlaenv/pkg/core"

	"gorm.io/gorm"
)

// Config holds configuration for the SQLite storage backend.
type Config struct {
	DumpInterval time.Duration
	DumpPath     string // Path for periodic VACUUM INTO dumps
	DSN          string // empty for the shared in-memory database
}

// Backend wraps the gorm backend for SQLite-specific behavior.
type Backend struct {
	*gormstore.Backend
	db       *gorm.DB
	cfg      Config
	log      *slog.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a new SQLite storage backend.
func New(cfg Config, log *slog.Logger, info model.EnvInfo) (*Backend, error) {
	db, err := database.GetSqliteDB(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQLite DB: %w", err)
	}

	return &Backend{
		Backend: gormstore.New(gormstore.Dependencies{
			DB:     db,
			Logger: log,
			Info:   info,
		}),
		db:       db,
		cfg:      cfg,
		log:      log,
		stopChan: make(chan struct{}),
	}, nil
}

// Init initializes the embedded gorm backend and starts the dump goroutine.
func (b *Backend) Init() error {
	if err := b.Backend.Init(); err != nil {
		return err
	}

	if b.cfg.DumpPath != "" {
		if err := os.MkdirAll(filepath.Dir(b.cfg.DumpPath), 0o755); err != nil {
			return fmt.Errorf("failed to create dump directory: %w", err)
		}
		if b.cfg.DumpInterval > 0 {
			b.wg.Add(1)
			go b.dumpLoop()
		}
	}

	return nil
}

// EndEpisode finalizes the episode and dumps, so every finished episode is
// on disk.
func (b *Backend) EndEpisode() error {
	if err := b.Backend.EndEpisode(); err != nil {
		return err
	}
	b.dump()
	return nil
}

// Close stops the dump goroutine, writes the last dump and closes the
// embedded gorm backend.
func (b *Backend) Close() error {
	close(b.stopChan)
	b.wg.Wait()
	err := b.Backend.Close()
	b.dump()
	return err
}

// GetExportedFilePath returns the path of the on-disk dump.
func (b *Backend) GetExportedFilePath() string {
	return b.cfg.DumpPath
}

// GetExportMetadata describes the last finished episode.
func (b *Backend) GetExportMetadata() core.UploadMetadata {
	var row model.Episode
	if err := b.db.Order("id desc").First(&row).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			b.log.Error("Failed to read last episode", "error", err)
		}
		return core.UploadMetadata{}
	}
	ep := convert.EpisodeToCore(row)
	return ep.UploadMetadata()
}

func (b *Backend) dump() {
	if b.cfg.DumpPath == "" {
		return
	}
	took, err := database.DumpMemoryDBToDisk(b.db, b.cfg.DumpPath)
	if err != nil {
		b.log.Error("Error dumping to disk", "path", b.cfg.DumpPath, "error", err)
		return
	}
	b.log.Debug("Dumped to disk", "path", b.cfg.DumpPath, "duration", took)
}

// dumpLoop periodically dumps the in-memory SQLite database to disk via VACUUM INTO.
// VACUUM INTO creates a point-in-time snapshot, so no pause mechanism is needed.
func (b *Backend) dumpLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			b.dump()
		}
	}
}
