package storage

import (
	"fmt"
	"log/slog"

	"github.com/roadrl/carlaenv/internal/config"
	"github.com/roadrl/carlaenv/internal/model"
	"github.com/roadrl/carlaenv/internal/storage/memory"
	"github.com/roadrl/carlaenv/internal/storage/postgres"
	sqlitestorage "github.com/roadrl/carlaenv/internal/storage/sqlite"
	"github.com/roadrl/carlaenv/internal/storage/websocket"
)

// NewBackend creates the storage backend selected by cfg.Type. The backend
// is not initialized.
func NewBackend(cfg config.StorageConfig, db config.DBConfig, log *slog.Logger, info model.EnvInfo) (Backend, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(cfg.Memory, log), nil
	case "sqlite":
		return sqlitestorage.New(sqlitestorage.Config{
			DumpInterval: cfg.SQLite.DumpInterval,
			DumpPath:     cfg.SQLite.Path,
		}, log, info)
	case "postgres":
		return postgres.New(postgres.Dependencies{
			Config: db,
			Logger: log,
			Info:   info,
		}), nil
	case "websocket":
		return websocket.New(websocket.Config{
			URL:    cfg.WebSocket.URL,
			Secret: cfg.WebSocket.Secret,
		}, log), nil
	case "none", "":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
