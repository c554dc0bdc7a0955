// Package postgres implements the storage.Backend interface on PostgreSQL
// with PostGIS, using the gorm backend's queued batch writer.
package postgres

import (
	"fmt"
	"log/slog"

	"github.com/roadrl/carlaenv/internal/config"
	"github.com/roadrl/carlaenv/internal/database"
	"github.com/roadrl/carlaenv/internal/model"
	"github.com/roadrl/carlaenv/internal/storage/gormstore"

	"gorm.io/gorm"
)

// Dependencies holds all dependencies for the Postgres storage backend.
// DB may be injected; otherwise Init connects using Config.
type Dependencies struct {
	DB     *gorm.DB
	Config config.DBConfig
	Logger *slog.Logger
	Info   model.EnvInfo
}

// Backend implements storage.Backend on PostgreSQL.
type Backend struct {
	*gormstore.Backend
	deps Dependencies
}

// New creates a new Postgres storage backend. Nothing connects until Init.
func New(deps Dependencies) *Backend {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Backend{deps: deps}
}

// Init connects when no DB was injected, then migrates the schema and starts
// the writer.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		db, err := database.GetPostgresDB(b.deps.Config)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("failed to access sql interface: %w", err)
		}
		if err = sqlDB.Ping(); err != nil {
			return fmt.Errorf("failed to validate connection: %w", err)
		}
		sqlDB.SetMaxOpenConns(10)
		b.deps.DB = db
		b.deps.Logger.Info("Connected to database", "host", b.deps.Config.Host, "database", b.deps.Config.Database)
	}

	b.Backend = gormstore.New(gormstore.Dependencies{
		DB:     b.deps.DB,
		Logger: b.deps.Logger,
		Info:   b.deps.Info,
	})
	return b.Backend.Init()
}

// Close stops the writer and closes the connection pool.
func (b *Backend) Close() error {
	if b.Backend == nil {
		return nil
	}
	if err := b.Backend.Close(); err != nil {
		return err
	}
	sqlDB, err := b.deps.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
