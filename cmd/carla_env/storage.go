package main

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/roadrl/carlaenv/internal/api"
	"github.com/roadrl/carlaenv/internal/config"
	"github.com/roadrl/carlaenv/internal/model"
	"github.com/roadrl/carlaenv/internal/storage"
	"github.com/roadrl/carlaenv/pkg/core"
)

func envInfo() model.EnvInfo {
	return model.EnvInfo{
		Name:        AppName,
		Description: "CARLA driving environment episodes",
		Version:     Version,
	}
}

// createStorageBackend builds and initializes the configured backend. A
// websocket backend without its own url streams to api.serverUrl.
func createStorageBackend(a *app) (storage.Backend, error) {
	cfg := config.GetStorageConfig()
	if cfg.Type == "websocket" && cfg.WebSocket.URL == "" {
		cfg.WebSocket.URL = httpToWS(config.GetString("api.serverUrl")) + "/api/v1/stream"
		if cfg.WebSocket.Secret == "" {
			cfg.WebSocket.Secret = config.GetString("api.apiKey")
		}
	}

	backend, err := storage.NewBackend(cfg, config.GetDBConfig(), a.log.With("component", "storage"), envInfo())
	if err != nil {
		return nil, err
	}
	if err := backend.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize %s storage: %w", cfg.Type, err)
	}
	a.log.Info("Storage backend initialized", "type", cfg.Type)
	return backend, nil
}

// storageDB returns the database behind gorm backed storage, or nil.
func storageDB(b storage.Backend) *gorm.DB {
	if g, ok := b.(interface{ DB() *gorm.DB }); ok {
		return g.DB()
	}
	return nil
}

// httpToWS converts an HTTP(S) URL to a WebSocket URL.
func httpToWS(httpURL string) string {
	s := strings.TrimRight(httpURL, "/")
	s = strings.Replace(s, "https://", "wss://", 1)
	s = strings.Replace(s, "http://", "ws://", 1)
	return s
}

// uploader pushes every finished episode export to the collection server.
// It must come after the storage recorder so the export exists when
// EndEpisode runs.
type uploader struct {
	ctx    context.Context
	client *api.Client
	src    storage.Uploadable
	tag    string
	a      *app
}

func (u *uploader) StartEpisode(*core.Episode) error   { return nil }
func (u *uploader) RecordStep(*core.StepRecord) error { return nil }

func (u *uploader) EndEpisode() error {
	path := u.src.GetExportedFilePath()
	if path == "" {
		return nil
	}
	meta := u.src.GetExportMetadata()
	if meta.Tag == "" {
		meta.Tag = u.tag
	}
	if err := u.client.Upload(u.ctx, path, meta); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	u.a.log.Info("Episode uploaded", "episode", meta.EpisodeID, "file", path)
	return nil
}
