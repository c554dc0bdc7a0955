package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/rs/zerolog"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/roadrl/carlaenv/internal/config"
	"github.com/roadrl/carlaenv/internal/episode"
	"github.com/roadrl/carlaenv/internal/logging"
	intOtel "github.com/roadrl/carlaenv/internal/otel"
)

// app holds the process wide services every command starts with.
type app struct {
	start    time.Time
	level    string
	slog     *logging.SlogManager
	log      *slog.Logger
	logFile  *os.File
	otel     *intOtel.Provider
	episodes *episode.Context
}

// bootstrap loads the configuration and sets up logging. A missing config
// file is not fatal; every key has a default.
func bootstrap(opts *rootOptions) (*app, error) {
	a := &app{
		start:    time.Now(),
		slog:     logging.NewSlogManager(),
		episodes: episode.NewContext(),
	}
	a.slog.Setup(nil, "info", nil)
	a.log = a.slog.Logger()

	if err := config.LoadEnvFile(opts.configDir); err != nil {
		a.log.Warn("Failed to load env file", "error", err)
	}
	loaded := true
	if err := config.Load(opts.configDir); err != nil {
		loaded = false
		a.log.Warn("Failed to load config, using defaults!", "error", err)
	}

	a.level = config.GetString("logLevel")
	if opts.logLevel != "" {
		a.level = opts.logLevel
	}

	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	logPath := logging.LogFilePath(logsDir, AppName, a.start)
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		a.log.Error("Failed to create/open log file!", "error", err, "path", logPath)
	} else {
		a.logFile = f
	}
	if removed, err := logging.PruneLogFiles(logsDir, AppName, config.GetInt("logsKeep")); err != nil {
		a.log.Warn("Failed to prune old log files", "error", err)
	} else if len(removed) > 0 {
		a.log.Debug("Pruned old log files", "count", len(removed))
	}

	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		a.otel, err = intOtel.New(intOtel.Config{
			Enabled:      otelCfg.Enabled,
			ServiceName:  otelCfg.ServiceName,
			BatchTimeout: otelCfg.BatchTimeout,
			LogWriter:    a.logWriter(),
			Endpoint:     otelCfg.Endpoint,
			Insecure:     otelCfg.Insecure,

			MetricInterval: otelCfg.MetricInterval,
			Version:        Version,
			Attributes: map[string]string{
				"carla.map":     config.GetString("env.map"),
				"carla.vehicle": config.GetString("env.vehicle"),
			},
		})
		if err != nil {
			a.log.Error("Failed to initialize OTel provider", "error", err)
			a.otel = nil
		}
	}

	setupOpts := []logging.SetupOption{logging.WithContext(a.episodes.LogAttrs)}
	if config.GetBool("graylog.enabled") {
		w, err := logging.NewGELFWriter(config.GetString("graylog.address"))
		if err != nil {
			a.log.Error("Failed to connect to Graylog", "error", err)
		} else {
			setupOpts = append(setupOpts, logging.WithGELF(w))
		}
	}

	var provider *sdklog.LoggerProvider
	if a.otel != nil {
		provider = a.otel.LoggerProvider()
	}
	var out io.Writer
	if a.logFile != nil {
		out = a.logFile
	}
	a.slog.Setup(out, a.level, provider, setupOpts...)
	a.log = a.slog.Logger()

	if loaded && opts.logLevel == "" {
		config.WatchLogLevel(a.slog.SetLevel)
	}
	a.log.Info("Starting", "app", AppName, "version", Version, "buildDate", BuildDate, "logFile", logPath)
	return a, nil
}

func (a *app) logWriter() io.Writer {
	if a.logFile != nil {
		return a.logFile
	}
	return os.Stdout
}

// zerolog returns the logger handed to the InfluxDB layer.
func (a *app) zerolog() zerolog.Logger {
	return logging.NewZerolog(a.logWriter(), a.level)
}

// flush pushes buffered OTel records out, e.g. after every episode.
func (a *app) flush(ctx context.Context) {
	if a.otel == nil {
		return
	}
	if err := a.otel.Flush(ctx); err != nil {
		a.log.Warn("Failed to flush OTel logs", "error", err)
	}
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.otel != nil {
		if err := a.otel.Shutdown(ctx); err != nil {
			a.log.Warn("Failed to shut down OTel", "error", err)
		}
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}
