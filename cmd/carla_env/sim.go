package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roadrl/carlaenv/internal/config"
	"github.com/roadrl/carlaenv/internal/rpcclient"
	"github.com/roadrl/carlaenv/internal/sensor"
	"github.com/roadrl/carlaenv/internal/sensorconfig"
	"github.com/roadrl/carlaenv/internal/server"
	"github.com/roadrl/carlaenv/internal/simfake"
	"github.com/roadrl/carlaenv/pkg/sim"
)

// simulator is an established client plus whatever tears it down.
type simulator struct {
	client  sim.Client
	tmPort  int
	release func() error
}

func newSupervisor(a *app, cfg config.ServerConfig) *server.Supervisor {
	ports := server.NewAllocator(server.NetstatChecker{}, cfg.PortRangeMin, cfg.PortRangeMax, nil)
	return server.NewSupervisor(server.Config{
		Executable:     cfg.Executable,
		RenderMode:     cfg.RenderMode,
		WindowX:        cfg.WindowX,
		WindowY:        cfg.WindowY,
		Map:            cfg.Map,
		Host:           cfg.Host,
		Port:           cfg.Port,
		TrafficManager: cfg.TrafficManager,
		TickSeconds:    cfg.TickSeconds,
		StartupGrace:   cfg.StartupGrace,
		KillGrace:      cfg.KillGrace,
		ConnectTimeout: cfg.ConnectTimeout,
		ConnectRetries: cfg.ConnectRetries,
		RetryBackoff:   cfg.RetryBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}, ports, rpcclient.Dialer{Logger: a.log.With("component", "rpc")}, a.log.With("component", "server"))
}

// connect launches the simulator, attaches to a running one when
// attachPort is set, or starts the in-process fake.
func connect(ctx context.Context, a *app, cfg config.ServerConfig, fake bool, attachPort, attachTM int) (*simulator, error) {
	if fake {
		engine := simfake.New(simfake.DefaultOptions())
		world, err := engine.World(ctx)
		if err != nil {
			return nil, err
		}
		if err := world.ApplySettings(ctx, sim.Settings{SynchronousMode: true, FixedDeltaSeconds: cfg.TickSeconds}); err != nil {
			return nil, err
		}
		a.log.Info("Using in-process fake simulator")
		return &simulator{client: engine}, nil
	}

	sup := newSupervisor(a, cfg)
	var p *server.Process
	if attachPort > 0 {
		p = sup.Attach(attachPort, attachTM)
	} else {
		var err error
		if p, err = sup.Start(ctx); err != nil {
			return nil, err
		}
	}

	client, err := sup.Connect(ctx, p)
	if err != nil {
		return nil, errors.Join(err, sup.Destroy(p))
	}
	return &simulator{
		client:  client,
		tmPort:  p.TrafficManagerPort,
		release: func() error { return sup.Destroy(p) },
	}, nil
}

// loadSensors reads the sensor document named by env.sensorConfig,
// relative to the config dir. Without a document the hero gets a single
// front camera.
func loadSensors(configDir string, cfg config.EnvConfig) (*sensorconfig.SensorSetConfig, error) {
	if cfg.SensorConfig == "" {
		return defaultSensors(cfg.Vehicle)
	}
	path := cfg.SensorConfig
	if !filepath.IsAbs(path) {
		path = filepath.Join(configDir, path)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return defaultSensors(cfg.Vehicle)
	}
	sensors, err := sensorconfig.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load sensors from %s: %w", path, err)
	}
	return sensors, nil
}

func defaultSensors(vehicle string) (*sensorconfig.SensorSetConfig, error) {
	return sensorconfig.New(vehicle, sensor.Spec{
		Name:      "front_camera",
		Type:      "sensor.camera.rgb",
		Transform: sim.Transform{Location: sim.Location{X: 1.5, Z: 2.4}},
		Attributes: map[string]string{
			"image_size_x": "200",
			"image_size_y": "88",
		},
	})
}
