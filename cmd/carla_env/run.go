package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roadrl/carlaenv/internal/api"
	"github.com/roadrl/carlaenv/internal/config"
	"github.com/roadrl/carlaenv/internal/dispatcher"
	"github.com/roadrl/carlaenv/internal/env"
	"github.com/roadrl/carlaenv/internal/influx"
	"github.com/roadrl/carlaenv/internal/logging"
	"github.com/roadrl/carlaenv/internal/monitor"
	"github.com/roadrl/carlaenv/internal/storage"
)

type runOptions struct {
	episodes   int
	fake       bool
	attachPort int
	attachTM   int
	autopilot  bool
	steer      float64
	throttle   float64
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run episodes and record them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEpisodes(cmd, root, opts)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.episodes, "episodes", "n", 1, "number of episodes to run")
	f.BoolVar(&opts.fake, "fake", false, "use the in-process fake simulator")
	f.IntVar(&opts.attachPort, "attach", 0, "attach to a simulator already listening on this RPC port")
	f.IntVar(&opts.attachTM, "attach-tm", 0, "traffic manager port of the attached simulator")
	f.BoolVar(&opts.autopilot, "autopilot", false, "let the simulator drive (overrides env.autopilot)")
	f.Float64Var(&opts.steer, "steer", 0, "constant steer action in [-1, 1]")
	f.Float64Var(&opts.throttle, "throttle", 0.5, "constant throttle action in [0, 1]")
	return cmd
}

func runEpisodes(cmd *cobra.Command, root *rootOptions, opts *runOptions) (err error) {
	if opts.episodes <= 0 {
		return fmt.Errorf("episodes must be positive, got %d", opts.episodes)
	}
	a, err := bootstrap(root)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envCfg := config.GetEnvConfig()
	if cmd.Flags().Changed("autopilot") {
		envCfg.Autopilot = opts.autopilot
	}
	sensors, err := loadSensors(root.configDir, envCfg)
	if err != nil {
		return err
	}

	// storage first: a failing backend should not cost a simulator launch
	backend, err := createStorageBackend(a)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil {
			a.log.Error("Failed to close storage", "error", cerr)
		}
	}()

	d, err := dispatcher.New(logging.ForComponent(a.log, "dispatcher"))
	if err != nil {
		return err
	}
	defer d.Close()

	recorder := storage.NewAsyncRecorder(d, backend, a.log.With("component", "recorder"), storage.DefaultQueueSize)
	defer recorder.Close()
	recorders := env.Recorders{recorder}

	var perf monitor.PerformanceWriter
	if influxCfg := config.GetInfluxConfig(); influxCfg.Enabled {
		backup := filepath.Join(config.GetString("logsDir"), fmt.Sprintf("influx_backup_%s.lp.gz", a.start.Format("20060102_150405")))
		m := influx.NewManager(influxCfg, a.zerolog(), backup)
		if err := m.Connect(ctx); err != nil {
			a.log.Error("Failed to connect to InfluxDB", "error", err)
		} else {
			defer m.Close()
			recorders = append(recorders, influx.NewRecorder(m))
			perf = m
		}
	}

	if config.GetBool("api.upload") {
		if src, ok := backend.(storage.Uploadable); ok {
			client := api.New(config.GetString("api.serverUrl"), config.GetString("api.apiKey"))
			if err := client.Healthcheck(ctx); err != nil {
				a.log.Warn("Upload server not reachable", "error", err)
			}
			recorders = append(recorders, &uploader{ctx: ctx, client: client, src: src, tag: config.GetString("defaultTag"), a: a})
		} else {
			a.log.Warn("Storage backend does not export files, upload disabled", "type", config.GetStorageConfig().Type)
		}
	}

	mon := monitor.NewService(monitor.Dependencies{
		Episodes:    a.episodes,
		QueueLength: recorder.Pending,
		DB:          storageDB(backend),
		Influx:      perf,
		StatusDir:   config.GetString("logsDir"),
		Interval:    config.GetDuration("monitor.interval"),
		Logger:      a.log.With("component", "monitor"),
	})
	if err := mon.Start(); err != nil {
		a.log.Warn("Failed to start status monitor", "error", err)
	}
	defer mon.Stop()

	serverCfg := config.GetServerConfig()
	s, err := connect(ctx, a, serverCfg, opts.fake, opts.attachPort, opts.attachTM)
	if err != nil {
		return err
	}

	e, err := env.New(ctx, s.client, sensors, env.Config{
		MaxSteps:            envCfg.MaxSteps,
		TargetVelocity:      envCfg.TargetVelocity,
		LaneHalfWidth:       envCfg.LaneHalfWidth,
		LaneChangeDirection: envCfg.LaneChangeDirection,
		Autopilot:           envCfg.Autopilot,
		PrimingTicks:        envCfg.PrimingTicks,
		Weather:             envCfg.Weather,
		TrafficManagerPort:  s.tmPort,
		Seed:                envCfg.Seed,
	},
		env.WithRecorder(recorders),
		env.WithLogger(a.log),
		env.WithEpisodeContext(a.episodes),
		env.WithRelease(s.release),
	)
	if err != nil {
		err = errors.Join(err, s.client.Close())
		if s.release != nil {
			err = errors.Join(err, s.release())
		}
		return err
	}
	defer func() {
		if cerr := e.Close(context.Background()); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	action := env.Action{Steer: opts.steer, Throttle: opts.throttle}
	for i := 0; i < opts.episodes; i++ {
		if err := runEpisode(ctx, e, action); err != nil {
			if ctx.Err() != nil {
				a.log.Info("Interrupted, closing environment", "episodesDone", i)
				return nil
			}
			return err
		}
		a.flush(ctx)
	}
	if rerr := recorder.Err(); rerr != nil {
		a.log.Warn("Storage reported errors during the run", "lastError", rerr)
	}
	return nil
}

func runEpisode(ctx context.Context, e *env.Env, action env.Action) error {
	if _, err := e.Reset(ctx); err != nil {
		return err
	}
	for {
		_, _, done, _, err := e.Step(ctx, action)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}
