// Package influx writes step and performance time series to InfluxDB. When
// the server cannot be reached at connect time, points go to a gzipped line
// protocol backup file instead.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/roadrl/carlaenv/internal/config"
	"github.com/roadrl/carlaenv/internal/model"
	"github.com/roadrl/carlaenv/pkg/core"
)

const (
	MeasurementStep        = "step"
	MeasurementPerformance = "performance"

	retentionSeconds = 60 * 60 * 24 * 90
)

// Manager handles the InfluxDB connection and writes.
type Manager struct {
	Client       influxdb2.Client
	Writer       influxdb2_api.WriteAPI
	BackupWriter *gzip.Writer
	IsValid      bool
	Config       config.InfluxConfig
	Logger       zerolog.Logger
	BackupPath   string

	mu         sync.Mutex
	backupFile *os.File
}

// NewManager creates a new InfluxDB manager. Nothing connects until Connect.
func NewManager(cfg config.InfluxConfig, log zerolog.Logger, backupPath string) *Manager {
	return &Manager{
		Config:     cfg,
		Logger:     log,
		BackupPath: backupPath,
	}
}

// Connect establishes a connection to InfluxDB and falls back to the backup
// file when the server does not answer a ping.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.Config.Enabled {
		return errors.New("influx.enabled is false")
	}

	m.Client = influxdb2.NewClientWithOptions(
		m.Config.URL(),
		m.Config.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(2500).
			SetFlushInterval(1000),
	)

	running, err := m.Client.Ping(ctx)
	if err != nil || !running {
		m.IsValid = false
		if m.BackupWriter == nil {
			m.Logger.Info().Str("backupPath", m.BackupPath).
				Msg("Failed to initialize InfluxDB client, writing to backup file")

			file, err := os.OpenFile(m.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return fmt.Errorf("error creating backup file: %v", err)
			}
			m.backupFile = file
			m.BackupWriter = gzip.NewWriter(file)
		}
		m.Logger.Warn().Msg("InfluxDB client failed to initialize, using backup writer")
		return nil
	}

	m.IsValid = true
	if err := m.setupOrganizationAndBucket(ctx); err != nil {
		return err
	}
	m.createWriter()
	m.Logger.Info().Str("bucket", m.Config.Bucket).Msg("InfluxDB client initialized")
	return nil
}

func (m *Manager) setupOrganizationAndBucket(ctx context.Context) error {
	orgName := m.Config.Org

	org, err := m.Client.OrganizationsAPI().FindOrganizationByName(ctx, orgName)
	if err != nil {
		m.Logger.Info().Str("org", orgName).Msg("Organization not found, creating")
		org, err = m.Client.OrganizationsAPI().CreateOrganizationWithName(ctx, orgName)
		if err != nil {
			m.Logger.Error().Err(err).Str("org", orgName).Msg("Error creating organization")
			return err
		}
	}

	bucket := m.Config.Bucket
	if _, err = m.Client.BucketsAPI().FindBucketByName(ctx, bucket); err != nil {
		m.Logger.Info().Str("bucket", bucket).Msg("Bucket not found, creating")

		rule := domain.RetentionRuleTypeExpire
		_, err = m.Client.BucketsAPI().CreateBucketWithName(ctx, org, bucket, domain.RetentionRule{
			Type:         &rule,
			EverySeconds: retentionSeconds,
		})
		if err != nil {
			m.Logger.Error().Err(err).Str("bucket", bucket).Msg("Error creating bucket")
			return err
		}
	}
	return nil
}

func (m *Manager) createWriter() {
	m.Writer = m.Client.WriteAPI(m.Config.Org, m.Config.Bucket)

	errorsCh := m.Writer.Errors()
	go func() {
		for writeErr := range errorsCh {
			m.Logger.Error().Err(writeErr).Str("bucket", m.Config.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}()
}

// WritePoint writes a point to InfluxDB or the backup file.
func (m *Manager) WritePoint(point *influxdb2_write.Point) error {
	if m.IsValid {
		m.Writer.WritePoint(point)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BackupWriter == nil {
		return fmt.Errorf("influxDB client not initialized and backup writer not available")
	}
	// PointToLineProtocol terminates the line itself
	lineProtocol := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if _, err := m.BackupWriter.Write([]byte(lineProtocol)); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %s", err)
	}
	return nil
}

// WriteStep writes one step as a point.
func (m *Manager) WriteStep(mapName string, s *core.StepRecord) error {
	return m.WritePoint(StepPoint(mapName, s))
}

// WritePerformance writes a monitor sample as a point.
func (m *Manager) WritePerformance(p model.Performance) error {
	return m.WritePoint(PerformancePoint(p))
}

// Close flushes pending writes and closes the client or the backup file.
func (m *Manager) Close() error {
	if m.Writer != nil {
		m.Writer.Flush()
	}
	if m.Client != nil {
		m.Client.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BackupWriter == nil {
		return nil
	}
	err := m.BackupWriter.Close()
	m.BackupWriter = nil
	if m.backupFile != nil {
		if cerr := m.backupFile.Close(); err == nil {
			err = cerr
		}
		m.backupFile = nil
	}
	return err
}

// StepPoint builds the step measurement: one field per reward component
// plus the driving state, tagged with episode and map.
func StepPoint(mapName string, s *core.StepRecord) *influxdb2_write.Point {
	p := influxdb2_write.NewPointWithMeasurement(MeasurementStep).
		AddTag("episode", s.EpisodeID).
		AddTag("map", mapName).
		AddField("step", s.Step).
		AddField("frame", s.Frame).
		AddField("steer", s.Action.Steer).
		AddField("throttle", s.Action.Throttle).
		AddField("autopilot", s.Autopilot).
		AddField("speed", s.Speed).
		AddField("distance_center", s.DistanceCenter).
		AddField("collision", s.Collision).
		AddField("line_invasion", s.LineInvasion).
		AddField("reward_total", s.TotalReward()).
		SetTime(s.Time)

	for name, v := range s.Reward {
		p.AddField("reward_"+name, v)
	}
	if s.DistanceLeftLane != nil {
		p.AddField("distance_left_lane", *s.DistanceLeftLane)
	}
	if s.DistanceRightLane != nil {
		p.AddField("distance_right_lane", *s.DistanceRightLane)
	}
	return p
}

// PerformancePoint builds the performance measurement from a monitor sample.
func PerformancePoint(perf model.Performance) *influxdb2_write.Point {
	return influxdb2_write.NewPointWithMeasurement(MeasurementPerformance).
		AddTag("episode", perf.EpisodeID).
		AddField("steps", perf.Steps).
		AddField("steps_per_second", perf.StepsPerSecond).
		AddField("queue_length", perf.QueueLength).
		AddField("heap_mb", perf.HeapMB).
		AddField("goroutines", perf.Goroutines).
		AddField("cpu_percent", perf.CPUPercent).
		SetTime(perf.Time)
}

// Recorder writes every recorded step of an episode as a point. It plugs
// into the environment next to the storage backend.
type Recorder struct {
	m       *Manager
	mapName string
}

// NewRecorder creates a Recorder on m.
func NewRecorder(m *Manager) *Recorder {
	return &Recorder{m: m}
}

func (r *Recorder) StartEpisode(ep *core.Episode) error {
	r.mapName = ep.MapName
	return nil
}

func (r *Recorder) RecordStep(s *core.StepRecord) error {
	return r.m.WriteStep(r.mapName, s)
}

// EndEpisode pushes buffered points out.
func (r *Recorder) EndEpisode() error {
	if r.m.Writer != nil {
		r.m.Writer.Flush()
	}
	return nil
}
