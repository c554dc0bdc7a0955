// Package monitor periodically samples recorder throughput and process
// health, writes the latest sample to status.txt and forwards it to the
// configured sinks.
package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"gorm.io/gorm"

	"github.com/roadrl/carlaenv/internal/episode"
	"github.com/roadrl/carlaenv/internal/model"
)

// StatusFileName is written in the status directory on every sample.
const StatusFileName = "status.txt"

// PerformanceWriter receives every sample, e.g. the InfluxDB manager.
type PerformanceWriter interface {
	WritePerformance(p model.Performance) error
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Episodes    *episode.Context
	QueueLength func() int // optional, e.g. the recorder's pending count
	DB          *gorm.DB   // optional
	Influx      PerformanceWriter
	StatusDir   string
	Interval    time.Duration
	Logger      *slog.Logger
}

// Status is the JSON document written to status.txt.
type Status struct {
	Time           time.Time `json:"time"`
	EpisodeID      string    `json:"episodeId,omitempty"`
	EpisodeCount   int       `json:"episodeCount"`
	Step           int       `json:"step"`
	StepsPerSecond float64   `json:"stepsPerSecond"`
	QueueLength    int       `json:"queueLength"`
	HeapMB         float64   `json:"heapMb"`
	Goroutines     int       `json:"goroutines"`
	CPUPercent     float64   `json:"cpuPercent"`
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	proc      *process.Process
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	wg        sync.WaitGroup

	// previous sample, for the step rate
	lastEpisode string
	lastStep    int
	lastTime    time.Time
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Episodes == nil {
		deps.Episodes = episode.NewContext()
	}
	s := &Service{deps: deps}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	} else {
		deps.Logger.Warn("Process metrics unavailable", "error", err)
	}
	return s
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Sample collects one status sample.
func (s *Service) Sample(now time.Time) Status {
	st := Status{
		Time:         now,
		EpisodeCount: s.deps.Episodes.Count(),
		Goroutines:   runtime.NumGoroutine(),
	}
	if ep := s.deps.Episodes.Episode(); ep != nil {
		st.EpisodeID = ep.ID
		st.Step = s.deps.Episodes.Step()
	}
	if s.deps.QueueLength != nil {
		st.QueueLength = s.deps.QueueLength()
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	st.HeapMB = float64(mem.HeapAlloc) / (1 << 20)

	if s.proc != nil {
		if cpu, err := s.proc.CPUPercent(); err == nil {
			st.CPUPercent = cpu
		}
	}

	s.mu.Lock()
	if st.EpisodeID != "" && st.EpisodeID == s.lastEpisode && now.After(s.lastTime) {
		st.StepsPerSecond = float64(st.Step-s.lastStep) / now.Sub(s.lastTime).Seconds()
	}
	s.lastEpisode, s.lastStep, s.lastTime = st.EpisodeID, st.Step, now
	s.mu.Unlock()

	return st
}

// Performance converts a sample to its database row.
func (st Status) Performance() model.Performance {
	return model.Performance{
		Time:           st.Time,
		EpisodeID:      st.EpisodeID,
		Steps:          st.Step,
		StepsPerSecond: st.StepsPerSecond,
		QueueLength:    st.QueueLength,
		HeapMB:         st.HeapMB,
		Goroutines:     st.Goroutines,
		CPUPercent:     st.CPUPercent,
	}
}

// WriteStatus replaces the status file with st.
func (s *Service) WriteStatus(st Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	path := filepath.Join(s.deps.StatusDir, StatusFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Service) tick(now time.Time) {
	st := s.Sample(now)
	if err := s.WriteStatus(st); err != nil {
		s.deps.Logger.Error("Error writing status file", "error", err)
	}
	// samples outside an episode only go to status.txt
	if st.EpisodeID == "" {
		return
	}

	perf := st.Performance()
	if s.deps.DB != nil {
		if err := s.deps.DB.Create(&perf).Error; err != nil {
			s.deps.Logger.Error("Error writing performance row", "error", err)
		}
	}
	if s.deps.Influx != nil {
		if err := s.deps.Influx.WritePerformance(perf); err != nil {
			s.deps.Logger.Error("Error writing performance point", "error", err)
		}
	}
}

// Start starts the status monitor goroutine
func (s *Service) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if err := os.MkdirAll(s.deps.StatusDir, 0o755); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("create status dir: %w", err)
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	stop := s.stopChan
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deps.Logger.Debug("Starting status monitor", "interval", s.deps.Interval)

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				s.tick(now)
			}
		}
	}()

	return nil
}

// Stop stops the status monitor and waits for the last sample to finish
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	s.mu.Unlock()
	s.wg.Wait()
}
