// Package gormstore implements episode recording on a gorm database. Steps
// are queued in memory and written in batched transactions by a background
// writer; episodes are inserted and finalized synchronously.
package gormstore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roadrl/carlaenv/internal/database"
	"github.com/roadrl/carlaenv/internal/model"
	"github.com/roadrl/carlaenv/internal/model/convert"
	"github.com/roadrl/carlaenv/internal/queue"
	"github.com/roadrl/carlaenv/pkg/core"

	"gorm.io/gorm"
)

const (
	defaultFlushInterval = 2 * time.Second
	defaultBatchSize     = 500
)

// ErrNoEpisode is returned when a step arrives outside an episode.
var ErrNoEpisode = errors.New("no episode started")

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB            *gorm.DB
	Logger        *slog.Logger
	Info          model.EnvInfo
	FlushInterval time.Duration
	BatchSize     int
}

// Backend implements storage.Backend on gorm with queue-based batch writes.
type Backend struct {
	deps    Dependencies
	steps   *queue.Queue[model.Step]
	writeMu sync.Mutex

	episodeID atomic.Uint64
	episode   core.Episode

	lastWrite atomic.Int64
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.FlushInterval <= 0 {
		deps.FlushInterval = defaultFlushInterval
	}
	if deps.BatchSize <= 0 {
		deps.BatchSize = defaultBatchSize
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Backend{
		deps:  deps,
		steps: queue.New[model.Step](),
	}
}

// DB returns the underlying connection.
func (b *Backend) DB() *gorm.DB {
	return b.deps.DB
}

// Init migrates the schema and starts the DB writer goroutine.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		return errors.New("gormstore: no database")
	}
	if err := database.Setup(b.deps.DB, b.deps.Logger, b.deps.Info); err != nil {
		return fmt.Errorf("failed to setup DB: %w", err)
	}

	b.stopChan = make(chan struct{})
	b.wg.Add(1)
	go b.writerLoop()
	return nil
}

// Close stops the writer and writes whatever is still queued.
func (b *Backend) Close() error {
	if b.stopChan != nil {
		close(b.stopChan)
		b.wg.Wait()
		b.stopChan = nil
	}
	if b.deps.DB == nil {
		return nil
	}
	return b.flush()
}

// StartEpisode inserts the episode row and its sensors.
func (b *Backend) StartEpisode(e *core.Episode) error {
	if err := b.flush(); err != nil {
		b.deps.Logger.Error("Failed to flush steps of previous episode", "error", err)
	}

	row := convert.CoreToEpisode(*e)
	if err := b.deps.DB.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert episode: %w", err)
	}

	b.writeMu.Lock()
	b.episode = *e
	b.writeMu.Unlock()
	b.episodeID.Store(uint64(row.ID))
	return nil
}

// RecordStep converts and queues a step.
func (b *Backend) RecordStep(s *core.StepRecord) error {
	id := uint(b.episodeID.Load())
	if id == 0 {
		return ErrNoEpisode
	}
	b.writeMu.Lock()
	b.episode.Accumulate(s)
	b.writeMu.Unlock()

	b.steps.Push(convert.CoreToStep(*s, id))
	return nil
}

// EndEpisode writes the remaining steps, then stores the totals and the
// trajectory on the episode row.
func (b *Backend) EndEpisode() error {
	id := uint(b.episodeID.Swap(0))
	if id == 0 {
		return nil
	}
	if err := b.flush(); err != nil {
		return err
	}

	b.writeMu.Lock()
	ep := b.episode
	b.writeMu.Unlock()

	var positions []model.Step
	if err := b.deps.DB.Select("step", "position").
		Where("episode_id = ?", id).
		Order("step").
		Find(&positions).Error; err != nil {
		return fmt.Errorf("failed to read trajectory: %w", err)
	}

	trajectory, err := convert.TrajectoryFromSteps(positions)
	if err != nil {
		b.deps.Logger.Warn("Storing empty trajectory", "episode", ep.ID, "error", err)
	}

	err = b.deps.DB.Model(&model.Episode{}).Where("id = ?", id).Updates(map[string]any{
		"end_time":       time.Now(),
		"steps":          ep.Steps,
		"total_reward":   ep.TotalReward,
		"collisions":     ep.Collisions,
		"lane_invasions": ep.LaneInvasions,
		"trajectory":     trajectory,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to finalize episode: %w", err)
	}
	return nil
}

// QueueLength returns the number of steps waiting for the writer.
func (b *Backend) QueueLength() int {
	return b.steps.Len()
}

// LastWriteDuration returns how long the last batch write took.
func (b *Backend) LastWriteDuration() time.Duration {
	return time.Duration(b.lastWrite.Load())
}

func (b *Backend) flush() error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	start := time.Now()
	for !b.steps.Empty() {
		if err := writeQueue(b.deps.DB, b.steps, b.deps.BatchSize); err != nil {
			b.deps.Logger.Error("Error writing steps", "error", err, "queued", b.steps.Len())
			return err
		}
	}
	b.lastWrite.Store(int64(time.Since(start)))
	return nil
}

// writeQueue writes one batch from a queue to the database in a
// transaction. A failed batch goes back to the front of the queue.
func writeQueue[T any](db *gorm.DB, q *queue.Queue[T], max int) error {
	items := q.Take(max)
	if len(items) == 0 {
		return nil
	}
	tx := db.Begin()
	if err := tx.Create(&items).Error; err != nil {
		tx.Rollback()
		q.Requeue(items...)
		return err
	}
	if err := tx.Commit().Error; err != nil {
		q.Requeue(items...)
		return err
	}
	return nil
}

// writerLoop periodically drains the step queue into the DB.
func (b *Backend) writerLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.deps.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			_ = b.flush()
		}
	}
}
