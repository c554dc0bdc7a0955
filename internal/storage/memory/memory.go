// Package memory implements the observation logging backend: a directory per
// episode with one JSON record and one PNG per image field for every step,
// and an episode summary written when the episode ends.
package memory

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/roadrl/carlaenv/internal/config"
	v1 "github.com/roadrl/carlaenv/internal/storage/memory/export/v1"
	"github.com/roadrl/carlaenv/internal/util"
	"github.com/roadrl/carlaenv/pkg/core"
)

// ErrNoEpisode is returned when a step arrives outside an episode.
var ErrNoEpisode = errors.New("no episode started")

// Backend keeps the running episode in memory and logs every step to disk.
type Backend struct {
	cfg config.MemoryConfig
	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	episode  *core.Episode
	dir      string
	steps    []core.StepRecord
	images   map[string][]string
	lastMeta core.UploadMetadata

	lastExportPath string
}

// New creates a new memory backend
func New(cfg config.MemoryConfig, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{cfg: cfg, log: log, now: time.Now}
}

// Init creates the output directory.
func (b *Backend) Init() error {
	if err := os.MkdirAll(b.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}

// Close ends an episode that is still open.
func (b *Backend) Close() error {
	return b.EndEpisode()
}

// StartEpisode creates the episode directory. Directory names start with the
// start time so a listing is chronological.
func (b *Backend) StartEpisode(e *core.Episode) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	name := fmt.Sprintf("%s_%s_%s",
		e.StartTime.Format("20060102_150405"),
		util.SanitizeFileName(e.MapName),
		util.ShortID(e.ID))
	dir := filepath.Join(b.cfg.OutputDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create episode directory: %w", err)
	}

	cp := *e
	b.episode = &cp
	b.dir = dir
	b.steps = nil
	b.images = make(map[string][]string)
	return nil
}

// RecordStep writes the step record and its images, then keeps the record
// without pixel data for the summary.
func (b *Backend) RecordStep(s *core.StepRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.episode == nil {
		return ErrNoEpisode
	}

	if err := writeJSON(filepath.Join(b.dir, util.StepFileName("step", s.Step, "json")), s); err != nil {
		return err
	}

	if b.cfg.WriteImages {
		names := make([]string, 0, len(s.Images))
		for name := range s.Images {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			file := util.StepFileName(name, s.Step, "png")
			if err := saveImage(filepath.Join(b.dir, file), s.Images[name]); err != nil {
				b.log.Warn("Failed to write image", "sensor", name, "step", s.Step, "error", err)
				continue
			}
			b.images[name] = append(b.images[name], file)
		}
	}

	rec := *s
	rec.Images = nil
	b.steps = append(b.steps, rec)
	return nil
}

// EndEpisode writes the episode summary. It is a no-op without an open
// episode.
func (b *Backend) EndEpisode() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.episode == nil {
		return nil
	}
	if b.episode.EndTime.IsZero() {
		b.episode.EndTime = b.now()
	}

	export := v1.Build(&v1.EpisodeData{
		Episode: b.episode,
		Steps:   b.steps,
		Images:  b.images,
	})

	var path string
	var err error
	if b.cfg.CompressOutput {
		path = filepath.Join(b.dir, "episode.json.gz")
		err = writeGzipJSON(path, export)
	} else {
		path = filepath.Join(b.dir, "episode.json")
		err = writeJSON(path, export)
	}
	if err != nil {
		return err
	}

	b.lastExportPath = path
	b.lastMeta = core.UploadMetadata{
		EpisodeID:   b.episode.ID,
		MapName:     b.episode.MapName,
		Vehicle:     b.episode.Vehicle,
		Duration:    export.DurationSeconds,
		Steps:       export.Steps,
		TotalReward: export.TotalReward,
		Tag:         b.episode.Tag,
	}
	b.log.Info("Episode exported", "path", path, "steps", export.Steps)

	b.episode = nil
	b.steps = nil
	b.images = nil
	return nil
}

// GetExportedFilePath returns the path to the last exported summary.
func (b *Backend) GetExportedFilePath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastExportPath
}

// GetExportMetadata returns metadata of the last exported episode.
func (b *Backend) GetExportMetadata() core.UploadMetadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastMeta
}

func saveImage(path string, img *core.Image) error {
	if img == nil {
		return errors.New("nil image")
	}
	decoded, err := toImage(img)
	if err != nil {
		return err
	}
	return imgio.Save(path, decoded, imgio.PNGEncoder())
}

func writeJSON(path string, data any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	return json.NewEncoder(f).Encode(data)
}

func writeGzipJSON(path string, data any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	gzWriter := gzip.NewWriter(f)
	if err := json.NewEncoder(gzWriter).Encode(data); err != nil {
		gzWriter.Close()
		return err
	}
	return gzWriter.Close()
}
