package main

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/roadrl/carlaenv/internal/config"
	"github.com/roadrl/carlaenv/internal/database"
	"github.com/roadrl/carlaenv/internal/model"
	"github.com/roadrl/carlaenv/internal/model/convert"
	v1 "github.com/roadrl/carlaenv/internal/storage/memory/export/v1"
	"github.com/roadrl/carlaenv/internal/util"
	"github.com/roadrl/carlaenv/pkg/core"
)

func newExportCmd(root *rootOptions) *cobra.Command {
	var dbPath, outDir string
	cmd := &cobra.Command{
		Use:   "export [episode-id...]",
		Short: "Export recorded episodes from a database as gzipped JSON",
		Long: "Reads episodes from a SQLite dump (--db) or, without --db, from the configured\n" +
			"PostgreSQL database and writes one <start>_<map>_<id>.json.gz per episode.\n" +
			"Without ids every finished episode is exported.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(root)
			if err != nil {
				return err
			}
			defer a.close()

			var db *gorm.DB
			if dbPath != "" {
				if _, err := os.Stat(dbPath); err != nil {
					return fmt.Errorf("open %s: %w", dbPath, err)
				}
				db, err = database.GetSqliteDB(dbPath)
			} else {
				db, err = database.GetPostgresDB(config.GetDBConfig())
			}
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}

			txStart := time.Now()
			paths, err := exportEpisodes(db, args, outDir)
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			a.log.Info("Export finished", "episodes", len(paths), "took", time.Since(txStart))
			return err
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database file to read")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	return cmd
}

// exportEpisodes writes one export file per episode and returns the paths
// written. Without ids every finished episode is exported. A failing
// episode does not stop the others.
func exportEpisodes(db *gorm.DB, ids []string, outDir string) ([]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	if len(ids) == 0 {
		if err := db.Model(&model.Episode{}).
			Where("end_time IS NOT NULL").
			Order("start_time").
			Pluck("uuid", &ids).Error; err != nil {
			return nil, fmt.Errorf("list episodes: %w", err)
		}
	}

	var paths []string
	var errs []error
	for _, id := range ids {
		data, err := loadEpisode(db, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		name := fmt.Sprintf("%s_%s_%s.json.gz",
			data.Episode.StartTime.Format("20060102_150405"),
			util.SanitizeFileName(data.Episode.MapName),
			util.ShortID(data.Episode.ID))
		path := filepath.Join(outDir, name)
		if err := writeGzipJSON(path, v1.Build(data)); err != nil {
			errs = append(errs, fmt.Errorf("episode %s: %w", id, err))
			continue
		}
		paths = append(paths, path)
	}
	return paths, errors.Join(errs...)
}

// loadEpisode reads an episode with its sensors and steps in step order.
func loadEpisode(db *gorm.DB, id string) (*v1.EpisodeData, error) {
	var row model.Episode
	if err := db.Preload("Sensors").Where("uuid = ?", id).First(&row).Error; err != nil {
		return nil, fmt.Errorf("episode %s: %w", id, err)
	}

	var rows []model.Step
	if err := db.Where("episode_id = ?", row.ID).Order("step ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("episode %s steps: %w", id, err)
	}

	ep := convert.EpisodeToCore(row)
	steps := make([]core.StepRecord, 0, len(rows))
	for _, s := range rows {
		steps = append(steps, convert.StepToCore(s, ep.ID))
	}
	return &v1.EpisodeData{Episode: &ep, Steps: steps}, nil
}

func writeGzipJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(f)
	if err := json.NewEncoder(gz).Encode(v); err != nil {
		_ = gz.Close()
		_ = f.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
