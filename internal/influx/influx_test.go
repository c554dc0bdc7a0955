package influx

import (
	"bufio"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadrl/carlaenv/internal/config"
	"github.com/roadrl/carlaenv/internal/model"
	"github.com/roadrl/carlaenv/pkg/core"
)

func fieldMap(p *influxdb2_write.Point) map[string]any {
	out := make(map[string]any)
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func tagMap(p *influxdb2_write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func TestConnectDisabled(t *testing.T) {
	m := NewManager(config.InfluxConfig{}, zerolog.Nop(), filepath.Join(t.TempDir(), "backup.lp.gz"))
	assert.Error(t, m.Connect(context.Background()))
	assert.False(t, m.IsValid)
}

func TestStepPoint(t *testing.T) {
	left := 1.5
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := StepPoint("Town01", &core.StepRecord{
		EpisodeID:        "ep-1",
		Step:             3,
		Frame:            42,
		Time:             ts,
		Reward:           map[string]float64{"velocity": 0.5, "collision": -1},
		Speed:            4,
		DistanceLeftLane: &left,
		Collision:        true,
	})

	assert.Equal(t, MeasurementStep, p.Name())
	assert.Equal(t, ts, p.Time())
	assert.Equal(t, map[string]string{"episode": "ep-1", "map": "Town01"}, tagMap(p))

	fields := fieldMap(p)
	assert.Equal(t, 0.5, fields["reward_velocity"])
	assert.Equal(t, -1.0, fields["reward_collision"])
	assert.Equal(t, -0.5, fields["reward_total"])
	assert.Equal(t, 1.5, fields["distance_left_lane"])
	assert.Equal(t, true, fields["collision"])
	assert.NotContains(t, fields, "distance_right_lane")
}

func TestPerformancePoint(t *testing.T) {
	p := PerformancePoint(model.Performance{EpisodeID: "ep-1", Steps: 10, StepsPerSecond: 20, QueueLength: 2})
	assert.Equal(t, MeasurementPerformance, p.Name())
	assert.Equal(t, "ep-1", tagMap(p)["episode"])
	assert.Equal(t, 20.0, fieldMap(p)["steps_per_second"])
}

func TestBackupWriterWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	backup := filepath.Join(t.TempDir(), "backup.lp.gz")
	m := NewManager(config.InfluxConfig{
		Enabled:  true,
		Protocol: "http",
		Host:     u.Hostname(),
		Port:     u.Port(),
		Org:      "carla-env",
		Bucket:   "carla_env",
	}, zerolog.Nop(), backup)

	require.NoError(t, m.Connect(context.Background()))
	assert.False(t, m.IsValid)
	require.NotNil(t, m.BackupWriter)

	require.NoError(t, m.WriteStep("Town01", &core.StepRecord{EpisodeID: "ep-1", Step: 1, Time: time.Now()}))
	require.NoError(t, m.WritePerformance(model.Performance{EpisodeID: "ep-1", Time: time.Now()}))
	require.NoError(t, m.Close())

	f, err := os.Open(backup)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)

	var lines []string
	sc := bufio.NewScanner(zr)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "step,episode=ep-1,map=Town01 "))
	assert.True(t, strings.HasPrefix(lines[1], "performance,episode=ep-1 "))

	// after Close the backup is gone
	assert.Error(t, m.WritePoint(StepPoint("Town01", &core.StepRecord{})))
}

func TestRecorderTagsMap(t *testing.T) {
	backup := filepath.Join(t.TempDir(), "backup.lp.gz")
	m := NewManager(config.InfluxConfig{}, zerolog.Nop(), backup)
	f, err := os.Create(backup)
	require.NoError(t, err)
	m.backupFile = f
	m.BackupWriter = gzip.NewWriter(f)

	r := NewRecorder(m)
	require.NoError(t, r.StartEpisode(&core.Episode{MapName: "Town03"}))
	require.NoError(t, r.RecordStep(&core.StepRecord{EpisodeID: "ep", Time: time.Now()}))
	require.NoError(t, r.EndEpisode())
	require.NoError(t, m.Close())

	rf, err := os.Open(backup)
	require.NoError(t, err)
	defer rf.Close()
	zr, err := gzip.NewReader(rf)
	require.NoError(t, err)
	sc := bufio.NewScanner(zr)
	require.True(t, sc.Scan())
	assert.Contains(t, sc.Text(), "map=Town03")
}
