package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// captureStdout swaps the package's stdout for a pipe and returns a function
// that restores it and yields what was written.
func captureStdout(t *testing.T) func() string {
	t.Helper()

	r, w, err := osPipe()
	require.NoError(t, err)

	orig := osStdout
	osStdout = w

	return func() string {
		w.Close()
		osStdout = orig
		var buf bytes.Buffer
		buf.ReadFrom(r)
		r.Close()
		return buf.String()
	}
}

func TestSetup_Outputs(t *testing.T) {
	t.Run("file only", func(t *testing.T) {
		restore := captureStdout(t)
		var file bytes.Buffer
		m := NewSlogManager()
		m.Setup(&file, "info", nil)
		m.Logger().Info("episode started", "map", "Town01")

		assert.Empty(t, restore(), "console stays quiet when a file is given")
		assert.Contains(t, file.String(), "Logging initialized")
		assert.Contains(t, file.String(), "map=Town01")
	})

	t.Run("console fallback", func(t *testing.T) {
		restore := captureStdout(t)
		m := NewSlogManager()
		m.Setup(nil, "info", nil)
		m.Logger().Info("waiting for simulator")

		assert.Contains(t, restore(), "waiting for simulator")
	})
}

func TestSetup_LevelFiltering(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"bogus", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			m := NewSlogManager()
			m.Setup(&buf, tt.level, nil)
			buf.Reset()

			m.Logger().Debug("tick sent")
			m.Logger().Info("tick acknowledged")

			assert.Equal(t, tt.wantDebug, bytes.Contains(buf.Bytes(), []byte("tick sent")))
			assert.Equal(t, tt.wantInfo, bytes.Contains(buf.Bytes(), []byte("tick acknowledged")))
		})
	}
}

func TestSetup_TimesAreUTCRFC3339(t *testing.T) {
	var buf bytes.Buffer
	m := NewSlogManager()
	m.Setup(&buf, "info", nil)

	assert.Regexp(t, regexp.MustCompile(`time=\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z `), buf.String())
}

func TestSetup_ReplacesLogger(t *testing.T) {
	var first, second bytes.Buffer
	m := NewSlogManager()

	m.Setup(&first, "info", nil)
	m.Logger().Info("episode 1")
	m.Setup(&second, "info", nil)
	m.Logger().Info("episode 2")

	assert.NotContains(t, first.String(), "episode 2", "old file should not receive new logs")
	assert.Contains(t, second.String(), "episode 2")
}

func TestLogger_DefaultBeforeSetup(t *testing.T) {
	assert.Equal(t, slog.Default(), NewSlogManager().Logger())
}

func TestSetLevel_TakesEffectImmediately(t *testing.T) {
	var buf bytes.Buffer
	m := NewSlogManager()
	m.Setup(&buf, "info", nil)

	m.Logger().Debug("hidden")
	m.SetLevel("debug")
	m.Logger().Debug("shown")
	m.SetLevel("DEBUG")

	assert.Equal(t, slog.LevelDebug, m.Level())
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("Log level changed")), "unchanged level is not logged again")
}

func TestSetup_WithEpisodeContext(t *testing.T) {
	var buf bytes.Buffer
	m := NewSlogManager()
	m.Setup(&buf, "info", nil, WithContext(func() []slog.Attr {
		return []slog.Attr{slog.String("episode", "ep-1"), slog.Int("step", 12)}
	}))

	m.Logger().Info("collision", "other", "vehicle.audi.tt")
	assert.Contains(t, buf.String(), "other=vehicle.audi.tt episode=ep-1 step=12")
}

func TestSetup_WithGELF(t *testing.T) {
	var file, gelf bytes.Buffer
	m := NewSlogManager()
	m.Setup(&file, "info", nil, WithGELF(&gelf))
	gelf.Reset()

	m.Logger().Info("episode finished", "steps", 250)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(gelf.Bytes(), &entry))
	assert.Equal(t, "episode finished", entry["msg"])
	assert.Equal(t, float64(250), entry["steps"])
	assert.Contains(t, file.String(), "episode finished")
}

func TestSetup_WithOTelProvider(t *testing.T) {
	provider := sdklog.NewLoggerProvider()

	var buf bytes.Buffer
	m := NewSlogManager()
	m.Setup(&buf, "info", provider)

	m.Logger().Info("bridged")
	assert.Contains(t, buf.String(), "bridged")
	assert.NoError(t, m.Flush(context.Background()))
}

func TestFlush_NilProvider(t *testing.T) {
	assert.NoError(t, NewSlogManager().Flush(context.Background()))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"DEBUG": slog.LevelDebug,
		"Info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"":      slog.LevelInfo,
		"trace": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}
