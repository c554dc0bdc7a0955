package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewZerolog(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerolog(&buf, "warn")

	logger.Info().Msg("filtered")
	logger.Warn().Str("bucket", "carla_env").Msg("write failed")

	out := buf.String()
	assert.NotContains(t, out, "filtered")
	assert.Contains(t, out, "write failed")
	assert.Contains(t, out, "bucket=carla_env")
	assert.Contains(t, out, "service=carla-env")
}

func TestZerologLevel(t *testing.T) {
	assert.Equal(t, zerolog.TraceLevel, zerologLevel("trace"))
	assert.Equal(t, zerolog.DebugLevel, zerologLevel("DEBUG"))
	assert.Equal(t, zerolog.ErrorLevel, zerologLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, zerologLevel("bogus"))
}
