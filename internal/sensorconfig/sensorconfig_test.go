package sensorconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/roadrl/carlaenv/internal/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
vehicle: vehicle.audi.tt
sensors:
  imu:
    type: sensor.other.imu
  front_camera:
    type: sensor.camera.rgb
    x: 1.5
    z: 2.4
    pitch: -10
    attributes:
      image_size_x: "800"
      image_size_y: "600"
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "vehicle.audi.tt", cfg.Vehicle)
	assert.Equal(t, []string{"front_camera", "imu"}, cfg.Names())
	assert.Equal(t, 2, cfg.Len())

	cam, ok := cfg.Spec("front_camera")
	require.True(t, ok)
	assert.Equal(t, "front_camera", cam.Name)
	assert.Equal(t, 1.5, cam.Transform.Location.X)
	assert.Equal(t, 2.4, cam.Transform.Location.Z)
	assert.Equal(t, -10.0, cam.Transform.Rotation.Pitch)
	assert.Equal(t, "800", cam.Attributes["image_size_x"])
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`{"sensors": {"gnss": {"type": "sensor.other.gnss", "z": 1}}}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultVehicle, cfg.Vehicle)
	assert.Equal(t, []string{"gnss"}, cfg.Names())
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"missing type":  "sensors:\n  cam:\n    x: 1\n",
		"unknown type":  "sensors:\n  radar:\n    type: sensor.other.radar\n",
		"unknown field": "sensors:\n  cam:\n    type: sensor.camera.rgb\n    fov: 90\n",
		"event sensor":  "sensors:\n  hit:\n    type: sensor.other.collision\n",
		"reserved name": "sensors:\n  speed:\n    type: sensor.other.imu\n",
		"event name":    "sensors:\n  collision:\n    type: sensor.camera.rgb\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(doc))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestParseUnknownTypeWrapsSensorError(t *testing.T) {
	_, err := Parse(strings.NewReader("sensors:\n  radar:\n    type: sensor.other.radar\n"))
	assert.ErrorIs(t, err, sensor.ErrUnsupportedSensorType)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	cfg, err := New("", sensor.Spec{Name: "imu", Type: "sensor.other.imu"})
	require.NoError(t, err)
	assert.Equal(t, DefaultVehicle, cfg.Vehicle)

	_, err = New("", sensor.Spec{Name: "a", Type: "sensor.other.imu"}, sensor.Spec{Name: "a", Type: "sensor.other.gnss"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New("", sensor.Spec{Name: "a", Type: "lidar"})
	assert.ErrorIs(t, err, sensor.ErrUnsupportedSensorType)
}

func TestNewRejectsReservedNames(t *testing.T) {
	for _, name := range []string{"collision", "lane_invasion", "distance_center", "distance_left_lane", "speed"} {
		t.Run(name, func(t *testing.T) {
			assert.True(t, Reserved(name))
			_, err := New("", sensor.Spec{Name: name, Type: "sensor.other.imu"})
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
	assert.False(t, Reserved("front_camera"))
}

func TestNewRejectsEventSensor(t *testing.T) {
	_, err := New("", sensor.Spec{Name: "hit", Type: "sensor.other.collision"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
