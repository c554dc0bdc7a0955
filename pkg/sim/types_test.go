package sim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForwardVector(t *testing.T) {
	tests := []struct {
		name string
		rot  Rotation
		want Vector3D
	}{
		{"east", Rotation{}, Vector3D{X: 1}},
		{"north", Rotation{Yaw: 90}, Vector3D{Y: 1}},
		{"west", Rotation{Yaw: 180}, Vector3D{X: -1}},
		{"up", Rotation{Pitch: 90}, Vector3D{Z: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Transform{Rotation: tt.rot}.ForwardVector()
			assert.InDelta(t, tt.want.X, got.X, 1e-9)
			assert.InDelta(t, tt.want.Y, got.Y, 1e-9)
			assert.InDelta(t, tt.want.Z, got.Z, 1e-9)
			assert.InDelta(t, 1.0, got.Length(), 1e-9)
		})
	}
}

func TestVectorLength(t *testing.T) {
	assert.Equal(t, 5.0, Vector3D{X: 3, Y: 4}.Length())
	assert.Equal(t, 0.0, Vector3D{}.Length())
	assert.InDelta(t, math.Sqrt(3), Vector3D{X: 1, Y: 1, Z: 1}.Length(), 1e-12)
}

func TestMatchBlueprint(t *testing.T) {
	tests := []struct {
		pattern string
		id      string
		want    bool
	}{
		{"vehicle.tesla.model3", "vehicle.tesla.model3", true},
		{"vehicle.tesla.model3", "vehicle.tesla.cybertruck", false},
		{"vehicle.*", "vehicle.audi.tt", true},
		{"*model3", "vehicle.tesla.model3", true},
		{"sensor.*.rgb", "sensor.camera.rgb", true},
		{"sensor.*.rgb", "sensor.camera.depth", false},
		{"*", "anything", true},
		{"", "anything", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchBlueprint(tt.pattern, tt.id), "%s vs %s", tt.pattern, tt.id)
	}
}

func TestBlueprintSetAttribute(t *testing.T) {
	var bp Blueprint
	bp.SetAttribute("role_name", "hero")
	assert.Equal(t, "hero", bp.Attributes["role_name"])
}
