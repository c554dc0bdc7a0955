// Package sensorconfig loads the hero vehicle and sensor set from a YAML or
// JSON document.
package sensorconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/roadrl/carlaenv/internal/sensor"
	"github.com/roadrl/carlaenv/pkg/sim"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for documents that violate the schema.
var ErrInvalidConfig = errors.New("invalid sensor configuration")

// DefaultVehicle is used when the document names no vehicle.
const DefaultVehicle = "vehicle.tesla.model3"

// reservedNames are taken by the automatically attached event sensors and
// by the derived observation features.
var reservedNames = map[string]bool{
	"collision":           true,
	"lane_invasion":       true,
	"line_invasion":       true,
	"distance_center":     true,
	"distance_left_lane":  true,
	"distance_right_lane": true,
	"speed":               true,
}

// Reserved reports whether name cannot be used for a configured sensor.
func Reserved(name string) bool {
	return reservedNames[name]
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty sensor name", ErrInvalidConfig)
	}
	if reservedNames[name] {
		return fmt.Errorf("%w: sensor name %q is reserved", ErrInvalidConfig, name)
	}
	return nil
}

func validateKind(name, typeID string) error {
	kind, err := sensor.ParseKind(typeID)
	if err != nil {
		return fmt.Errorf("%w: sensor %q: %w", ErrInvalidConfig, name, err)
	}
	if kind.IsEvent() {
		return fmt.Errorf("%w: sensor %q: %s sensors are attached automatically", ErrInvalidConfig, name, kind)
	}
	return nil
}

// SensorSetConfig is an immutable set of sensor specs keyed by name.
type SensorSetConfig struct {
	Vehicle string
	specs   map[string]sensor.Spec
}

type document struct {
	Vehicle string                 `yaml:"vehicle"`
	Sensors map[string]sensorEntry `yaml:"sensors"`
}

type sensorEntry struct {
	Type       string            `yaml:"type"`
	X          float64           `yaml:"x"`
	Y          float64           `yaml:"y"`
	Z          float64           `yaml:"z"`
	Pitch      float64           `yaml:"pitch"`
	Yaw        float64           `yaml:"yaw"`
	Roll       float64           `yaml:"roll"`
	Attributes map[string]string `yaml:"attributes"`
}

// Load reads the document at path.
func Load(path string) (*SensorSetConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sensor config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a document. Unknown fields, reserved names, a missing type
// and unsupported types are rejected.
func Parse(r io.Reader) (*SensorSetConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read sensor config: %w", err)
	}

	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg := &SensorSetConfig{
		Vehicle: doc.Vehicle,
		specs:   make(map[string]sensor.Spec, len(doc.Sensors)),
	}
	if cfg.Vehicle == "" {
		cfg.Vehicle = DefaultVehicle
	}

	for name, e := range doc.Sensors {
		if err := validateName(name); err != nil {
			return nil, err
		}
		if e.Type == "" {
			return nil, fmt.Errorf("%w: sensor %q has no type", ErrInvalidConfig, name)
		}
		if err := validateKind(name, e.Type); err != nil {
			return nil, err
		}
		cfg.specs[name] = sensor.Spec{
			Name: name,
			Type: e.Type,
			Transform: sim.Transform{
				Location: sim.Location{X: e.X, Y: e.Y, Z: e.Z},
				Rotation: sim.Rotation{Pitch: e.Pitch, Yaw: e.Yaw, Roll: e.Roll},
			},
			Attributes: e.Attributes,
		}
	}
	return cfg, nil
}

// New builds a configuration from specs, applying the same validation as
// Parse. Duplicate names are rejected.
func New(vehicle string, specs ...sensor.Spec) (*SensorSetConfig, error) {
	if vehicle == "" {
		vehicle = DefaultVehicle
	}
	cfg := &SensorSetConfig{Vehicle: vehicle, specs: make(map[string]sensor.Spec, len(specs))}
	for _, s := range specs {
		if err := validateName(s.Name); err != nil {
			return nil, err
		}
		if _, dup := cfg.specs[s.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate sensor %q", ErrInvalidConfig, s.Name)
		}
		if err := validateKind(s.Name, s.Type); err != nil {
			return nil, err
		}
		cfg.specs[s.Name] = s
	}
	return cfg, nil
}

// Names returns the sensor names in spawn order.
func (c *SensorSetConfig) Names() []string {
	names := make([]string, 0, len(c.specs))
	for n := range c.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Spec returns the spec for name.
func (c *SensorSetConfig) Spec(name string) (sensor.Spec, bool) {
	s, ok := c.specs[name]
	return s, ok
}

// Len returns the number of configured sensors.
func (c *SensorSetConfig) Len() int {
	return len(c.specs)
}
