// Package sensor attaches simulator sensors to an actor and turns their
// asynchronously delivered payloads into decoded values.
package sensor

import (
	"errors"
	"fmt"
)

// ErrUnsupportedSensorType is returned for a type identifier outside the
// supported set.
var ErrUnsupportedSensorType = errors.New("unsupported sensor type")

// Kind is the closed set of sensor types the environment understands.
type Kind int

const (
	KindRGB Kind = iota
	KindDepth
	KindSegmentation
	KindIMU
	KindGNSS
	KindCollision
	KindLaneInvasion
)

var kindTypeIDs = map[Kind]string{
	KindRGB:          "sensor.camera.rgb",
	KindDepth:        "sensor.camera.depth",
	KindSegmentation: "sensor.camera.semantic_segmentation",
	KindIMU:          "sensor.other.imu",
	KindGNSS:         "sensor.other.gnss",
	KindCollision:    "sensor.other.collision",
	KindLaneInvasion: "sensor.other.lane_invasion",
}

// ParseKind maps a blueprint type identifier to its Kind.
func ParseKind(typeID string) (Kind, error) {
	for k, id := range kindTypeIDs {
		if id == typeID {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedSensorType, typeID)
}

// TypeID returns the blueprint identifier spawned for k.
func (k Kind) TypeID() string {
	return kindTypeIDs[k]
}

func (k Kind) String() string {
	switch k {
	case KindRGB:
		return "rgb"
	case KindDepth:
		return "depth"
	case KindSegmentation:
		return "segmentation"
	case KindIMU:
		return "imu"
	case KindGNSS:
		return "gnss"
	case KindCollision:
		return "collision"
	case KindLaneInvasion:
		return "lane_invasion"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// IsEvent reports whether the kind delivers only on discrete events. Event
// sensors latch a flag instead of holding the latest payload.
func (k Kind) IsEvent() bool {
	return k == KindCollision || k == KindLaneInvasion
}

// IsCamera reports whether the kind delivers image frames.
func (k Kind) IsCamera() bool {
	return k == KindRGB || k == KindDepth || k == KindSegmentation
}
