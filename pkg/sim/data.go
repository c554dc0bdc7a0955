package sim

// Data is one payload delivered by a sensor.
type Data interface {
	Frame() uint64
}

// Image is a raw camera frame in BGRA byte order, row major.
type Image struct {
	FrameNum uint64  `json:"frame"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FOV      float64 `json:"fov"`
	Raw      []byte  `json:"raw"`
}

func (i *Image) Frame() uint64 { return i.FrameNum }

// IMUMeasurement is an inertial reading. Compass is the heading in radians.
type IMUMeasurement struct {
	FrameNum      uint64   `json:"frame"`
	Accelerometer Vector3D `json:"accelerometer"`
	Gyroscope     Vector3D `json:"gyroscope"`
	Compass       float64  `json:"compass"`
}

func (m *IMUMeasurement) Frame() uint64 { return m.FrameNum }

// GNSSMeasurement is a geodetic position fix.
type GNSSMeasurement struct {
	FrameNum  uint64  `json:"frame"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

func (m *GNSSMeasurement) Frame() uint64 { return m.FrameNum }

// CollisionEvent is emitted when the parent actor hits something.
type CollisionEvent struct {
	FrameNum      uint64   `json:"frame"`
	OtherActor    ActorID  `json:"other_actor"`
	NormalImpulse Vector3D `json:"normal_impulse"`
}

func (e *CollisionEvent) Frame() uint64 { return e.FrameNum }

// LaneInvasionEvent is emitted when the parent actor crosses lane markings.
type LaneInvasionEvent struct {
	FrameNum            uint64   `json:"frame"`
	CrossedLaneMarkings []string `json:"crossed_lane_markings"`
}

func (e *LaneInvasionEvent) Frame() uint64 { return e.FrameNum }
