package sensor

import (
	"errors"
	"fmt"
	"math"

	"github.com/roadrl/carlaenv/pkg/sim"
)

// ErrMalformedPayload is returned when a payload does not match its kind.
var ErrMalformedPayload = errors.New("malformed sensor payload")

const (
	IMUVectorLen  = 7
	GNSSVectorLen = 3
)

// logDepthScale is ln(1000/0.00333...), the far-to-near ratio of the
// simulator depth camera.
const logDepthScale = 5.70378

// cityScapesPalette maps semantic tags to RGB colors.
var cityScapesPalette = [][3]uint8{
	{0, 0, 0},       // unlabeled
	{70, 70, 70},    // building
	{100, 40, 40},   // fence
	{55, 90, 80},    // other
	{220, 20, 60},   // pedestrian
	{153, 153, 153}, // pole
	{157, 234, 50},  // road line
	{128, 64, 128},  // road
	{244, 35, 232},  // sidewalk
	{107, 142, 35},  // vegetation
	{0, 0, 142},     // vehicles
	{102, 102, 156}, // wall
	{220, 220, 0},   // traffic sign
	{70, 130, 180},  // sky
	{81, 0, 81},     // ground
	{150, 100, 100}, // bridge
	{230, 150, 140}, // rail track
	{180, 165, 180}, // guard rail
	{250, 170, 30},  // traffic light
	{110, 190, 160}, // static
	{170, 120, 50},  // dynamic
	{45, 60, 150},   // water
	{145, 170, 100}, // terrain
}

// Decode converts a raw payload of the given kind. Event kinds decode to a
// set Flag.
func Decode(kind Kind, data sim.Data) (Value, error) {
	switch kind {
	case KindRGB:
		img, err := asImage(data)
		if err != nil {
			return nil, err
		}
		return decodeRGB(img), nil
	case KindSegmentation:
		img, err := asImage(data)
		if err != nil {
			return nil, err
		}
		return decodeSegmentation(img), nil
	case KindDepth:
		img, err := asImage(data)
		if err != nil {
			return nil, err
		}
		return decodeDepth(img), nil
	case KindIMU:
		m, ok := data.(*sim.IMUMeasurement)
		if !ok {
			return nil, fmt.Errorf("%w: imu got %T", ErrMalformedPayload, data)
		}
		return Vector{
			m.Accelerometer.X, m.Accelerometer.Y, m.Accelerometer.Z,
			m.Gyroscope.X, m.Gyroscope.Y, m.Gyroscope.Z,
			m.Compass,
		}, nil
	case KindGNSS:
		m, ok := data.(*sim.GNSSMeasurement)
		if !ok {
			return nil, fmt.Errorf("%w: gnss got %T", ErrMalformedPayload, data)
		}
		return Vector{m.Latitude, m.Longitude, m.Altitude}, nil
	case KindCollision, KindLaneInvasion:
		return Flag(data != nil), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedSensorType, kind)
}

func asImage(data sim.Data) (*sim.Image, error) {
	img, ok := data.(*sim.Image)
	if !ok {
		return nil, fmt.Errorf("%w: camera got %T", ErrMalformedPayload, data)
	}
	if img.Width <= 0 || img.Height <= 0 || len(img.Raw) != img.Width*img.Height*4 {
		return nil, fmt.Errorf("%w: %dx%d image with %d bytes", ErrMalformedPayload, img.Width, img.Height, len(img.Raw))
	}
	return img, nil
}

// decodeRGB drops alpha from the BGRA buffer and reverses the remaining
// channels.
func decodeRGB(img *sim.Image) *Image {
	n := img.Width * img.Height
	pix := make([]uint8, n*3)
	for i := 0; i < n; i++ {
		pix[i*3] = img.Raw[i*4+2]
		pix[i*3+1] = img.Raw[i*4+1]
		pix[i*3+2] = img.Raw[i*4]
	}
	return &Image{Height: img.Height, Width: img.Width, Channels: 3, Pix: pix}
}

// decodeSegmentation colors the tag held in the red channel with the
// CityScapes palette.
func decodeSegmentation(img *sim.Image) *Image {
	n := img.Width * img.Height
	pix := make([]uint8, n*3)
	for i := 0; i < n; i++ {
		tag := int(img.Raw[i*4+2])
		var c [3]uint8
		if tag < len(cityScapesPalette) {
			c = cityScapesPalette[tag]
		}
		copy(pix[i*3:], c[:])
	}
	return &Image{Height: img.Height, Width: img.Width, Channels: 3, Pix: pix}
}

func decodeDepth(img *sim.Image) *DepthMap {
	n := img.Width * img.Height
	pix := make([]uint16, n)
	for i := 0; i < n; i++ {
		pix[i] = LogDepth(img.Raw[i*4+2], img.Raw[i*4+1], img.Raw[i*4])
	}
	return &DepthMap{Height: img.Height, Width: img.Width, Pix: pix}
}

// LogDepth converts a 24-bit encoded depth sample to the logarithmic scale
// clamped to [0.005, 1] and expressed in 16 bits.
func LogDepth(r, g, b uint8) uint16 {
	norm := (float64(r) + float64(g)*256 + float64(b)*65536) / (1<<24 - 1)
	ld := 1 + math.Log(norm)/logDepthScale
	ld = math.Max(0.005, math.Min(1, ld))
	return uint16(math.Round(ld * math.MaxUint16))
}
