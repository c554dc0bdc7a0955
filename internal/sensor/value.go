package sensor

// Value is one decoded sensor reading. Every value returned by a Handle is
// freshly allocated and owned by the caller.
type Value interface {
	// Shape returns the array dimensions of the value.
	Shape() []int
}

// Image is an 8-bit pixel array in row-major height x width x channels
// order, channels in RGB order.
type Image struct {
	Height   int
	Width    int
	Channels int
	Pix      []uint8
}

func (i *Image) Shape() []int { return []int{i.Height, i.Width, i.Channels} }

// At returns the channel values of the pixel at row y, column x.
func (i *Image) At(y, x int) []uint8 {
	off := (y*i.Width + x) * i.Channels
	return i.Pix[off : off+i.Channels]
}

// DepthMap is a height x width x 1 logarithmic depth array. 0 is the near
// clip, 65535 is the far plane.
type DepthMap struct {
	Height int
	Width  int
	Pix    []uint16
}

func (d *DepthMap) Shape() []int { return []int{d.Height, d.Width, 1} }

// At returns the depth sample at row y, column x.
func (d *DepthMap) At(y, x int) uint16 {
	return d.Pix[y*d.Width+x]
}

// Vector is a fixed-length numeric reading. IMU vectors hold
// accelerometer xyz, gyroscope xyz and compass; GNSS vectors hold latitude,
// longitude and altitude.
type Vector []float64

func (v Vector) Shape() []int { return []int{len(v)} }

// Flag reports whether an event occurred since the previous read.
type Flag bool

func (f Flag) Shape() []int { return nil }
