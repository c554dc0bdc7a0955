package memory

import (
	"fmt"
	"image"
	"image/color"

	"github.com/roadrl/carlaenv/pkg/core"
)

// toImage wraps a recorded image field in an image.Image. 16 bit samples are
// big endian, which is the layout image.Gray16 uses, so depth maps are not
// copied.
func toImage(img *core.Image) (image.Image, error) {
	rect := image.Rect(0, 0, img.Width, img.Height)
	want := img.Width * img.Height * img.Channels * img.BitDepth / 8
	if len(img.Pix) != want {
		return nil, fmt.Errorf("image %dx%dx%d@%d: have %d bytes, want %d",
			img.Width, img.Height, img.Channels, img.BitDepth, len(img.Pix), want)
	}

	switch {
	case img.Channels == 1 && img.BitDepth == 16:
		return &image.Gray16{Pix: img.Pix, Stride: img.Width * 2, Rect: rect}, nil
	case img.Channels == 1 && img.BitDepth == 8:
		return &image.Gray{Pix: img.Pix, Stride: img.Width, Rect: rect}, nil
	case img.Channels == 3 && img.BitDepth == 8:
		out := image.NewRGBA(rect)
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				off := (y*img.Width + x) * 3
				out.SetRGBA(x, y, color.RGBA{R: img.Pix[off], G: img.Pix[off+1], B: img.Pix[off+2], A: 0xff})
			}
		}
		return out, nil
	case img.Channels == 4 && img.BitDepth == 8:
		return &image.RGBA{Pix: img.Pix, Stride: img.Width * 4, Rect: rect}, nil
	}
	return nil, fmt.Errorf("unsupported image layout: %d channels at %d bits", img.Channels, img.BitDepth)
}
