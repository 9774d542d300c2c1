package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
)

// Surface is the fixed-size raster the overlay is drawn on.
//
// The size is set once from the source's intrinsic dimensions when the
// source becomes Ready and never changes afterwards. Not safe for
// concurrent use.
type Surface struct {
	img *image.RGBA
}

// NewSurface allocates a cleared surface of the given size.
func NewSurface(width, height int) (*Surface, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("render: invalid surface size %dx%d", width, height)
	}
	return &Surface{img: image.NewRGBA(image.Rect(0, 0, width, height))}, nil
}

// Width of the surface in pixels.
func (s *Surface) Width() int { return s.img.Rect.Dx() }

// Height of the surface in pixels.
func (s *Surface) Height() int { return s.img.Rect.Dy() }

// Image exposes the backing raster (read-only for callers).
func (s *Surface) Image() *image.RGBA { return s.img }

// Clear fills the surface with opaque black.
func (s *Surface) Clear() {
	draw.Draw(s.img, s.img.Rect, image.NewUniform(color.Black), image.Point{}, draw.Src)
}

// EncodeJPEG encodes the current raster.
func (s *Surface) EncodeJPEG(quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, s.img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("render: jpeg encode failed: %w", err)
	}
	return buf.Bytes(), nil
}
