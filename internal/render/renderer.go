// Package render draws video frames and detection annotations onto a
// raster surface.
package render

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/fogleman/gg"
	"github.com/nfnt/resize"

	"github.com/e7canasta/orion-overlay/internal/angles"
	"github.com/e7canasta/orion-overlay/internal/types"
)

// Style configures colors, sizes and the object class filter.
type Style struct {
	ConnectorColor color.Color
	ConnectorWidth float64

	LandmarkColor  color.Color
	LandmarkRadius float64
	// FaceRadius applies to landmark slots 0..FaceIndexMax.
	FaceRadius   float64
	FaceIndexMax int

	BoxColor color.Color
	BoxWidth float64
	// Classes is the label allowlist for boxes; empty draws every box.
	Classes []string

	LabelColor  color.Color
	LabelOffset float64
}

// DefaultStyle is the stock overlay look: green skeleton, red
// landmarks and red 4px boxes around "sports ball".
func DefaultStyle() Style {
	return Style{
		ConnectorColor: color.RGBA{0x00, 0xFF, 0x00, 0xFF},
		ConnectorWidth: 1,
		LandmarkColor:  color.RGBA{0xFF, 0x00, 0x00, 0xFF},
		LandmarkRadius: 2,
		FaceRadius:     1,
		FaceIndexMax:   types.PoseFaceLast,
		BoxColor:       color.RGBA{0xFF, 0x00, 0x00, 0xFF},
		BoxWidth:       4,
		Classes:        []string{"sports ball"},
		LabelColor:     color.White,
		LabelOffset:    8,
	}
}

// Renderer draws frames plus annotations. It holds no per-frame state,
// so Render is idempotent for the same inputs.
type Renderer struct {
	style   Style
	classes map[string]struct{}
}

// NewRenderer creates a renderer with the given style.
func NewRenderer(style Style) *Renderer {
	r := &Renderer{style: style}
	if len(style.Classes) > 0 {
		r.classes = make(map[string]struct{}, len(style.Classes))
		for _, c := range style.Classes {
			r.classes[strings.ToLower(c)] = struct{}{}
		}
	}
	return r
}

// Render clears the surface, draws frame scaled to the surface size, then
// the detection and the visible angle labels.
//
// Only the surface is mutated. Missing landmarks, boxes or angles are
// skipped, never reported.
func (r *Renderer) Render(s *Surface, frame *types.Frame, det types.DetectionResult, ang angles.Snapshot) {
	dc := gg.NewContextForRGBA(s.Image())
	s.Clear()

	if frame != nil && frame.Image != nil {
		dc.DrawImage(r.fit(frame.Image, s.Width(), s.Height()), 0, 0)
	}

	switch det.Kind {
	case types.KindLandmarks:
		r.drawSkeleton(dc, det, s.Width(), s.Height())
		r.drawAngleLabels(dc, det, ang, s.Width(), s.Height())
	case types.KindBoxes:
		r.drawBoxes(dc, det)
	}
}

// Accepts reports whether boxes with this label are drawn.
func (r *Renderer) Accepts(label string) bool {
	if r.classes == nil {
		return true
	}
	_, ok := r.classes[strings.ToLower(label)]
	return ok
}

func (r *Renderer) fit(img *image.RGBA, w, h int) image.Image {
	if img.Rect.Dx() == w && img.Rect.Dy() == h {
		return img
	}
	return resize.Resize(uint(w), uint(h), img, resize.Bilinear)
}

func (r *Renderer) drawSkeleton(dc *gg.Context, det types.DetectionResult, w, h int) {
	px := func(lm types.Landmark) (float64, float64) {
		return lm.X * float64(w), lm.Y * float64(h)
	}

	dc.SetColor(r.style.ConnectorColor)
	dc.SetLineWidth(r.style.ConnectorWidth)
	for _, c := range types.PoseConnections {
		from, ok1 := det.Landmark(c.From)
		to, ok2 := det.Landmark(c.To)
		if !ok1 || !ok2 {
			continue
		}
		x1, y1 := px(from)
		x2, y2 := px(to)
		dc.DrawLine(x1, y1, x2, y2)
		dc.Stroke()
	}

	dc.SetColor(r.style.LandmarkColor)
	for i, lm := range det.Landmarks {
		if !lm.Present {
			continue
		}
		radius := r.style.LandmarkRadius
		if i <= r.style.FaceIndexMax {
			radius = r.style.FaceRadius
		}
		x, y := px(lm)
		dc.DrawCircle(x, y, radius)
		dc.Fill()
	}
}

func (r *Renderer) drawBoxes(dc *gg.Context, det types.DetectionResult) {
	dc.SetColor(r.style.BoxColor)
	dc.SetLineWidth(r.style.BoxWidth)
	for _, b := range det.Boxes {
		if !r.Accepts(b.Label) {
			continue
		}
		dc.DrawRectangle(b.Rect.X, b.Rect.Y, b.Rect.Width, b.Rect.Height)
		dc.Stroke()
	}
}

func (r *Renderer) drawAngleLabels(dc *gg.Context, det types.DetectionResult, ang angles.Snapshot, w, h int) {
	dc.SetColor(r.style.LabelColor)
	for _, view := range ang {
		if !view.Visible || !view.Valid {
			continue
		}
		lm, ok := det.Landmark(view.Joint.Vertex())
		if !ok {
			continue
		}
		x := lm.X*float64(w) + r.style.LabelOffset
		y := lm.Y*float64(h) - r.style.LabelOffset
		dc.DrawString(Label(view.Degrees), x, y)
	}
}

// Label formats an angle for display.
func Label(degrees float64) string {
	return fmt.Sprintf("%.0f deg", degrees)
}
