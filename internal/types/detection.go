package types

import "time"

// DetectionKind discriminates the payload of a DetectionResult.
type DetectionKind int

const (
	// KindNone carries no annotation (detector found nothing or failed).
	KindNone DetectionKind = iota
	// KindLandmarks carries a fixed-size pose landmark sequence.
	KindLandmarks
	// KindBoxes carries object bounding boxes.
	KindBoxes
)

// String returns the wire name of the kind.
func (k DetectionKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindLandmarks:
		return "landmarks"
	case KindBoxes:
		return "boxes"
	default:
		return "unknown"
	}
}

// ParseDetectionKind maps a wire name back to a DetectionKind.
func ParseDetectionKind(s string) DetectionKind {
	switch s {
	case "landmarks", "pose":
		return KindLandmarks
	case "boxes", "objects":
		return KindBoxes
	default:
		return KindNone
	}
}

// Point is a 2D/3D position. For landmarks X and Y are normalized to
// [0,1] relative to the frame; Z is model-relative depth.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z,omitempty"`
}

// Landmark is one anatomical keypoint slot.
//
// Index stability matters: detectors return one entry per slot and mark
// low-confidence entries absent (Present=false) instead of omitting them.
type Landmark struct {
	Point
	Visibility float64 `json:"visibility"`
	Present    bool    `json:"present"`
}

// Rect is an axis-aligned rectangle in source pixel coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// BoundingBox is a single object detection.
type BoundingBox struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Rect       Rect    `json:"rect"`
}

// DetectionResult is the output of one Detection Port call.
//
// Immutable once produced. FrameSeq, MediaTime and Generation identify the
// frame it was computed from; results whose Generation no longer matches
// the scheduler are stale and never drawn.
type DetectionResult struct {
	Kind      DetectionKind
	Landmarks []Landmark
	Boxes     []BoundingBox

	FrameSeq   uint64
	MediaTime  time.Duration
	Generation uint64

	// Latency is the time spent inside the detector.
	Latency time.Duration
}

// Landmark returns the landmark at index i, or false when the slot is
// out of range or absent.
func (r DetectionResult) Landmark(i int) (Landmark, bool) {
	if r.Kind != KindLandmarks || i < 0 || i >= len(r.Landmarks) {
		return Landmark{}, false
	}
	lm := r.Landmarks[i]
	return lm, lm.Present
}

// Empty reports whether the result carries nothing to draw.
func (r DetectionResult) Empty() bool {
	switch r.Kind {
	case KindLandmarks:
		return len(r.Landmarks) == 0
	case KindBoxes:
		return len(r.Boxes) == 0
	default:
		return true
	}
}
