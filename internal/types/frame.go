package types

import (
	"image"
	"time"
)

// Frame represents a single decoded video frame.
//
// IMMUTABILITY CONTRACT:
//   - Capture sources MUST NOT modify Image after handing the frame out
//   - Detectors and the renderer treat Image as read-only
//
// The same *Frame is shared by the scheduler, the Detection Port and the
// renderer without copying.
type Frame struct {
	// Seq is the monotonic sequence number assigned by the capture source.
	// Restarts at 1 for every opened source.
	Seq uint64

	// MediaTime is the presentation time of the frame within the media
	// (time since start of stream for live cameras).
	MediaTime time.Duration

	// Timestamp is the wall-clock time the frame was captured.
	Timestamp time.Time

	// Width in pixels
	Width int

	// Height in pixels
	Height int

	// Image holds RGBA pixels (Width x Height).
	Image *image.RGBA

	// TraceID is a unique identifier for tracing a frame across
	// capture → detect → render.
	TraceID string
}

// Metadata describes a source once its metadata has loaded.
type Metadata struct {
	// URI the source was opened from.
	URI string

	// Width and Height are the intrinsic frame dimensions.
	Width  int
	Height int

	// Duration is zero for live sources.
	Duration time.Duration

	// FPS is the nominal frame rate (0 when unknown).
	FPS float64

	// Live is true for cameras (no seeking, never ends).
	Live bool
}
