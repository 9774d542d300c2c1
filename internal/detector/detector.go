// Package detector is the Detection Port: it turns a video frame into pose
// landmarks or object boxes.
package detector

import (
	"context"
	"errors"
	"time"

	"github.com/e7canasta/orion-overlay/internal/types"
)

// ErrDetectionFailure wraps every per-frame detection error (worker
// reported error, timeout, broken pipe). It is never fatal to the caller.
var ErrDetectionFailure = errors.New("detector: detection failed")

// Detector runs detection on one frame.
//
// Contract:
//   - Detect may block for a variable time; callers run it off the loop
//   - The frame is read-only
//   - ctx cancellation aborts the wait and returns ctx.Err() wrapped in
//     ErrDetectionFailure
type Detector interface {
	Detect(ctx context.Context, frame *types.Frame) (types.DetectionResult, error)
}

// Func adapts a function to the Detector interface.
type Func func(ctx context.Context, frame *types.Frame) (types.DetectionResult, error)

// Detect implements Detector.
func (f Func) Detect(ctx context.Context, frame *types.Frame) (types.DetectionResult, error) {
	return f(ctx, frame)
}

// Metrics is a health snapshot of a detector backend.
type Metrics struct {
	FramesProcessed   uint64    `json:"frames_processed"`
	Failures          uint64    `json:"failures"`
	InferencesEmitted uint64    `json:"inferences_emitted"`
	AvgLatencyMS      float64   `json:"avg_latency_ms"`
	LastSeenAt        time.Time `json:"last_seen_at"`
}

// Nop returns an empty result of the given kind for every frame. It lets
// the overlay run without a model (plain playback).
func Nop(kind types.DetectionKind) Detector {
	return Func(func(_ context.Context, frame *types.Frame) (types.DetectionResult, error) {
		return types.DetectionResult{Kind: kind, FrameSeq: frame.Seq, MediaTime: frame.MediaTime}, nil
	})
}
