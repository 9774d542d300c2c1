package lifecycle

import (
	"time"

	"github.com/e7canasta/orion-overlay/internal/angles"
	"github.com/e7canasta/orion-overlay/internal/scheduler"
	"github.com/e7canasta/orion-overlay/internal/types"
)

// PlaybackState is the user-visible media state.
type PlaybackState int

const (
	// Idle: no source loaded.
	Idle PlaybackState = iota
	// Ready: source loaded at time 0, first frame rendered once.
	Ready
	// Playing: clock advancing, scheduler looping.
	Playing
	// Paused: clock frozen, last frame stays rendered.
	Paused
	// Ended: clock reached the duration.
	Ended
)

func (s PlaybackState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ready:
		return "ready"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// Presentation is one rendered overlay frame handed to the outputs.
//
// JPEG is the encoded surface; outputs must not modify it. Cleared marks
// the blank surface published on Remove.
type Presentation struct {
	Seq        uint64
	MediaTime  time.Duration
	Generation uint64
	TraceID    string
	Timestamp  time.Time
	State      PlaybackState
	Kind       types.DetectionKind
	Boxes      []types.BoundingBox
	Angles     angles.Snapshot
	Width      int
	Height     int
	JPEG       []byte
	Cleared    bool
}

// Output receives presentations on the event loop. Publish must not block.
type Output interface {
	Publish(p *Presentation)
}

// OutputFunc adapts a function to the Output interface.
type OutputFunc func(p *Presentation)

// Publish implements Output.
func (f OutputFunc) Publish(p *Presentation) { f(p) }

// Status is a point-in-time snapshot of the controller.
type Status struct {
	State      string             `json:"state"`
	URI        string             `json:"uri,omitempty"`
	Width      int                `json:"width,omitempty"`
	Height     int                `json:"height,omitempty"`
	Duration   time.Duration      `json:"duration_ns,omitempty"`
	Live       bool               `json:"live"`
	Kind       string             `json:"kind"`
	FrameSeq   uint64             `json:"frame_seq"`
	MediaTime  time.Duration      `json:"media_time_ns"`
	Renders    uint64             `json:"renders"`
	Angles     []angles.JointView `json:"angles"`
	Scheduler  scheduler.Stats    `json:"scheduler"`
	LastError  string             `json:"last_error,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	Generation uint64             `json:"generation"`
}
