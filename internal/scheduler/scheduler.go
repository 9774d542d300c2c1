// Package scheduler drives the capture → detect → present cycle.
//
// The Scheduler is not goroutine-safe. Every method, and every closure it
// posts, runs on the owner's event loop; detection runs on its own
// goroutine and only posts its completion back. A generation counter,
// bumped on every Stop, tags each cycle so that late results from a
// stopped session or a replaced source are discarded instead of drawn.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-overlay/internal/capture"
	"github.com/e7canasta/orion-overlay/internal/detector"
	"github.com/e7canasta/orion-overlay/internal/types"
)

// DefaultTickInterval approximates one display refresh.
const DefaultTickInterval = 16 * time.Millisecond

// State is the scheduler state.
type State int

const (
	// Stopped runs no cycles.
	Stopped State = iota
	// ArmedOnce runs exactly one cycle, then returns to Stopped.
	ArmedOnce
	// Looping runs cycles back to back while the video plays.
	Looping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case ArmedOnce:
		return "armed_once"
	case Looping:
		return "looping"
	default:
		return "unknown"
	}
}

// PresentMode decides when a captured frame reaches the Presenter.
type PresentMode int

const (
	// PresentAfterDetect shows a frame only together with its detection,
	// so annotations never lag the video.
	PresentAfterDetect PresentMode = iota
	// PresentImmediately shows the raw frame at capture and presents it
	// again with annotations when detection completes.
	PresentImmediately
)

// ModeFor returns the present mode used for a detection kind.
func ModeFor(kind types.DetectionKind) PresentMode {
	if kind == types.KindBoxes {
		return PresentImmediately
	}
	return PresentAfterDetect
}

// Presenter receives frames on the event loop. det.Kind is KindNone when
// the frame has no annotation (raw frame or failed detection).
type Presenter interface {
	Present(frame *types.Frame, det types.DetectionResult)
}

// PresenterFunc adapts a function to the Presenter interface.
type PresenterFunc func(frame *types.Frame, det types.DetectionResult)

// Present implements Presenter.
func (f PresenterFunc) Present(frame *types.Frame, det types.DetectionResult) { f(frame, det) }

// Poster schedules fn on the event loop. It must not run fn inline.
type Poster func(fn func())

// Config configures a Scheduler.
type Config struct {
	TickInterval time.Duration
	Mode         PresentMode
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	State           string        `json:"state"`
	Generation      uint64        `json:"generation"`
	InFlight        bool          `json:"in_flight"`
	CyclesStarted   uint64        `json:"cycles_started"`
	CyclesCompleted uint64        `json:"cycles_completed"`
	StaleDiscarded  uint64        `json:"stale_discarded"`
	Failures        uint64        `json:"failures"`
	FramesSkipped   uint64        `json:"frames_skipped"`
	LastLatency     time.Duration `json:"last_latency_ns"`
}

// Scheduler owns the frame cycle for one video at a time.
type Scheduler struct {
	cfg       Config
	post      Poster
	detector  detector.Detector
	presenter Presenter

	// OnEnded is called on the loop when a looping cycle finds the video
	// at its end.
	OnEnded func()

	video      capture.Video
	state      State
	generation uint64

	// Single outstanding cycle: inFlight stays true until the detection
	// goroutine posts back, even after Stop. Requests made meanwhile set
	// pending and run once the call drains.
	inFlight    bool
	pending     bool
	cycleCancel context.CancelFunc
	timer       *time.Timer

	// force re-detects even when the frame did not change (ArmOnce).
	force   bool
	lastSeq uint64
	hasLast bool

	stats Stats
}

// New creates a stopped scheduler.
func New(cfg Config, post Poster, det detector.Detector, presenter Presenter) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return &Scheduler{
		cfg:       cfg,
		post:      post,
		detector:  det,
		presenter: presenter,
	}
}

// SetVideo stops the scheduler and replaces the video. v may be nil.
func (s *Scheduler) SetVideo(v capture.Video) {
	s.Stop()
	s.video = v
	s.hasLast = false
	s.lastSeq = 0
}

// SetMode changes the present mode for subsequent cycles.
func (s *Scheduler) SetMode(mode PresentMode) {
	s.cfg.Mode = mode
}

// State returns the current state.
func (s *Scheduler) State() State { return s.state }

// Generation returns the current generation.
func (s *Scheduler) Generation() uint64 { return s.generation }

// ArmOnce runs one cycle on the current frame, even if that frame was
// already presented. While looping it only forces the next cycle to
// re-detect.
func (s *Scheduler) ArmOnce() {
	if s.video == nil {
		return
	}
	s.force = true
	if s.state == Looping {
		return
	}
	s.state = ArmedOnce
	s.kick()
}

// Start begins looping. It returns false when there is no video or the
// video has ended. Starting while ArmedOnce lets the armed cycle's
// completion continue the loop, so no second cycle is started.
func (s *Scheduler) Start() bool {
	if s.video == nil || s.video.Ended() {
		return false
	}

	switch s.state {
	case Looping:
	case ArmedOnce:
		s.state = Looping
		if !s.inFlight && s.timer == nil {
			s.kick()
		}
	default:
		s.state = Looping
		s.kick()
	}
	return true
}

// Stop moves to Stopped and invalidates any in-flight cycle.
func (s *Scheduler) Stop() {
	s.generation++
	s.state = Stopped
	s.pending = false
	s.force = false

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cycleCancel != nil {
		s.cycleCancel()
	}
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	st := s.stats
	st.State = s.state.String()
	st.Generation = s.generation
	st.InFlight = s.inFlight
	return st
}

// kick starts a cycle now, or remembers the request while one is in flight.
func (s *Scheduler) kick() {
	if s.inFlight {
		s.pending = true
		return
	}
	s.runCycle()
}

func (s *Scheduler) runCycle() {
	if s.state == Stopped || s.video == nil {
		return
	}
	v := s.video

	if s.state == Looping && (v.Paused() || v.Ended()) {
		ended := v.Ended()
		s.state = Stopped
		slog.Debug("scheduler: video not playing, loop stopped", "ended", ended, "generation", s.generation)
		if ended && s.OnEnded != nil {
			s.OnEnded()
		}
		return
	}

	frame, err := v.Capture()
	if err != nil {
		// Live sources have no frame until the first one decodes.
		slog.Debug("scheduler: capture failed, retrying next tick", "error", err)
		s.scheduleNext()
		return
	}

	if !s.force && s.hasLast && frame.Seq == s.lastSeq {
		s.stats.FramesSkipped++
		if s.state == Looping {
			s.scheduleNext()
		} else {
			s.state = Stopped
		}
		return
	}
	s.force = false

	gen := s.generation
	s.inFlight = true
	s.stats.CyclesStarted++

	if s.cfg.Mode == PresentImmediately {
		s.presenter.Present(frame, types.DetectionResult{
			FrameSeq:   frame.Seq,
			MediaTime:  frame.MediaTime,
			Generation: gen,
		})
	}

	ctx, cancel := context.WithCancel(detector.WithGeneration(context.Background(), gen))
	s.cycleCancel = cancel
	det := s.detector
	go func() {
		res, err := det.Detect(ctx, frame)
		s.post(func() { s.complete(gen, frame, res, err) })
	}()
}

func (s *Scheduler) complete(gen uint64, frame *types.Frame, res types.DetectionResult, err error) {
	s.inFlight = false
	if s.cycleCancel != nil {
		s.cycleCancel()
		s.cycleCancel = nil
	}

	if gen != s.generation {
		s.stats.StaleDiscarded++
		slog.Debug("scheduler: stale detection result discarded",
			"result_generation", gen,
			"generation", s.generation,
			"frame_seq", frame.Seq,
		)
		if s.pending {
			s.pending = false
			s.kick()
		}
		return
	}

	s.stats.CyclesCompleted++
	if err != nil {
		s.stats.Failures++
		slog.Warn("scheduler: detection failed, presenting frame without annotation",
			"frame_seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
		)
		res = types.DetectionResult{}
	} else {
		s.stats.LastLatency = res.Latency
	}
	res.FrameSeq = frame.Seq
	res.MediaTime = frame.MediaTime
	res.Generation = gen

	s.lastSeq = frame.Seq
	s.hasLast = true

	// The raw frame is already on screen in PresentImmediately mode.
	if s.cfg.Mode == PresentAfterDetect || res.Kind != types.KindNone {
		s.presenter.Present(frame, res)
	}

	if s.pending {
		s.pending = false
		s.kick()
		return
	}

	switch s.state {
	case ArmedOnce:
		s.state = Stopped
	case Looping:
		s.scheduleNext()
	}
}

// scheduleNext posts the next tick after TickInterval. Ticks from an older
// generation are ignored.
func (s *Scheduler) scheduleNext() {
	if s.timer != nil {
		return
	}
	gen := s.generation
	s.timer = time.AfterFunc(s.cfg.TickInterval, func() {
		s.post(func() {
			if gen != s.generation {
				return
			}
			s.timer = nil
			s.kick()
		})
	})
}
