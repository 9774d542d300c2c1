// Package lifecycle maps user intents (open, camera on/off, play, pause,
// reset, remove, toggle angle) onto the video source and the scheduler.
//
// The Controller owns a single event loop goroutine. Public methods post
// closures onto it and wait, and the scheduler posts its detection
// completions onto the same loop, so the surface, the angle state and the
// scheduler are only ever touched from one goroutine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-overlay/internal/angles"
	"github.com/e7canasta/orion-overlay/internal/capture"
	"github.com/e7canasta/orion-overlay/internal/detector"
	"github.com/e7canasta/orion-overlay/internal/render"
	"github.com/e7canasta/orion-overlay/internal/scheduler"
	"github.com/e7canasta/orion-overlay/internal/types"
)

var (
	// ErrNoSource is returned by playback intents when nothing is loaded.
	ErrNoSource = errors.New("lifecycle: no source loaded")

	// ErrNotRunning is returned when the event loop is not running.
	ErrNotRunning = errors.New("lifecycle: controller not running")

	// ErrSuperseded is returned by Open when a later Open or Remove won.
	ErrSuperseded = errors.New("lifecycle: open superseded")
)

// Config configures a Controller.
type Config struct {
	Opener    capture.Opener
	CameraURI string

	Detector detector.Detector
	Kind     types.DetectionKind

	Style        render.Style
	TickInterval time.Duration

	// VisibleAngles are shown from startup.
	VisibleAngles []angles.Joint
	JPEGQuality  int

	Outputs []Output
}

// Controller is the media lifecycle state machine.
type Controller struct {
	cfg Config

	events  chan func()
	done    chan struct{}
	started chan struct{}
	runCtx  context.Context

	// Loop-owned state.
	state     PlaybackState
	video     capture.Video
	meta      types.Metadata
	surface   *render.Surface
	renderer  *render.Renderer
	angles    *angles.State
	sched     *scheduler.Scheduler
	lastFrame *types.Frame
	lastDet   types.DetectionResult
	openSeq   uint64
	renders   uint64

	// playPending is set while Play waits for the seek back to 0 of an
	// ended video. Pause clears it.
	playPending bool
	lastError string
	startedAt time.Time
}

// New creates a controller in Idle. Call Run to start its loop.
func New(cfg Config) *Controller {
	if cfg.Detector == nil {
		cfg.Detector = detector.Nop(cfg.Kind)
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 80
	}
	if cfg.Style.ConnectorColor == nil {
		cfg.Style = render.DefaultStyle()
	}

	c := &Controller{
		cfg:      cfg,
		events:   make(chan func(), 256),
		done:     make(chan struct{}),
		started:  make(chan struct{}),
		renderer: render.NewRenderer(cfg.Style),
		angles:   angles.New(),
	}
	c.sched = scheduler.New(scheduler.Config{
		TickInterval: cfg.TickInterval,
		Mode:         scheduler.ModeFor(cfg.Kind),
	}, c.post, cfg.Detector, scheduler.PresenterFunc(c.present))
	c.sched.OnEnded = c.onEnded
	for _, j := range cfg.VisibleAngles {
		c.angles.SetVisible(j, true)
	}
	return c
}

// Run executes the event loop until ctx is done, then releases the source.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	c.startedAt = time.Now()
	close(c.started)
	defer close(c.done)

	slog.Info("lifecycle: event loop running", "kind", c.cfg.Kind.String())

	for {
		select {
		case fn := <-c.events:
			fn()
		case <-ctx.Done():
			c.release()
			slog.Info("lifecycle: event loop stopped", "renders", c.renders)
			return nil
		}
	}
}

// post queues fn on the loop without waiting. Used by the scheduler.
func (c *Controller) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

// do runs fn on the loop and waits for it to finish.
func (c *Controller) do(ctx context.Context, fn func()) error {
	select {
	case <-c.started:
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	ran := make(chan struct{})
	select {
	case c.events <- func() { fn(); close(ran) }:
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ran:
		return nil
	case <-c.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrNotRunning
		}
	}
}

// Open releases the current source, opens uri and arms the first frame.
// Opening happens off the loop; the result is installed only if no later
// Open or Remove happened meanwhile.
func (c *Controller) Open(ctx context.Context, uri string) error {
	var token uint64
	if err := c.do(ctx, func() {
		c.release()
		c.openSeq++
		token = c.openSeq
		c.lastError = ""
	}); err != nil {
		return err
	}

	slog.Info("lifecycle: opening source", "uri", uri)
	v, err := c.cfg.Opener.Open(ctx, uri)
	if err != nil {
		if !errors.Is(err, capture.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %v", capture.ErrSourceUnavailable, err)
		}
		_ = c.do(context.Background(), func() {
			if token == c.openSeq {
				c.lastError = err.Error()
			}
		})
		slog.Error("lifecycle: failed to open source", "uri", uri, "error", err)
		return err
	}

	var installErr error
	if err := c.do(context.Background(), func() {
		if token != c.openSeq {
			installErr = ErrSuperseded
			return
		}
		installErr = c.install(v)
	}); err != nil {
		v.Close()
		return err
	}
	if installErr != nil {
		v.Close()
		return installErr
	}
	return nil
}

// Upload is Open for a user-provided file.
func (c *Controller) Upload(ctx context.Context, path string) error {
	return c.Open(ctx, path)
}

// CameraOn opens the configured camera and starts playing it.
func (c *Controller) CameraOn(ctx context.Context) error {
	if err := c.Open(ctx, c.cfg.CameraURI); err != nil {
		return err
	}
	return c.Play(ctx)
}

// CameraOff releases the camera. It is Remove.
func (c *Controller) CameraOff(ctx context.Context) error {
	return c.Remove(ctx)
}

// Play starts playback. Playing an ended video restarts it from 0.
func (c *Controller) Play(ctx context.Context) error {
	var err error
	if doErr := c.do(ctx, func() { err = c.play() }); doErr != nil {
		return doErr
	}
	return err
}

// Pause freezes playback; the last frame stays rendered.
func (c *Controller) Pause(ctx context.Context) error {
	var err error
	if doErr := c.do(ctx, func() { err = c.pause() }); doErr != nil {
		return doErr
	}
	return err
}

// TogglePlay flips between Playing and Paused and returns the new state.
func (c *Controller) TogglePlay(ctx context.Context) (PlaybackState, error) {
	var (
		err   error
		state PlaybackState
	)
	if doErr := c.do(ctx, func() {
		if c.state == Playing {
			err = c.pause()
		} else {
			err = c.play()
		}
		state = c.state
	}); doErr != nil {
		return state, doErr
	}
	return state, err
}

// Reset pauses, seeks to 0 and re-renders the first frame once the seek
// completes. It returns before the seek finishes.
func (c *Controller) Reset(ctx context.Context) error {
	var err error
	if doErr := c.do(ctx, func() {
		if c.video == nil {
			err = ErrNoSource
			return
		}
		if !c.video.Seekable() {
			err = capture.ErrNotSeekable
			return
		}
		if perr := c.video.Pause(); perr != nil {
			slog.Warn("lifecycle: pause before reset failed", "error", perr)
		}
		c.state = Paused
		c.playPending = false
		c.sched.Stop()
		c.seekThen(0, func() { c.sched.ArmOnce() })
	}); doErr != nil {
		return doErr
	}
	return err
}

// Remove releases the source, clears the surface and the angle values.
// Angle visibility flags are kept.
func (c *Controller) Remove(ctx context.Context) error {
	return c.do(ctx, func() {
		c.release()
		c.openSeq++
		c.angles.ClearValues()
		c.lastFrame = nil
		c.lastDet = types.DetectionResult{}
		if c.surface != nil {
			c.surface.Clear()
			c.publish(true)
		}
		slog.Info("lifecycle: source removed")
	})
}

// ToggleAngle flips the label visibility of joint and re-renders the last
// frame. It returns the new visibility.
func (c *Controller) ToggleAngle(ctx context.Context, joint angles.Joint) (bool, error) {
	var visible bool
	err := c.do(ctx, func() {
		visible = c.angles.Toggle(joint)
		c.redraw()
	})
	return visible, err
}

// Status returns a snapshot of the controller.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, func() {
		snap := c.angles.Snapshot()
		st = Status{
			State:      c.state.String(),
			URI:        c.meta.URI,
			Width:      c.meta.Width,
			Height:     c.meta.Height,
			Duration:   c.meta.Duration,
			Live:       c.meta.Live,
			Kind:       c.cfg.Kind.String(),
			Renders:    c.renders,
			Angles:     snap[:],
			Scheduler:  c.sched.Stats(),
			LastError:  c.lastError,
			StartedAt:  c.startedAt,
			Generation: c.sched.Generation(),
		}
		if c.lastFrame != nil {
			st.FrameSeq = c.lastFrame.Seq
			st.MediaTime = c.lastFrame.MediaTime
		}
	})
	return st, err
}

// State returns the playback state.
func (c *Controller) State(ctx context.Context) (PlaybackState, error) {
	var st PlaybackState
	err := c.do(ctx, func() { st = c.state })
	return st, err
}

// --- loop-only helpers ---

func (c *Controller) install(v capture.Video) error {
	meta := v.Metadata()
	surface, err := render.NewSurface(meta.Width, meta.Height)
	if err != nil {
		c.lastError = err.Error()
		return fmt.Errorf("%w: %v", capture.ErrSourceUnavailable, err)
	}

	c.video = v
	c.meta = meta
	c.surface = surface
	c.lastFrame = nil
	c.lastDet = types.DetectionResult{}
	c.angles.ClearValues()
	c.sched.SetVideo(v)
	c.state = Ready
	c.sched.ArmOnce()

	slog.Info("lifecycle: source ready",
		"uri", meta.URI,
		"resolution", fmt.Sprintf("%dx%d", meta.Width, meta.Height),
		"duration", meta.Duration,
		"live", meta.Live,
		"generation", c.sched.Generation(),
	)
	return nil
}

func (c *Controller) release() {
	if c.video == nil {
		c.state = Idle
		return
	}
	v := c.video
	c.sched.SetVideo(nil)
	c.playPending = false
	c.video = nil
	c.meta = types.Metadata{}
	c.state = Idle
	if err := v.Close(); err != nil {
		slog.Warn("lifecycle: failed to close source", "error", err)
	}
}

func (c *Controller) play() error {
	if c.video == nil {
		return ErrNoSource
	}
	if c.state == Playing {
		return nil
	}

	if c.playPending {
		return nil
	}

	if c.video.Ended() {
		if !c.video.Seekable() {
			return nil
		}
		c.sched.Stop()
		c.playPending = true
		c.seekThen(0, func() {
			if c.playPending {
				c.playPending = false
				c.startLoop()
				return
			}
			// Paused during the seek: show the frame at 0.
			c.sched.ArmOnce()
		})
		return nil
	}

	c.startLoop()
	return nil
}

func (c *Controller) startLoop() {
	if err := c.video.Play(); err != nil {
		slog.Error("lifecycle: play failed", "error", err)
		return
	}
	if c.sched.Start() {
		c.state = Playing
	}
}

func (c *Controller) pause() error {
	if c.video == nil {
		return ErrNoSource
	}
	if err := c.video.Pause(); err != nil {
		return fmt.Errorf("lifecycle: pause: %w", err)
	}
	if c.playPending {
		c.playPending = false
		c.state = Paused
		return nil
	}

	// A pending single-frame cycle (first frame after Open, frame after
	// Reset) still has to render; only the loop is stopped.
	if c.sched.State() == scheduler.Looping {
		c.sched.Stop()
	}
	if c.state != Ended {
		c.state = Paused
	}
	return nil
}

// seekThen seeks the current video off the loop and runs then on the loop
// if nothing replaced the video or stopped the scheduler meanwhile.
func (c *Controller) seekThen(pos time.Duration, then func()) {
	v := c.video
	gen := c.sched.Generation()
	ctx := c.runCtx

	go func() {
		err := v.Seek(ctx, pos)
		c.post(func() {
			if c.video != v || c.sched.Generation() != gen {
				slog.Debug("lifecycle: seek completion superseded", "position", pos)
				return
			}
			if err != nil {
				slog.Warn("lifecycle: seek failed", "position", pos, "error", err)
				c.lastError = err.Error()
			}
			then()
		})
	}()
}

func (c *Controller) onEnded() {
	c.state = Ended
	slog.Info("lifecycle: playback ended", "uri", c.meta.URI)
}

// present is the scheduler's Presenter.
func (c *Controller) present(frame *types.Frame, det types.DetectionResult) {
	if c.surface == nil {
		return
	}
	c.angles.UpdateFromLandmarks(det, frame.Width, frame.Height)
	c.lastFrame = frame
	c.lastDet = det
	c.redraw()
}

// redraw renders the last frame with the current angle flags. It is
// idempotent and called after every state mutation.
func (c *Controller) redraw() {
	if c.surface == nil || c.lastFrame == nil {
		return
	}
	c.renderer.Render(c.surface, c.lastFrame, c.lastDet, c.angles.Snapshot())
	c.renders++
	c.publish(false)
}

func (c *Controller) publish(cleared bool) {
	if len(c.cfg.Outputs) == 0 {
		return
	}

	data, err := c.surface.EncodeJPEG(c.cfg.JPEGQuality)
	if err != nil {
		slog.Error("lifecycle: failed to encode surface", "error", err)
		return
	}

	p := &Presentation{
		Timestamp: time.Now(),
		State:     c.state,
		Angles:    c.angles.Snapshot(),
		Width:     c.surface.Width(),
		Height:    c.surface.Height(),
		JPEG:      data,
		Cleared:   cleared,
	}
	if !cleared && c.lastFrame != nil {
		p.Seq = c.lastFrame.Seq
		p.MediaTime = c.lastFrame.MediaTime
		p.TraceID = c.lastFrame.TraceID
		p.Generation = c.lastDet.Generation
		p.Kind = c.lastDet.Kind
		p.Boxes = c.lastDet.Boxes
	}

	for _, out := range c.cfg.Outputs {
		out.Publish(p)
	}
}
