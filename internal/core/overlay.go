package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/e7canasta/orion-overlay/internal/angles"
	"github.com/e7canasta/orion-overlay/internal/capture"
	"github.com/e7canasta/orion-overlay/internal/config"
	"github.com/e7canasta/orion-overlay/internal/control"
	"github.com/e7canasta/orion-overlay/internal/detector"
	"github.com/e7canasta/orion-overlay/internal/emitter"
	"github.com/e7canasta/orion-overlay/internal/lifecycle"
	"github.com/e7canasta/orion-overlay/internal/render"
	"github.com/e7canasta/orion-overlay/internal/types"
	"github.com/e7canasta/orion-overlay/internal/viewer"
)

// watchdogInterval is how often the detector worker is checked.
const watchdogInterval = 10 * time.Second

// Overlay is the main service orchestrator
type Overlay struct {
	cfg  *config.Config
	kind types.DetectionKind

	// Core components
	opener         capture.Opener
	mux            *capture.Mux
	detector       detector.Detector
	worker         *detector.Worker // nil unless the Python worker is used
	controller     *lifecycle.Controller
	dispatcher     *control.Dispatcher
	hub            *viewer.Hub
	emitter        *emitter.MQTTEmitter // nil when MQTT is disabled
	controlHandler *control.Handler
	server         *http.Server

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
}

// Option customizes an Overlay.
type Option func(*Overlay)

// WithOpener replaces the capture opener (default: capture.Mux).
func WithOpener(opener capture.Opener) Option {
	return func(o *Overlay) { o.opener = opener }
}

// WithDetector replaces the detection worker.
func WithDetector(det detector.Detector) Option {
	return func(o *Overlay) { o.detector = det }
}

// NewOverlay creates a new overlay service instance from a validated config
func NewOverlay(cfg *config.Config, opts ...Option) (*Overlay, error) {
	o := &Overlay{
		cfg:  cfg,
		kind: types.ParseDetectionKind(cfg.Detector.Mode),
		mux: &capture.Mux{Camera: capture.CameraConfig{
			Device: cfg.Camera.Device,
			Width:  cfg.Camera.Width,
			Height: cfg.Camera.Height,
			FPS:    cfg.Camera.FPS,
		}},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.opener == nil {
		o.opener = o.mux
	}

	if err := o.initializeDetector(); err != nil {
		return nil, fmt.Errorf("failed to initialize detector: %w", err)
	}

	visible := make([]angles.Joint, 0, len(cfg.Overlay.VisibleAngles))
	for _, name := range cfg.Overlay.VisibleAngles {
		j, err := angles.ParseJoint(name)
		if err != nil {
			return nil, err
		}
		visible = append(visible, j)
	}

	style := render.DefaultStyle()
	style.Classes = cfg.Overlay.Classes
	style.FaceIndexMax = cfg.Overlay.FaceIndexMax

	o.hub = viewer.NewHub(o.handleViewerCommand)
	outputs := []lifecycle.Output{o.hub}
	if cfg.MQTTEnabled() {
		o.emitter = emitter.NewMQTTEmitter(cfg)
		outputs = append(outputs, o.emitter)
	}

	o.controller = lifecycle.New(lifecycle.Config{
		Opener:        o.opener,
		CameraURI:     o.mux.CameraURI(),
		Detector:      o.detector,
		Kind:          o.kind,
		Style:         style,
		TickInterval:  cfg.TickInterval(),
		JPEGQuality:   cfg.Overlay.JPEGQuality,
		VisibleAngles: visible,
		Outputs:       outputs,
	})
	o.dispatcher = control.NewDispatcher(o.controller, 0)

	slog.Info("overlay service configured",
		"instance_id", cfg.InstanceID,
		"detector_mode", o.kind.String(),
		"mqtt_enabled", cfg.MQTTEnabled(),
		"classes", cfg.Overlay.Classes,
	)
	return o, nil
}

// initializeDetector creates the Python worker unless a detector was given
func (o *Overlay) initializeDetector() error {
	if o.detector != nil {
		return nil
	}
	if o.kind == types.KindNone {
		o.detector = detector.Nop(types.KindNone)
		slog.Info("detection disabled, frames are presented without annotations")
		return nil
	}

	d := o.cfg.Detector
	w, err := detector.NewWorker(detector.WorkerConfig{
		Command:       d.Command,
		Args:          d.Args,
		ModelPath:     d.ModelPath,
		Confidence:    d.Confidence,
		Kind:          o.kind,
		MinVisibility: d.MinVisibility,
		Timeout:       o.cfg.DetectorTimeout(),
		JPEGQuality:   d.JPEGQuality,
	})
	if err != nil {
		return err
	}
	o.worker = w
	o.detector = w
	return nil
}

// Controller returns the lifecycle controller
func (o *Overlay) Controller() *lifecycle.Controller {
	return o.controller
}

// Run starts the overlay service and blocks until context is cancelled
func (o *Overlay) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.isRunning {
		o.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	o.isRunning = true
	o.started = time.Now()
	o.mu.Unlock()

	slog.Info("overlay service starting", "instance_id", o.cfg.InstanceID)

	// Start detection worker
	if o.worker != nil {
		if err := o.worker.Start(ctx); err != nil {
			return fmt.Errorf("failed to start detector: %w", err)
		}
	}

	// Connect MQTT emitter and control plane
	if o.emitter != nil {
		if err := o.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}

		o.controlHandler = control.NewHandler(o.emitter.Client,
			o.cfg.MQTT.Topics.Control, o.cfg.MQTT.QoS["control"], o.dispatcher)
		if err := o.controlHandler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}

		o.wg.Add(2)
		go func() {
			defer o.wg.Done()
			o.emitter.Run(ctx)
		}()
		go func() {
			defer o.wg.Done()
			o.publishHealth(ctx)
		}()
	}

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		o.hub.Run(ctx)
	}()
	go func() {
		defer o.wg.Done()
		if err := o.controller.Run(ctx); err != nil {
			slog.Error("lifecycle controller stopped", "error", err)
		}
	}()

	// Detector watchdog (auto-recovery)
	if o.worker != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.watchWorker(ctx)
		}()
	}

	if o.cfg.Source.URI != "" {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.openInitialSource(ctx)
		}()
	}

	slog.Info("overlay service running",
		"detector", o.kind.String(),
		"source", o.cfg.Source.URI,
	)

	// Wait for context cancellation
	<-ctx.Done()

	slog.Info("overlay service run loop exiting")
	return nil
}

func (o *Overlay) openInitialSource(ctx context.Context) {
	uri := o.cfg.Source.URI
	if err := o.controller.Open(ctx, uri); err != nil {
		slog.Error("failed to open initial source", "uri", uri, "error", err)
		return
	}
	if !o.cfg.Source.AutoPlay {
		return
	}
	if err := o.controller.Play(ctx); err != nil {
		slog.Error("failed to start playback", "uri", uri, "error", err)
	}
}

// Shutdown performs graceful shutdown of all components
func (o *Overlay) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.isRunning {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	slog.Info("shutting down overlay service")

	// 1. Stop accepting commands
	if o.controlHandler != nil {
		slog.Info("stopping control handler")
		if err := o.controlHandler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}
	if o.server != nil {
		if err := o.server.Shutdown(ctx); err != nil {
			slog.Error("failed to stop http server", "error", err)
		}
	}

	// 2. Wait for the event loop and outputs (without holding the lock)
	slog.Info("waiting for goroutines to finish")
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("all goroutines finished")
	case <-ctx.Done():
		slog.Warn("shutdown timeout waiting for goroutines")
	}

	// 3. Stop the detector process
	if o.worker != nil {
		if err := o.worker.Stop(); err != nil {
			slog.Error("failed to stop detector", "error", err)
		}
	}

	// 4. Disconnect MQTT
	if o.emitter != nil {
		if err := o.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	o.mu.Lock()
	uptime := time.Since(o.started)
	o.isRunning = false
	o.mu.Unlock()

	slog.Info("overlay service shutdown complete", "uptime", uptime)
	return ctx.Err()
}

// watchWorker restarts the detector process when it exits unexpectedly
func (o *Overlay) watchWorker(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.worker.Alive() {
				continue
			}

			metrics := o.worker.Metrics()
			slog.Warn("detector worker is down, attempting restart",
				"worker_id", o.worker.ID(),
				"frames_processed", metrics.FramesProcessed,
				"failures", metrics.Failures,
			)

			if err := o.worker.Stop(); err != nil {
				slog.Error("failed to stop detector worker", "worker_id", o.worker.ID(), "error", err)
				continue
			}
			if err := o.worker.Start(ctx); err != nil {
				slog.Error("failed to restart detector worker",
					"worker_id", o.worker.ID(),
					"error", err,
					"action", "frames keep rendering without annotations")
				continue
			}
			slog.Info("detector worker restarted", "worker_id", o.worker.ID())
		}
	}
}

// publishHealth publishes the health status on MQTT every health interval
func (o *Overlay) publishHealth(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.HealthInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(o.HealthCheck(ctx))
			if err != nil {
				slog.Error("failed to marshal health status", "error", err)
				continue
			}
			if err := o.emitter.PublishHealth(payload); err != nil {
				slog.Debug("health not published", "error", err)
			}
		}
	}
}

// handleViewerCommand lets WebSocket viewers send the same JSON commands
// as MQTT and POST /control.
func (o *Overlay) handleViewerCommand(ctx context.Context, payload []byte) any {
	var cmd control.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return control.Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		}
	}
	return o.dispatcher.Handle(ctx, cmd)
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (o *Overlay) ShutdownTimeout() time.Duration {
	timeout := o.cfg.ShutdownTimeout()
	if timeout == 0 {
		return 5 * time.Second // Default
	}
	return timeout
}
