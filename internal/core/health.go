package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/e7canasta/orion-overlay/internal/control"
	"github.com/e7canasta/orion-overlay/internal/lifecycle"
	"github.com/e7canasta/orion-overlay/internal/viewer"
)

// statusTimeout bounds how long a health check waits for the event loop.
const statusTimeout = time.Second

// WorkerHealthMetrics contains health metrics for the detection worker
type WorkerHealthMetrics struct {
	Alive             bool      `json:"alive"`
	FramesProcessed   uint64    `json:"frames_processed"`
	Failures          uint64    `json:"failures"`
	InferencesEmitted uint64    `json:"inferences_emitted"`
	FailureRate       float64   `json:"failure_rate"`
	AvgLatencyMS      float64   `json:"avg_latency_ms"`
	LastSeenAt        time.Time `json:"last_seen_at"`
}

// HealthStatus represents the health state of the overlay service
type HealthStatus struct {
	Status         string               `json:"status"` // "healthy", "degraded", "unhealthy"
	InstanceID     string               `json:"instance_id"`
	UptimeSeconds  int64                `json:"uptime_seconds"`
	Playback       string               `json:"playback"`
	Source         string               `json:"source,omitempty"`
	LoopResponsive bool                 `json:"loop_responsive"`
	MQTTEnabled    bool                 `json:"mqtt_enabled"`
	MQTTConnected  bool                 `json:"mqtt_connected"`
	Viewer         viewer.Stats         `json:"viewer"`
	Worker         *WorkerHealthMetrics `json:"worker,omitempty"`
}

// HealthCheck returns the current health status of the service
func (o *Overlay) HealthCheck(ctx context.Context) HealthStatus {
	o.mu.RLock()
	running := o.isRunning
	started := o.started
	o.mu.RUnlock()

	status := HealthStatus{
		Status:      "healthy",
		InstanceID:  o.cfg.InstanceID,
		MQTTEnabled: o.emitter != nil,
		Viewer:      o.hub.Stats(),
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	if st, err := o.controller.Status(ctx); err == nil {
		status.LoopResponsive = true
		status.Playback = st.State
		status.Source = st.URI
	}

	// Check MQTT connection
	if o.emitter != nil {
		status.MQTTConnected = o.emitter.Stats().Connected
	}

	// Collect worker metrics
	if o.worker != nil {
		metrics := o.worker.Metrics()
		var failureRate float64
		if metrics.FramesProcessed > 0 {
			failureRate = float64(metrics.Failures) / float64(metrics.FramesProcessed)
		}
		status.Worker = &WorkerHealthMetrics{
			Alive:             o.worker.Alive(),
			FramesProcessed:   metrics.FramesProcessed,
			Failures:          metrics.Failures,
			InferencesEmitted: metrics.InferencesEmitted,
			FailureRate:       failureRate,
			AvgLatencyMS:      metrics.AvgLatencyMS,
			LastSeenAt:        metrics.LastSeenAt,
		}
	}

	// Determine overall health status
	switch {
	case !running || !status.LoopResponsive:
		status.Status = "unhealthy"
	case status.Worker != nil && !status.Worker.Alive:
		status.Status = "degraded"
	case status.MQTTEnabled && !status.MQTTConnected:
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health endpoint (simple liveness check)
// Returns 200 if the service process is alive
func (o *Overlay) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	o.mu.RLock()
	started := o.started
	o.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler handles /readiness endpoint (detailed readiness check)
// Returns 200 only if the service is ready to handle requests
func (o *Overlay) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := o.HealthCheck(r.Context())

	// Degraded is still ready
	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// StatusHandler handles /status endpoint (playback, scheduler and angles)
func (o *Overlay) StatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()

	st, err := o.controller.Status(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// MetricsHandler handles /metrics endpoint in Prometheus text format
func (o *Overlay) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()

	o.mu.RLock()
	started := o.started
	o.mu.RUnlock()

	st, err := o.controller.Status(ctx)
	if err != nil {
		st = lifecycle.Status{}
	}
	hub := o.hub.Stats()
	label := fmt.Sprintf("{instance=%q}", o.cfg.InstanceID)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	metric := func(name string, value interface{}) {
		fmt.Fprintf(w, "overlay_%s%s %v\n", name, label, value)
	}
	metric("uptime_seconds", int64(time.Since(started).Seconds()))
	metric("renders_total", st.Renders)
	metric("frame_seq", st.FrameSeq)
	metric("generation", st.Generation)
	metric("cycles_started_total", st.Scheduler.CyclesStarted)
	metric("cycles_completed_total", st.Scheduler.CyclesCompleted)
	metric("stale_discarded_total", st.Scheduler.StaleDiscarded)
	metric("detection_failures_total", st.Scheduler.Failures)
	metric("frames_skipped_total", st.Scheduler.FramesSkipped)
	metric("detection_latency_ms", st.Scheduler.LastLatency.Milliseconds())
	metric("viewer_clients", hub.Clients)
	metric("viewer_frames_sent_total", hub.Sent)
	metric("viewer_frames_dropped_total", hub.Dropped)

	if o.worker != nil {
		m := o.worker.Metrics()
		metric("worker_frames_total", m.FramesProcessed)
		metric("worker_failures_total", m.Failures)
		metric("worker_avg_latency_ms", m.AvgLatencyMS)
	}
	if o.emitter != nil {
		es := o.emitter.Stats()
		metric("mqtt_errors_total", es.Errors)
		metric("mqtt_dropped_total", es.Dropped)
	}
}

// Handler returns the HTTP routes served by the service
func (o *Overlay) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints
	mux.HandleFunc("/health", o.LivenessHandler)
	mux.HandleFunc("/readiness", o.ReadinessHandler)
	mux.HandleFunc("/metrics", o.MetricsHandler)
	mux.HandleFunc("/status", o.StatusHandler)

	// Control and viewer
	mux.Handle("/control", control.HTTPHandler(o.dispatcher))
	mux.Handle("/ws", o.hub)

	return mux
}

// StartHTTPServer starts the HTTP server on addr and returns the bound
// address. It does not block.
func (o *Overlay) StartHTTPServer(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           o.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	o.mu.Lock()
	o.server = server
	o.mu.Unlock()

	slog.Info("starting http server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/metrics", "/status", "/control", "/ws"},
	)

	// Start server in goroutine (non-blocking)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()

	return ln.Addr().String(), nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
