package detector

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-overlay/internal/types"
)

// WorkerConfig configures the Python model worker.
type WorkerConfig struct {
	WorkerID string

	// Command and Args start the worker; model flags are appended.
	Command string
	Args    []string

	ModelPath  string
	Confidence float64
	Kind       types.DetectionKind

	// MinVisibility marks landmarks below this score absent.
	MinVisibility float64

	// Timeout bounds one Detect round trip.
	Timeout time.Duration

	JPEGQuality int
}

// Worker runs detection in a Python subprocess.
//
// Frames go to stdin as JPEG inside a length-prefixed msgpack request;
// results come back on stdout the same way, matched by request id. Python
// logs on stderr are mapped onto slog levels.
//
// Detect is safe for concurrent use; requests are written one at a time.
// Start and Stop may run while Detect calls are in flight: each call works
// against the process that was current when it began.
type Worker struct {
	id  string
	cfg WorkerConfig

	// lifeMu serializes Start and Stop. proc is nil while stopped.
	lifeMu sync.Mutex
	proc   atomic.Pointer[process]

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *response
	nextID  uint64

	// Stats
	frameCount     uint64
	failures       uint64
	inferenceCount uint64
	totalLatencyMS uint64
	lastSeenAt     atomic.Value // time.Time
}

// process holds the handles of one worker process. It is never mutated
// after it is published in Worker.proc.
type process struct {
	cmd    *exec.Cmd // nil for in-memory pipes
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{} // closed when stdout is gone
	wg     sync.WaitGroup
}

var _ Detector = (*Worker)(nil)

// NewWorker validates cfg and fills defaults. The process starts on Start.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("detector: command is required")
	}
	if cfg.Kind == types.KindNone {
		return nil, fmt.Errorf("detector: kind must be landmarks or boxes")
	}
	if cfg.Confidence <= 0 {
		cfg.Confidence = 0.5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 85
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = cfg.Kind.String() + "-detector"
	}

	slog.Info("python detector worker created",
		"worker_id", cfg.WorkerID,
		"kind", cfg.Kind.String(),
		"command", cfg.Command,
		"model", cfg.ModelPath,
		"confidence", cfg.Confidence,
	)

	return &Worker{
		id:      cfg.WorkerID,
		cfg:     cfg,
		pending: make(map[uint64]chan *response),
	}, nil
}

// ID returns the worker ID.
func (w *Worker) ID() string {
	return w.id
}

// Start spawns the Python process.
func (w *Worker) Start(ctx context.Context) error {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()

	if w.proc.Load() != nil {
		return fmt.Errorf("worker already started")
	}

	args := append([]string{}, w.cfg.Args...)
	args = append(args,
		"--mode", w.cfg.Kind.String(),
		"--confidence", fmt.Sprintf("%.2f", w.cfg.Confidence),
	)
	if w.cfg.ModelPath != "" {
		args = append(args, "--model", w.cfg.ModelPath)
	}

	pctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(pctx, w.cfg.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start python process: %w", err)
	}

	slog.Info("python process spawned",
		"worker_id", w.id,
		"pid", cmd.Process.Pid,
	)

	w.run(&process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		ctx:    pctx,
		cancel: cancel,
	})
	return nil
}

// attach wires the worker to in-memory pipes instead of a subprocess.
func (w *Worker) attach(stdin io.WriteCloser, stdout, stderr io.Reader) {
	ctx, cancel := context.WithCancel(context.Background())

	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()
	w.run(&process{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		ctx:    ctx,
		cancel: cancel,
	})
}

// run starts the goroutines of p and publishes it. lifeMu must be held.
func (w *Worker) run(p *process) {
	p.exited = make(chan struct{})
	w.lastSeenAt.Store(time.Now())

	p.wg.Add(1)
	go w.readResults(p)

	if p.stderr != nil {
		p.wg.Add(1)
		go w.logStderr(p)
	}
	if p.cmd != nil {
		p.wg.Add(1)
		go w.waitProcess(p)
	}

	w.proc.Store(p)
}

// Detect sends frame to the worker and waits for its result.
func (w *Worker) Detect(ctx context.Context, frame *types.Frame) (types.DetectionResult, error) {
	p := w.proc.Load()
	if p == nil {
		return types.DetectionResult{}, w.fail(fmt.Errorf("%w: worker not active", ErrDetectionFailure))
	}
	if frame == nil || frame.Image == nil {
		return types.DetectionResult{}, w.fail(fmt.Errorf("%w: empty frame", ErrDetectionFailure))
	}

	atomic.AddUint64(&w.frameCount, 1)
	started := time.Now()

	var jpegBuf bytes.Buffer
	if err := jpeg.Encode(&jpegBuf, frame.Image, &jpeg.Options{Quality: w.cfg.JPEGQuality}); err != nil {
		return types.DetectionResult{}, w.fail(fmt.Errorf("%w: jpeg encode: %v", ErrDetectionFailure, err))
	}

	id := atomic.AddUint64(&w.nextID, 1)
	reply := make(chan *response, 1)
	w.mu.Lock()
	w.pending[id] = reply
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
	}()

	req := request{
		ID:        id,
		FrameData: jpegBuf.Bytes(),
		Width:     frame.Width,
		Height:    frame.Height,
		Meta: requestMeta{
			Seq:         frame.Seq,
			MediaTimeMS: frame.MediaTime.Milliseconds(),
			Generation:  GenerationFrom(ctx),
			TraceID:     frame.TraceID,
		},
	}
	if err := w.send(ctx, p, req); err != nil {
		slog.Error("failed to send frame to python worker",
			"worker_id", w.id,
			"frame_seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
			"action", "worker may be hung, check health metrics",
		)
		return types.DetectionResult{}, w.fail(fmt.Errorf("%w: %v", ErrDetectionFailure, err))
	}

	timer := time.NewTimer(w.cfg.Timeout)
	defer timer.Stop()

	var resp *response
	select {
	case resp = <-reply:
	case <-timer.C:
		return types.DetectionResult{}, w.fail(fmt.Errorf("%w: timeout after %s", ErrDetectionFailure, w.cfg.Timeout))
	case <-ctx.Done():
		return types.DetectionResult{}, w.fail(fmt.Errorf("%w: %w", ErrDetectionFailure, ctx.Err()))
	case <-p.exited:
		return types.DetectionResult{}, w.fail(fmt.Errorf("%w: worker exited", ErrDetectionFailure))
	}

	res, err := resp.toResult(w.cfg.Kind, w.cfg.MinVisibility)
	if err != nil {
		return types.DetectionResult{}, w.fail(err)
	}

	res.FrameSeq = frame.Seq
	res.MediaTime = frame.MediaTime
	res.Generation = GenerationFrom(ctx)
	if res.Latency == 0 {
		res.Latency = time.Since(started)
	}

	atomic.AddUint64(&w.inferenceCount, 1)
	atomic.AddUint64(&w.totalLatencyMS, uint64(res.Latency.Milliseconds()))
	w.lastSeenAt.Store(time.Now())
	return res, nil
}

func (w *Worker) fail(err error) error {
	atomic.AddUint64(&w.failures, 1)
	return err
}

// send writes req with a timeout so a hung worker cannot block the caller.
func (w *Worker) send(ctx context.Context, p *process, req request) error {
	writeErr := make(chan error, 1)
	go func() {
		w.writeMu.Lock()
		defer w.writeMu.Unlock()
		writeErr <- writeMessage(p.stdin, req)
	}()

	select {
	case err := <-writeErr:
		return err
	case <-time.After(w.cfg.Timeout):
		return fmt.Errorf("stdin write timeout (python worker may be hung)")
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return fmt.Errorf("worker context cancelled during write")
	}
}

// readResults routes responses to the waiting Detect call. Responses for
// abandoned requests are dropped.
func (w *Worker) readResults(p *process) {
	defer p.wg.Done()
	defer close(p.exited)

	for {
		var resp response
		if err := readMessage(p.stdout, &resp); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				slog.Debug("python worker stdout closed (EOF)", "worker_id", w.id)
				return
			}
			if errors.Is(err, errMalformed) {
				slog.Error("failed to unmarshal msgpack detection result",
					"worker_id", w.id,
					"error", err,
					"action", "check python worker logs in stderr",
				)
				continue
			}
			slog.Error("failed to read from python worker", "worker_id", w.id, "error", err)
			return
		}

		w.mu.Lock()
		reply, ok := w.pending[resp.ID]
		w.mu.Unlock()
		if !ok {
			slog.Debug("dropping detection result, caller gone", "worker_id", w.id, "request_id", resp.ID)
			continue
		}
		reply <- &resp
	}
}

// logStderr maps Python log levels onto slog levels.
func (w *Worker) logStderr(p *process) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			slog.Error("python worker error", "worker_id", w.id, "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			slog.Warn("python worker warning", "worker_id", w.id, "log", line)
		default:
			slog.Debug("python worker log", "worker_id", w.id, "log", line)
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Error("error reading stderr", "worker_id", w.id, "error", err)
	}
}

// waitProcess reaps the Python process.
func (w *Worker) waitProcess(p *process) {
	defer p.wg.Done()

	pid := p.cmd.Process.Pid
	err := p.cmd.Wait()
	if err == nil {
		slog.Info("python process exited cleanly", "worker_id", w.id, "pid", pid)
		return
	}

	select {
	case <-p.ctx.Done():
		slog.Debug("python process exited (shutdown)", "worker_id", w.id, "pid", pid)
	default:
		slog.Error("python process exited unexpectedly",
			"worker_id", w.id,
			"pid", pid,
			"error", err,
		)
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Alive reports whether the worker was started and its stdout is still open.
func (w *Worker) Alive() bool {
	p := w.proc.Load()
	if p == nil {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Metrics returns current worker health metrics.
func (w *Worker) Metrics() Metrics {
	emitted := atomic.LoadUint64(&w.inferenceCount)
	totalLatencyMS := atomic.LoadUint64(&w.totalLatencyMS)

	var avgLatencyMS float64
	if emitted > 0 {
		avgLatencyMS = float64(totalLatencyMS) / float64(emitted)
	}

	var lastSeen time.Time
	if val := w.lastSeenAt.Load(); val != nil {
		lastSeen = val.(time.Time)
	}

	return Metrics{
		FramesProcessed:   atomic.LoadUint64(&w.frameCount),
		Failures:          atomic.LoadUint64(&w.failures),
		InferencesEmitted: emitted,
		AvgLatencyMS:      avgLatencyMS,
		LastSeenAt:        lastSeen,
	}
}

// Stop closes stdin, waits for the worker goroutines and kills the process
// if it does not exit within 2s.
func (w *Worker) Stop() error {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()

	p := w.proc.Swap(nil)
	if p == nil {
		return nil
	}

	slog.Info("stopping python detector", "worker_id", w.id)

	p.cancel()
	if p.stdin != nil {
		p.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("python worker goroutines stopped cleanly", "worker_id", w.id)
	case <-time.After(2 * time.Second):
		slog.Warn("python worker stop timeout, force killing process", "worker_id", w.id)
		if p.cmd != nil && p.cmd.Process != nil {
			if err := p.cmd.Process.Kill(); err != nil {
				slog.Error("failed to kill python process", "worker_id", w.id, "error", err)
			}
		}
	}

	slog.Info("python detector stopped",
		"worker_id", w.id,
		"frames_processed", atomic.LoadUint64(&w.frameCount),
		"inferences", atomic.LoadUint64(&w.inferenceCount),
		"failures", atomic.LoadUint64(&w.failures),
	)
	return nil
}
