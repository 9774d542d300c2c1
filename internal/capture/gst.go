package capture

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-overlay/internal/types"
)

// pipelineSource is the GStreamer machinery shared by File and Camera:
// an appsink publishing RGBA samples into a Mailbox, and one goroutine
// draining the pipeline bus.
type pipelineSource struct {
	name     string // "file" or "camera", for logs
	uri      string
	pipeline *gst.Pipeline
	sink     *app.Sink
	mailbox  *Mailbox

	frameCounter uint64
	width        int32
	height       int32

	mu       sync.Mutex
	paused   bool
	ended    bool
	closed   bool
	asyncErr error
	seekDone chan error // pending seek, completed on ASYNC_DONE

	asyncDone chan error // preroll, completed once

	stop chan struct{}
	wg   sync.WaitGroup
}

func newPipelineSource(name, uri string, pipeline *gst.Pipeline, sink *app.Sink) *pipelineSource {
	p := &pipelineSource{
		name:      name,
		uri:       uri,
		pipeline:  pipeline,
		sink:      sink,
		mailbox:   NewMailbox(),
		paused:    true,
		asyncDone: make(chan error, 1),
		stop:      make(chan struct{}),
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			return p.onSample(s.PullSample())
		},
		NewPrerollFunc: func(s *app.Sink) gst.FlowReturn {
			return p.onSample(s.PullPreroll())
		},
	})

	p.wg.Add(1)
	go p.watchBus()
	return p
}

// onSample copies the sample into a Frame and publishes it.
//
// Frames are skipped, never fatal: a single bad buffer must not stop the
// pipeline.
func (p *pipelineSource) onSample(sample *gst.Sample) gst.FlowReturn {
	if sample == nil {
		slog.Warn("capture: failed to pull sample from appsink, skipping frame", "source", p.name)
		return gst.FlowOK
	}

	width, height := p.sampleSize(sample)
	if width <= 0 || height <= 0 {
		slog.Warn("capture: sample without video size, skipping frame", "source", p.name)
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("capture: failed to get buffer from sample, skipping frame", "source", p.name)
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) < width*height*4 {
		buffer.Unmap()
		slog.Warn("capture: short buffer received",
			"source", p.name,
			"size_bytes", len(data),
			"width", width,
			"height", height,
		)
		return gst.FlowOK
	}

	// GStreamer reuses the buffer
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	copy(img.Pix, data[:width*height*4])
	buffer.Unmap()

	frame := &types.Frame{
		Seq:       atomic.AddUint64(&p.frameCounter, 1),
		MediaTime: time.Duration(buffer.PresentationTimestamp()),
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Image:     img,
		TraceID:   uuid.New().String(),
	}
	p.mailbox.Publish(frame)

	slog.Debug("capture: frame published",
		"source", p.name,
		"seq", frame.Seq,
		"media_time", frame.MediaTime,
		"trace_id", frame.TraceID,
	)
	return gst.FlowOK
}

func (p *pipelineSource) sampleSize(sample *gst.Sample) (int, int) {
	if w, h := atomic.LoadInt32(&p.width), atomic.LoadInt32(&p.height); w > 0 && h > 0 {
		return int(w), int(h)
	}

	caps := sample.GetCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0
	}
	st := caps.GetStructureAt(0)
	wv, err := st.GetValue("width")
	if err != nil {
		return 0, 0
	}
	hv, err := st.GetValue("height")
	if err != nil {
		return 0, 0
	}
	w, ok1 := wv.(int)
	h, ok2 := hv.(int)
	if !ok1 || !ok2 {
		return 0, 0
	}
	atomic.StoreInt32(&p.width, int32(w))
	atomic.StoreInt32(&p.height, int32(h))
	return w, h
}

// watchBus is the only reader of the pipeline bus. It resolves preroll and
// seek completion (ASYNC_DONE), records EOS and reports errors.
func (p *pipelineSource) watchBus() {
	defer p.wg.Done()
	bus := p.pipeline.GetPipelineBus()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageAsyncDone:
			p.completeAsync(nil)

		case gst.MessageEOS:
			p.mu.Lock()
			p.ended = true
			p.mu.Unlock()
			slog.Info("capture: end of stream", "source", p.name, "uri", p.uri)

		case gst.MessageError:
			gerr := msg.ParseError()
			err := fmt.Errorf("%w: %s", ErrSourceUnavailable, gerr.Error())
			slog.Error("capture: pipeline error",
				"source", p.name,
				"uri", p.uri,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
			p.mu.Lock()
			p.asyncErr = err
			p.mu.Unlock()
			p.completeAsync(err)

		case gst.MessageStateChanged:
			if msg.Source() == p.pipeline.GetName() {
				old, current := msg.ParseStateChanged()
				slog.Debug("capture: pipeline state changed", "source", p.name, "from", old, "to", current)
			}
		}
	}
}

func (p *pipelineSource) completeAsync(err error) {
	select {
	case p.asyncDone <- err:
	default:
	}

	p.mu.Lock()
	done := p.seekDone
	p.seekDone = nil
	p.mu.Unlock()
	if done != nil {
		done <- err
	}
}

// preroll moves the pipeline to PAUSED and waits for the first frame.
func (p *pipelineSource) preroll(ctx context.Context) error {
	if err := p.pipeline.SetState(gst.StatePaused); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	select {
	case err := <-p.asyncDone:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, ctx.Err())
	}

	if _, err := p.mailbox.WaitFirst(ctx); err != nil {
		return fmt.Errorf("%w: no frame decoded: %v", ErrSourceUnavailable, err)
	}
	return nil
}

func (p *pipelineSource) size() (int, int) {
	return int(atomic.LoadInt32(&p.width)), int(atomic.LoadInt32(&p.height))
}

func (p *pipelineSource) duration() time.Duration {
	ok, d := p.pipeline.QueryDuration(gst.FormatTime)
	if !ok || d < 0 {
		return 0
	}
	return time.Duration(d)
}

func (p *pipelineSource) setState(state gst.State, paused bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	if err := p.pipeline.SetState(state); err != nil {
		return fmt.Errorf("capture: set state %s: %w", state, err)
	}

	p.mu.Lock()
	p.paused = paused
	p.mu.Unlock()
	return nil
}

func (p *pipelineSource) Play() error  { return p.setState(gst.StatePlaying, false) }
func (p *pipelineSource) Pause() error { return p.setState(gst.StatePaused, true) }

// seek performs a flushing seek and waits for the pipeline to preroll at
// the new position.
func (p *pipelineSource) seek(ctx context.Context, pos time.Duration) error {
	done := make(chan error, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.seekDone = done
	p.mu.Unlock()

	if !p.pipeline.SeekSimple(int64(pos), gst.FormatTime, gst.SeekFlagFlush|gst.SeekFlagKeyUnit) {
		p.mu.Lock()
		p.seekDone = nil
		p.mu.Unlock()
		return fmt.Errorf("capture: seek to %s rejected", pos)
	}

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		p.mu.Lock()
		if p.seekDone == done {
			p.seekDone = nil
		}
		p.mu.Unlock()
		return ctx.Err()
	}

	p.mu.Lock()
	p.ended = false
	p.mu.Unlock()
	return nil
}

func (p *pipelineSource) Capture() (*types.Frame, error) {
	p.mu.Lock()
	closed, asyncErr := p.closed, p.asyncErr
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	frame := p.mailbox.Latest()
	if frame == nil {
		if asyncErr != nil {
			return nil, asyncErr
		}
		return nil, ErrNoFrame
	}
	return frame, nil
}

func (p *pipelineSource) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *pipelineSource) Ended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ended
}

func (p *pipelineSource) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()

	if err := p.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("capture: failed to stop pipeline: %w", err)
	}

	stats := p.mailbox.Stats()
	slog.Info("capture: source closed",
		"source", p.name,
		"uri", p.uri,
		"frames_published", stats.Published,
		"frames_dropped", stats.Drops,
	)
	return nil
}

// Stats exposes the mailbox counters.
func (p *pipelineSource) Stats() MailboxStats {
	return p.mailbox.Stats()
}
