package scheduler

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-overlay/internal/capture"
	"github.com/e7canasta/orion-overlay/internal/detector"
	"github.com/e7canasta/orion-overlay/internal/types"
)

// testLoop is a minimal event loop: one goroutine running posted closures.
type testLoop struct {
	ch   chan func()
	done chan struct{}
}

func newTestLoop(t *testing.T) *testLoop {
	l := &testLoop{ch: make(chan func(), 64), done: make(chan struct{})}
	go func() {
		for {
			select {
			case fn := <-l.ch:
				fn()
			case <-l.done:
				return
			}
		}
	}()
	t.Cleanup(func() { close(l.done) })
	return l
}

func (l *testLoop) post(fn func()) {
	select {
	case l.ch <- fn:
	case <-l.done:
	}
}

// do runs fn on the loop and waits for it.
func (l *testLoop) do(fn func()) {
	ran := make(chan struct{})
	l.post(func() {
		fn()
		close(ran)
	})
	<-ran
}

// fakeVideo advances one frame per capture while playing.
type fakeVideo struct {
	mu      sync.Mutex
	name    string
	seq     uint64
	paused  bool
	ended   bool
	frozen  bool // playing but the frame never changes
	lastSeq uint64
	endAt   uint64
}

func newFakeVideo(name string) *fakeVideo {
	return &fakeVideo{name: name, seq: 1, paused: true}
}

func (v *fakeVideo) Metadata() types.Metadata {
	return types.Metadata{URI: v.name, Width: 640, Height: 480}
}
func (v *fakeVideo) Play() error  { v.mu.Lock(); v.paused = false; v.mu.Unlock(); return nil }
func (v *fakeVideo) Pause() error { v.mu.Lock(); v.paused = true; v.mu.Unlock(); return nil }
func (v *fakeVideo) Seek(context.Context, time.Duration) error {
	v.mu.Lock()
	v.seq = 1
	v.ended = false
	v.mu.Unlock()
	return nil
}

func (v *fakeVideo) Capture() (*types.Frame, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.paused && !v.frozen && v.seq == v.lastSeq {
		v.seq++
	}
	if v.endAt > 0 && v.seq >= v.endAt {
		v.ended = true
	}
	v.lastSeq = v.seq
	return &types.Frame{
		Seq:       v.seq,
		MediaTime: time.Duration(v.seq-1) * 33 * time.Millisecond,
		Width:     4,
		Height:    4,
		Image:     image.NewRGBA(image.Rect(0, 0, 4, 4)),
		TraceID:   v.name,
	}, nil
}
func (v *fakeVideo) Paused() bool   { v.mu.Lock(); defer v.mu.Unlock(); return v.paused }
func (v *fakeVideo) Ended() bool    { v.mu.Lock(); defer v.mu.Unlock(); return v.ended }
func (v *fakeVideo) Seekable() bool { return true }
func (v *fakeVideo) Close() error   { return nil }

var _ capture.Video = (*fakeVideo)(nil)

// gateDetector records concurrency and can hold individual calls.
type gateDetector struct {
	mu             sync.Mutex
	calls          int
	outstanding    int
	maxOutstanding int
	holds          map[int]chan struct{}
	fail           map[int]bool
	started        chan *types.Frame
}

func newGateDetector() *gateDetector {
	return &gateDetector{
		holds:   make(map[int]chan struct{}),
		fail:    make(map[int]bool),
		started: make(chan *types.Frame, 128),
	}
}

// hold makes call number n (1-based) block until the returned func runs.
func (d *gateDetector) hold(n int) func() {
	ch := make(chan struct{})
	d.mu.Lock()
	d.holds[n] = ch
	d.mu.Unlock()
	return func() { close(ch) }
}

func (d *gateDetector) Detect(_ context.Context, frame *types.Frame) (types.DetectionResult, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.outstanding++
	if d.outstanding > d.maxOutstanding {
		d.maxOutstanding = d.outstanding
	}
	gate := d.holds[n]
	fail := d.fail[n]
	d.mu.Unlock()

	d.started <- frame
	if gate != nil {
		<-gate // late results ignore cancellation on purpose
	}

	d.mu.Lock()
	d.outstanding--
	d.mu.Unlock()

	if fail {
		return types.DetectionResult{}, detector.ErrDetectionFailure
	}
	return types.DetectionResult{
		Kind:      types.KindLandmarks,
		Landmarks: make([]types.Landmark, types.PoseLandmarkCount),
	}, nil
}

func (d *gateDetector) stats() (calls, maxOutstanding int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls, d.maxOutstanding
}

type presented struct {
	seq   uint64
	trace string
	kind  types.DetectionKind
	gen   uint64
}

// recorder is a Presenter; it runs on the loop and signals each call.
type recorder struct {
	mu     sync.Mutex
	frames []presented
	notify chan presented
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan presented, 128)}
}

func (r *recorder) Present(frame *types.Frame, det types.DetectionResult) {
	p := presented{seq: frame.Seq, trace: frame.TraceID, kind: det.Kind, gen: det.Generation}
	r.mu.Lock()
	r.frames = append(r.frames, p)
	r.mu.Unlock()
	select {
	case r.notify <- p:
	default:
	}
}

func (r *recorder) all() []presented {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]presented(nil), r.frames...)
}

func (r *recorder) next(t *testing.T) presented {
	t.Helper()
	select {
	case p := <-r.notify:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for present")
		return presented{}
	}
}

// drain discards presents already signalled.
func (r *recorder) drain() {
	for {
		select {
		case <-r.notify:
		default:
			return
		}
	}
}

func (r *recorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case p := <-r.notify:
		t.Fatalf("unexpected present of seq %d", p.seq)
	case <-time.After(d):
	}
}

func waitStarted(t *testing.T, d *gateDetector) *types.Frame {
	t.Helper()
	select {
	case f := <-d.started:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for detect call")
		return nil
	}
}

type fixture struct {
	loop  *testLoop
	video *fakeVideo
	det   *gateDetector
	rec   *recorder
	s     *Scheduler
}

func newFixture(t *testing.T, mode PresentMode) *fixture {
	f := &fixture{
		loop:  newTestLoop(t),
		video: newFakeVideo("A"),
		det:   newGateDetector(),
		rec:   newRecorder(),
	}
	f.s = New(Config{TickInterval: time.Millisecond, Mode: mode}, f.loop.post, f.det, f.rec)
	f.loop.do(func() { f.s.SetVideo(f.video) })
	t.Cleanup(func() { f.loop.do(func() { f.s.Stop() }) })
	return f
}

func (f *fixture) state() State {
	var st State
	f.loop.do(func() { st = f.s.State() })
	return st
}

func TestArmOnce_RendersExactlyOnce(t *testing.T) {
	f := newFixture(t, PresentAfterDetect)

	f.loop.do(func() { f.s.ArmOnce() })

	p := f.rec.next(t)
	assert.Equal(t, uint64(1), p.seq)
	assert.Equal(t, types.KindLandmarks, p.kind)
	f.rec.none(t, 30*time.Millisecond)
	assert.Equal(t, Stopped, f.state())

	calls, _ := f.det.stats()
	assert.Equal(t, 1, calls)
}

func TestArmOnce_ReRendersSameFrame(t *testing.T) {
	f := newFixture(t, PresentAfterDetect)

	f.loop.do(func() { f.s.ArmOnce() })
	first := f.rec.next(t)

	f.loop.do(func() { f.s.ArmOnce() })
	second := f.rec.next(t)

	assert.Equal(t, first.seq, second.seq, "paused at the same frame, still re-rendered")
}

func TestArmOnce_WithoutVideoIsNoop(t *testing.T) {
	f := newFixture(t, PresentAfterDetect)
	f.loop.do(func() {
		f.s.SetVideo(nil)
		f.s.ArmOnce()
	})
	assert.Equal(t, Stopped, f.state())
	f.rec.none(t, 20*time.Millisecond)
}

func TestLooping_RendersInIncreasingOrderUntilStopped(t *testing.T) {
	f := newFixture(t, PresentAfterDetect)

	require.NoError(t, f.video.Play())
	f.loop.do(func() { assert.True(t, f.s.Start()) })

	var seqs []uint64
	for i := 0; i < 3; i++ {
		seqs = append(seqs, f.rec.next(t).seq)
	}
	assert.IsIncreasing(t, seqs)

	f.loop.do(func() {
		f.video.Pause()
		f.s.Stop()
	})
	f.rec.drain()

	// At most the in-flight cycle drains; it is stale and not presented.
	f.rec.none(t, 50*time.Millisecond)
	assert.Equal(t, Stopped, f.state())

	_, maxOutstanding := f.det.stats()
	assert.Equal(t, 1, maxOutstanding)
}

func TestPlayPausePlay_NeverOverlapsDetection(t *testing.T) {
	f := newFixture(t, PresentAfterDetect)
	release := f.det.hold(1)

	require.NoError(t, f.video.Play())
	f.loop.do(func() { f.s.Start() })
	waitStarted(t, f.det)

	// Pause and play again while call 1 is still running.
	f.loop.do(func() {
		f.video.Pause()
		f.s.Stop()
	})
	require.NoError(t, f.video.Play())
	f.loop.do(func() { f.s.Start() })

	select {
	case <-f.det.started:
		t.Fatal("second detect started while the first was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	release()
	p := f.rec.next(t)
	assert.Greater(t, p.seq, uint64(1), "stale result of call 1 was not presented")

	var st Stats
	f.loop.do(func() { st = f.s.Stats() })
	assert.Equal(t, uint64(1), st.StaleDiscarded)

	_, maxOutstanding := f.det.stats()
	assert.Equal(t, 1, maxOutstanding)
}

func TestReplaceVideo_StaleResultDroppedAndNewArmRendersOnce(t *testing.T) {
	f := newFixture(t, PresentAfterDetect)
	release := f.det.hold(1)

	f.loop.do(func() { f.s.ArmOnce() })
	first := waitStarted(t, f.det)
	assert.Equal(t, "A", first.TraceID)

	b := newFakeVideo("B")
	f.loop.do(func() {
		f.s.SetVideo(b)
		f.s.ArmOnce()
	})

	// B's cycle waits for A's stale call to drain.
	select {
	case <-f.det.started:
		t.Fatal("detect for B started while A was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	release()
	p := f.rec.next(t)
	assert.Equal(t, "B", p.trace)
	f.rec.none(t, 30*time.Millisecond)

	for _, got := range f.rec.all() {
		assert.NotEqual(t, "A", got.trace)
	}
	assert.Equal(t, Stopped, f.state())
}

func TestStartDuringArmedOnce_DoesNotStartSecondCycle(t *testing.T) {
	f := newFixture(t, PresentAfterDetect)
	release := f.det.hold(1)

	f.loop.do(func() { f.s.ArmOnce() })
	waitStarted(t, f.det)

	require.NoError(t, f.video.Play())
	f.loop.do(func() {
		assert.True(t, f.s.Start())
		assert.Equal(t, Looping, f.s.State())
	})

	select {
	case <-f.det.started:
		t.Fatal("Start during ArmedOnce started a concurrent cycle")
	case <-time.After(30 * time.Millisecond):
	}

	release()
	assert.Equal(t, uint64(1), f.rec.next(t).seq)
	assert.Greater(t, f.rec.next(t).seq, uint64(1), "the armed cycle continued into the loop")

	_, maxOutstanding := f.det.stats()
	assert.Equal(t, 1, maxOutstanding)
}

func TestDetectionFailure_PresentsWithoutAnnotationAndContinues(t *testing.T) {
	f := newFixture(t, PresentAfterDetect)
	f.det.mu.Lock()
	f.det.fail[1] = true
	f.det.mu.Unlock()

	require.NoError(t, f.video.Play())
	f.loop.do(func() { f.s.Start() })

	p := f.rec.next(t)
	assert.Equal(t, types.KindNone, p.kind)
	assert.Equal(t, types.KindLandmarks, f.rec.next(t).kind, "loop keeps going")

	f.loop.do(func() {
		assert.Equal(t, uint64(1), f.s.Stats().Failures)
		f.s.Stop()
	})
}

func TestPresentImmediately_RawFrameThenBoxes(t *testing.T) {
	f := newFixture(t, PresentImmediately)

	f.loop.do(func() { f.s.ArmOnce() })

	raw := f.rec.next(t)
	annotated := f.rec.next(t)
	assert.Equal(t, types.KindNone, raw.kind)
	assert.Equal(t, types.KindLandmarks, annotated.kind)
	assert.Equal(t, raw.seq, annotated.seq)
	assert.Equal(t, raw.gen, annotated.gen)
}

func TestLooping_EndedStopsAndNotifies(t *testing.T) {
	f := newFixture(t, PresentAfterDetect)
	f.video.endAt = 3

	ended := make(chan struct{}, 1)
	f.loop.do(func() {
		f.s.OnEnded = func() { ended <- struct{}{} }
	})

	require.NoError(t, f.video.Play())
	f.loop.do(func() { f.s.Start() })

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("OnEnded not called")
	}
	assert.Equal(t, Stopped, f.state())
	f.loop.do(func() { assert.False(t, f.s.Start(), "cannot loop an ended video") })
}

func TestLooping_SameFrameIsNotReDetected(t *testing.T) {
	f := newFixture(t, PresentAfterDetect)
	f.video.frozen = true

	require.NoError(t, f.video.Play())
	f.loop.do(func() { f.s.Start() })
	f.rec.next(t)
	f.rec.none(t, 30*time.Millisecond)

	calls, _ := f.det.stats()
	assert.Equal(t, 1, calls)

	f.loop.do(func() {
		assert.Greater(t, f.s.Stats().FramesSkipped, uint64(0))
		f.s.Stop()
	})
}

func TestStop_BumpsGeneration(t *testing.T) {
	f := newFixture(t, PresentAfterDetect)
	f.loop.do(func() {
		g := f.s.Generation()
		f.s.Stop()
		assert.Equal(t, g+1, f.s.Generation())
	})
}

func TestModeFor(t *testing.T) {
	assert.Equal(t, PresentImmediately, ModeFor(types.KindBoxes))
	assert.Equal(t, PresentAfterDetect, ModeFor(types.KindLandmarks))
}

func TestPresenterFunc(t *testing.T) {
	var got uint64
	PresenterFunc(func(frame *types.Frame, _ types.DetectionResult) { got = frame.Seq }).
		Present(&types.Frame{Seq: 5}, types.DetectionResult{})
	assert.Equal(t, uint64(5), got)
}
