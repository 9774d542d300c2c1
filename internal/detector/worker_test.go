package detector

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/jpeg"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-overlay/internal/types"
)

// fakePython answers requests on in-memory pipes using the worker codec.
// handle returning nil leaves the request unanswered. Closing the returned
// stdin ends the fake process.
func fakePython(handle func(req request) *response) (io.WriteCloser, io.Reader) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		defer outW.Close()
		for {
			var req request
			if err := readMessage(inR, &req); err != nil {
				return
			}
			resp := handle(req)
			if resp == nil {
				continue
			}
			resp.ID = req.ID
			if err := writeMessage(outW, resp); err != nil {
				return
			}
		}
	}()
	return inW, outR
}

func startFakeWorker(t *testing.T, cfg WorkerConfig, handle func(req request) *response) *Worker {
	t.Helper()

	if cfg.Command == "" {
		cfg.Command = "fake"
	}
	w, err := NewWorker(cfg)
	require.NoError(t, err)

	stdin, stdout := fakePython(handle)
	w.attach(stdin, stdout, nil)
	t.Cleanup(func() { w.Stop() })
	return w
}

func testFrame(seq uint64) *types.Frame {
	return &types.Frame{
		Seq:       seq,
		MediaTime: 1500 * time.Millisecond,
		Width:     32,
		Height:    24,
		Image:     image.NewRGBA(image.Rect(0, 0, 32, 24)),
		TraceID:   "trace-1",
	}
}

func poseResponse() *response {
	lms := make([][]float64, types.PoseLandmarkCount)
	for i := range lms {
		lms[i] = []float64{0.5, 0.5, 0, 0.9}
	}
	lms[types.PoseLeftKnee] = []float64{0.25, 0.75, -0.1, 0.2}
	return &response{Kind: "landmarks", Landmarks: lms, Timing: map[string]float64{"total_ms": 12}}
}

func TestWorker_DetectLandmarks(t *testing.T) {
	requests := make(chan request, 1)
	w := startFakeWorker(t, WorkerConfig{Kind: types.KindLandmarks, MinVisibility: 0.5}, func(req request) *response {
		requests <- req
		return poseResponse()
	})

	ctx := WithGeneration(context.Background(), 7)
	res, err := w.Detect(ctx, testFrame(42))
	require.NoError(t, err)

	assert.Equal(t, types.KindLandmarks, res.Kind)
	require.Len(t, res.Landmarks, types.PoseLandmarkCount)
	assert.Equal(t, uint64(42), res.FrameSeq)
	assert.Equal(t, uint64(7), res.Generation)
	assert.Equal(t, 1500*time.Millisecond, res.MediaTime)
	assert.Equal(t, 12*time.Millisecond, res.Latency)

	_, ok := res.Landmark(types.PoseLeftKnee)
	assert.False(t, ok, "below min visibility is absent")
	assert.InDelta(t, 0.25, res.Landmarks[types.PoseLeftKnee].X, 1e-9, "absent slot keeps its position")

	hip, ok := res.Landmark(types.PoseLeftHip)
	require.True(t, ok)
	assert.InDelta(t, 0.9, hip.Visibility, 1e-9)

	req := <-requests
	assert.Equal(t, 32, req.Width)
	assert.Equal(t, 24, req.Height)
	assert.Equal(t, uint64(42), req.Meta.Seq)
	assert.Equal(t, int64(1500), req.Meta.MediaTimeMS)
	assert.Equal(t, uint64(7), req.Meta.Generation)
	assert.Equal(t, "trace-1", req.Meta.TraceID)

	img, err := jpeg.Decode(bytes.NewReader(req.FrameData))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())

	m := w.Metrics()
	assert.Equal(t, uint64(1), m.FramesProcessed)
	assert.Equal(t, uint64(1), m.InferencesEmitted)
	assert.Zero(t, m.Failures)
}

func TestWorker_DetectBoxes(t *testing.T) {
	w := startFakeWorker(t, WorkerConfig{Kind: types.KindBoxes}, func(request) *response {
		return &response{
			Boxes: []responseBox{
				{Label: "sports ball", Score: 0.8, BBox: []float64{10, 20, 30, 40}},
				{Label: "broken", Score: 0.8, BBox: []float64{1, 2}},
			},
		}
	})

	res, err := w.Detect(context.Background(), testFrame(1))
	require.NoError(t, err)

	assert.Equal(t, types.KindBoxes, res.Kind, "kind falls back to the configured one")
	require.Len(t, res.Boxes, 1)
	assert.Equal(t, "sports ball", res.Boxes[0].Label)
	assert.Equal(t, types.Rect{X: 10, Y: 20, Width: 30, Height: 40}, res.Boxes[0].Rect)
	assert.Greater(t, res.Latency, time.Duration(0), "measured when the worker reports no timing")
}

func TestWorker_ReportedErrorIsDetectionFailure(t *testing.T) {
	w := startFakeWorker(t, WorkerConfig{Kind: types.KindLandmarks}, func(request) *response {
		return &response{Error: "model not loaded"}
	})

	_, err := w.Detect(context.Background(), testFrame(1))
	assert.ErrorIs(t, err, ErrDetectionFailure)
	assert.Contains(t, err.Error(), "model not loaded")
	assert.Equal(t, uint64(1), w.Metrics().Failures)
}

func TestWorker_Timeout(t *testing.T) {
	w := startFakeWorker(t, WorkerConfig{Kind: types.KindLandmarks, Timeout: 50 * time.Millisecond}, func(request) *response {
		return nil
	})

	start := time.Now()
	_, err := w.Detect(context.Background(), testFrame(1))
	assert.ErrorIs(t, err, ErrDetectionFailure)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWorker_ContextCancelled(t *testing.T) {
	w := startFakeWorker(t, WorkerConfig{Kind: types.KindLandmarks}, func(request) *response {
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := w.Detect(ctx, testFrame(1))
	assert.ErrorIs(t, err, ErrDetectionFailure)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWorker_LateResponseIsDropped(t *testing.T) {
	calls := 0
	w := startFakeWorker(t, WorkerConfig{Kind: types.KindLandmarks, Timeout: 30 * time.Millisecond}, func(req request) *response {
		calls++
		if calls == 1 {
			time.Sleep(60 * time.Millisecond)
		}
		return poseResponse()
	})

	_, err := w.Detect(context.Background(), testFrame(1))
	require.ErrorIs(t, err, ErrDetectionFailure)

	w.cfg.Timeout = time.Second
	res, err := w.Detect(context.Background(), testFrame(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.FrameSeq)
}

func TestWorker_NotStarted(t *testing.T) {
	w, err := NewWorker(WorkerConfig{Command: "python3", Kind: types.KindLandmarks})
	require.NoError(t, err)

	_, err = w.Detect(context.Background(), testFrame(1))
	assert.ErrorIs(t, err, ErrDetectionFailure)
}

func TestNewWorker_Validation(t *testing.T) {
	_, err := NewWorker(WorkerConfig{Kind: types.KindLandmarks})
	assert.Error(t, err, "command required")

	_, err = NewWorker(WorkerConfig{Command: "python3"})
	assert.Error(t, err, "kind required")

	w, err := NewWorker(WorkerConfig{Command: "python3", Kind: types.KindBoxes})
	require.NoError(t, err)
	assert.Equal(t, "boxes-detector", w.ID())
	assert.Equal(t, 2*time.Second, w.cfg.Timeout)
	assert.Equal(t, 85, w.cfg.JPEGQuality)
}

func TestReadMessage_MalformedKeepsStreamInSync(t *testing.T) {
	var buf bytes.Buffer

	garbage := []byte{0xc1} // never used in msgpack
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(garbage)))
	buf.Write(prefix[:])
	buf.Write(garbage)
	require.NoError(t, writeMessage(&buf, &response{ID: 9, Kind: "boxes"}))

	var resp response
	err := readMessage(&buf, &resp)
	assert.ErrorIs(t, err, errMalformed)

	require.NoError(t, readMessage(&buf, &resp))
	assert.Equal(t, uint64(9), resp.ID)
	assert.Equal(t, "boxes", resp.Kind)

	assert.ErrorIs(t, readMessage(&buf, &resp), io.EOF)
}

func TestReadMessage_TooLarge(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], maxMessageSize+1)
	var resp response
	assert.Error(t, readMessage(bytes.NewReader(prefix[:]), &resp))
}

func TestToResult_ShortLandmarkSlots(t *testing.T) {
	resp := &response{Kind: "pose", Landmarks: [][]float64{{0.1}, {0.2, 0.3}}}
	res, err := resp.toResult(types.KindBoxes, 0.5)
	require.NoError(t, err)

	require.Len(t, res.Landmarks, 2)
	assert.False(t, res.Landmarks[0].Present)
	assert.True(t, res.Landmarks[1].Present, "missing visibility counts as visible")
}

func TestNop(t *testing.T) {
	res, err := Nop(types.KindBoxes).Detect(context.Background(), testFrame(3))
	require.NoError(t, err)
	assert.Equal(t, types.KindBoxes, res.Kind)
	assert.Equal(t, uint64(3), res.FrameSeq)
	assert.True(t, res.Empty())
}

func TestWorker_Alive(t *testing.T) {
	w := startFakeWorker(t, WorkerConfig{Kind: types.KindLandmarks}, func(request) *response {
		return nil
	})
	assert.True(t, w.Alive())

	require.NoError(t, w.Stop())
	assert.False(t, w.Alive())

	idle, err := NewWorker(WorkerConfig{Command: "python3", Kind: types.KindBoxes})
	require.NoError(t, err)
	assert.False(t, idle.Alive())
}

func TestWorker_RestartWhileDetecting(t *testing.T) {
	handle := func(request) *response { return poseResponse() }
	w := startFakeWorker(t, WorkerConfig{Kind: types.KindLandmarks, Timeout: 200 * time.Millisecond}, handle)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := uint64(1); ; seq++ {
			select {
			case <-stop:
				return
			default:
			}
			// Calls that straddle a restart fail; none may race or hang.
			_, _ = w.Detect(context.Background(), testFrame(seq))
		}
	}()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Stop())
		assert.False(t, w.Alive())

		stdin, stdout := fakePython(handle)
		w.attach(stdin, stdout, nil)
		assert.True(t, w.Alive())
		time.Sleep(5 * time.Millisecond)
	}
	close(stop)
	wg.Wait()

	res, err := w.Detect(context.Background(), testFrame(99))
	require.NoError(t, err)
	assert.Equal(t, uint64(99), res.FrameSeq)
}
