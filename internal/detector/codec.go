package detector

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-overlay/internal/types"
)

// maxMessageSize bounds a single worker message (a 4K JPEG fits easily).
const maxMessageSize = 64 << 20

// errMalformed marks a message that was framed correctly but did not decode.
// The stream is still in sync, so readers may continue.
var errMalformed = errors.New("malformed message")

// request is sent to the worker on stdin.
type request struct {
	ID        uint64      `msgpack:"id"`
	FrameData []byte      `msgpack:"frame_data"` // JPEG
	Width     int         `msgpack:"width"`
	Height    int         `msgpack:"height"`
	Meta      requestMeta `msgpack:"meta"`
}

type requestMeta struct {
	Seq         uint64 `msgpack:"seq"`
	MediaTimeMS int64  `msgpack:"media_time_ms"`
	Generation  uint64 `msgpack:"generation"`
	TraceID     string `msgpack:"trace_id"`
}

// response is read from the worker's stdout.
//
// Landmarks are [x, y, z, visibility] with x/y normalized to the frame.
// Boxes use source pixel coordinates.
type response struct {
	ID        uint64             `msgpack:"id"`
	Kind      string             `msgpack:"kind"`
	Landmarks [][]float64        `msgpack:"landmarks"`
	Boxes     []responseBox      `msgpack:"boxes"`
	Timing    map[string]float64 `msgpack:"timing"`
	Error     string             `msgpack:"error"`
}

type responseBox struct {
	Label string    `msgpack:"label"`
	Score float64   `msgpack:"score"`
	BBox  []float64 `msgpack:"bbox"` // x, y, w, h
}

// writeMessage writes v as msgpack with a 4-byte big-endian length prefix.
func writeMessage(w io.Writer, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v.
func readMessage(r io.Reader, v interface{}) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > maxMessageSize {
		return fmt.Errorf("message too large: %d bytes", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("failed to read message body: %w", err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}

// toResult converts a worker response into a DetectionResult. Landmarks
// below minVisibility keep their slot but are marked absent.
func (resp *response) toResult(fallback types.DetectionKind, minVisibility float64) (types.DetectionResult, error) {
	if resp.Error != "" {
		return types.DetectionResult{}, fmt.Errorf("%w: worker: %s", ErrDetectionFailure, resp.Error)
	}

	kind := fallback
	if resp.Kind != "" {
		kind = types.ParseDetectionKind(resp.Kind)
	}

	res := types.DetectionResult{Kind: kind}
	if ms, ok := resp.Timing["total_ms"]; ok {
		res.Latency = time.Duration(ms * float64(time.Millisecond))
	}

	switch kind {
	case types.KindLandmarks:
		res.Landmarks = make([]types.Landmark, len(resp.Landmarks))
		for i, v := range resp.Landmarks {
			if len(v) < 2 {
				continue // malformed slot stays absent
			}
			lm := types.Landmark{Point: types.Point{X: v[0], Y: v[1]}, Visibility: 1}
			if len(v) > 2 {
				lm.Z = v[2]
			}
			if len(v) > 3 {
				lm.Visibility = v[3]
			}
			lm.Present = lm.Visibility >= minVisibility
			res.Landmarks[i] = lm
		}

	case types.KindBoxes:
		res.Boxes = make([]types.BoundingBox, 0, len(resp.Boxes))
		for _, b := range resp.Boxes {
			if len(b.BBox) < 4 {
				continue
			}
			res.Boxes = append(res.Boxes, types.BoundingBox{
				Label:      b.Label,
				Confidence: b.Score,
				Rect:       types.Rect{X: b.BBox[0], Y: b.BBox[1], Width: b.BBox[2], Height: b.BBox[3]},
			})
		}
	}
	return res, nil
}

type generationKey struct{}

// WithGeneration tags ctx with the scheduler generation of the cycle, so
// backends can forward it to the worker for tracing.
func WithGeneration(ctx context.Context, gen uint64) context.Context {
	return context.WithValue(ctx, generationKey{}, gen)
}

// GenerationFrom returns the generation stored by WithGeneration.
func GenerationFrom(ctx context.Context) uint64 {
	gen, _ := ctx.Value(generationKey{}).(uint64)
	return gen
}
