// Package capture implements the Capture Port: decoded video files,
// live cameras and a synthetic test source, all addressable by their
// current playback position.
//
// Philosophy: "Latest frame wins." Live sources never queue frames; the
// scheduler always captures whatever frame is current when it ticks.
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/e7canasta/orion-overlay/internal/types"
)

var (
	// ErrSourceUnavailable is returned when a file or device cannot be opened.
	ErrSourceUnavailable = errors.New("capture: source unavailable")

	// ErrNotSeekable is returned by Seek on live sources.
	ErrNotSeekable = errors.New("capture: source is not seekable")

	// ErrNoFrame is returned by Capture before the first frame is decoded.
	ErrNoFrame = errors.New("capture: no frame available")

	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("capture: source closed")
)

// Video is a decodable media source with a playback clock.
//
// Contract:
//   - Metadata is valid as soon as Open returns (intrinsic size known)
//   - A freshly opened source is paused at position 0
//   - Capture returns the frame at the current position without blocking
//   - Seek returns once the seek has completed and the frame at the new
//     position can be captured
//   - Close is idempotent
//
// Thread-safety: all methods safe for concurrent use.
type Video interface {
	Metadata() types.Metadata
	Play() error
	Pause() error
	Seek(ctx context.Context, pos time.Duration) error
	Capture() (*types.Frame, error)
	Paused() bool
	Ended() bool
	Seekable() bool
	Close() error
}

// Opener creates a Video from a URI. Open blocks until metadata has loaded
// or ctx is done.
type Opener interface {
	Open(ctx context.Context, uri string) (Video, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, uri string) (Video, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, uri string) (Video, error) {
	return f(ctx, uri)
}
