package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-overlay/internal/types"
)

// SyntheticScheme is the URI scheme served by Synthetic.
const SyntheticScheme = "synthetic"

// SyntheticConfig describes a generated test-pattern source.
type SyntheticConfig struct {
	Width    int
	Height   int
	FPS      float64
	Duration time.Duration // 0 = live (never ends, not seekable)

	// SeekDelay simulates decoder seek latency.
	SeekDelay time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

// ParseSyntheticURI parses synthetic://WxH?fps=30&duration=10s&seek_delay=5ms.
func ParseSyntheticURI(raw string) (SyntheticConfig, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != SyntheticScheme {
		return SyntheticConfig{}, fmt.Errorf("capture: invalid synthetic uri %q", raw)
	}

	cfg := SyntheticConfig{Width: 640, Height: 480, FPS: 30}
	if u.Host != "" {
		w, h, ok := strings.Cut(u.Host, "x")
		if !ok {
			return SyntheticConfig{}, fmt.Errorf("capture: invalid synthetic size %q", u.Host)
		}
		if cfg.Width, err = strconv.Atoi(w); err != nil {
			return SyntheticConfig{}, fmt.Errorf("capture: invalid synthetic width: %w", err)
		}
		if cfg.Height, err = strconv.Atoi(h); err != nil {
			return SyntheticConfig{}, fmt.Errorf("capture: invalid synthetic height: %w", err)
		}
	}

	q := u.Query()
	if v := q.Get("fps"); v != "" {
		if cfg.FPS, err = strconv.ParseFloat(v, 64); err != nil {
			return SyntheticConfig{}, fmt.Errorf("capture: invalid synthetic fps: %w", err)
		}
	}
	if v := q.Get("duration"); v != "" {
		if cfg.Duration, err = time.ParseDuration(v); err != nil {
			return SyntheticConfig{}, fmt.Errorf("capture: invalid synthetic duration: %w", err)
		}
	}
	if v := q.Get("seek_delay"); v != "" {
		if cfg.SeekDelay, err = time.ParseDuration(v); err != nil {
			return SyntheticConfig{}, fmt.Errorf("capture: invalid synthetic seek_delay: %w", err)
		}
	}
	return cfg, nil
}

// Synthetic is an in-memory Video driven by a virtual clock. Frames are a
// moving bar pattern, one distinct frame per 1/FPS of media time.
type Synthetic struct {
	cfg SyntheticConfig
	uri string

	mu        sync.Mutex
	base      time.Duration // position when the clock last stopped
	playingAt time.Time     // wall time playback started (zero when paused)
	closed    bool
}

// NewSynthetic validates cfg and returns a source paused at position 0.
func NewSynthetic(uri string, cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid size %dx%d", ErrSourceUnavailable, cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("%w: invalid fps %.2f", ErrSourceUnavailable, cfg.FPS)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Synthetic{cfg: cfg, uri: uri}, nil
}

// OpenSynthetic is an Opener for synthetic:// URIs.
func OpenSynthetic(_ context.Context, uri string) (Video, error) {
	cfg, err := ParseSyntheticURI(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	s, err := NewSynthetic(uri, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Synthetic) Metadata() types.Metadata {
	return types.Metadata{
		URI:      s.uri,
		Width:    s.cfg.Width,
		Height:   s.cfg.Height,
		Duration: s.cfg.Duration,
		FPS:      s.cfg.FPS,
		Live:     s.cfg.Duration == 0,
	}
}

// position must be called with mu held.
func (s *Synthetic) position() time.Duration {
	pos := s.base
	if !s.playingAt.IsZero() {
		pos += s.cfg.Now().Sub(s.playingAt)
	}
	if s.cfg.Duration > 0 && pos > s.cfg.Duration {
		pos = s.cfg.Duration
	}
	return pos
}

func (s *Synthetic) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.playingAt.IsZero() {
		s.playingAt = s.cfg.Now()
	}
	return nil
}

func (s *Synthetic) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.base = s.position()
	s.playingAt = time.Time{}
	return nil
}

func (s *Synthetic) Seek(ctx context.Context, pos time.Duration) error {
	if !s.Seekable() {
		return ErrNotSeekable
	}
	if s.cfg.SeekDelay > 0 {
		select {
		case <-time.After(s.cfg.SeekDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if pos < 0 {
		pos = 0
	}
	if pos > s.cfg.Duration {
		pos = s.cfg.Duration
	}
	s.base = pos
	if !s.playingAt.IsZero() {
		s.playingAt = s.cfg.Now()
	}
	return nil
}

func (s *Synthetic) Capture() (*types.Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	pos := s.position()
	s.mu.Unlock()

	index := uint64(pos.Seconds() * s.cfg.FPS)
	if s.cfg.Duration > 0 && pos >= s.cfg.Duration && index > 0 {
		index-- // last decodable frame
	}
	mediaTime := time.Duration(float64(index) / s.cfg.FPS * float64(time.Second))

	return &types.Frame{
		Seq:       index + 1,
		MediaTime: mediaTime,
		Timestamp: s.cfg.Now(),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Image:     s.pattern(index),
		TraceID:   uuid.New().String(),
	}, nil
}

func (s *Synthetic) pattern(index uint64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, s.cfg.Width, s.cfg.Height))
	draw.Draw(img, img.Rect, image.NewUniform(color.RGBA{0x20, 0x20, 0x30, 0xFF}), image.Point{}, draw.Src)

	barWidth := s.cfg.Width / 16
	if barWidth == 0 {
		barWidth = 1
	}
	x := int(index*uint64(barWidth)) % s.cfg.Width
	bar := image.Rect(x, 0, x+barWidth, s.cfg.Height)
	draw.Draw(img, bar, image.NewUniform(color.RGBA{0xE0, 0xE0, 0xE0, 0xFF}), image.Point{}, draw.Src)
	return img
}

func (s *Synthetic) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playingAt.IsZero()
}

func (s *Synthetic) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Duration > 0 && s.position() >= s.cfg.Duration
}

func (s *Synthetic) Seekable() bool {
	return s.cfg.Duration > 0
}

func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.playingAt = time.Time{}
	return nil
}
