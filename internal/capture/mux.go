package capture

import (
	"context"
	"strings"
)

// CameraScheme addresses the configured capture device ("camera://" or
// "camera:///dev/video2").
const CameraScheme = "camera"

// Mux dispatches Open by URI scheme:
//
//	synthetic://...   → Synthetic
//	camera://[device] → Camera (device defaults to Camera.Device)
//	anything else     → File
type Mux struct {
	Camera CameraConfig
}

var _ Opener = (*Mux)(nil)

// Open implements Opener.
func (m *Mux) Open(ctx context.Context, uri string) (Video, error) {
	switch {
	case strings.HasPrefix(uri, SyntheticScheme+"://"):
		return OpenSynthetic(ctx, uri)

	case strings.HasPrefix(uri, CameraScheme+"://"):
		cfg := m.Camera
		if dev := strings.TrimPrefix(uri, CameraScheme+"://"); dev != "" {
			cfg.Device = dev
		}
		cam, err := OpenCamera(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return cam, nil

	default:
		f, err := OpenFile(ctx, uri)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
}

// CameraURI returns the URI for the configured camera.
func (m *Mux) CameraURI() string {
	return CameraScheme + "://" + m.Camera.Device
}
