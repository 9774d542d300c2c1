package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-overlay/internal/types"
)

// CameraConfig selects the capture device and the negotiated frame size.
type CameraConfig struct {
	Device string // e.g. /dev/video0
	Width  int
	Height int
	FPS    int
}

// Camera is a live v4l2 source. It never ends and cannot seek.
//
// Pipeline structure:
//
//	v4l2src → videoconvert → videoscale → capsfilter(RGBA, WxH) → appsink
type Camera struct {
	*pipelineSource
	meta types.Metadata
}

var _ Video = (*Camera)(nil)

// OpenCamera builds the capture pipeline. Live sources do not preroll, so
// the camera is returned paused and frames start on Play.
func OpenCamera(_ context.Context, cfg CameraConfig) (*Camera, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid camera size %dx%d", ErrSourceUnavailable, cfg.Width, cfg.Height)
	}

	gst.Init(nil)

	pipeline, sink, err := createCameraPipeline(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	uri := "camera://" + cfg.Device
	src := newPipelineSource("camera", uri, pipeline, sink)
	if err := pipeline.SetState(gst.StatePaused); err != nil {
		src.Close()
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	slog.Info("capture: camera opened",
		"device", cfg.Device,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.FPS,
	)

	return &Camera{
		pipelineSource: src,
		meta: types.Metadata{
			URI:    uri,
			Width:  cfg.Width,
			Height: cfg.Height,
			FPS:    float64(cfg.FPS),
			Live:   true,
		},
	}, nil
}

func createCameraPipeline(cfg CameraConfig) (*gst.Pipeline, *app.Sink, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	v4l2src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create v4l2src: %w", err)
	}
	if cfg.Device != "" {
		v4l2src.SetProperty("device", cfg.Device)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d", cfg.Width, cfg.Height)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false) // real-time
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	if err := pipeline.AddMany(v4l2src, converter, scaler, capsfilter, appsink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(v4l2src, converter, scaler, capsfilter, appsink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to link elements: %w", err)
	}
	return pipeline, appsink, nil
}

func (c *Camera) Metadata() types.Metadata { return c.meta }

func (c *Camera) Seek(context.Context, time.Duration) error { return ErrNotSeekable }

func (c *Camera) Seekable() bool { return false }
