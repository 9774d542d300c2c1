package capture

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-overlay/internal/types"
)

// File decodes a local or remote media file.
//
// Pipeline structure:
//
//	uridecodebin → videoconvert → capsfilter(RGBA) → appsink
//
// The appsink syncs to the pipeline clock so Capture always returns the
// frame at the current playback position.
type File struct {
	*pipelineSource
	meta types.Metadata
}

var _ Video = (*File)(nil)

// OpenFile builds the decode pipeline for uri, prerolls it and returns a
// source paused at position 0. uri may be a plain path or any URI
// uridecodebin accepts.
func OpenFile(ctx context.Context, uri string) (*File, error) {
	uri, err := toURI(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	gst.Init(nil)

	pipeline, sink, err := createFilePipeline(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	src := newPipelineSource("file", uri, pipeline, sink)
	if err := src.preroll(ctx); err != nil {
		src.Close()
		return nil, err
	}

	w, h := src.size()
	f := &File{
		pipelineSource: src,
		meta: types.Metadata{
			URI:      uri,
			Width:    w,
			Height:   h,
			Duration: src.duration(),
		},
	}

	slog.Info("capture: file opened",
		"uri", uri,
		"resolution", fmt.Sprintf("%dx%d", w, h),
		"duration", f.meta.Duration,
	)
	return f, nil
}

func createFilePipeline(uri string) (*gst.Pipeline, *app.Sink, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	decodebin, err := gst.NewElement("uridecodebin")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create uridecodebin: %w", err)
	}
	decodebin.SetProperty("uri", uri)
	decodebin.SetProperty("caps", gst.NewCapsFromString("video/x-raw"))
	decodebin.SetProperty("expose-all-streams", false)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString("video/x-raw,format=RGBA"))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", true)     // frames follow the playback clock
	appsink.SetProperty("max-buffers", 1) // keep only latest frame
	appsink.SetProperty("drop", true)

	if err := pipeline.AddMany(decodebin, converter, capsfilter, appsink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(converter, capsfilter, appsink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to link elements: %w", err)
	}

	// uridecodebin has dynamic pads; link the video pad when it appears.
	decodebin.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := converter.GetStaticPad("sink")
		if sinkPad == nil || sinkPad.IsLinked() {
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			slog.Error("capture: failed to link decoder pad", "pad", srcPad.GetName(), "ret", ret)
			return
		}
		slog.Debug("capture: decoder pad linked", "pad", srcPad.GetName())
	})

	return pipeline, appsink, nil
}

// toURI turns plain paths into file:// URIs.
func toURI(uri string) (string, error) {
	if uri == "" {
		return "", fmt.Errorf("empty uri")
	}
	if strings.Contains(uri, "://") {
		return uri, nil
	}
	abs, err := filepath.Abs(uri)
	if err != nil {
		return "", err
	}
	return "file://" + abs, nil
}

func (f *File) Metadata() types.Metadata { return f.meta }

func (f *File) Seek(ctx context.Context, pos time.Duration) error {
	return f.seek(ctx, pos)
}

func (f *File) Seekable() bool { return true }
