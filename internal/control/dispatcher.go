// Package control maps user-facing commands, received over MQTT or HTTP,
// onto the lifecycle controller.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-overlay/internal/angles"
	"github.com/e7canasta/orion-overlay/internal/capture"
	"github.com/e7canasta/orion-overlay/internal/lifecycle"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string      `json:"command_ack"`
	Status     string      `json:"status"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Timestamp  string      `json:"timestamp"`

	err error
}

// Err returns the error behind a failed response.
func (r Response) Err() error { return r.err }

var (
	// ErrUnknownCommand is returned for command names the dispatcher does not serve.
	ErrUnknownCommand = errors.New("control: unknown command")

	// ErrInvalidParams is returned when a required parameter is missing or mistyped.
	ErrInvalidParams = errors.New("control: invalid params")
)

// Target is the set of intents the dispatcher drives.
type Target interface {
	Open(ctx context.Context, uri string) error
	CameraOn(ctx context.Context) error
	CameraOff(ctx context.Context) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	TogglePlay(ctx context.Context) (lifecycle.PlaybackState, error)
	Reset(ctx context.Context) error
	Remove(ctx context.Context) error
	ToggleAngle(ctx context.Context, joint angles.Joint) (bool, error)
	Status(ctx context.Context) (lifecycle.Status, error)
}

var _ Target = (*lifecycle.Controller)(nil)

// DefaultTimeout bounds a single command, including opening a source.
const DefaultTimeout = 15 * time.Second

// Dispatcher executes commands against a Target. It is shared by the MQTT
// handler and the HTTP endpoint.
type Dispatcher struct {
	target  Target
	timeout time.Duration
	now     func() time.Time
}

// NewDispatcher creates a dispatcher. timeout <= 0 uses DefaultTimeout.
func NewDispatcher(target Target, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{target: target, timeout: timeout, now: time.Now}
}

// Handle executes cmd and returns its response. It never panics on bad input.
func (d *Dispatcher) Handle(ctx context.Context, cmd Command) Response {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	data, err := d.execute(ctx, cmd)

	resp := Response{
		CommandAck: cmd.Command,
		Status:     "success",
		Data:       data,
		Timestamp:  d.now().UTC().Format(time.RFC3339Nano),
		err:        err,
	}
	if err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		slog.Warn("control: command failed", "command", cmd.Command, "error", err)
	} else {
		slog.Info("control: command executed", "command", cmd.Command)
	}
	return resp
}

func (d *Dispatcher) execute(ctx context.Context, cmd Command) (interface{}, error) {
	t := d.target

	switch cmd.Command {
	case "open", "upload":
		uri, err := stringParam(cmd.Params, "uri")
		if err != nil {
			return nil, err
		}
		if err := t.Open(ctx, uri); err != nil {
			return nil, err
		}
		return map[string]interface{}{"uri": uri}, nil

	case "camera_on":
		return nil, t.CameraOn(ctx)

	case "camera_off":
		return nil, t.CameraOff(ctx)

	case "play":
		return nil, t.Play(ctx)

	case "pause":
		return nil, t.Pause(ctx)

	case "toggle_play":
		state, err := t.TogglePlay(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"state": state.String()}, nil

	case "reset":
		return nil, t.Reset(ctx)

	case "remove":
		return nil, t.Remove(ctx)

	case "toggle_angle":
		name, err := stringParam(cmd.Params, "joint")
		if err != nil {
			return nil, err
		}
		joint, err := angles.ParseJoint(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		visible, err := t.ToggleAngle(ctx, joint)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"joint": joint.Key(), "visible": visible}, nil

	case "get_status":
		st, err := t.Status(ctx)
		if err != nil {
			return nil, err
		}
		return st, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Command)
	}
}

func stringParam(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: missing or invalid '%s' parameter (expected string)", ErrInvalidParams, key)
	}
	return v, nil
}

// IsClientError reports whether err was caused by the request rather than
// by the service.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnknownCommand) ||
		errors.Is(err, ErrInvalidParams) ||
		errors.Is(err, lifecycle.ErrNoSource) ||
		errors.Is(err, capture.ErrNotSeekable) ||
		errors.Is(err, capture.ErrSourceUnavailable)
}
