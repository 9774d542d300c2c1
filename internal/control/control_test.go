package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-overlay/internal/angles"
	"github.com/e7canasta/orion-overlay/internal/capture"
	"github.com/e7canasta/orion-overlay/internal/lifecycle"
	"github.com/e7canasta/orion-overlay/internal/mqtttest"
)

// fakeTarget records intents and returns canned errors.
type fakeTarget struct {
	mu      sync.Mutex
	calls   []string
	uri     string
	joint   angles.Joint
	errs    map[string]error
	playing bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{errs: map[string]error{}}
}

func (f *fakeTarget) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.errs[name]
}

func (f *fakeTarget) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTarget) Open(_ context.Context, uri string) error {
	f.uri = uri
	return f.record("open")
}
func (f *fakeTarget) CameraOn(context.Context) error  { return f.record("camera_on") }
func (f *fakeTarget) CameraOff(context.Context) error { return f.record("camera_off") }
func (f *fakeTarget) Play(context.Context) error      { return f.record("play") }
func (f *fakeTarget) Pause(context.Context) error     { return f.record("pause") }
func (f *fakeTarget) Reset(context.Context) error     { return f.record("reset") }
func (f *fakeTarget) Remove(context.Context) error    { return f.record("remove") }

func (f *fakeTarget) TogglePlay(context.Context) (lifecycle.PlaybackState, error) {
	if err := f.record("toggle_play"); err != nil {
		return lifecycle.Idle, err
	}
	f.playing = !f.playing
	if f.playing {
		return lifecycle.Playing, nil
	}
	return lifecycle.Paused, nil
}

func (f *fakeTarget) ToggleAngle(_ context.Context, j angles.Joint) (bool, error) {
	f.joint = j
	return true, f.record("toggle_angle")
}

func (f *fakeTarget) Status(context.Context) (lifecycle.Status, error) {
	return lifecycle.Status{State: "paused", URI: f.uri, Width: 640, Height: 480}, f.record("get_status")
}

func TestDispatcher_Commands(t *testing.T) {
	target := newFakeTarget()
	d := NewDispatcher(target, time.Second)
	ctx := context.Background()

	for _, name := range []string{"camera_on", "camera_off", "play", "pause", "reset", "remove"} {
		resp := d.Handle(ctx, Command{Command: name})
		assert.Equal(t, "success", resp.Status, name)
		assert.Equal(t, name, resp.CommandAck)
		assert.NotEmpty(t, resp.Timestamp)
	}
	assert.Equal(t, []string{"camera_on", "camera_off", "play", "pause", "reset", "remove"}, target.Calls())

	resp := d.Handle(ctx, Command{Command: "open", Params: map[string]interface{}{"uri": "/videos/a.mp4"}})
	require.NoError(t, resp.Err())
	assert.Equal(t, "/videos/a.mp4", target.uri)

	resp = d.Handle(ctx, Command{Command: "toggle_play"})
	require.NoError(t, resp.Err())
	assert.Equal(t, map[string]interface{}{"state": "playing"}, resp.Data)

	resp = d.Handle(ctx, Command{Command: "toggle_angle", Params: map[string]interface{}{"joint": "Right Elbow"}})
	require.NoError(t, resp.Err())
	assert.Equal(t, angles.RightElbow, target.joint)
	assert.Equal(t, map[string]interface{}{"joint": "right_elbow", "visible": true}, resp.Data)

	resp = d.Handle(ctx, Command{Command: "get_status"})
	require.NoError(t, resp.Err())
	st, ok := resp.Data.(lifecycle.Status)
	require.True(t, ok)
	assert.Equal(t, 640, st.Width)
}

func TestDispatcher_Errors(t *testing.T) {
	target := newFakeTarget()
	target.errs["play"] = lifecycle.ErrNoSource
	d := NewDispatcher(target, time.Second)
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  Command
		want error
	}{
		{"unknown", Command{Command: "shutdown"}, ErrUnknownCommand},
		{"open without uri", Command{Command: "open"}, ErrInvalidParams},
		{"open with number", Command{Command: "open", Params: map[string]interface{}{"uri": 3.0}}, ErrInvalidParams},
		{"unknown joint", Command{Command: "toggle_angle", Params: map[string]interface{}{"joint": "left ankle"}}, ErrInvalidParams},
		{"target error", Command{Command: "play"}, lifecycle.ErrNoSource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := d.Handle(ctx, tt.cmd)
			assert.Equal(t, "error", resp.Status)
			assert.ErrorIs(t, resp.Err(), tt.want)
			assert.NotEmpty(t, resp.Error)
			assert.True(t, IsClientError(resp.Err()))
		})
	}
}

func TestHTTPHandler(t *testing.T) {
	target := newFakeTarget()
	target.errs["reset"] = capture.ErrNotSeekable
	target.errs["remove"] = assert.AnError
	srv := httptest.NewServer(HTTPHandler(NewDispatcher(target, time.Second)))
	defer srv.Close()

	post := func(body string) (*http.Response, Response) {
		t.Helper()
		res, err := http.Post(srv.URL, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer res.Body.Close()
		var resp Response
		require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
		return res, resp
	}

	res, resp := post(`{"command":"open","params":{"uri":"camera://"}}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))

	res, resp = post(`{"command":"reset"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Contains(t, resp.Error, "not seekable")

	res, _ = post(`{"command":"remove"}`)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)

	res, resp = post(`{not json`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid JSON", resp.Error)

	get, err := http.Get(srv.URL)
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}

func TestHandler_MQTTRoundTrip(t *testing.T) {
	client := mqtttest.NewClient()
	target := newFakeTarget()
	h := NewHandler(client, "overlay/control/test", 1, NewDispatcher(target, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))
	assert.True(t, client.Subscribed("overlay/control/test"))

	require.True(t, client.Deliver("overlay/control/test", []byte(`{"command":"pause"}`)))
	p, ok := client.Next(time.Second)
	require.True(t, ok)
	assert.Equal(t, "overlay/control/test/responses", p.Topic)

	var resp Response
	require.NoError(t, json.Unmarshal(p.Payload, &resp))
	assert.Equal(t, "pause", resp.CommandAck)
	assert.Equal(t, "success", resp.Status)

	client.Deliver("overlay/control/test", []byte(`garbage`))
	p, ok = client.Next(time.Second)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(p.Payload, &resp))
	assert.Equal(t, "unknown", resp.CommandAck)
	assert.Equal(t, "invalid JSON", resp.Error)

	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
	assert.False(t, client.Subscribed("overlay/control/test"))
	assert.Equal(t, []string{"pause"}, target.Calls())
}
