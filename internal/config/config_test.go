package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
instance_id: overlay-1
detector:
  command: python3
  args: [models/pose_worker.py]
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "/dev/video0", cfg.Camera.Device)
	assert.Equal(t, 640, cfg.Camera.Width)
	assert.Equal(t, 480, cfg.Camera.Height)

	assert.Equal(t, "landmarks", cfg.Detector.Mode)
	assert.Equal(t, 0.5, cfg.Detector.Confidence)
	assert.Equal(t, 0.5, cfg.Detector.MinVisibility)
	assert.Equal(t, 2*time.Second, cfg.DetectorTimeout())

	assert.Equal(t, []string{"sports ball"}, cfg.Overlay.Classes)
	assert.Equal(t, 10, cfg.Overlay.FaceIndexMax)
	assert.Equal(t, 16*time.Millisecond, cfg.TickInterval())

	assert.False(t, cfg.MQTTEnabled())
	assert.Equal(t, "overlay/control/overlay-1", cfg.MQTT.Topics.Control)
	assert.Equal(t, "overlay/inferences/overlay-1", cfg.MQTT.Topics.Inferences)
	assert.Equal(t, "overlay/health/overlay-1", cfg.MQTT.Topics.Health)
	assert.Equal(t, byte(1), cfg.MQTT.QoS["control"])
	assert.Equal(t, 30*time.Second, cfg.HealthInterval())

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Zero(t, cfg.Logging.MaxSizeMB, "rotation defaults only apply with a file")
}

func TestParse_ExplicitEmptyClassesDrawsAll(t *testing.T) {
	cfg, err := Parse([]byte(minimal + `
overlay:
  classes: []
`))
	require.NoError(t, err)
	assert.NotNil(t, cfg.Overlay.Classes)
	assert.Empty(t, cfg.Overlay.Classes)
}

func TestParse_NoneModeNeedsNoCommand(t *testing.T) {
	cfg, err := Parse([]byte(`
instance_id: viewer
detector:
  mode: none
logging:
  file: /tmp/overlay.log
`))
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Detector.Mode)
	assert.Equal(t, 50, cfg.Logging.MaxSizeMB)
	assert.Equal(t, 3, cfg.Logging.MaxBackups)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing instance_id", "detector: {command: python3}"},
		{"bad instance_id", "instance_id: Overlay_1\ndetector: {command: python3}"},
		{"unknown mode", "instance_id: a\ndetector: {mode: faces, command: python3}"},
		{"missing command", "instance_id: a\ndetector: {mode: boxes}"},
		{"confidence out of range", "instance_id: a\ndetector: {command: python3, confidence: 1.5}"},
		{"unknown joint", "instance_id: a\ndetector: {command: python3}\noverlay: {visible_angles: [left_ankle]}"},
		{"negative tick", "instance_id: a\ndetector: {command: python3}\nscheduler: {tick_interval_ms: -1}"},
		{"bad log level", "instance_id: a\ndetector: {command: python3}\nlogging: {level: verbose}"},
		{"not yaml", "instance_id: [a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal+`
source:
  uri: synthetic://320x240?fps=15
  auto_play: true
mqtt:
  broker: localhost:1883
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "synthetic://320x240?fps=15", cfg.Source.URI)
	assert.True(t, cfg.Source.AutoPlay)
	assert.True(t, cfg.MQTTEnabled())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "overlay.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "overlay-1", cfg.InstanceID)
	assert.Equal(t, "landmarks", cfg.Detector.Mode)
	assert.Equal(t, []string{"sports ball"}, cfg.Overlay.Classes)
	assert.False(t, cfg.MQTTEnabled())
}
