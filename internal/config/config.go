package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete overlay service configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	HTTP             HTTPConfig      `yaml:"http"`
	Source           SourceConfig    `yaml:"source"`
	Camera           CameraConfig    `yaml:"camera"`
	Detector         DetectorConfig  `yaml:"detector"`
	Overlay          OverlayConfig   `yaml:"overlay"`
	Scheduler        SchedulerConfig `yaml:"scheduler"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Logging          LoggingConfig   `yaml:"logging"`
}

// HTTPConfig contains the health/control/viewer server settings
type HTTPConfig struct {
	Addr string `yaml:"addr"` // default ":8080"
}

// SourceConfig describes the video opened at startup
type SourceConfig struct {
	URI      string `yaml:"uri"`       // file path, file:// uri, camera:// or synthetic:// (empty = idle)
	AutoPlay bool   `yaml:"auto_play"` // start playing once the first frame is rendered
}

// CameraConfig contains capture device settings
type CameraConfig struct {
	Device string `yaml:"device"` // default /dev/video0
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
}

// DetectorConfig contains the detection worker settings
type DetectorConfig struct {
	Mode          string   `yaml:"mode"`    // landmarks, boxes, none
	Command       string   `yaml:"command"` // e.g. python3
	Args          []string `yaml:"args"`    // e.g. [models/pose_worker.py]
	ModelPath     string   `yaml:"model_path"`
	Confidence    float64  `yaml:"confidence"`
	TimeoutMS     int      `yaml:"timeout_ms"`
	MinVisibility float64  `yaml:"min_visibility"` // landmarks below this are absent
	JPEGQuality   int      `yaml:"jpeg_quality"`   // frame encoding sent to the worker
}

// OverlayConfig contains renderer settings
type OverlayConfig struct {
	Classes       []string `yaml:"classes"`        // box label allowlist; empty draws all
	FaceIndexMax  int      `yaml:"face_index_max"` // landmark slots drawn with the small radius
	VisibleAngles []string `yaml:"visible_angles"` // joints shown at startup, e.g. [left_knee]
	JPEGQuality   int      `yaml:"jpeg_quality"`   // viewer frame encoding
}

// SchedulerConfig contains frame cycle settings
type SchedulerConfig struct {
	TickIntervalMS int `yaml:"tick_interval_ms"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker          string          `yaml:"broker"` // host:port, empty disables MQTT
	Topics          MQTTTopics      `yaml:"topics"`
	QoS             map[string]byte `yaml:"qos"`
	HealthIntervalS int             `yaml:"health_interval_s"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control    string `yaml:"control"`
	Inferences string `yaml:"inferences"`
	Health     string `yaml:"health"`
}

// LoggingConfig contains log output settings
type LoggingConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	File       string `yaml:"file"`  // optional rotating log file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML configuration bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown timeout
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// TickInterval returns the scheduler tick interval
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalMS) * time.Millisecond
}

// DetectorTimeout returns the per-frame detection timeout
func (c *Config) DetectorTimeout() time.Duration {
	return time.Duration(c.Detector.TimeoutMS) * time.Millisecond
}

// HealthInterval returns the MQTT health publication interval
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.MQTT.HealthIntervalS) * time.Second
}

// MQTTEnabled reports whether a broker is configured
func (c *Config) MQTTEnabled() bool {
	return c.MQTT.Broker != ""
}
