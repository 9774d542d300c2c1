package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/e7canasta/orion-overlay/internal/angles"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}

	// Camera defaults
	if cfg.Camera.Device == "" {
		cfg.Camera.Device = "/dev/video0"
	}
	if cfg.Camera.Width == 0 {
		cfg.Camera.Width = 640
	}
	if cfg.Camera.Height == 0 {
		cfg.Camera.Height = 480
	}
	if cfg.Camera.FPS == 0 {
		cfg.Camera.FPS = 30
	}
	if cfg.Camera.Width < 0 || cfg.Camera.Height < 0 || cfg.Camera.FPS < 0 {
		return fmt.Errorf("camera width, height and fps must be > 0")
	}

	if err := validateDetector(&cfg.Detector); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	if err := validateOverlay(&cfg.Overlay); err != nil {
		return fmt.Errorf("overlay: %w", err)
	}

	if cfg.Scheduler.TickIntervalMS < 0 {
		return fmt.Errorf("scheduler.tick_interval_ms must be >= 0")
	}
	if cfg.Scheduler.TickIntervalMS == 0 {
		cfg.Scheduler.TickIntervalMS = 16
	}

	validateMQTT(cfg)

	switch strings.ToLower(cfg.Logging.Level) {
	case "":
		cfg.Logging.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.File != "" {
		if cfg.Logging.MaxSizeMB <= 0 {
			cfg.Logging.MaxSizeMB = 50
		}
		if cfg.Logging.MaxBackups <= 0 {
			cfg.Logging.MaxBackups = 3
		}
		if cfg.Logging.MaxAgeDays <= 0 {
			cfg.Logging.MaxAgeDays = 7
		}
	}

	return nil
}

func validateDetector(d *DetectorConfig) error {
	switch d.Mode {
	case "":
		d.Mode = "landmarks"
	case "landmarks", "boxes", "none":
	default:
		return fmt.Errorf("mode must be landmarks, boxes or none, got %q", d.Mode)
	}

	if d.Mode != "none" && d.Command == "" {
		return fmt.Errorf("command is required when mode is %q", d.Mode)
	}

	if d.Confidence == 0 {
		d.Confidence = 0.5
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence must be in [0,1], got %.2f", d.Confidence)
	}
	if d.MinVisibility < 0 || d.MinVisibility > 1 {
		return fmt.Errorf("min_visibility must be in [0,1], got %.2f", d.MinVisibility)
	}
	if d.MinVisibility == 0 {
		d.MinVisibility = 0.5
	}
	if d.TimeoutMS <= 0 {
		d.TimeoutMS = 2000
	}
	if d.JPEGQuality <= 0 || d.JPEGQuality > 100 {
		d.JPEGQuality = 85
	}
	return nil
}

func validateOverlay(o *OverlayConfig) error {
	// nil keeps the single-class filter; an explicit empty list draws every box
	if o.Classes == nil {
		o.Classes = []string{"sports ball"}
	}
	if o.FaceIndexMax == 0 {
		o.FaceIndexMax = 10
	}
	if o.FaceIndexMax < 0 {
		return fmt.Errorf("face_index_max must be >= 0")
	}
	if o.JPEGQuality <= 0 || o.JPEGQuality > 100 {
		o.JPEGQuality = 80
	}

	for _, name := range o.VisibleAngles {
		if _, err := angles.ParseJoint(name); err != nil {
			return err
		}
	}
	return nil
}

func validateMQTT(cfg *Config) {
	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("overlay/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Inferences == "" {
		cfg.MQTT.Topics.Inferences = fmt.Sprintf("overlay/inferences/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = fmt.Sprintf("overlay/health/%s", cfg.InstanceID)
	}
	if cfg.MQTT.HealthIntervalS <= 0 {
		cfg.MQTT.HealthIntervalS = 30
	}

	// Set default QoS if not provided
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control": 1,
			"angles":  0,
			"boxes":   0,
			"health":  0,
		}
	}
}
