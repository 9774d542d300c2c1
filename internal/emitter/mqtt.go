package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-overlay/internal/angles"
	"github.com/e7canasta/orion-overlay/internal/config"
	"github.com/e7canasta/orion-overlay/internal/lifecycle"
	"github.com/e7canasta/orion-overlay/internal/types"
)

// queueSize bounds presentations waiting to be published.
const queueSize = 32

// MQTTEmitter publishes per-frame summaries and health to the MQTT broker
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for control plane

	queue chan *lifecycle.Presentation

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	dropped   uint64
	connected bool
}

var _ lifecycle.Output = (*MQTTEmitter)(nil)

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		queue:     make(chan *lifecycle.Presentation, queueSize),
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	// Connection handlers
	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Publish queues a presentation for publication. It never blocks; when the
// queue is full the presentation is dropped.
func (e *MQTTEmitter) Publish(p *lifecycle.Presentation) {
	if p.Cleared || p.Kind == types.KindNone {
		return
	}
	select {
	case e.queue <- p:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	}
}

// Run publishes queued presentations until ctx is done.
func (e *MQTTEmitter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-e.queue:
			if err := e.publishFrame(p); err != nil {
				slog.Debug("frame summary not published", "seq", p.Seq, "error", err)
			}
		}
	}
}

// frameMessage is the JSON summary of one presented frame.
type frameMessage struct {
	InstanceID  string              `json:"instance_id"`
	Seq         uint64              `json:"seq"`
	MediaTimeMS int64               `json:"media_time_ms"`
	Generation  uint64              `json:"generation"`
	TraceID     string              `json:"trace_id,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
	State       string              `json:"state"`
	Angles      []angles.JointView  `json:"angles,omitempty"`
	Boxes       []types.BoundingBox `json:"boxes,omitempty"`
}

func (e *MQTTEmitter) publishFrame(p *lifecycle.Presentation) error {
	msg := frameMessage{
		InstanceID:  e.cfg.InstanceID,
		Seq:         p.Seq,
		MediaTimeMS: p.MediaTime.Milliseconds(),
		Generation:  p.Generation,
		TraceID:     p.TraceID,
		Timestamp:   p.Timestamp,
		State:       p.State.String(),
	}

	// Build topic: overlay/inferences/{instance_id}/{type}
	var kind string
	switch p.Kind {
	case types.KindLandmarks:
		kind = "angles"
		msg.Angles = p.Angles[:]
	case types.KindBoxes:
		kind = "boxes"
		msg.Boxes = p.Boxes
	default:
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal frame summary: %w", err)
	}

	topic := fmt.Sprintf("%s/%s", e.cfg.MQTT.Topics.Inferences, kind)
	return e.publish(topic, e.getQoS(kind), payload)
}

// PublishHealth publishes a health message
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	return e.publish(e.cfg.MQTT.Topics.Health, e.getQoS("health"), payload)
}

func (e *MQTTEmitter) publish(topic string, qos byte, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	// Update stats
	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("mqtt message published",
		"topic", topic,
		"qos", qos,
		"size", len(payload),
	)
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64)
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
		Dropped:   e.dropped,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
	Dropped   uint64            `json:"dropped"`
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// isConnected returns connection status
func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// getQoS returns the QoS level for a given message type
func (e *MQTTEmitter) getQoS(kind string) byte {
	if qos, ok := e.cfg.MQTT.QoS[kind]; ok {
		return qos
	}
	return 0 // default QoS 0
}
