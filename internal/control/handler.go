package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler handles control plane commands received over MQTT
type Handler struct {
	client     mqtt.Client
	topic      string
	respTopic  string
	qos        byte
	dispatcher *Dispatcher
	commands   chan Command
	done       chan struct{}

	stopOnce sync.Once
}

// NewHandler creates a new control plane handler. Responses are published
// on topic + "/responses".
func NewHandler(client mqtt.Client, topic string, qos byte, dispatcher *Dispatcher) *Handler {
	return &Handler{
		client:     client,
		topic:      topic,
		respTopic:  topic + "/responses",
		qos:        qos,
		dispatcher: dispatcher,
		commands:   make(chan Command, 10),
		done:       make(chan struct{}),
	}
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	slog.Info("subscribing to control plane", "topic", h.topic, "qos", h.qos)

	token := h.client.Subscribe(h.topic, h.qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	// Commands run one at a time, in arrival order
	go h.processCommands(ctx)

	return nil
}

// Stop stops the control plane handler
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		if h.client != nil && h.client.IsConnected() {
			token := h.client.Unsubscribe(h.topic)
			token.WaitTimeout(2 * time.Second)
		}
		close(h.done)
		slog.Info("control plane handler stopped")
	})
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	// Send to processing channel
	select {
	case <-h.done:
		slog.Warn("control plane stopped, dropping command", "command", cmd.Command)
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case cmd := <-h.commands:
			h.sendResponse(h.dispatcher.Handle(ctx, cmd))
		}
	}
}

// sendResponse publishes a response on the responses topic
func (h *Handler) sendResponse(resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.respTopic, h.qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
