// Package mqtt publishes engine status events to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"tethercam/internal/config"
	"tethercam/internal/logger"
	"tethercam/internal/services/events"
)

// Forwarded lists the event types sent to the broker. Frames stay local.
var Forwarded = []events.Type{
	events.CaptureFinished,
	events.CaptureCancelled,
	events.StackingFinished,
	events.MotionScoreUpdated,
	events.SystemMessage,
	events.PhotoStored,
}

// Emitter publishes events as JSON to {topic}/{event type}.
type Emitter struct {
	broker   string
	clientID string
	topic    string
	logger   *logger.Logger

	Client paho.Client

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

func NewEmitter(cfg *config.Config, logger *logger.Logger) *Emitter {
	return &Emitter{
		broker:    cfg.MQTTBroker,
		clientID:  cfg.MQTTClientID,
		topic:     strings.TrimSuffix(cfg.MQTTTopic, "/"),
		logger:    logger,
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection with automatic reconnects.
func (e *Emitter) Connect(ctx context.Context) error {
	broker := e.broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c paho.Client) {
		e.setConnected(true)
		e.logger.Info("MQTT connected to %s", e.broker)
	}
	opts.OnConnectionLost = func(c paho.Client, err error) {
		e.setConnected(false)
		e.logger.Warning("MQTT connection lost, reconnecting: %v", err)
	}

	e.Client = paho.NewClient(opts)
	token := e.Client.Connect()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Run publishes every event from ch until ctx ends or ch is closed.
func (e *Emitter) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := e.Publish(ev); err != nil {
				e.logger.Debug("MQTT publish %s: %v", ev.Type, err)
			}
		}
	}
}

// Publish sends one event.
func (e *Emitter) Publish(ev events.Event) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	topic := e.TopicFor(ev.Type)
	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := e.Client.Publish(topic, qosFor(ev.Type), false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// TopicFor is the topic events of type t are published on.
func (e *Emitter) TopicFor(t events.Type) string {
	return e.topic + "/" + string(t)
}

// Disconnect closes the broker connection.
func (e *Emitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		e.logger.Info("MQTT disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func (e *Emitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

// qosFor delivers completion events at least once; scores are best effort.
func qosFor(t events.Type) byte {
	switch t {
	case events.CaptureFinished, events.CaptureCancelled, events.StackingFinished, events.PhotoStored:
		return 1
	}
	return 0
}

func (e *Emitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *Emitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *Emitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
