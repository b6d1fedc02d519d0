// Package emitter publishes flow transitions to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/teslashibe/go-greeter/pkg/flow"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	stateQoS       = 0
)

var ErrNotConnected = errors.New("emitter: mqtt not connected")

// Config configures the broker connection. An empty Broker disables the emitter.
type Config struct {
	Broker   string `mapstructure:"broker" yaml:"broker"`
	Topic    string `mapstructure:"topic" yaml:"topic"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
}

// StateMessage is the payload published on <topic>/state.
type StateMessage struct {
	Session string     `json:"session"`
	From    flow.State `json:"from"`
	To      flow.State `json:"to"`
	Reason  string     `json:"reason"`
	Present bool       `json:"present"`
	At      time.Time  `json:"at"`
}

// Stats are publish counters.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTEmitter publishes transitions to MQTT.
type MQTTEmitter struct {
	cfg    Config
	logger *slog.Logger
	client mqtt.Client
	pub    publisher

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
	wg        sync.WaitGroup
}

// New creates an emitter. Call Connect before publishing.
func New(cfg Config, logger *slog.Logger) *MQTTEmitter {
	if cfg.Topic == "" {
		cfg.Topic = "greeter"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "greeter"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTEmitter{
		cfg:       cfg,
		logger:    logger.With("component", "emitter.mqtt"),
		published: make(map[string]uint64),
	}
}

// Connect dials the broker with auto-reconnect enabled.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("mqtt connected", "broker", broker, "client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("mqtt connection lost, reconnecting", "error", err, "broker", broker)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()

	timeout := connectTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return fmt.Errorf("emitter: connect %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: connect %s: %w", broker, err)
	}

	e.mu.Lock()
	e.client = client
	e.pub = client
	e.connected = true
	e.mu.Unlock()
	return nil
}

// StateTopic returns the topic transitions are published on.
func (e *MQTTEmitter) StateTopic() string {
	return e.cfg.Topic + "/state"
}

// PublishTransition publishes tr without waiting for delivery.
func (e *MQTTEmitter) PublishTransition(session string, tr flow.Transition) error {
	e.mu.RLock()
	pub, connected := e.pub, e.connected
	e.mu.RUnlock()
	if pub == nil || !connected {
		e.countError()
		return ErrNotConnected
	}

	payload, err := json.Marshal(StateMessage{
		Session: session,
		From:    tr.From,
		To:      tr.To,
		Reason:  tr.Reason,
		Present: tr.Present,
		At:      tr.At,
	})
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: marshal: %w", err)
	}

	topic := e.StateTopic()
	token := pub.Publish(topic, stateQoS, false, payload)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if !token.WaitTimeout(publishTimeout) {
			e.countError()
			e.logger.Warn("publish timeout", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			e.countError()
			e.logger.Warn("publish failed", "topic", topic, "error", err)
			return
		}
		e.mu.Lock()
		e.published[topic]++
		e.mu.Unlock()
	}()
	return nil
}

// Stats returns a copy of the counters.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

// Close waits for in-flight publishes and disconnects.
func (e *MQTTEmitter) Close() {
	e.wg.Wait()
	e.mu.Lock()
	client := e.client
	e.client, e.pub, e.connected = nil, nil, false
	e.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
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
