package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/latoulicious/sinkstream/pkg/pipeline"
)

// ErrNotConnected is returned by Publish while the broker is unreachable
var ErrNotConnected = errors.New("mqtt not connected")

// Config controls session event publishing
type Config struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	Broker         string        `yaml:"broker" mapstructure:"broker"`
	ClientID       string        `yaml:"client_id" mapstructure:"client_id"`
	TopicPrefix    string        `yaml:"topic_prefix" mapstructure:"topic_prefix"`
	QoS            byte          `yaml:"qos" mapstructure:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout" mapstructure:"publish_timeout"`
}

// DefaultConfig returns publishing disabled with a local broker
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		Broker:         "localhost:1883",
		ClientID:       "sinkstream",
		TopicPrefix:    "sinkstream/sessions",
		QoS:            0,
		ConnectTimeout: 5 * time.Second,
		PublishTimeout: 2 * time.Second,
	}
}

// Validate checks the configuration when publishing is enabled
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error
	if c.Broker == "" {
		errs = append(errs, errors.New("events broker is required"))
	}
	if c.ClientID == "" {
		errs = append(errs, errors.New("events client_id is required"))
	}
	if strings.Trim(c.TopicPrefix, "/") == "" {
		errs = append(errs, errors.New("events topic_prefix is required"))
	}
	if c.QoS > 2 {
		errs = append(errs, fmt.Errorf("events qos must be 0, 1 or 2, got %d", c.QoS))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("events connect_timeout must be positive"))
	}
	if c.PublishTimeout <= 0 {
		errs = append(errs, errors.New("events publish_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// brokerURL adds the tcp scheme when the broker is given as host:port
func (c Config) brokerURL() string {
	if strings.Contains(c.Broker, "://") {
		return c.Broker
	}
	return "tcp://" + c.Broker
}

// Stats contains publisher statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// MQTTPublisher publishes session lifecycle events to an MQTT broker
type MQTTPublisher struct {
	cfg    Config
	client mqtt.Client
	logger pipeline.Logger

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// NewMQTTPublisher creates a publisher; call Connect before publishing
func NewMQTTPublisher(cfg Config, logger pipeline.Logger) *MQTTPublisher {
	if logger == nil {
		logger = pipeline.NullLogger()
	}
	p := &MQTTPublisher{
		cfg:       cfg,
		logger:    logger.With(pipeline.String("component", "events")),
		published: make(map[string]uint64),
	}
	p.client = mqtt.NewClient(p.clientOptions())
	return p
}

func (p *MQTTPublisher) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.brokerURL())
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		p.setConnected(true)
		p.logger.Info("MQTT connection established",
			pipeline.String("broker", p.cfg.Broker),
			pipeline.String("client_id", p.cfg.ClientID),
		)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		p.logger.Warn("MQTT connection lost, will auto-reconnect",
			pipeline.String("broker", p.cfg.Broker),
			pipeline.Error(err),
		)
	}
	return opts
}

// Connect establishes the broker connection
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	p.logger.Info("Connecting to MQTT broker", pipeline.String("broker", p.cfg.Broker))

	token := p.client.Connect()
	if err := p.wait(ctx, token, p.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", p.cfg.Broker, err)
	}

	p.setConnected(true)
	return nil
}

// Publish sends event as JSON to <topic_prefix>/<event type>
func (p *MQTTPublisher) Publish(ctx context.Context, event pipeline.SessionEvent) error {
	if !p.isConnected() {
		p.countError()
		return ErrNotConnected
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.countError()
		return fmt.Errorf("failed to marshal %s event: %w", event.Type, err)
	}

	topic := p.Topic(event.Type)
	token := p.client.Publish(topic, p.cfg.QoS, false, payload)
	if err := p.wait(ctx, token, p.cfg.PublishTimeout); err != nil {
		p.countError()
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.mu.Lock()
	p.published[topic]++
	p.mu.Unlock()

	p.logger.Debug("Session event published",
		pipeline.String("topic", topic),
		pipeline.String("session_id", event.SessionID),
		pipeline.Int("size", len(payload)),
	)
	return nil
}

// Topic returns the topic an event type is published to
func (p *MQTTPublisher) Topic(eventType string) string {
	return strings.TrimRight(p.cfg.TopicPrefix, "/") + "/" + eventType
}

// Disconnect closes the broker connection
func (p *MQTTPublisher) Disconnect() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info("MQTT disconnected")
	}
	p.setConnected(false)
}

// Stats returns publisher statistics
func (p *MQTTPublisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	published := make(map[string]uint64, len(p.published))
	for topic, n := range p.published {
		published[topic] = n
	}
	return Stats{
		Connected: p.connected,
		Published: published,
		Errors:    p.errors,
	}
}

func (p *MQTTPublisher) wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *MQTTPublisher) setConnected(connected bool) {
	p.mu.Lock()
	p.connected = connected
	p.mu.Unlock()
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

var _ pipeline.EventPublisher = (*MQTTPublisher)(nil)
