package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latoulicious/sinkstream/pkg/pipeline"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                       { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}            { return t.done }
func (t *fakeToken) Error() error                     { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	connectErr   error
	publishToken *fakeToken
	messages     []published
	disconnected bool
}

func (c *fakeClient) Connect() mqtt.Token { return completedToken(c.connectErr) }
func (c *fakeClient) IsConnected() bool   { return !c.disconnected }
func (c *fakeClient) Disconnect(uint)     { c.disconnected = true }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	if c.publishToken != nil {
		return c.publishToken
	}
	return completedToken(nil)
}

func newTestPublisher(client *fakeClient) *MQTTPublisher {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.QoS = 1
	cfg.PublishTimeout = 50 * time.Millisecond

	p := NewMQTTPublisher(cfg, pipeline.NullLogger())
	p.client = client
	return p
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Enabled = true
	assert.NoError(t, cfg.Validate())

	cfg.Broker = ""
	cfg.TopicPrefix = "/"
	cfg.QoS = 3
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker")
	assert.Contains(t, err.Error(), "topic_prefix")
	assert.Contains(t, err.Error(), "qos")
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", Config{Broker: "localhost:1883"}.brokerURL())
	assert.Equal(t, "ssl://broker:8883", Config{Broker: "ssl://broker:8883"}.brokerURL())
}

func TestPublishRequiresConnection(t *testing.T) {
	p := newTestPublisher(&fakeClient{})

	err := p.Publish(context.Background(), pipeline.SessionEvent{Type: pipeline.EventSessionStarted})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, uint64(1), p.Stats().Errors)
}

func TestConnectFailure(t *testing.T) {
	p := newTestPublisher(&fakeClient{connectErr: errors.New("connection refused")})

	err := p.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.False(t, p.Stats().Connected)
}

func TestPublishSessionEvent(t *testing.T) {
	client := &fakeClient{}
	p := newTestPublisher(client)
	require.NoError(t, p.Connect(context.Background()))

	event := pipeline.SessionEvent{
		Type:      pipeline.EventSessionEnded,
		SessionID: "abc",
		Source:    "virtual_sink.monitor",
		Remote:    "192.0.2.1:4000",
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Publish(context.Background(), event))

	require.Len(t, client.messages, 1)
	msg := client.messages[0]
	assert.Equal(t, "sinkstream/sessions/session.ended", msg.topic)
	assert.Equal(t, byte(1), msg.qos)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.payload, &decoded))
	assert.Equal(t, "abc", decoded["session_id"])
	assert.Equal(t, "session.ended", decoded["type"])

	stats := p.Stats()
	assert.True(t, stats.Connected)
	assert.Equal(t, uint64(1), stats.Published["sinkstream/sessions/session.ended"])
	assert.Zero(t, stats.Errors)
}

func TestPublishTimeout(t *testing.T) {
	client := &fakeClient{publishToken: &fakeToken{done: make(chan struct{})}}
	p := newTestPublisher(client)
	require.NoError(t, p.Connect(context.Background()))

	err := p.Publish(context.Background(), pipeline.SessionEvent{Type: pipeline.EventSessionStarted})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Equal(t, uint64(1), p.Stats().Errors)
}

func TestPublishHonoursContext(t *testing.T) {
	client := &fakeClient{publishToken: &fakeToken{done: make(chan struct{})}}
	p := newTestPublisher(client)
	p.cfg.PublishTimeout = time.Minute
	require.NoError(t, p.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Publish(ctx, pipeline.SessionEvent{Type: pipeline.EventSessionStarted})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDisconnect(t *testing.T) {
	client := &fakeClient{}
	p := newTestPublisher(client)
	require.NoError(t, p.Connect(context.Background()))

	p.Disconnect()
	assert.True(t, client.disconnected)
	assert.False(t, p.Stats().Connected)
}
