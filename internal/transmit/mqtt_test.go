package transmit_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmatch/climate-agent/internal/transmit"
)

type fakeToken struct {
	err      error
	timedOut bool
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timedOut }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeMQTTClient implements the paho methods the transmitter touches.
// Anything else panics, which is fine in tests.
type fakeMQTTClient struct {
	mqtt.Client

	connected      bool
	connectErr     error
	connectTimeout bool
	publishErr     error
	publishTimeout bool

	connectCalls int
	sent         []published
}

func (c *fakeMQTTClient) IsConnected() bool { return c.connected }

func (c *fakeMQTTClient) Connect() mqtt.Token {
	c.connectCalls++
	if c.connectErr == nil && !c.connectTimeout {
		c.connected = true
	}
	return &fakeToken{err: c.connectErr, timedOut: c.connectTimeout}
}

func (c *fakeMQTTClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	if c.publishErr == nil && !c.publishTimeout {
		c.sent = append(c.sent, published{topic: topic, qos: qos, payload: payload.([]byte)})
	}
	return &fakeToken{err: c.publishErr, timedOut: c.publishTimeout}
}

func (c *fakeMQTTClient) Disconnect(uint) { c.connected = false }

func newMQTTTransmitter(fake *fakeMQTTClient) *transmit.MQTTTransmitter {
	return transmit.NewMQTTTransmitter(transmit.MQTTConfig{
		BrokerURL: "tcp://broker.test:1883",
		DeviceID:  "esp32-office-lab",
		Password:  "device-secret-1",
		Logger:    zerolog.Nop(),
		NewClient: func(*mqtt.ClientOptions) mqtt.Client { return fake },
	})
}

func TestMQTTTransmitter_PublishesToDeviceTopic(t *testing.T) {
	fake := &fakeMQTTClient{connected: true}
	tr := newMQTTTransmitter(fake)

	out := tr.Send(context.Background(), testRecord())

	assert.Equal(t, transmit.ClassDelivered, out.Class)
	require.Len(t, fake.sent, 1)
	assert.Equal(t, "devmatch/telemetry/esp32-office-lab", fake.sent[0].topic)
	assert.Equal(t, byte(1), fake.sent[0].qos)

	var payload struct {
		DeviceID string `json:"deviceId"`
	}
	require.NoError(t, json.Unmarshal(fake.sent[0].payload, &payload))
	assert.Equal(t, "esp32-office-lab", payload.DeviceID)
}

func TestMQTTTransmitter_ConnectsLazily(t *testing.T) {
	fake := &fakeMQTTClient{}
	tr := newMQTTTransmitter(fake)

	out := tr.Send(context.Background(), testRecord())

	assert.Equal(t, transmit.ClassDelivered, out.Class)
	assert.Equal(t, 1, fake.connectCalls)

	// Second send reuses the connection.
	out = tr.Send(context.Background(), testRecord())
	assert.Equal(t, transmit.ClassDelivered, out.Class)
	assert.Equal(t, 1, fake.connectCalls)
}

func TestMQTTTransmitter_ConnectFailureRetryable(t *testing.T) {
	fake := &fakeMQTTClient{connectErr: errors.New("connection refused")}
	tr := newMQTTTransmitter(fake)

	out := tr.Send(context.Background(), testRecord())

	assert.Equal(t, transmit.ClassRetryable, out.Class)
	assert.ErrorIs(t, out.Err, transmit.ErrBrokerUnavailable)
	assert.Empty(t, fake.sent)
}

func TestMQTTTransmitter_PublishTimeoutRetryable(t *testing.T) {
	fake := &fakeMQTTClient{connected: true, publishTimeout: true}
	tr := newMQTTTransmitter(fake)

	out := tr.Send(context.Background(), testRecord())

	assert.Equal(t, transmit.ClassRetryable, out.Class)
	assert.ErrorIs(t, out.Err, transmit.ErrPublishTimeout)
}

func TestMQTTTransmitter_PublishErrorRetryable(t *testing.T) {
	fake := &fakeMQTTClient{connected: true, publishErr: errors.New("broker shedding load")}
	tr := newMQTTTransmitter(fake)

	out := tr.Send(context.Background(), testRecord())

	assert.Equal(t, transmit.ClassRetryable, out.Class)
	assert.Error(t, out.Err)
}
