package transmit

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/devmatch/climate-agent/internal/telemetry"
)

// MQTT delivery errors. Both classify as retryable: broker trouble clears
// on its own.
var (
	ErrBrokerUnavailable = errors.New("mqtt broker unavailable")
	ErrPublishTimeout    = errors.New("mqtt publish confirmation timeout")
)

// MQTTConfig holds configuration for the MQTT transmitter.
type MQTTConfig struct {
	// BrokerURL of the broker (e.g. "tls://broker.devmatch.io:8883").
	BrokerURL string

	// DeviceID doubles as the broker username when none is set.
	DeviceID string

	// ClientID identifies this session to the broker
	// (default: "devmatch-agent-" + DeviceID).
	ClientID string

	// Username and Password authenticate to the broker. Defaults to
	// DeviceID and the device secret in the usual provisioning scheme.
	Username string
	Password string

	// TopicPrefix is prepended to the device ID to form the publish topic
	// (default: "devmatch/telemetry").
	TopicPrefix string

	// QoS for published records (default: 1, at-least-once).
	QoS byte

	// ConnectTimeout bounds broker connection attempts (default: 10 seconds).
	ConnectTimeout time.Duration

	// PublishTimeout bounds waiting for broker confirmation
	// (default: 30 seconds).
	PublishTimeout time.Duration

	// Logger for attempt outcomes.
	Logger zerolog.Logger

	// Metrics records attempt instruments. Optional.
	Metrics *Metrics

	// NewClient overrides paho client construction, mainly for tests.
	NewClient func(*mqtt.ClientOptions) mqtt.Client
}

// MQTTTransmitter publishes records to a broker topic instead of posting
// them to the HTTP endpoint. Deployments behind ingestion brokers use
// this transport; classification semantics match the HTTP transmitter.
type MQTTTransmitter struct {
	client         mqtt.Client
	topicPrefix    string
	qos            byte
	connectTimeout time.Duration
	publishTimeout time.Duration
	logger         zerolog.Logger
	metrics        *Metrics
}

// NewMQTTTransmitter creates an MQTT transmitter. The broker connection
// is established lazily on the first send.
func NewMQTTTransmitter(cfg MQTTConfig) *MQTTTransmitter {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "devmatch-agent-" + cfg.DeviceID
	}
	username := cfg.Username
	if username == "" {
		username = cfg.DeviceID
	}
	topicPrefix := cfg.TopicPrefix
	if topicPrefix == "" {
		topicPrefix = "devmatch/telemetry"
	}
	qos := cfg.QoS
	if qos == 0 {
		qos = 1
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout == 0 {
		publishTimeout = 30 * time.Second
	}

	logger := cfg.Logger

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetUsername(username).
		SetPassword(cfg.Password).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(false)

	opts.OnConnect = func(_ mqtt.Client) {
		logger.Info().Str("broker", cfg.BrokerURL).Msg("connected to mqtt broker")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("mqtt connection lost")
	}

	newClient := cfg.NewClient
	if newClient == nil {
		newClient = mqtt.NewClient
	}

	return &MQTTTransmitter{
		client:         newClient(opts),
		topicPrefix:    topicPrefix,
		qos:            qos,
		connectTimeout: connectTimeout,
		publishTimeout: publishTimeout,
		logger:         logger,
		metrics:        cfg.Metrics,
	}
}

// Send publishes one record to the device topic and waits for broker
// confirmation at the configured QoS.
func (t *MQTTTransmitter) Send(ctx context.Context, rec *telemetry.Record) Outcome {
	finish := timeAttempt()

	out := t.attempt(ctx, rec)
	out = finish(out)

	t.log(rec, out)
	t.metrics.RecordAttempt("mqtt", out)
	return out
}

func (t *MQTTTransmitter) attempt(ctx context.Context, rec *telemetry.Record) Outcome {
	body, err := encodeRecord(rec)
	if err != nil {
		return terminal(err, 0, "", 0)
	}

	if !t.client.IsConnected() {
		token := t.client.Connect()
		if !token.WaitTimeout(t.connectTimeout) {
			return retryable(fmt.Errorf("%w: connect timeout", ErrBrokerUnavailable), 0, "", 0)
		}
		if token.Error() != nil {
			return retryable(fmt.Errorf("%w: %s", ErrBrokerUnavailable, token.Error()), 0, "", 0)
		}
	}

	if err := ctx.Err(); err != nil {
		return retryable(err, 0, "", 0)
	}

	topic := t.topicPrefix + "/" + rec.DeviceID
	token := t.client.Publish(topic, t.qos, false, body)
	if !token.WaitTimeout(t.publishTimeout) {
		return retryable(ErrPublishTimeout, 0, "", 0)
	}
	if token.Error() != nil {
		return retryable(fmt.Errorf("publishing record: %w", token.Error()), 0, "", 0)
	}

	return delivered(0, "", 0)
}

func (t *MQTTTransmitter) log(rec *telemetry.Record, out Outcome) {
	switch out.Class {
	case ClassDelivered:
		t.logger.Info().
			Int64("timestamp", rec.Timestamp).
			Dur("duration", out.Duration).
			Msg("record published")
	case ClassRetryable:
		t.logger.Warn().
			Int64("timestamp", rec.Timestamp).
			Err(out.Err).
			Msg("publish attempt failed, will retry")
	case ClassTerminal:
		t.logger.Error().
			Int64("timestamp", rec.Timestamp).
			Err(out.Err).
			Msg("record unpublishable, dropping")
	}
}

// Close disconnects from the broker, allowing in-flight work to finish.
func (t *MQTTTransmitter) Close() {
	if t.client.IsConnected() {
		t.client.Disconnect(250)
	}
}
