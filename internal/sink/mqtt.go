package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/teslashibe/go-micgrid/internal/protocol"
)

// MQTTConfig configures the MQTT sink
type MQTTConfig struct {
	Broker         string // e.g. tcp://localhost:1883
	ClientID       string
	Username       string
	Password       string
	Topic          string // {kind} is replaced with the message kind
	QoS            byte
	Retain         bool
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	Kinds          []Kind // empty accepts every kind
}

// DefaultMQTTConfig returns sensible defaults
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker:         "tcp://localhost:1883",
		ClientID:       "go-micgrid",
		Topic:          "micgrid/{kind}",
		QoS:            0,
		ConnectTimeout: 30 * time.Second,
		PublishTimeout: 10 * time.Second,
	}
}

// MQTTSink publishes messages as protocol envelopes
type MQTTSink struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *slog.Logger
}

// NewMQTTSink creates an MQTT sink. Call Connect before emitting.
func NewMQTTSink(cfg MQTTConfig, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}

	s := &MQTTSink{cfg: cfg, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// newMQTTSinkWithClient wires an existing client (tests)
func newMQTTSinkWithClient(cfg MQTTConfig, client mqtt.Client, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSink{cfg: cfg, client: client, logger: logger}
}

func (s *MQTTSink) Name() string { return "mqtt" }

// Connect establishes the broker connection
func (s *MQTTSink) Connect(ctx context.Context) error {
	token := s.client.Connect()

	timeout := s.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	if !token.WaitTimeout(timeout) {
		return errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection error: %w", err)
	}
	return nil
}

// Emit publishes msg to the kind-specific topic
func (s *MQTTSink) Emit(ctx context.Context, msg Message) error {
	if !kindFilter(s.cfg.Kinds).accepts(msg.Kind) {
		return nil
	}

	if !s.client.IsConnected() {
		return errors.New("not connected to MQTT broker")
	}

	envelope, err := protocol.NewMessage(protocol.MessageType(msg.Kind), msg)
	if err != nil {
		return err
	}
	payload, err := envelope.Bytes()
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	topic := FormatTopic(s.cfg.Topic, msg.Kind)
	token := s.client.Publish(topic, s.cfg.QoS, s.cfg.Retain, payload)
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		return fmt.Errorf("publish timeout on topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	s.logger.Debug("published to mqtt", "topic", topic, "bytes", len(payload))
	return nil
}

// Close disconnects from the broker
func (s *MQTTSink) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

// FormatTopic replaces the {kind} placeholder
func FormatTopic(pattern string, kind Kind) string {
	return strings.ReplaceAll(pattern, "{kind}", string(kind))
}
