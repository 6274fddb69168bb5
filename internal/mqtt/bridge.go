package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"openiotzen-gateway/internal/data"
)

const (
	publishTimeout = 5 * time.Second
	connectWait    = 15 * time.Second
)

// BridgeConfig points the bridge at an upstream broker.
type BridgeConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

type upstream interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Bridge mirrors normalized telemetry and alerts to an upstream broker.
// It implements storage.Sink.
type Bridge struct {
	client upstream
	prefix string
	qos    byte
	log    logrus.FieldLogger
	close  func()
}

// NewBridge connects to cfg.Broker. The client reconnects on its own after the
// first successful connect.
func NewBridge(cfg BridgeConfig, log logrus.FieldLogger) (*Bridge, error) {
	log = log.WithField("component", "mqtt-bridge")
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warnf("Upstream MQTT connection lost: %v", err)
		})
	client := paho.NewClient(opts)

	if err := awaitConnect(cfg.Broker, client.Connect(), connectWait); err != nil {
		client.Disconnect(0)
		return nil, err
	}
	log.Infof("Bridging gateway output to %s", cfg.Broker)

	b := newBridge(client, cfg, log)
	b.close = func() { client.Disconnect(250) }
	return b, nil
}

// awaitConnect fails when the broker refuses the connection or does not answer within wait.
func awaitConnect(broker string, token paho.Token, wait time.Duration) error {
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("connect upstream broker %s: no answer within %s", broker, wait)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect upstream broker %s: %w", broker, err)
	}
	return nil
}

func newBridge(client upstream, cfg BridgeConfig, log logrus.FieldLogger) *Bridge {
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = topicRoot + "/bridge"
	}
	return &Bridge{client: client, prefix: prefix, qos: cfg.QoS, log: log, close: func() {}}
}

func (b *Bridge) Close() { b.close() }

func (b *Bridge) SaveTelemetry(ctx context.Context, rec *data.TelemetryRecord) error {
	return b.publish(ctx, b.topic("telemetry", rec.ModelID, rec.DeviceID), rec.Normalized())
}

func (b *Bridge) SaveAlert(ctx context.Context, alert *data.Alert) error {
	return b.publish(ctx, b.topic("alerts", alert.ModelID, alert.DeviceID), alert)
}

func (b *Bridge) topic(kind, modelID, deviceID string) string {
	return strings.Join([]string{b.prefix, kind, modelID, deviceID}, "/")
}

func (b *Bridge) publish(ctx context.Context, topic string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	token := b.client.Publish(topic, b.qos, false, raw)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
