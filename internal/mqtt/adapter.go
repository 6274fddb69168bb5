// Package mqtt runs an embedded MQTT broker whose clients are gateway devices,
// and a bridge that mirrors gateway output to an upstream broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/sirupsen/logrus"

	"openiotzen-gateway/internal/data"
	"openiotzen-gateway/internal/protocol"
)

const DefaultPort = 1883

// commandQoS is used for outbound commands and provisioning.
const commandQoS byte = 1

// Config configures the embedded broker listener.
type Config struct {
	Host string
	Port int
}

type publisher interface {
	Publish(topic string, payload []byte, retain bool, qos byte) error
}

// session is what the adapter knows about one connected client.
type session struct {
	clientID string
	identity data.Identity
	remote   string
}

// Adapter implements protocol.Adapter on top of an embedded mochi broker.
// Device identity comes only from the client id.
type Adapter struct {
	cfg Config
	log *logrus.Entry

	mu       sync.RWMutex
	server   *mochi.Server
	pub      publisher
	logw     io.Closer
	ctx      context.Context
	events   protocol.Events
	sessions map[interface{}]session
	devices  map[string]interface{}
}

func NewAdapter(cfg Config, log logrus.FieldLogger) *Adapter {
	return &Adapter{
		cfg:      cfg,
		log:      log.WithField("component", "mqtt"),
		sessions: make(map[interface{}]session),
		devices:  make(map[string]interface{}),
	}
}

func (a *Adapter) Protocol() data.Protocol { return data.ProtocolMQTT }
func (a *Adapter) DefaultPort() int        { return DefaultPort }
func (a *Adapter) SupportsPush() bool      { return true }

// Start boots the broker. A listener that cannot bind fails Start.
func (a *Adapter) Start(ctx context.Context, events protocol.Events) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return nil
	}

	logw := a.log.WriterLevel(logrus.DebugLevel)
	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(logw, nil)),
	})
	fail := func(op string, err error) error {
		server.Close()
		logw.Close()
		return &protocol.AdapterError{Protocol: data.ProtocolMQTT, Op: op, Err: err}
	}

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return fail("hook", err)
	}
	if err := server.AddHook(&gatewayHook{adapter: a}, nil); err != nil {
		return fail("hook", err)
	}
	tcp := listeners.NewTCP(listeners.Config{
		ID:      "openiotzen-tcp",
		Address: fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port),
	})
	if err := server.AddListener(tcp); err != nil {
		return fail("listen", err)
	}
	if err := server.Serve(); err != nil {
		return fail("serve", err)
	}

	a.server = server
	a.logw = logw
	a.attach(ctx, events, server)
	a.log.Infof("MQTT broker listening on %s", tcp.Address())
	return nil
}

func (a *Adapter) attach(ctx context.Context, events protocol.Events, pub publisher) {
	a.ctx = context.WithoutCancel(ctx)
	a.events = events
	a.pub = pub
}

// Stop closes the broker, disconnecting every client.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	server, logw := a.server, a.logw
	a.server, a.logw = nil, nil
	a.mu.Unlock()
	if server == nil {
		return nil
	}

	err := server.Close()
	logw.Close()
	if err != nil {
		return &protocol.AdapterError{Protocol: data.ProtocolMQTT, Op: "close", Err: err}
	}
	return nil
}

// SendToDevice publishes a command envelope on the device's command topic.
func (a *Adapter) SendToDevice(_ context.Context, deviceID string, payload map[string]interface{}) error {
	a.mu.RLock()
	owner, ok := a.devices[deviceID]
	s := a.sessions[owner]
	pub := a.pub
	a.mu.RUnlock()
	if !ok || pub == nil {
		return protocol.ErrNotConnected
	}

	raw, err := json.Marshal(protocol.CommandEnvelope{
		Command:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return &protocol.AdapterError{Protocol: data.ProtocolMQTT, Op: "encode", Err: err}
	}
	if err := pub.Publish(TopicsFor(s.identity).Command, raw, false, commandQoS); err != nil {
		return &protocol.AdapterError{Protocol: data.ProtocolMQTT, Op: "publish", Err: err}
	}
	return nil
}

// Topics returns the provisioned topic set of a connected device.
func (a *Adapter) Topics(deviceID string) (DeviceTopics, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	owner, ok := a.devices[deviceID]
	if !ok {
		return DeviceTopics{}, false
	}
	return TopicsFor(a.sessions[owner].identity), true
}

func (a *Adapter) clientConnected(owner interface{}, clientID, remote string) {
	id, ok := ParseClientID(clientID)
	if !ok {
		a.log.Warnf("MQTT client %q from %s has no device identity; its publishes will be dropped", clientID, remote)
		return
	}

	a.mu.Lock()
	a.sessions[owner] = session{clientID: clientID, identity: id, remote: remote}
	a.devices[id.DeviceID] = owner
	events, pub := a.events, a.pub
	a.mu.Unlock()

	topics := TopicsFor(id)
	if raw, err := json.Marshal(topics); err == nil && pub != nil {
		if err := pub.Publish(topics.Config, raw, true, commandQoS); err != nil {
			a.log.Warnf("Provisioning topics for device %s failed: %v", id.DeviceID, err)
		}
	}
	events.Connected(a, protocol.ConnectInfo{Identity: id, RemoteAddress: remote})
}

func (a *Adapter) clientDisconnected(owner interface{}, clientID string, cause error) {
	a.mu.Lock()
	s, ok := a.sessions[owner]
	delete(a.sessions, owner)
	current := ok && a.devices[s.identity.DeviceID] == owner
	if current {
		delete(a.devices, s.identity.DeviceID)
	}
	events := a.events
	a.mu.Unlock()

	if !current {
		return
	}
	a.log.Debugf("MQTT client %s disconnected: %v", clientID, cause)
	events.Disconnected(a, s.identity.DeviceID)
}

// published handles one publish and reports whether the broker should route it.
func (a *Adapter) published(owner interface{}, clientID, topicName string, payload []byte) bool {
	kind, tid, ok := ParseTopic(topicName)
	if !ok {
		return true
	}

	a.mu.RLock()
	s, bound := a.sessions[owner]
	ctx, events := a.ctx, a.events
	a.mu.RUnlock()

	if !bound {
		a.log.Warnf("Dropping publish on %s from unidentified client %q", topicName, clientID)
		return false
	}
	if tid.DeviceID != s.identity.DeviceID || tid.ModelID != s.identity.ModelID || tid.UserID != s.identity.UserID {
		a.log.Warnf("Dropping publish on %s from client %q: topic belongs to another device", topicName, clientID)
		return false
	}

	switch kind {
	case KindData:
		p, err := data.Parse(payload)
		if err != nil {
			events.Error(a, &protocol.AdapterError{Protocol: data.ProtocolMQTT, Op: "parse", Err: fmt.Errorf("device %s: %w", s.identity.DeviceID, err)})
			return false
		}
		if _, err := events.Data(ctx, a, protocol.Inbound{
			Identity:      s.identity,
			Token:         p.Token,
			Payload:       p,
			RemoteAddress: s.remote,
		}); err != nil {
			a.log.Debugf("Telemetry from %s rejected: %v", clientID, err)
			return false
		}
	case KindStatus:
		status := map[string]interface{}{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &status); err != nil {
				status = map[string]interface{}{"status": string(payload)}
			}
		}
		events.StatusReport(a, s.identity, status)
	}
	return true
}
