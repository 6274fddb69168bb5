package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"openiotzen-gateway/internal/alerting"
	"openiotzen-gateway/internal/data"
	"openiotzen-gateway/internal/filter"
	"openiotzen-gateway/internal/metrics"
	"openiotzen-gateway/internal/registry"
	"openiotzen-gateway/internal/storage"
	"openiotzen-gateway/internal/subscription"
)

// Dashboard events emitted by the manager.
const (
	EventNewData               = "new_data"
	EventGraphDataUpdate       = "graph_data_update"
	EventDeviceStatusUpdate    = "device_status_update"
	EventModelConnectionUpdate = "model_connection_update"
)

// DefaultStatusDelay postpones status broadcasts so dashboards that subscribe
// right after a device connects still see the event most of the time.
const DefaultStatusDelay = 500 * time.Millisecond

// TokenVerifier resolves a credential into an identity.
type TokenVerifier interface {
	Verify(token string) (data.Identity, error)
}

// StatusPayload is the body of device_status_update and model_connection_update.
type StatusPayload struct {
	DeviceID       string                 `json:"deviceId"`
	ModelID        string                 `json:"modelId"`
	UserID         string                 `json:"userId"`
	Status         data.ConnectionStatus  `json:"status"`
	Protocol       data.Protocol          `json:"protocol"`
	ConnectedAt    time.Time              `json:"connectedAt"`
	LastActivityAt time.Time              `json:"lastActivityAt"`
	DisconnectedAt *time.Time             `json:"disconnectedAt,omitempty"`
	Reported       map[string]interface{} `json:"reported,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// GraphUpdate is the body of graph_data_update.
type GraphUpdate struct {
	DeviceID  string                 `json:"deviceId"`
	ModelID   string                 `json:"modelId"`
	Protocol  data.Protocol          `json:"protocol"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"data"`
}

// Options carries the services a Manager is built from.
type Options struct {
	Registry    *registry.Registry
	Router      *subscription.Router
	Engine      *filter.Engine
	Alerter     *alerting.Alerter
	Sink        storage.Sink
	Verifier    TokenVerifier
	Metrics     *metrics.Metrics
	Logger      logrus.FieldLogger
	StatusDelay time.Duration
}

// Manager orchestrates the adapters and implements Events for them.
type Manager struct {
	adapters    []Adapter
	registry    *registry.Registry
	router      *subscription.Router
	engine      *filter.Engine
	alerter     *alerting.Alerter
	sink        storage.Sink
	verifier    TokenVerifier
	metrics     *metrics.Metrics
	log         logrus.FieldLogger
	statusDelay time.Duration
	now         func() time.Time

	mu      sync.RWMutex
	routes  map[string]Adapter
	started []Adapter

	closing atomic.Bool
	pending sync.WaitGroup
}

func NewManager(opts Options, adapters ...Adapter) *Manager {
	delay := opts.StatusDelay
	if delay < 0 {
		delay = 0
	}
	return &Manager{
		adapters:    adapters,
		registry:    opts.Registry,
		router:      opts.Router,
		engine:      opts.Engine,
		alerter:     opts.Alerter,
		sink:        opts.Sink,
		verifier:    opts.Verifier,
		metrics:     opts.Metrics,
		log:         opts.Logger.WithField("component", "protocol-manager"),
		statusDelay: delay,
		now:         time.Now,
		routes:      make(map[string]Adapter),
	}
}

// Start starts every adapter. If one fails, the ones already started are
// stopped again and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.started) > 0 {
		return nil
	}
	m.closing.Store(false)

	for _, a := range m.adapters {
		if err := a.Start(ctx, m); err != nil {
			for _, s := range m.started {
				if stopErr := s.Stop(ctx); stopErr != nil {
					m.log.Errorf("Rollback stop of %s adapter failed: %v", s.Protocol(), stopErr)
				}
			}
			m.started = nil
			return fmt.Errorf("start %s adapter on port %d: %w", a.Protocol(), a.DefaultPort(), err)
		}
		m.log.Infof("%s adapter started", a.Protocol())
		m.started = append(m.started, a)
	}
	return nil
}

// Stop stops the started adapters and waits for pending status broadcasts.
func (m *Manager) Stop(ctx context.Context) error {
	m.closing.Store(true)

	m.mu.Lock()
	started := m.started
	m.started = nil
	m.mu.Unlock()

	var errs []error
	for _, a := range started {
		if err := a.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s adapter: %w", a.Protocol(), err))
		}
	}
	m.pending.Wait()
	return errors.Join(errs...)
}

// Adapters returns the configured adapters.
func (m *Manager) Adapters() []Adapter {
	return m.adapters
}

// Connected registers the device and routes future commands through a.
func (m *Manager) Connected(a Adapter, info ConnectInfo) {
	defer m.recoverEvent(a, "connected")

	id := info.Identity
	if !id.IsDevice() {
		m.log.Warnf("Ignoring %s connection without device identity (user=%s)", a.Protocol(), id.UserID)
		return
	}

	conn := m.registry.RegisterConnection(data.Connection{
		DeviceID:      id.DeviceID,
		ModelID:       id.ModelID,
		UserID:        id.UserID,
		Protocol:      a.Protocol(),
		RemoteAddress: info.RemoteAddress,
		ConnectedAt:   m.now(),
	})

	m.mu.Lock()
	prev := m.routes[id.DeviceID]
	m.routes[id.DeviceID] = a
	m.mu.Unlock()

	if prev != nil && prev != a {
		m.log.Infof("Device %s moved from %s to %s", id.DeviceID, prev.Protocol(), a.Protocol())
	}
	m.log.Infof("Device %s connected via %s from %s", id.DeviceID, a.Protocol(), info.RemoteAddress)
	m.refreshConnectionGauge()
	m.scheduleStatus(conn, nil)
}

// Disconnected marks the device offline, unless a newer connection on another
// adapter has already taken over.
func (m *Manager) Disconnected(a Adapter, deviceID string) {
	defer m.recoverEvent(a, "disconnected")

	m.mu.RLock()
	current := m.routes[deviceID]
	m.mu.RUnlock()

	if current != a {
		m.log.Debugf("Ignoring stale %s disconnect for device %s", a.Protocol(), deviceID)
		return
	}

	conn, ok := m.registry.RegisterDisconnection(deviceID)
	if !ok {
		return
	}
	m.log.Infof("Device %s disconnected from %s", deviceID, a.Protocol())
	m.refreshConnectionGauge()
	m.scheduleStatus(conn, nil)
}

// Data normalizes an inbound message and runs it through filters, persistence and fan-out.
func (m *Manager) Data(ctx context.Context, a Adapter, in Inbound) (rec *data.TelemetryRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &AdapterError{Protocol: a.Protocol(), Op: "data", Err: fmt.Errorf("panic: %v", r)}
			m.log.Errorf("Recovered from panic handling %s data: %v", a.Protocol(), r)
			rec = nil
		}
	}()

	proto := a.Protocol()
	id := in.Identity
	if in.Token != "" {
		tokID, verr := m.verifier.Verify(in.Token)
		if verr != nil {
			m.drop(proto, "auth")
			m.log.Warnf("Dropping %s telemetry from %s: %v", proto, in.RemoteAddress, verr)
			return nil, verr
		}
		id = tokID
	}

	if !id.Complete() {
		verr := &ValidationError{Protocol: proto, Missing: missingIdentity(id)}
		m.drop(proto, "validation")
		m.log.Warnf("Dropping telemetry: %v", verr)
		return nil, verr
	}
	if in.Payload == nil || len(in.Payload.Fields) == 0 {
		verr := &ValidationError{Protocol: proto, Reason: "no telemetry fields"}
		m.drop(proto, "validation")
		m.log.Warnf("Dropping telemetry from device %s: %v", id.DeviceID, verr)
		return nil, verr
	}

	now := m.now()
	ts := in.Payload.Timestamp
	if ts.IsZero() {
		ts = now
	}
	rec = &data.TelemetryRecord{
		DeviceID:  id.DeviceID,
		ModelID:   id.ModelID,
		UserID:    id.UserID,
		Protocol:  proto,
		Timestamp: ts,
		Fields:    in.Payload.Fields,
	}

	m.registry.Touch(rec.DeviceID, now)

	alerts, ferr := m.engine.CheckFilter(ctx, rec)
	if ferr != nil {
		m.log.Errorf("Filter evaluation failed for device %s: %v", rec.DeviceID, ferr)
	}
	if perr := m.sink.SaveTelemetry(ctx, rec); perr != nil {
		m.log.Errorf("Failed to persist telemetry for device %s: %v", rec.DeviceID, perr)
	}

	m.publishData(rec)
	if len(alerts) > 0 {
		m.metrics.AlertsTotal.Add(float64(len(alerts)))
		m.alerter.ProcessAlerts(alerts)
	}
	m.metrics.MessagesReceived.WithLabelValues(string(proto)).Inc()
	return rec, nil
}

// StatusReport forwards a device-reported status to its dashboards right away.
func (m *Manager) StatusReport(a Adapter, id data.Identity, status map[string]interface{}) {
	defer m.recoverEvent(a, "status")

	if !id.IsDevice() {
		return
	}
	m.registry.Touch(id.DeviceID, m.now())

	conn, ok := m.registry.GetConnectionInfo(id.DeviceID)
	if !ok {
		conn = data.Connection{DeviceID: id.DeviceID, ModelID: id.ModelID, UserID: id.UserID, Protocol: a.Protocol()}
	}
	m.router.EmitToRoom(subscription.DeviceTopic(id.DeviceID), EventDeviceStatusUpdate, m.statusPayload(conn, status))
}

// Error logs a transport-level failure. It never stops the adapter.
func (m *Manager) Error(a Adapter, err error) {
	m.metrics.AdapterErrors.WithLabelValues(string(a.Protocol())).Inc()
	m.log.WithField("protocol", a.Protocol()).Errorf("Adapter error: %v", err)
}

// SendToDevice routes a command through the adapter the device last connected on.
func (m *Manager) SendToDevice(ctx context.Context, deviceID string, payload map[string]interface{}) error {
	m.mu.RLock()
	a, ok := m.routes[deviceID]
	m.mu.RUnlock()

	if !ok {
		return &RoutingError{DeviceID: deviceID, Reason: "no known adapter"}
	}
	if !a.SupportsPush() {
		m.metrics.CommandsSent.WithLabelValues(string(a.Protocol()), "unroutable").Inc()
		return &RoutingError{DeviceID: deviceID, Protocol: a.Protocol(), Reason: "adapter does not support server push"}
	}

	if err := a.SendToDevice(ctx, deviceID, payload); err != nil {
		m.metrics.CommandsSent.WithLabelValues(string(a.Protocol()), "error").Inc()
		return err
	}
	m.metrics.CommandsSent.WithLabelValues(string(a.Protocol()), "ok").Inc()
	return nil
}

// QueueCommand leaves a command for a device that polls for it. The device's
// last adapter is used when it can queue, otherwise the first adapter that can.
func (m *Manager) QueueCommand(deviceID string, payload map[string]interface{}) error {
	m.mu.RLock()
	a := m.routes[deviceID]
	m.mu.RUnlock()

	if q, ok := a.(CommandQueuer); ok {
		return q.QueueCommand(deviceID, payload)
	}
	for _, cand := range m.adapters {
		if q, ok := cand.(CommandQueuer); ok {
			return q.QueueCommand(deviceID, payload)
		}
	}
	return &RoutingError{DeviceID: deviceID, Reason: "no adapter accepts queued commands"}
}

// DeviceStatus returns the registry view of a device.
func (m *Manager) DeviceStatus(deviceID string) (StatusPayload, bool) {
	conn, ok := m.registry.GetConnectionInfo(deviceID)
	if !ok {
		return StatusPayload{}, false
	}
	return m.statusPayload(conn, nil), true
}

// ModelStatus returns the registry view of every device of a model.
func (m *Manager) ModelStatus(modelID string) []StatusPayload {
	conns := m.registry.GetConnections(registry.Filter{ModelID: modelID})
	out := make([]StatusPayload, 0, len(conns))
	for _, c := range conns {
		out = append(out, m.statusPayload(c, nil))
	}
	return out
}

func (m *Manager) publishData(rec *data.TelemetryRecord) {
	m.router.EmitToRoom(subscription.DeviceTopic(rec.DeviceID), EventNewData, rec.Normalized())
	m.router.EmitToRoom(subscription.ModelTopic(rec.ModelID), EventGraphDataUpdate, GraphUpdate{
		DeviceID:  rec.DeviceID,
		ModelID:   rec.ModelID,
		Protocol:  rec.Protocol,
		Timestamp: rec.Timestamp,
		Fields:    rec.Fields,
	})
}

func (m *Manager) scheduleStatus(conn data.Connection, reported map[string]interface{}) {
	if m.closing.Load() {
		return
	}
	m.pending.Add(1)
	time.AfterFunc(m.statusDelay, func() {
		defer m.pending.Done()
		if m.closing.Load() {
			return
		}
		// Timers of a quick connect/disconnect pair may fire in either order, so
		// every broadcast carries the registry state at fire time.
		if cur, ok := m.registry.GetConnectionInfo(conn.DeviceID); ok {
			conn = cur
		}
		payload := m.statusPayload(conn, reported)
		m.router.EmitToRoom(subscription.DeviceTopic(conn.DeviceID), EventDeviceStatusUpdate, payload)
		m.router.EmitToRoom(subscription.ModelTopic(conn.ModelID), EventModelConnectionUpdate, payload)
	})
}

func (m *Manager) statusPayload(c data.Connection, reported map[string]interface{}) StatusPayload {
	return StatusPayload{
		DeviceID:       c.DeviceID,
		ModelID:        c.ModelID,
		UserID:         c.UserID,
		Status:         c.Status,
		Protocol:       c.Protocol,
		ConnectedAt:    c.ConnectedAt,
		LastActivityAt: c.LastActivityAt,
		DisconnectedAt: c.DisconnectedAt,
		Reported:       reported,
		Timestamp:      m.now(),
	}
}

func (m *Manager) refreshConnectionGauge() {
	counts := map[data.Protocol]int{}
	for _, a := range m.adapters {
		counts[a.Protocol()] = 0
	}
	for _, c := range m.registry.GetConnections(registry.Filter{Status: data.StatusOnline}) {
		counts[c.Protocol]++
	}
	for p, n := range counts {
		m.metrics.ConnectionsActive.WithLabelValues(string(p)).Set(float64(n))
	}
}

func (m *Manager) drop(p data.Protocol, reason string) {
	m.metrics.MessagesDropped.WithLabelValues(string(p), reason).Inc()
}

// recoverEvent keeps a panic in one adapter's event from reaching the others.
func (m *Manager) recoverEvent(a Adapter, event string) {
	if r := recover(); r != nil {
		m.metrics.AdapterErrors.WithLabelValues(string(a.Protocol())).Inc()
		m.log.Errorf("Recovered from panic in %s %s handler: %v", a.Protocol(), event, r)
	}
}
