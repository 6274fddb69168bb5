package websocket

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openiotzen-gateway/internal/auth"
	"openiotzen-gateway/internal/data"
	"openiotzen-gateway/internal/protocol"
	"openiotzen-gateway/internal/subscription"
)

type recorder struct {
	mu           sync.Mutex
	connected    []data.Identity
	disconnected []string
	inbound      []protocol.Inbound
	errs         []error
}

func (r *recorder) Connected(_ protocol.Adapter, info protocol.ConnectInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, info.Identity)
}

func (r *recorder) Disconnected(_ protocol.Adapter, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, deviceID)
}

func (r *recorder) Data(_ context.Context, a protocol.Adapter, in protocol.Inbound) (*data.TelemetryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound = append(r.inbound, in)
	if !in.Identity.Complete() && in.Token == "" {
		return nil, &protocol.ValidationError{Protocol: a.Protocol(), Missing: []string{"device_id"}}
	}
	return &data.TelemetryRecord{DeviceID: in.Identity.DeviceID, Fields: in.Payload.Fields}, nil
}

func (r *recorder) StatusReport(protocol.Adapter, data.Identity, map[string]interface{}) {}

func (r *recorder) Error(_ protocol.Adapter, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) DeviceStatus(deviceID string) (protocol.StatusPayload, bool) {
	if deviceID != "7" {
		return protocol.StatusPayload{}, false
	}
	return protocol.StatusPayload{DeviceID: "7", Status: data.StatusOnline, Protocol: data.ProtocolWebSocket}, true
}

func (r *recorder) snapshot() ([]data.Identity, []string, []protocol.Inbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]data.Identity(nil), r.connected...), append([]string(nil), r.disconnected...), append([]protocol.Inbound(nil), r.inbound...)
}

type harness struct {
	adapter *Adapter
	events  *recorder
	router  *subscription.Router
	auth    *auth.AuthManager
}

func newHarness(t *testing.T, grace time.Duration) *harness {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	am := auth.NewAuthManager(auth.Config{JWTSecret: "ws-secret"})
	router := subscription.NewRouter(log)
	a := NewAdapter(Config{Host: "127.0.0.1", Port: 0, AuthGrace: grace}, am, router, log)
	events := &recorder{}
	require.NoError(t, a.Start(context.Background(), events))
	t.Cleanup(func() { a.Stop(context.Background()) })
	return &harness{adapter: a, events: events, router: router, auth: am}
}

func (h *harness) deviceToken(t *testing.T) string {
	t.Helper()
	tok, err := h.auth.IssueDeviceToken(data.Identity{DeviceID: "7", ModelID: "3", UserID: "1"})
	require.NoError(t, err)
	return tok
}

func (h *harness) dial(t *testing.T, query string, hdr http.Header, protos ...string) (*websocket.Conn, *http.Response) {
	t.Helper()
	d := websocket.Dialer{Subprotocols: protos, HandshakeTimeout: 2 * time.Second}
	conn, resp, err := d.Dial("ws://"+h.adapter.Addr()+DefaultPath+query, hdr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, resp
}

func readEnvelope(t *testing.T, conn *websocket.Conn) subscription.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env subscription.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func send(t *testing.T, conn *websocket.Conn, event string, body interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(subscription.Envelope{Event: event, Data: raw}))
}

func TestDeviceQueryTokenLifecycle(t *testing.T) {
	h := newHarness(t, time.Second)
	conn, _ := h.dial(t, "?token="+h.deviceToken(t), nil)

	env := readEnvelope(t, conn)
	require.Equal(t, EventAuthSuccess, env.Event)
	var ok authSuccess
	require.NoError(t, json.Unmarshal(env.Data, &ok))
	assert.Equal(t, "device", ok.Kind)
	assert.Equal(t, "7", ok.DeviceID)

	connected, _, _ := h.events.snapshot()
	require.Len(t, connected, 1)
	assert.Equal(t, "3", connected[0].ModelID)
	assert.Equal(t, 1, h.router.RoomSize(subscription.DeviceTopic("7")))
	assert.Equal(t, 1, h.router.RoomSize(subscription.ModelTopic("3")))

	send(t, conn, EventData, map[string]interface{}{"temperature": 21.5})
	assert.Eventually(t, func() bool {
		_, _, in := h.events.snapshot()
		return len(in) == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, _, in := h.events.snapshot()
	assert.Equal(t, "7", in[0].Identity.DeviceID)
	assert.Equal(t, 21.5, in[0].Payload.Fields["temperature"])

	conn.Close()
	assert.Eventually(t, func() bool {
		_, gone, _ := h.events.snapshot()
		return len(gone) == 1 && gone[0] == "7"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.router.RoomSize(subscription.DeviceTopic("7")))
}

func TestDeviceInvalidTokenIsClosedWithPolicyViolation(t *testing.T) {
	h := newHarness(t, time.Second)
	conn, _ := h.dial(t, "", http.Header{"Authorization": {"not-a-jwt"}})

	env := readEnvelope(t, conn)
	assert.Equal(t, EventAuthError, env.Event)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	connected, _, _ := h.events.snapshot()
	assert.Empty(t, connected)
}

func TestForgedDeviceTokenIsClosedWithPolicyViolation(t *testing.T) {
	h := newHarness(t, time.Second)
	forged, err := auth.NewAuthManager(auth.Config{JWTSecret: "other-secret"}).
		IssueDeviceToken(data.Identity{DeviceID: "7", ModelID: "3", UserID: "1"})
	require.NoError(t, err)

	for name, dial := range map[string]func() *websocket.Conn{
		"query": func() *websocket.Conn {
			conn, _ := h.dial(t, "?token="+forged, nil)
			return conn
		},
		"subprotocol": func() *websocket.Conn {
			conn, _ := h.dial(t, "", nil, forged)
			return conn
		},
	} {
		t.Run(name, func(t *testing.T) {
			conn := dial()
			assert.Equal(t, EventAuthError, readEnvelope(t, conn).Event)

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err := conn.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
		})
	}

	connected, _, _ := h.events.snapshot()
	assert.Empty(t, connected)
}

func TestDashboardInvalidTokenStaysOpen(t *testing.T) {
	h := newHarness(t, time.Second)
	conn, _ := h.dial(t, "", http.Header{"Authorization": {"Bearer nope"}})

	assert.Equal(t, EventAuthError, readEnvelope(t, conn).Event)

	userTok, err := h.auth.IssueUserToken(data.Identity{UserID: "1", Role: "admin"})
	require.NoError(t, err)
	send(t, conn, EventAuth, authRequest{Token: "Bearer " + userTok})
	assert.Equal(t, EventAuthSuccess, readEnvelope(t, conn).Event)
}

func TestDashboardGraceExpiryNotifies(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	conn, _ := h.dial(t, "", nil)

	assert.Equal(t, EventAuthRequired, readEnvelope(t, conn).Event)

	userTok, err := h.auth.IssueUserToken(data.Identity{UserID: "1"})
	require.NoError(t, err)
	send(t, conn, EventAuth, authRequest{Token: userTok})
	assert.Equal(t, EventAuthSuccess, readEnvelope(t, conn).Event)
}

func TestDeviceGraceExpiryCloses(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	conn, _ := h.dial(t, "?client_type=device", nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestInBandAuthWithinGrace(t *testing.T) {
	h := newHarness(t, time.Second)
	conn, _ := h.dial(t, "?client_type=device", nil)

	send(t, conn, EventAuth, authRequest{Token: h.deviceToken(t)})
	assert.Equal(t, EventAuthSuccess, readEnvelope(t, conn).Event)
	assert.Eventually(t, func() bool {
		connected, _, _ := h.events.snapshot()
		return len(connected) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSubprotocolTokenIsEchoed(t *testing.T) {
	h := newHarness(t, time.Second)
	tok := h.deviceToken(t)
	conn, resp := h.dial(t, "", nil, tok)

	assert.Equal(t, tok, resp.Header.Get("Sec-WebSocket-Protocol"))
	assert.Equal(t, tok, conn.Subprotocol())
	assert.Equal(t, EventAuthSuccess, readEnvelope(t, conn).Event)
}

func TestSendToDevice(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	assert.ErrorIs(t, h.adapter.SendToDevice(ctx, "7", map[string]interface{}{"led": "on"}), protocol.ErrNotConnected)

	conn, _ := h.dial(t, "?token="+h.deviceToken(t), nil)
	require.Equal(t, EventAuthSuccess, readEnvelope(t, conn).Event)

	require.NoError(t, h.adapter.SendToDevice(ctx, "7", map[string]interface{}{"led": "on"}))
	env := readEnvelope(t, conn)
	require.Equal(t, EventCommand, env.Event)
	var cmd protocol.CommandEnvelope
	require.NoError(t, json.Unmarshal(env.Data, &cmd))
	assert.Equal(t, "on", cmd.Command["led"])
	assert.NotEmpty(t, cmd.Timestamp)
}

func TestDashboardSubscriptions(t *testing.T) {
	h := newHarness(t, time.Second)
	userTok, err := h.auth.IssueUserToken(data.Identity{UserID: "1"})
	require.NoError(t, err)
	conn, _ := h.dial(t, "?token="+userTok, nil)
	require.Equal(t, EventAuthSuccess, readEnvelope(t, conn).Event)
	assert.Zero(t, h.router.RoomSize(subscription.DeviceTopic("7")), "dashboards never auto-join")

	send(t, conn, EventSubscribe, subscription.Request{ModelID: "3"})
	env := readEnvelope(t, conn)
	assert.Equal(t, "model_subscription_confirmed", env.Event)
	var conf subscription.Confirmation
	require.NoError(t, json.Unmarshal(env.Data, &conf))
	assert.True(t, conf.Success)
	assert.Equal(t, "3", conf.ModelID)

	send(t, conn, EventSubscribe, subscription.Request{})
	env = readEnvelope(t, conn)
	require.NoError(t, json.Unmarshal(env.Data, &conf))
	assert.False(t, conf.Success)
	assert.NotEmpty(t, conf.Message)

	send(t, conn, EventSubscribeToDeviceStatus, subscription.Request{DeviceID: "7"})
	assert.Equal(t, EventDeviceStatusSubscriptionConfirmed, readEnvelope(t, conn).Event)
	env = readEnvelope(t, conn)
	require.Equal(t, EventDeviceStatusInitial, env.Event)
	var st protocol.StatusPayload
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, data.StatusOnline, st.Status)

	assert.Equal(t, 1, h.router.EmitToRoom(subscription.ModelTopic("3"), "graph_data_update", map[string]int{"x": 1}))
	assert.Equal(t, "graph_data_update", readEnvelope(t, conn).Event)

	send(t, conn, EventRequestDeviceStatus, subscription.Request{DeviceID: "99"})
	env = readEnvelope(t, conn)
	require.Equal(t, protocol.EventDeviceStatusUpdate, env.Event)
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, data.StatusOffline, st.Status)

	send(t, conn, EventUnsubscribe, subscription.Request{ModelID: "3"})
	assert.Equal(t, EventUnsubscribeConfirmed, readEnvelope(t, conn).Event)
	assert.Zero(t, h.router.RoomSize(subscription.ModelTopic("3")))
}

func TestSubscribeWithNumericIDs(t *testing.T) {
	h := newHarness(t, time.Second)
	userTok, err := h.auth.IssueUserToken(data.Identity{UserID: "1"})
	require.NoError(t, err)
	conn, _ := h.dial(t, "?token="+userTok, nil)
	require.Equal(t, EventAuthSuccess, readEnvelope(t, conn).Event)

	send(t, conn, EventSubscribe, map[string]interface{}{"deviceId": 7, "modelId": 3})
	env := readEnvelope(t, conn)
	require.Equal(t, "device_subscription_confirmed", env.Event)
	var conf subscription.Confirmation
	require.NoError(t, json.Unmarshal(env.Data, &conf))
	assert.True(t, conf.Success)
	assert.Equal(t, "7", conf.DeviceID)
	assert.Equal(t, "3", conf.ModelID)
	assert.Equal(t, 1, h.router.RoomSize(subscription.DeviceTopic("7")))
	assert.Equal(t, 1, h.router.RoomSize(subscription.ModelTopic("3")))
}

func TestMalformedSubscribeGetsFailedConfirmation(t *testing.T) {
	h := newHarness(t, time.Second)
	userTok, err := h.auth.IssueUserToken(data.Identity{UserID: "1"})
	require.NoError(t, err)
	conn, _ := h.dial(t, "?token="+userTok, nil)
	require.Equal(t, EventAuthSuccess, readEnvelope(t, conn).Event)

	send(t, conn, EventSubscribe, map[string]interface{}{"deviceId": true})
	env := readEnvelope(t, conn)
	require.Equal(t, "device_subscription_confirmed", env.Event)
	var conf subscription.Confirmation
	require.NoError(t, json.Unmarshal(env.Data, &conf))
	assert.False(t, conf.Success)
	assert.Contains(t, conf.Message, "deviceId")

	send(t, conn, EventUnsubscribe, "device 7")
	env = readEnvelope(t, conn)
	require.Equal(t, EventUnsubscribeConfirmed, env.Event)
	require.NoError(t, json.Unmarshal(env.Data, &conf))
	assert.False(t, conf.Success)
}

func TestUnauthenticatedSubscribeIsRefused(t *testing.T) {
	h := newHarness(t, time.Second)
	conn, _ := h.dial(t, "", nil)

	send(t, conn, EventSubscribe, subscription.Request{DeviceID: "7"})
	assert.Equal(t, EventAuthRequired, readEnvelope(t, conn).Event)
	assert.Zero(t, h.router.RoomSize(subscription.DeviceTopic("7")))
}

func TestReconnectDoesNotReportStaleDisconnect(t *testing.T) {
	h := newHarness(t, time.Second)
	tok := h.deviceToken(t)

	first, _ := h.dial(t, "?token="+tok, nil)
	require.Equal(t, EventAuthSuccess, readEnvelope(t, first).Event)
	second, _ := h.dial(t, "?token="+tok, nil)
	require.Equal(t, EventAuthSuccess, readEnvelope(t, second).Event)

	first.Close()
	assert.Eventually(t, func() bool { return h.adapter.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, gone, _ := h.events.snapshot()
	assert.Empty(t, gone)

	require.NoError(t, h.adapter.SendToDevice(context.Background(), "7", map[string]interface{}{"ping": true}))
	assert.Equal(t, EventCommand, readEnvelope(t, second).Event)
}

func TestClientDeliverAfterShutdown(t *testing.T) {
	c := &Client{id: "x", send: make(chan []byte, 1), closeq: make(chan closeFrame, 1)}
	require.NoError(t, c.Deliver([]byte("a")))
	assert.ErrorIs(t, c.Deliver([]byte("b")), subscription.ErrBufferFull)
	c.shutdown()
	c.shutdown()
	assert.ErrorIs(t, c.Deliver([]byte("c")), subscription.ErrClosed)
}
