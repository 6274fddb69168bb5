// Package websocket is the WebSocket transport: devices push telemetry over it
// and dashboards subscribe to device and model rooms.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"openiotzen-gateway/internal/auth"
	"openiotzen-gateway/internal/data"
	"openiotzen-gateway/internal/protocol"
	"openiotzen-gateway/internal/subscription"
)

const (
	DefaultPort      = 8080
	DefaultPath      = "/ws"
	DefaultAuthGrace = 5 * time.Second
)

// Config configures the WebSocket listener.
type Config struct {
	Host      string
	Port      int
	Path      string
	AuthGrace time.Duration
}

// StatusLookup is implemented by event sinks that can answer device status requests.
type StatusLookup interface {
	DeviceStatus(deviceID string) (protocol.StatusPayload, bool)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Dashboards are served from other origins
}

// Adapter implements protocol.Adapter for WebSocket devices and dashboards.
type Adapter struct {
	cfg      Config
	verifier protocol.TokenVerifier
	router   *subscription.Router
	hub      *hub
	log      logrus.FieldLogger

	mu       sync.RWMutex
	ctx      context.Context
	events   protocol.Events
	server   *http.Server
	listener net.Listener
}

func NewAdapter(cfg Config, verifier protocol.TokenVerifier, router *subscription.Router, log logrus.FieldLogger) *Adapter {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.AuthGrace <= 0 {
		cfg.AuthGrace = DefaultAuthGrace
	}
	return &Adapter{
		cfg:      cfg,
		verifier: verifier,
		router:   router,
		hub:      newHub(),
		log:      log.WithField("component", "websocket"),
	}
}

func (a *Adapter) Protocol() data.Protocol { return data.ProtocolWebSocket }
func (a *Adapter) DefaultPort() int        { return DefaultPort }
func (a *Adapter) SupportsPush() bool      { return true }

// Start binds the listener and serves upgrades in the background.
func (a *Adapter) Start(ctx context.Context, events protocol.Events) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port))
	if err != nil {
		return &protocol.AdapterError{Protocol: data.ProtocolWebSocket, Op: "listen", Err: err}
	}
	a.ctx = context.WithoutCancel(ctx)
	a.events = events
	a.listener = ln
	a.server = &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			events.Error(a, &protocol.AdapterError{Protocol: data.ProtocolWebSocket, Op: "serve", Err: err})
		}
	}(a.server)

	a.log.Infof("WebSocket adapter listening on %s%s", ln.Addr(), a.cfg.Path)
	return nil
}

// Stop closes every client with 1001 and shuts the listener down.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	a.server = nil
	a.listener = nil
	a.mu.Unlock()
	if srv == nil {
		return nil
	}

	for _, c := range a.hub.snapshot() {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	if err := srv.Shutdown(ctx); err != nil {
		return &protocol.AdapterError{Protocol: data.ProtocolWebSocket, Op: "shutdown", Err: err}
	}
	return nil
}

// Addr is the bound listener address, or "" when stopped.
func (a *Adapter) Addr() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Clients is the number of open connections.
func (a *Adapter) Clients() int { return a.hub.count() }

func (a *Adapter) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(a.cfg.Path, a.serveWS)
	return r
}

// SendToDevice queues a command envelope on the device's connection.
func (a *Adapter) SendToDevice(_ context.Context, deviceID string, payload map[string]interface{}) error {
	c, ok := a.hub.device(deviceID)
	if !ok {
		return protocol.ErrNotConnected
	}
	err := c.emit(EventCommand, protocol.CommandEnvelope{
		Command:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, subscription.ErrClosed):
		return protocol.ErrNotConnected
	default:
		return &protocol.AdapterError{Protocol: data.ProtocolWebSocket, Op: "send", Err: err}
	}
}

func (a *Adapter) sink() (context.Context, protocol.Events) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ctx, a.events
}

type credential struct {
	token       string
	bearer      bool
	header      bool
	subprotocol string
}

// credentialFrom looks for a token in the query string, then the
// Authorization header, then the offered subprotocols.
func credentialFrom(r *http.Request) credential {
	if t := r.URL.Query().Get("token"); t != "" {
		tok, bearer := auth.SplitScheme(t)
		return credential{token: tok, bearer: bearer}
	}
	if h := r.Header.Get("Authorization"); h != "" {
		tok, bearer := auth.SplitScheme(h)
		return credential{token: tok, bearer: bearer, header: true}
	}
	if protos := websocket.Subprotocols(r); len(protos) > 0 && protos[0] != "" {
		return credential{token: protos[0], subprotocol: protos[0]}
	}
	return credential{}
}

// initialKind guesses the client kind before a token has been verified. An
// unprefixed token whose claims name a device marks a device even when it turns
// out to be expired or forged, so the failure closes the connection.
func initialKind(cred credential, r *http.Request) Kind {
	switch {
	case cred.bearer:
		return KindDashboard
	case cred.header && cred.token != "":
		return KindDevice
	case strings.EqualFold(r.URL.Query().Get("client_type"), "device"):
		return KindDevice
	case cred.token != "" && claimsDevice(cred.token):
		return KindDevice
	default:
		return KindDashboard
	}
}

func claimsDevice(token string) bool {
	id, ok := auth.PeekIdentity(token)
	return ok && id.IsDevice()
}

func (a *Adapter) serveWS(w http.ResponseWriter, r *http.Request) {
	if _, events := a.sink(); events == nil {
		http.Error(w, "adapter not started", http.StatusServiceUnavailable)
		return
	}

	cred := credentialFrom(r)
	var hdr http.Header
	if cred.subprotocol != "" {
		hdr = http.Header{}
		hdr.Set("Sec-WebSocket-Protocol", cred.subprotocol)
	}
	conn, err := upgrader.Upgrade(w, r, hdr)
	if err != nil {
		a.log.Warnf("WebSocket upgrade error: %v", err)
		return
	}

	c := newClient(uuid.NewString(), conn, initialKind(cred, r))
	a.hub.register(c)
	go func() {
		if err := c.writePump(); err != nil {
			a.log.Debugf("WebSocket write pump for %s ended: %v", c.remote, err)
		}
	}()
	a.log.Debugf("WebSocket connection established: %s (%s)", c.remote, c.Kind())

	if cred.token != "" {
		a.authenticate(c, cred.token, cred.bearer)
	} else {
		c.grace = time.AfterFunc(a.cfg.AuthGrace, func() { a.graceExpired(c) })
	}

	if err := c.readPump(a.handleFrame); err != nil {
		a.log.Warnf("WebSocket read error from %s: %v", c.remote, err)
	}
	a.unregister(c)
}

// authenticate binds c to the identity in token. Devices join their rooms and
// are reported connected; a device that fails is closed with 1008.
func (a *Adapter) authenticate(c *Client, token string, bearer bool) bool {
	id, err := a.verifier.Verify(token)
	if err != nil {
		a.log.Warnf("WebSocket auth failed for %s %s: %v", c.Kind(), c.remote, err)
		c.emit(EventAuthError, errorBody{Message: err.Error()})
		if c.Kind() == KindDevice || (!bearer && claimsDevice(token)) {
			c.closeWith(websocket.ClosePolicyViolation, "authentication failed")
		}
		return false
	}

	kind := KindDashboard
	if !bearer && id.IsDevice() {
		kind = KindDevice
	}
	c.bind(id, kind)
	if c.grace != nil {
		c.grace.Stop()
	}

	if kind == KindDevice {
		if prev := a.hub.bindDevice(id.DeviceID, c); prev != nil {
			a.log.Infof("Device %s reconnected over WebSocket, superseding %s", id.DeviceID, prev.remote)
		}
		a.router.AddToRoom(subscription.DeviceTopic(id.DeviceID), c)
		a.router.AddToRoom(subscription.ModelTopic(id.ModelID), c)
		_, events := a.sink()
		events.Connected(a, protocol.ConnectInfo{Identity: id, RemoteAddress: c.remote})
	}

	c.emit(EventAuthSuccess, authSuccess{
		UserID:   id.UserID,
		DeviceID: id.DeviceID,
		ModelID:  id.ModelID,
		Role:     id.Role,
		Kind:     kind.String(),
	})
	return true
}

func (a *Adapter) graceExpired(c *Client) {
	if c.authenticated() {
		return
	}
	if c.Kind() == KindDevice {
		a.log.Infof("Closing unauthenticated device %s after %s", c.remote, a.cfg.AuthGrace)
		c.closeWith(websocket.ClosePolicyViolation, "authentication required")
		return
	}
	c.emit(EventAuthRequired, errorBody{Message: "authentication required"})
}

// unregister runs when the read loop ends. Rooms and the registry are
// updated before it returns.
func (a *Adapter) unregister(c *Client) {
	if c.grace != nil {
		c.grace.Stop()
	}

	var deviceID string
	if c.authenticated() && c.Kind() == KindDevice {
		deviceID = c.Identity().DeviceID
	}
	owned := a.hub.unregister(c, deviceID)
	a.router.RemoveAll(c)
	c.shutdown()

	if owned {
		_, events := a.sink()
		events.Disconnected(a, deviceID)
	}
	a.log.Debugf("WebSocket connection closed: %s", c.remote)
}
