// Package coap is the CoAP transport. Devices are identified by their resource
// path and poll for commands, so the adapter cannot push.
package coap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapNet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpServer "github.com/plgd-dev/go-coap/v3/udp/server"
	"github.com/sirupsen/logrus"

	"openiotzen-gateway/internal/data"
	"openiotzen-gateway/internal/protocol"
)

const (
	DefaultPort           = 5683
	DefaultSessionTimeout = 5 * time.Minute
	mailboxSize           = 32
)

// Config configures the UDP listener and device sessions.
type Config struct {
	Host string
	Port int
	// SessionTimeout is how long a device may stay quiet before it is reported offline.
	SessionTimeout time.Duration
	// DeviceConfig is returned to devices that GET their config resource.
	DeviceConfig map[string]interface{}
}

// StatusLookup is implemented by event sinks that can answer status reads.
type StatusLookup interface {
	DeviceStatus(deviceID string) (protocol.StatusPayload, bool)
}

type deviceSession struct {
	identity data.Identity
	remote   string
	lastSeen time.Time
}

// Adapter implements protocol.Adapter and protocol.CommandQueuer for CoAP.
type Adapter struct {
	cfg Config
	log logrus.FieldLogger
	now func() time.Time

	mu       sync.Mutex
	ctx      context.Context
	events   protocol.Events
	server   *udpServer.Server
	conn     *coapNet.UDPConn
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sessions map[string]*deviceSession
	mailbox  map[string][]protocol.CommandEnvelope
}

func NewAdapter(cfg Config, log logrus.FieldLogger) *Adapter {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	return &Adapter{
		cfg:      cfg,
		log:      log.WithField("component", "coap"),
		now:      time.Now,
		sessions: make(map[string]*deviceSession),
		mailbox:  make(map[string][]protocol.CommandEnvelope),
	}
}

func (a *Adapter) Protocol() data.Protocol { return data.ProtocolCoAP }
func (a *Adapter) DefaultPort() int        { return DefaultPort }
func (a *Adapter) SupportsPush() bool      { return false }

// Start binds the UDP socket, serves requests and runs the session janitor.
func (a *Adapter) Start(ctx context.Context, events protocol.Events) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return nil
	}

	conn, err := coapNet.NewListenUDP("udp", fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port))
	if err != nil {
		return &protocol.AdapterError{Protocol: data.ProtocolCoAP, Op: "listen", Err: err}
	}

	router := mux.NewRouter()
	router.DefaultHandle(mux.HandlerFunc(a.serveCoAP))
	server := udp.NewServer(options.WithMux(router))

	a.ctx = context.WithoutCancel(ctx)
	a.events = events
	a.server = server
	a.conn = conn

	janitorCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := server.Serve(conn); err != nil && !errors.Is(err, context.Canceled) {
			events.Error(a, &protocol.AdapterError{Protocol: data.ProtocolCoAP, Op: "serve", Err: err})
		}
	}()
	go func() {
		defer a.wg.Done()
		a.janitor(janitorCtx)
	}()

	a.log.Infof("CoAP adapter listening on udp %s", conn.LocalAddr())
	return nil
}

// Stop shuts the server down. Sessions are kept so a restart does not
// report every device as newly connected.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	server, conn, cancel := a.server, a.conn, a.cancel
	a.server, a.conn, a.cancel = nil, nil, nil
	a.mu.Unlock()
	if server == nil {
		return nil
	}

	cancel()
	server.Stop()
	conn.Close()
	a.wg.Wait()
	return nil
}

// Addr is the bound UDP address, or "" when stopped.
func (a *Adapter) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return ""
	}
	return a.conn.LocalAddr().String()
}

// SendToDevice always fails: CoAP devices fetch commands from their mailbox.
func (a *Adapter) SendToDevice(_ context.Context, deviceID string, _ map[string]interface{}) error {
	return &protocol.RoutingError{
		DeviceID: deviceID,
		Protocol: data.ProtocolCoAP,
		Reason:   "CoAP devices poll for commands; queue the command instead",
	}
}

// QueueCommand leaves a command for the device's next GET on its command
// resource. The oldest command is dropped once the mailbox is full.
func (a *Adapter) QueueCommand(deviceID string, payload map[string]interface{}) error {
	if deviceID == "" {
		return errors.New("device id is required")
	}
	env := protocol.CommandEnvelope{Command: payload, Timestamp: a.now().UTC().Format(time.RFC3339Nano)}

	a.mu.Lock()
	defer a.mu.Unlock()
	box := append(a.mailbox[deviceID], env)
	if len(box) > mailboxSize {
		a.log.Warnf("Command mailbox for device %s is full, dropping oldest", deviceID)
		box = box[len(box)-mailboxSize:]
	}
	a.mailbox[deviceID] = box
	return nil
}

// Pending is the number of commands waiting for deviceID.
func (a *Adapter) Pending(deviceID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.mailbox[deviceID])
}

func (a *Adapter) drain(deviceID string) []protocol.CommandEnvelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	box := a.mailbox[deviceID]
	delete(a.mailbox, deviceID)
	if box == nil {
		box = []protocol.CommandEnvelope{}
	}
	return box
}

func (a *Adapter) sink() (context.Context, protocol.Events) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx, a.events
}

// touch records activity for id. A connect is reported the first time the device
// is seen, and again whenever the gateway no longer shows it online over CoAP,
// which happens after another transport took the device over.
func (a *Adapter) touch(id data.Identity, remote string) {
	a.mu.Lock()
	s, known := a.sessions[id.DeviceID]
	if !known {
		s = &deviceSession{identity: id}
		a.sessions[id.DeviceID] = s
	}
	s.lastSeen = a.now()
	s.remote = remote
	events := a.events
	a.mu.Unlock()

	if events == nil {
		return
	}
	if known && ownedByCoAP(events, id.DeviceID) {
		return
	}
	events.Connected(a, protocol.ConnectInfo{Identity: id, RemoteAddress: remote})
}

// ownedByCoAP reports whether events shows deviceID online over CoAP. Sinks that
// cannot answer are trusted to still hold the session.
func ownedByCoAP(events protocol.Events, deviceID string) bool {
	lookup, ok := events.(StatusLookup)
	if !ok {
		return true
	}
	st, found := lookup.DeviceStatus(deviceID)
	return found && st.Status == data.StatusOnline && st.Protocol == data.ProtocolCoAP
}

func (a *Adapter) janitor(ctx context.Context) {
	interval := a.cfg.SessionTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.expireSessions()
		}
	}
}

// expireSessions reports devices quiet for longer than the session timeout as disconnected.
func (a *Adapter) expireSessions() {
	cutoff := a.now().Add(-a.cfg.SessionTimeout)

	a.mu.Lock()
	var expired []string
	for id, s := range a.sessions {
		if s.lastSeen.Before(cutoff) {
			expired = append(expired, id)
			delete(a.sessions, id)
		}
	}
	events := a.events
	a.mu.Unlock()

	for _, id := range expired {
		a.log.Infof("CoAP device %s idle for over %s, marking offline", id, a.cfg.SessionTimeout)
		if events != nil {
			events.Disconnected(a, id)
		}
	}
}

// serveCoAP adapts a go-coap request to handle.
func (a *Adapter) serveCoAP(w mux.ResponseWriter, r *mux.Message) {
	path, err := r.Path()
	if err != nil {
		path = ""
	}
	var body []byte
	if r.Body() != nil {
		if body, err = r.ReadBody(); err != nil {
			a.reply(w, response{code: codes.BadRequest, format: message.TextPlain, body: []byte("unreadable payload")})
			return
		}
	}
	remote := ""
	if addr := w.Conn().RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	a.reply(w, a.handle(r.Code(), path, body, remote))
}

func (a *Adapter) reply(w mux.ResponseWriter, res response) {
	if err := w.SetResponse(res.code, res.format, bytes.NewReader(res.body)); err != nil {
		a.log.Warnf("Cannot set CoAP response: %v", err)
	}
}
