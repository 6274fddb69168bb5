package websocket

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"openiotzen-gateway/internal/auth"
	"openiotzen-gateway/internal/data"
	"openiotzen-gateway/internal/protocol"
	"openiotzen-gateway/internal/subscription"
)

// Inbound events.
const (
	EventAuth                    = "auth"
	EventSubscribe               = "subscribe"
	EventSubscribeToDeviceStatus = "subscribe_to_device_status"
	EventUnsubscribe             = "unsubscribe"
	EventData                    = "data"
	EventRequestDeviceStatus     = "request_device_status"
)

// Outbound events.
const (
	EventAuthSuccess                       = "auth_success"
	EventAuthError                         = "auth_error"
	EventAuthRequired                      = "auth_required"
	EventDeviceStatusSubscriptionConfirmed = "device_status_subscription_confirmed"
	EventUnsubscribeConfirmed              = "unsubscribe_confirmed"
	EventDeviceStatusInitial               = "device_status_initial"
	EventCommand                           = "command"
	EventError                             = "error"
)

type errorBody struct {
	Message string `json:"message"`
}

type authSuccess struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId,omitempty"`
	ModelID  string `json:"modelId,omitempty"`
	Role     string `json:"role,omitempty"`
	Kind     string `json:"clientType"`
}

type authRequest struct {
	Token string `json:"token"`
}

// handleFrame dispatches one inbound {event, data} frame.
func (a *Adapter) handleFrame(c *Client, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			_, events := a.sink()
			events.Error(a, &protocol.AdapterError{Protocol: data.ProtocolWebSocket, Op: "handle", Err: fmt.Errorf("panic: %v", r)})
			c.emit(EventError, errorBody{Message: "internal error"})
		}
	}()

	var env subscription.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		c.emit(EventError, errorBody{Message: "expected an {event, data} object"})
		return
	}

	switch env.Event {
	case EventAuth:
		a.handleAuth(c, env.Data)
	case EventData:
		a.handleData(c, env.Data)
	case EventSubscribe, EventSubscribeToDeviceStatus, EventUnsubscribe, EventRequestDeviceStatus:
		if !c.authenticated() {
			c.emit(EventAuthRequired, errorBody{Message: "authenticate before " + env.Event})
			return
		}
		var req subscription.Request
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &req); err != nil {
				a.rejectRequest(c, env.Event, fmt.Sprintf("invalid %s body: %v", env.Event, err))
				return
			}
		}
		a.handleSubscription(c, env.Event, req)
	default:
		c.emit(EventError, errorBody{Message: "unknown event " + env.Event})
	}
}

func (a *Adapter) handleAuth(c *Client, body json.RawMessage) {
	if c.authenticated() {
		c.emit(EventError, errorBody{Message: "already authenticated"})
		return
	}
	var req authRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Token == "" {
		c.emit(EventAuthError, errorBody{Message: "token is required"})
		if c.Kind() == KindDevice {
			c.closeWith(websocket.ClosePolicyViolation, "authentication failed")
		}
		return
	}
	tok, bearer := auth.SplitScheme(req.Token)
	a.authenticate(c, tok, bearer)
}

func (a *Adapter) handleData(c *Client, body json.RawMessage) {
	var generic map[string]interface{}
	if err := json.Unmarshal(body, &generic); err != nil {
		c.emit(EventError, errorBody{Message: "data must be a JSON object"})
		return
	}
	p, err := data.FromMap(generic)
	if err != nil {
		c.emit(EventError, errorBody{Message: err.Error()})
		return
	}
	if !c.authenticated() && p.Token == "" {
		c.emit(EventAuthRequired, errorBody{Message: "authenticate before sending data"})
		return
	}

	ctx, events := a.sink()
	rec, err := events.Data(ctx, a, protocol.Inbound{
		Identity:      c.Identity(),
		Token:         p.Token,
		Payload:       p,
		RemoteAddress: c.remote,
	})
	if err != nil {
		c.emit(EventError, errorBody{Message: err.Error()})
		return
	}
	a.log.Debugf("Telemetry from device %s accepted at %s", rec.DeviceID, rec.Timestamp)
}

func (a *Adapter) handleSubscription(c *Client, event string, req subscription.Request) {
	switch event {
	case EventSubscribe:
		conf := a.router.Subscribe(c, req, subscription.ConfirmationEvent(req))
		c.emit(conf.Event, conf)

	case EventSubscribeToDeviceStatus:
		if req.DeviceID == "" {
			c.emit(EventDeviceStatusSubscriptionConfirmed, subscription.Confirmation{Message: "deviceId is required"})
			return
		}
		a.router.AddToRoom(subscription.DeviceTopic(req.DeviceID), c)
		c.emit(EventDeviceStatusSubscriptionConfirmed, subscription.Confirmation{Success: true, DeviceID: req.DeviceID})
		a.sendStatus(c, req.DeviceID, EventDeviceStatusInitial)

	case EventUnsubscribe:
		if req.DeviceID != "" {
			a.router.RemoveFromRoom(subscription.DeviceTopic(req.DeviceID), c)
		}
		if req.ModelID != "" {
			a.router.RemoveFromRoom(subscription.ModelTopic(req.ModelID), c)
		}
		c.emit(EventUnsubscribeConfirmed, subscription.Confirmation{
			Success:  req.DeviceID != "" || req.ModelID != "",
			DeviceID: req.DeviceID,
			ModelID:  req.ModelID,
		})

	case EventRequestDeviceStatus:
		if req.DeviceID == "" {
			c.emit(EventError, errorBody{Message: "deviceId is required"})
			return
		}
		a.sendStatus(c, req.DeviceID, protocol.EventDeviceStatusUpdate)
	}
}

// rejectRequest answers an undecodable request with the reply its event expects.
func (a *Adapter) rejectRequest(c *Client, event, msg string) {
	switch event {
	case EventSubscribe:
		conf := subscription.Confirmation{Event: subscription.ConfirmationEvent(subscription.Request{}), Message: msg}
		c.emit(conf.Event, conf)
	case EventSubscribeToDeviceStatus:
		c.emit(EventDeviceStatusSubscriptionConfirmed, subscription.Confirmation{Message: msg})
	case EventUnsubscribe:
		c.emit(EventUnsubscribeConfirmed, subscription.Confirmation{Message: msg})
	default:
		c.emit(EventError, errorBody{Message: msg})
	}
}

// sendStatus answers with the registry view of deviceID. Unknown devices are reported offline.
func (a *Adapter) sendStatus(c *Client, deviceID, event string) {
	st := protocol.StatusPayload{DeviceID: deviceID, Status: data.StatusOffline}
	_, events := a.sink()
	if lookup, ok := events.(StatusLookup); ok {
		if known, found := lookup.DeviceStatus(deviceID); found {
			st = known
		}
	}
	c.emit(event, st)
}
