package coap

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"openiotzen-gateway/internal/auth"
	"openiotzen-gateway/internal/data"
	"openiotzen-gateway/internal/protocol"
)

const (
	pathRoot      = "openiotzen"
	wellKnownCore = ".well-known/core"
)

// Resource kinds under /openiotzen/<kind>/<user>/<model>/<device>.
const (
	KindData    = "data"
	KindCommand = "command"
	KindStatus  = "status"
	KindConfig  = "config"
)

var resourceKinds = []string{KindData, KindCommand, KindStatus, KindConfig}

type response struct {
	code   codes.Code
	format message.MediaType
	body   []byte
}

func text(code codes.Code, msg string) response {
	return response{code: code, format: message.TextPlain, body: []byte(msg)}
}

func jsonResponse(code codes.Code, v interface{}) response {
	raw, err := json.Marshal(v)
	if err != nil {
		return text(codes.InternalServerError, "encode response")
	}
	return response{code: code, format: message.AppJSON, body: raw}
}

// ParsePath splits /openiotzen/<kind>/<user>/<model>/<device>.
func ParsePath(path string) (kind string, id data.Identity, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 5 || parts[0] != pathRoot {
		return "", data.Identity{}, false
	}
	known := false
	for _, k := range resourceKinds {
		if parts[1] == k {
			known = true
		}
	}
	if !known {
		return "", data.Identity{}, false
	}
	for _, p := range parts[2:] {
		if p == "" {
			return "", data.Identity{}, false
		}
	}
	return parts[1], data.Identity{UserID: parts[2], ModelID: parts[3], DeviceID: parts[4]}, true
}

// linkFormat describes the resource templates in RFC 6690 link-format.
func linkFormat() string {
	links := make([]string, 0, len(resourceKinds))
	for _, k := range resourceKinds {
		links = append(links, `</`+pathRoot+`/`+k+`>;rt="openiotzen.`+k+`";ct=50`)
	}
	return strings.Join(links, ",")
}

// handle serves one request. It is independent of the transport so it can be
// exercised without a socket.
func (a *Adapter) handle(method codes.Code, path string, body []byte, remote string) (res response) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Errorf("Recovered from panic serving CoAP %s %s: %v", method, path, r)
			res = text(codes.InternalServerError, "internal error")
		}
	}()

	if strings.Trim(path, "/") == wellKnownCore {
		if method != codes.GET {
			return text(codes.MethodNotAllowed, "GET only")
		}
		return response{code: codes.Content, format: message.AppLinkFormat, body: []byte(linkFormat())}
	}

	kind, id, ok := ParsePath(path)
	if !ok {
		return text(codes.NotFound, "unknown resource")
	}

	switch {
	case kind == KindData && (method == codes.POST || method == codes.PUT):
		return a.ingest(id, body, remote)
	case kind == KindStatus && (method == codes.POST || method == codes.PUT):
		return a.reportStatus(id, body, remote)
	case kind == KindStatus && method == codes.GET:
		a.touch(id, remote)
		return jsonResponse(codes.Content, a.status(id.DeviceID))
	case kind == KindCommand && method == codes.GET:
		a.touch(id, remote)
		return jsonResponse(codes.Content, map[string]interface{}{"commands": a.drain(id.DeviceID)})
	case kind == KindConfig && method == codes.GET:
		a.touch(id, remote)
		return jsonResponse(codes.Content, map[string]interface{}{
			"device_id": id.DeviceID,
			"model_id":  data.NumericID(id.ModelID),
			"config":    a.cfg.DeviceConfig,
		})
	default:
		return text(codes.MethodNotAllowed, "method not allowed on "+kind)
	}
}

func (a *Adapter) ingest(id data.Identity, body []byte, remote string) response {
	p, err := data.Parse(body)
	if err != nil {
		return text(codes.BadRequest, err.Error())
	}
	a.touch(id, remote)

	ctx, events := a.sink()
	if events == nil {
		return text(codes.ServiceUnavailable, "not started")
	}
	_, err = events.Data(ctx, a, protocol.Inbound{Identity: id, Token: p.Token, Payload: p, RemoteAddress: remote})

	var ve *protocol.ValidationError
	var ae *auth.AuthError
	switch {
	case err == nil:
		return response{code: codes.Changed, format: message.TextPlain}
	case errors.As(err, &ve):
		return text(codes.BadRequest, ve.Error())
	case errors.As(err, &ae):
		return text(codes.Unauthorized, ae.Error())
	default:
		return text(codes.InternalServerError, "ingestion failed")
	}
}

func (a *Adapter) reportStatus(id data.Identity, body []byte, remote string) response {
	status := map[string]interface{}{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &status); err != nil {
			return text(codes.BadRequest, "status must be a JSON object")
		}
	}
	a.touch(id, remote)
	if _, events := a.sink(); events != nil {
		events.StatusReport(a, id, status)
	}
	return response{code: codes.Changed, format: message.TextPlain}
}

func (a *Adapter) status(deviceID string) protocol.StatusPayload {
	st := protocol.StatusPayload{DeviceID: deviceID, Status: data.StatusOffline}
	if _, events := a.sink(); events != nil {
		if lookup, ok := events.(StatusLookup); ok {
			if known, found := lookup.DeviceStatus(deviceID); found {
				st = known
			}
		}
	}
	return st
}
