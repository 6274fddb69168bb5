// Package protocol defines the transport adapter contract and the manager that
// turns adapter events into registry updates, alerts and dashboard pushes.
package protocol

import (
	"context"

	"openiotzen-gateway/internal/data"
)

// Adapter binds one wire protocol to the gateway.
// Start and Stop are idempotent.
type Adapter interface {
	Protocol() data.Protocol
	DefaultPort() int
	Start(ctx context.Context, events Events) error
	Stop(ctx context.Context) error
	// SendToDevice delivers an out-of-band command. It returns ErrNotConnected
	// when the adapter has no live channel to the device.
	SendToDevice(ctx context.Context, deviceID string, payload map[string]interface{}) error
	SupportsPush() bool
}

// CommandQueuer is implemented by pull-only adapters whose devices poll for commands.
type CommandQueuer interface {
	QueueCommand(deviceID string, payload map[string]interface{}) error
}

// ConnectInfo accompanies a connected event.
type ConnectInfo struct {
	Identity      data.Identity
	RemoteAddress string
}

// Inbound is one telemetry message as an adapter received it.
type Inbound struct {
	// Identity is the identity the adapter bound to the connection, possibly partial.
	Identity data.Identity
	// Token is set when the message carried its own credential; it takes precedence.
	Token         string
	Payload       *data.Payload
	RemoteAddress string
}

// Events receives adapter notifications. Calls are synchronous and made from the
// goroutine that read the message, so per-connection order is preserved.
type Events interface {
	Connected(a Adapter, info ConnectInfo)
	Disconnected(a Adapter, deviceID string)
	Data(ctx context.Context, a Adapter, in Inbound) (*data.TelemetryRecord, error)
	StatusReport(a Adapter, id data.Identity, status map[string]interface{})
	Error(a Adapter, err error)
}

// CommandEnvelope is the body every adapter wraps outbound commands in.
type CommandEnvelope struct {
	Command   map[string]interface{} `json:"command"`
	Timestamp string                 `json:"timestamp"`
}
