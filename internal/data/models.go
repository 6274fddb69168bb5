// internal/data/models.go
package data

import (
	"strconv"
	"time"
)

// Protocol names the transport a record or connection arrived on.
type Protocol string

const (
	ProtocolWebSocket Protocol = "WebSocket"
	ProtocolMQTT      Protocol = "MQTT"
	ProtocolCoAP      Protocol = "CoAP"
)

// ConnectionStatus is the lifecycle state of a device connection.
type ConnectionStatus string

const (
	StatusOnline  ConnectionStatus = "online"
	StatusOffline ConnectionStatus = "offline"
)

// Identity is what a verified credential (or a bound connection) says about its holder.
// Dashboard identities usually carry only UserID and Role.
type Identity struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
	ModelID  string `json:"model_id,omitempty"`
	Role     string `json:"role,omitempty"`
}

// IsDevice reports whether the identity is bound to a concrete device.
func (i Identity) IsDevice() bool {
	return i.DeviceID != "" && i.ModelID != ""
}

// Complete reports whether device, model and user are all known.
func (i Identity) Complete() bool {
	return i.DeviceID != "" && i.ModelID != "" && i.UserID != ""
}

// Connection is the registry's record of a device's current or last transport session.
type Connection struct {
	DeviceID       string           `json:"device_id"`
	ModelID        string           `json:"model_id"`
	UserID         string           `json:"user_id"`
	Protocol       Protocol         `json:"protocol"`
	RemoteAddress  string           `json:"remote_address,omitempty"`
	Status         ConnectionStatus `json:"status"`
	ConnectedAt    time.Time        `json:"connected_at"`
	LastActivityAt time.Time        `json:"last_activity_at"`
	DisconnectedAt *time.Time       `json:"disconnected_at,omitempty"`
}

// TelemetryRecord is one normalized unit of device-reported data.
type TelemetryRecord struct {
	DeviceID  string                 `json:"device_id"`
	ModelID   string                 `json:"model_id"`
	UserID    string                 `json:"user_id"`
	Protocol  Protocol               `json:"protocol"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields"`
}

// Normalized flattens the record into the protocol-agnostic wire shape
// {device_id, model_id, user_id, timestamp, protocol, <field>: value...}.
// Reserved keys always win over a field of the same name.
func (r *TelemetryRecord) Normalized() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Fields)+5)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["device_id"] = r.DeviceID
	out["model_id"] = NumericID(r.ModelID)
	out["user_id"] = r.UserID
	out["timestamp"] = r.Timestamp.UTC().Format(time.RFC3339Nano)
	out["protocol"] = string(r.Protocol)
	return out
}

// NumericID returns id as an int64 when it is a base-10 integer, otherwise the string itself.
func NumericID(id string) interface{} {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

// FilterType selects the operator set a filter's conditions use.
type FilterType string

const (
	FilterNumeric FilterType = "numeric"
	FilterBoolean FilterType = "boolean"
	FilterString  FilterType = "string"
)

// Condition is one {operator, threshold} pair of a filter.
type Condition struct {
	Operator  string      `json:"operator" mapstructure:"operator"`
	Threshold interface{} `json:"threshold" mapstructure:"threshold"`
}

// Filter is a user-defined rule evaluated against telemetry. All conditions must hold.
type Filter struct {
	FilterID   string      `json:"filter_id" mapstructure:"filter_id"`
	ModelID    string      `json:"model_id" mapstructure:"model_id"`
	DeviceID   string      `json:"device_id" mapstructure:"device_id"`
	Field      string      `json:"field" mapstructure:"field"`
	FilterType FilterType  `json:"filter_type" mapstructure:"filter_type"`
	Conditions []Condition `json:"conditions" mapstructure:"conditions"`
}

// Alert is the output of a fired filter.
type Alert struct {
	AlertID     string    `json:"alert_id"`
	FilterID    string    `json:"filter_id"`
	DeviceID    string    `json:"device_id"`
	ModelID     string    `json:"model_id"`
	Description string    `json:"description"`
	Resolved    bool      `json:"resolved"`
	Seen        bool      `json:"seen"`
	CreatedAt   time.Time `json:"created_at"`
}
