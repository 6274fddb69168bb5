package protocol

import (
	"errors"
	"fmt"
	"strings"

	"openiotzen-gateway/internal/data"
)

// ErrNotConnected means the adapter has no live channel to the device.
var ErrNotConnected = errors.New("device not connected")

// ValidationError reports telemetry that cannot be attributed to a device, model and user.
// Such records are dropped.
type ValidationError struct {
	Protocol data.Protocol
	Missing  []string
	Reason   string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("invalid %s telemetry: missing %s", e.Protocol, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("invalid %s telemetry: %s", e.Protocol, e.Reason)
}

// RoutingError is returned when an outbound command has nowhere to go.
type RoutingError struct {
	DeviceID string
	Protocol data.Protocol
	Reason   string
}

func (e *RoutingError) Error() string {
	if e.Protocol != "" {
		return fmt.Sprintf("cannot route to device %s over %s: %s", e.DeviceID, e.Protocol, e.Reason)
	}
	return fmt.Sprintf("cannot route to device %s: %s", e.DeviceID, e.Reason)
}

// AdapterError wraps a transport-level failure.
type AdapterError struct {
	Protocol data.Protocol
	Op       string
	Err      error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s adapter %s: %v", e.Protocol, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

func missingIdentity(id data.Identity) []string {
	var missing []string
	if id.DeviceID == "" {
		missing = append(missing, "device_id")
	}
	if id.ModelID == "" {
		missing = append(missing, "model_id")
	}
	if id.UserID == "" {
		missing = append(missing, "user_id")
	}
	return missing
}
