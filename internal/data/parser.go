// internal/data/parser.go
package data

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyPayload is returned when a payload decodes to no usable object.
var ErrEmptyPayload = errors.New("empty payload")

// reservedKeys are stripped from the field set; they carry identity or envelope data.
var reservedKeys = map[string]struct{}{
	"token":     {},
	"timestamp": {},
	"device_id": {},
	"model_id":  {},
	"user_id":   {},
	"protocol":  {},
	"topic":     {},
}

// Payload is the result of parsing one inbound telemetry message.
type Payload struct {
	Token     string
	Timestamp time.Time // zero when the device did not send one
	Fields    map[string]interface{}
}

// Parse decodes a raw JSON telemetry payload.
func Parse(raw []byte) (*Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}

	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode telemetry payload: %w", err)
	}
	return FromMap(generic)
}

// FromMap builds a Payload from an already-decoded object.
// A nested "data" or "fields" object is flattened into the field set.
func FromMap(generic map[string]interface{}) (*Payload, error) {
	if len(generic) == 0 {
		return nil, ErrEmptyPayload
	}

	p := &Payload{Fields: make(map[string]interface{}, len(generic))}
	if tok, ok := generic["token"].(string); ok {
		p.Token = tok
	}
	p.Timestamp = parseTimestamp(generic["timestamp"])

	for k, v := range generic {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		if k == "data" || k == "fields" {
			if nested, ok := v.(map[string]interface{}); ok {
				for nk, nv := range nested {
					if _, reserved := reservedKeys[nk]; !reserved {
						p.Fields[nk] = nv
					}
				}
				if tok, ok := nested["token"].(string); ok && p.Token == "" {
					p.Token = tok
				}
				continue
			}
		}
		p.Fields[k] = v
	}

	if len(p.Fields) == 0 {
		return nil, ErrEmptyPayload
	}
	return p, nil
}

// parseTimestamp accepts RFC3339 strings and unix seconds or milliseconds.
func parseTimestamp(v interface{}) time.Time {
	switch ts := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, ts); err == nil {
				return t
			}
		}
	case float64:
		if ts > 1e12 {
			return time.UnixMilli(int64(ts))
		}
		if ts > 0 {
			return time.Unix(int64(ts), 0)
		}
	}
	return time.Time{}
}
