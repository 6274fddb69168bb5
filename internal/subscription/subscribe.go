package subscription

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Request is a dashboard's ask to follow a device and/or a model.
type Request struct {
	DeviceID string `json:"deviceId,omitempty"`
	ModelID  string `json:"modelId,omitempty"`
}

// UnmarshalJSON accepts ids as JSON strings or numbers, matching the numeric
// model_id dashboards receive in telemetry.
func (r *Request) UnmarshalJSON(b []byte) error {
	var raw struct {
		DeviceID interface{} `json:"deviceId"`
		ModelID  interface{} `json:"modelId"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	var err error
	if r.DeviceID, err = idString("deviceId", raw.DeviceID); err != nil {
		return err
	}
	r.ModelID, err = idString("modelId", raw.ModelID)
	return err
}

func idString(field string, v interface{}) (string, error) {
	switch id := v.(type) {
	case nil:
		return "", nil
	case string:
		return id, nil
	case json.Number:
		return id.String(), nil
	default:
		return "", fmt.Errorf("%s must be a string or number", field)
	}
}

// Confirmation is returned for every subscribe request, successful or not.
type Confirmation struct {
	Event    string `json:"-"`
	Success  bool   `json:"success"`
	DeviceID string `json:"deviceId,omitempty"`
	ModelID  string `json:"modelId,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Subscribe joins s to the rooms named by req. It never panics; failures are
// reported in the Confirmation.
func (r *Router) Subscribe(s Subscriber, req Request, event string) (c Confirmation) {
	c = Confirmation{Event: event, DeviceID: req.DeviceID, ModelID: req.ModelID}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorf("Subscribe panicked: %v", rec)
			c.Success = false
			c.Message = fmt.Sprintf("internal error: %v", rec)
		}
	}()

	if err := validate(s, req); err != nil {
		c.Message = err.Error()
		return c
	}
	if req.DeviceID != "" {
		r.AddToRoom(DeviceTopic(req.DeviceID), s)
	}
	if req.ModelID != "" {
		r.AddToRoom(ModelTopic(req.ModelID), s)
	}
	c.Success = true
	return c
}

// ConfirmationEvent picks the *_subscription_confirmed name for a plain subscribe.
func ConfirmationEvent(req Request) string {
	if req.DeviceID == "" && req.ModelID != "" {
		return "model_subscription_confirmed"
	}
	return "device_subscription_confirmed"
}

func validate(s Subscriber, req Request) error {
	if s == nil {
		return errors.New("no subscriber")
	}
	if req.DeviceID == "" && req.ModelID == "" {
		return errors.New("deviceId or modelId is required")
	}
	return nil
}
