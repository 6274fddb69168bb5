package mqtt

import (
	"strings"

	"openiotzen-gateway/internal/data"
)

const topicRoot = "openiotzen"

// Topic kinds. Devices publish on data and status and subscribe to command and config.
const (
	KindData    = "data"
	KindCommand = "command"
	KindStatus  = "status"
	KindConfig  = "config"
)

// DeviceTopics is the topic set provisioned for one device.
type DeviceTopics struct {
	Data    string `json:"data"`
	Command string `json:"command"`
	Status  string `json:"status"`
	Config  string `json:"config"`
}

func topic(kind string, id data.Identity) string {
	return strings.Join([]string{topicRoot, kind, id.UserID, id.ModelID, id.DeviceID}, "/")
}

// TopicsFor builds openiotzen/<kind>/<user>/<model>/<device> for every kind.
func TopicsFor(id data.Identity) DeviceTopics {
	return DeviceTopics{
		Data:    topic(KindData, id),
		Command: topic(KindCommand, id),
		Status:  topic(KindStatus, id),
		Config:  topic(KindConfig, id),
	}
}

// ParseTopic splits a gateway topic into its kind and identity.
func ParseTopic(name string) (kind string, id data.Identity, ok bool) {
	parts := strings.Split(name, "/")
	if len(parts) != 5 || parts[0] != topicRoot {
		return "", data.Identity{}, false
	}
	switch parts[1] {
	case KindData, KindCommand, KindStatus, KindConfig:
	default:
		return "", data.Identity{}, false
	}
	for _, p := range parts[2:] {
		if p == "" {
			return "", data.Identity{}, false
		}
	}
	return parts[1], data.Identity{UserID: parts[2], ModelID: parts[3], DeviceID: parts[4]}, true
}
