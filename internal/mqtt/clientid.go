package mqtt

import (
	"regexp"

	"openiotzen-gateway/internal/data"
)

var (
	// device_<device>_model_<model>_user_<user>
	longClientID = regexp.MustCompile(`^device_([^_]+)_model_([^_]+)_user_([^_]+)$`)
	// iot_<device>_<model>_<user>
	shortClientID = regexp.MustCompile(`^iot_([^_]+)_([^_]+)_([^_]+)$`)
)

// ParseClientID extracts the device identity encoded in an MQTT client id.
func ParseClientID(clientID string) (data.Identity, bool) {
	for _, re := range []*regexp.Regexp{longClientID, shortClientID} {
		if m := re.FindStringSubmatch(clientID); m != nil {
			return data.Identity{DeviceID: m[1], ModelID: m[2], UserID: m[3]}, true
		}
	}
	return data.Identity{}, false
}

// ClientID is the canonical long-form client id for id.
func ClientID(id data.Identity) string {
	return "device_" + id.DeviceID + "_model_" + id.ModelID + "_user_" + id.UserID
}
