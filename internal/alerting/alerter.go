// internal/alerting/alerter.go
package alerting

import (
	"github.com/sirupsen/logrus"

	"openiotzen-gateway/internal/data"
	"openiotzen-gateway/internal/subscription"
)

const EventNewAlert = "new_alert"

// Emitter is the part of the subscription router the alerter needs.
type Emitter interface {
	EmitToRooms(topics []string, event string, payload interface{}) int
}

type Alerter struct {
	rooms Emitter
	log   logrus.FieldLogger
}

func NewAlerter(rooms Emitter, log logrus.FieldLogger) *Alerter {
	return &Alerter{rooms: rooms, log: log.WithField("component", "alerting")}
}

// ProcessAlerts pushes each alert to the subscribers of its device and model rooms.
func (a *Alerter) ProcessAlerts(alerts []data.Alert) int {
	if len(alerts) == 0 {
		return 0
	}

	a.log.Debugf("Processing %d alerts", len(alerts))
	delivered := 0
	for _, alert := range alerts {
		topics := []string{subscription.DeviceTopic(alert.DeviceID), subscription.ModelTopic(alert.ModelID)}
		delivered += a.rooms.EmitToRooms(topics, EventNewAlert, alert)
	}
	return delivered
}
