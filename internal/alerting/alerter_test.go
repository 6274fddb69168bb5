package alerting

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"openiotzen-gateway/internal/data"
)

type emitCall struct {
	topics []string
	event  string
}

type fakeEmitter struct{ calls []emitCall }

func (f *fakeEmitter) EmitToRooms(topics []string, event string, _ interface{}) int {
	f.calls = append(f.calls, emitCall{topics: topics, event: event})
	return 1
}

func TestProcessAlerts(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	em := &fakeEmitter{}
	a := NewAlerter(em, log)

	assert.Zero(t, a.ProcessAlerts(nil))

	n := a.ProcessAlerts([]data.Alert{
		{AlertID: "1", DeviceID: "7", ModelID: "3"},
		{AlertID: "2", DeviceID: "8", ModelID: "3"},
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, []emitCall{
		{topics: []string{"device:7", "model:3"}, event: "new_alert"},
		{topics: []string{"device:8", "model:3"}, event: "new_alert"},
	}, em.calls)
}
