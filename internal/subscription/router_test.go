package subscription

import (
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	id     string
	mu     sync.Mutex
	closed bool
	full   bool
	msgs   []Envelope
}

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Deliver(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.full {
		return ErrBufferFull
	}
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return err
	}
	f.msgs = append(f.msgs, env)
	return nil
}

func (f *fakeSub) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.msgs {
		out = append(out, m.Event)
	}
	return out
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestEmitToRoomIsolation(t *testing.T) {
	r := NewRouter(quietLogger())
	a, b, c := &fakeSub{id: "a"}, &fakeSub{id: "b"}, &fakeSub{id: "c"}

	r.AddToRoom(DeviceTopic("7"), a)
	r.AddToRoom(DeviceTopic("7"), b)
	r.AddToRoom(DeviceTopic("8"), c)

	n := r.EmitToRoom(DeviceTopic("7"), "new_data", map[string]int{"temperature": 42})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"new_data"}, a.events())
	assert.Equal(t, []string{"new_data"}, b.events())
	assert.Empty(t, c.events())

	var payload map[string]int
	require.NoError(t, json.Unmarshal(a.msgs[0].Data, &payload))
	assert.Equal(t, 42, payload["temperature"])

	assert.Zero(t, r.EmitToRoom(ModelTopic("nobody"), "new_data", nil))
}

func TestEmitSkipsClosedAndFull(t *testing.T) {
	r := NewRouter(quietLogger())
	open, closed, full := &fakeSub{id: "open"}, &fakeSub{id: "closed", closed: true}, &fakeSub{id: "full", full: true}
	for _, s := range []*fakeSub{open, closed, full} {
		r.AddToRoom(ModelTopic("3"), s)
	}

	assert.Equal(t, 1, r.EmitToRoom(ModelTopic("3"), "new_alert", "x"))
	assert.Len(t, open.msgs, 1)
}

func TestRemoveAllLeavesEveryRoom(t *testing.T) {
	r := NewRouter(quietLogger())
	a, b := &fakeSub{id: "a"}, &fakeSub{id: "b"}
	r.AddToRoom(DeviceTopic("7"), a)
	r.AddToRoom(ModelTopic("3"), a)
	r.AddToRoom(ModelTopic("3"), b)

	assert.Equal(t, []string{"device:7", "model:3"}, r.Rooms(a))

	left := r.RemoveAll(a)
	assert.Equal(t, []string{"device:7", "model:3"}, left)
	assert.Empty(t, r.Rooms(a))
	assert.Zero(t, r.RoomSize(DeviceTopic("7")))
	assert.Equal(t, 1, r.RoomSize(ModelTopic("3")))

	r.EmitToRoom(ModelTopic("3"), "graph_data_update", nil)
	assert.Empty(t, a.events())
	assert.Equal(t, []string{"graph_data_update"}, b.events())
}

func TestRemoveFromRoom(t *testing.T) {
	r := NewRouter(quietLogger())
	a := &fakeSub{id: "a"}
	r.AddToRoom(DeviceTopic("1"), a)
	r.AddToRoom(DeviceTopic("2"), a)
	r.RemoveFromRoom(DeviceTopic("1"), a)
	assert.Equal(t, []string{"device:2"}, r.Rooms(a))
}

func TestSubscribe(t *testing.T) {
	r := NewRouter(quietLogger())
	a := &fakeSub{id: "a"}

	req := Request{DeviceID: "7", ModelID: "3"}
	c := r.Subscribe(a, req, ConfirmationEvent(req))
	assert.True(t, c.Success)
	assert.Equal(t, "device_subscription_confirmed", c.Event)
	assert.Equal(t, "7", c.DeviceID)
	assert.Equal(t, "3", c.ModelID)
	assert.Equal(t, []string{"device:7", "model:3"}, r.Rooms(a))

	req = Request{ModelID: "4"}
	c = r.Subscribe(a, req, ConfirmationEvent(req))
	assert.True(t, c.Success)
	assert.Equal(t, "model_subscription_confirmed", c.Event)

	c = r.Subscribe(a, Request{}, "device_subscription_confirmed")
	assert.False(t, c.Success)
	assert.NotEmpty(t, c.Message)

	c = r.Subscribe(nil, Request{DeviceID: "1"}, "device_subscription_confirmed")
	assert.False(t, c.Success)
}

func TestRequestAcceptsNumericIDs(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"deviceId":7,"modelId":"3"}`), &req))
	assert.Equal(t, Request{DeviceID: "7", ModelID: "3"}, req)

	req = Request{}
	require.NoError(t, json.Unmarshal([]byte(`{"modelId":12345678901}`), &req))
	assert.Equal(t, "12345678901", req.ModelID)
	assert.Empty(t, req.DeviceID)

	assert.Error(t, json.Unmarshal([]byte(`{"deviceId":true}`), &Request{}))
	assert.Error(t, json.Unmarshal([]byte(`"7"`), &Request{}))
}

type panicSub struct{}

func (panicSub) ID() string             { panic("boom") }
func (panicSub) Deliver(_ []byte) error { return nil }

func TestSubscribeNeverPanics(t *testing.T) {
	r := NewRouter(quietLogger())
	var c Confirmation
	assert.NotPanics(t, func() {
		c = r.Subscribe(panicSub{}, Request{DeviceID: "1"}, "device_subscription_confirmed")
	})
	assert.False(t, c.Success)
	assert.Contains(t, c.Message, "boom")
}

func TestEmitToRoomsDeduplicates(t *testing.T) {
	r := NewRouter(quietLogger())
	both, deviceOnly := &fakeSub{id: "both"}, &fakeSub{id: "device"}
	r.AddToRoom(DeviceTopic("7"), both)
	r.AddToRoom(ModelTopic("3"), both)
	r.AddToRoom(DeviceTopic("7"), deviceOnly)

	n := r.EmitToRooms([]string{DeviceTopic("7"), ModelTopic("3")}, "new_alert", "x")
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"new_alert"}, both.events())
	assert.Equal(t, []string{"new_alert"}, deviceOnly.events())
}
