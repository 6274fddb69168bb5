package mqtt

import (
	"bytes"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
)

// gatewayHook forwards broker lifecycle and publish callbacks to the adapter.
type gatewayHook struct {
	mochi.HookBase
	adapter *Adapter
}

func (h *gatewayHook) ID() string { return "openiotzen-gateway" }

func (h *gatewayHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnSessionEstablished,
		mochi.OnDisconnect,
		mochi.OnPublish,
	}, []byte{b})
}

func (h *gatewayHook) OnSessionEstablished(cl *mochi.Client, _ packets.Packet) {
	if cl.Net.Inline {
		return
	}
	h.adapter.clientConnected(cl, cl.ID, cl.Net.Remote)
}

func (h *gatewayHook) OnDisconnect(cl *mochi.Client, err error, _ bool) {
	if cl.Net.Inline {
		return
	}
	h.adapter.clientDisconnected(cl, cl.ID, err)
}

// OnPublish ingests gateway topics. Publishes the gateway refuses are rejected
// so they never reach other subscribers.
func (h *gatewayHook) OnPublish(cl *mochi.Client, pk packets.Packet) (packets.Packet, error) {
	if cl.Net.Inline {
		return pk, nil
	}
	if !h.adapter.published(cl, cl.ID, pk.TopicName, pk.Payload) {
		return pk, packets.ErrRejectPacket
	}
	return pk, nil
}
