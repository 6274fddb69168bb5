// internal/websocket/hub.go
package websocket

import "sync"

// hub keeps the set of open clients and which client currently speaks for each device.
type hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	devices map[string]*Client
}

func newHub() *hub {
	return &hub{
		clients: make(map[string]*Client),
		devices: make(map[string]*Client),
	}
}

func (h *hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

// bindDevice makes c the channel for deviceID and returns the client it replaced, if any.
func (h *hub) bindDevice(deviceID string, c *Client) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.devices[deviceID]
	h.devices[deviceID] = c
	if prev == c {
		return nil
	}
	return prev
}

// unregister forgets c. owned reports whether c was still the channel for its
// device, in which case the device is now disconnected.
func (h *hub) unregister(c *Client, deviceID string) (owned bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.id)
	if deviceID != "" && h.devices[deviceID] == c {
		delete(h.devices, deviceID)
		return true
	}
	return false
}

func (h *hub) device(deviceID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.devices[deviceID]
	return c, ok
}

func (h *hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
