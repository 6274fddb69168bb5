// Package registry tracks which device is online, via which protocol, since when.
package registry

import (
	"sort"
	"sync"
	"time"

	"openiotzen-gateway/internal/data"
)

// Filter narrows GetConnections. Empty fields match everything.
type Filter struct {
	Status  data.ConnectionStatus
	UserID  string
	ModelID string
}

// Registry is the single source of truth for device connections, keyed by device id.
// Records survive disconnects so "last seen" stays queryable.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*data.Connection
	now   func() time.Time
}

func New() *Registry {
	return &Registry{
		conns: make(map[string]*data.Connection),
		now:   time.Now,
	}
}

// RegisterConnection inserts or overwrites the entry for info.DeviceID.
// The newest registration wins regardless of protocol.
func (r *Registry) RegisterConnection(info data.Connection) data.Connection {
	now := r.now()
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = now
	}
	info.LastActivityAt = info.ConnectedAt
	info.Status = data.StatusOnline
	info.DisconnectedAt = nil

	r.mu.Lock()
	r.conns[info.DeviceID] = &info
	r.mu.Unlock()
	return info
}

// RegisterDisconnection marks the device offline without deleting its record.
// It returns false if the device was never registered.
func (r *Registry) RegisterDisconnection(deviceID string) (data.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[deviceID]
	if !ok {
		return data.Connection{}, false
	}
	at := r.now()
	c.Status = data.StatusOffline
	c.DisconnectedAt = &at
	return *c, true
}

// Touch records activity for an online device.
func (r *Registry) Touch(deviceID string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[deviceID]
	if !ok || c.Status != data.StatusOnline {
		return false
	}
	if at.After(c.LastActivityAt) {
		c.LastActivityAt = at
	}
	return true
}

// GetConnectionInfo returns a copy of the device's record.
func (r *Registry) GetConnectionInfo(deviceID string) (data.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[deviceID]
	if !ok {
		return data.Connection{}, false
	}
	return *c, true
}

// GetConnections returns copies of every record matching f, ordered by device id.
func (r *Registry) GetConnections(f Filter) []data.Connection {
	r.mu.RLock()
	out := make([]data.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.UserID != "" && c.UserID != f.UserID {
			continue
		}
		if f.ModelID != "" && c.ModelID != f.ModelID {
			continue
		}
		out = append(out, *c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (r *Registry) GetActiveConnectionsCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.conns {
		if c.Status == data.StatusOnline {
			n++
		}
	}
	return n
}
