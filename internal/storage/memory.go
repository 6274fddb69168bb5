// internal/storage/memory.go
package storage

import (
	"context"
	"sync"

	"openiotzen-gateway/internal/data"
)

const defaultCapacity = 100 // Store last 100 records and alerts

// MemoryStore keeps the most recent telemetry and alerts for the REST surface.
type MemoryStore struct {
	mu        sync.RWMutex
	telemetry []*data.TelemetryRecord
	alerts    []*data.Alert
	capacity  int
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemoryStore{
		telemetry: make([]*data.TelemetryRecord, 0, capacity),
		alerts:    make([]*data.Alert, 0, capacity),
		capacity:  capacity,
	}
}

func (s *MemoryStore) SaveTelemetry(_ context.Context, rec *data.TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.telemetry) >= s.capacity {
		// Remove the oldest element
		s.telemetry = s.telemetry[1:]
	}
	s.telemetry = append(s.telemetry, rec)
	return nil
}

func (s *MemoryStore) SaveAlert(_ context.Context, alert *data.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.alerts) >= s.capacity {
		s.alerts = s.alerts[1:]
	}
	cp := *alert
	s.alerts = append(s.alerts, &cp)
	return nil
}

// RecentTelemetry returns up to count records, oldest first. count <= 0 returns everything.
func (s *MemoryStore) RecentTelemetry(count int) []*data.TelemetryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if count <= 0 || count > len(s.telemetry) {
		count = len(s.telemetry)
	}
	// Return a copy to avoid race conditions if the caller modifies it
	result := make([]*data.TelemetryRecord, count)
	copy(result, s.telemetry[len(s.telemetry)-count:])
	return result
}

// RecentAlerts returns up to count alerts, oldest first.
func (s *MemoryStore) RecentAlerts(count int) []*data.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if count <= 0 || count > len(s.alerts) {
		count = len(s.alerts)
	}
	result := make([]*data.Alert, count)
	copy(result, s.alerts[len(s.alerts)-count:])
	return result
}
