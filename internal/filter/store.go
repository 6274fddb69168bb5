package filter

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"openiotzen-gateway/internal/data"
)

// Store looks up the filters scoped to a model and device.
type Store interface {
	Filters(ctx context.Context, modelID, deviceID string) ([]data.Filter, error)
}

// MemoryStore keeps filters in process. A filter with an empty DeviceID applies
// to every device of its model.
type MemoryStore struct {
	mu      sync.RWMutex
	byModel map[string][]data.Filter
}

func NewMemoryStore(filters ...data.Filter) (*MemoryStore, error) {
	s := &MemoryStore{byModel: make(map[string][]data.Filter)}
	for _, f := range filters {
		if err := s.Add(f); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add validates and stores f.
func (s *MemoryStore) Add(f data.Filter) error {
	if err := Validate(f); err != nil {
		return fmt.Errorf("filter %q: %w", f.FilterID, err)
	}
	s.mu.Lock()
	s.byModel[f.ModelID] = append(s.byModel[f.ModelID], f)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Filters(_ context.Context, modelID, deviceID string) ([]data.Filter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []data.Filter
	for _, f := range s.byModel[modelID] {
		if f.DeviceID == "" || f.DeviceID == deviceID {
			out = append(out, f)
		}
	}
	return out, nil
}

// checkedStore validates filters from a backing store that accepts rows
// without going through Validate.
type checkedStore struct {
	next Store
	log  logrus.FieldLogger
}

// Checked wraps next so that invalid filters are logged and left out.
func Checked(next Store, log logrus.FieldLogger) Store {
	return &checkedStore{next: next, log: log.WithField("component", "filter")}
}

func (s *checkedStore) Filters(ctx context.Context, modelID, deviceID string) ([]data.Filter, error) {
	filters, err := s.next.Filters(ctx, modelID, deviceID)
	if err != nil {
		return nil, err
	}
	valid := make([]data.Filter, 0, len(filters))
	for _, f := range filters {
		if err := Validate(f); err != nil {
			s.log.Warnf("Ignoring filter %s for model %s: %v", f.FilterID, f.ModelID, err)
			continue
		}
		valid = append(valid, f)
	}
	return valid, nil
}
