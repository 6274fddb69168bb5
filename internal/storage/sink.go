// Package storage persists telemetry records and alerts.
package storage

import (
	"context"
	"errors"

	"openiotzen-gateway/internal/data"
)

// Sink is the persistence collaborator of the gateway.
type Sink interface {
	SaveTelemetry(ctx context.Context, rec *data.TelemetryRecord) error
	SaveAlert(ctx context.Context, alert *data.Alert) error
}

// Multi writes to every sink and joins their errors.
type Multi []Sink

func (m Multi) SaveTelemetry(ctx context.Context, rec *data.TelemetryRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveTelemetry(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) SaveAlert(ctx context.Context, alert *data.Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveAlert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
