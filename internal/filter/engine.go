// Package filter evaluates telemetry against user-defined filters and produces alerts.
package filter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"openiotzen-gateway/internal/data"
)

// AlertSink persists alerts produced by the engine.
type AlertSink interface {
	SaveAlert(ctx context.Context, alert *data.Alert) error
}

type Engine struct {
	store  Store
	alerts AlertSink
	log    logrus.FieldLogger
	now    func() time.Time
	newID  func() string
}

// NewEngine builds an engine. alerts may be nil when alerts need no persistence.
func NewEngine(store Store, alerts AlertSink, log logrus.FieldLogger) *Engine {
	return &Engine{
		store:  store,
		alerts: alerts,
		log:    log.WithField("component", "filter"),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// CheckFilter evaluates rec against every filter scoped to its model and device.
// A filter fires when every evaluated condition holds; conditions whose value is
// missing or not comparable are skipped. A filter with no evaluated condition does not fire.
func (e *Engine) CheckFilter(ctx context.Context, rec *data.TelemetryRecord) ([]data.Alert, error) {
	filters, err := e.store.Filters(ctx, rec.ModelID, rec.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("load filters for model %s device %s: %w", rec.ModelID, rec.DeviceID, err)
	}

	var alerts []data.Alert
	for _, f := range filters {
		clauses, fired := e.evaluateFilter(f, rec)
		if !fired {
			continue
		}

		alert := data.Alert{
			AlertID:     e.newID(),
			FilterID:    f.FilterID,
			DeviceID:    rec.DeviceID,
			ModelID:     rec.ModelID,
			Description: strings.Join(clauses, " y "),
			CreatedAt:   e.now(),
		}
		if e.alerts != nil {
			if err := e.alerts.SaveAlert(ctx, &alert); err != nil {
				e.log.Errorf("Failed to persist alert for filter %s: %v", f.FilterID, err)
			}
		}
		e.log.Infof("ALERT device=%s filter=%s: %s", rec.DeviceID, f.FilterID, alert.Description)
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

func (e *Engine) evaluateFilter(f data.Filter, rec *data.TelemetryRecord) ([]string, bool) {
	value, present := rec.Fields[f.Field]
	if !present {
		return nil, false
	}

	var clauses []string
	for _, c := range f.Conditions {
		switch evaluate(f.FilterType, c, value) {
		case failed:
			return nil, false
		case satisfied:
			clauses = append(clauses, clause(f.Field, f.FilterType, c, value))
		case skipped:
			e.log.Debugf("Skipping condition %s %v on %s (value %v)", c.Operator, c.Threshold, f.Field, value)
		}
	}
	return clauses, len(clauses) > 0
}
