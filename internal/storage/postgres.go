package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"openiotzen-gateway/internal/data"
)

// pgConn is the subset of *pgxpool.Pool the store needs.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists telemetry and alerts and serves filters.
// Expected tables:
//
//	telemetry(device_id text, model_id text, user_id text, protocol text, ts timestamptz, fields jsonb)
//	alerts(alert_id uuid, filter_id text, device_id text, model_id text, description text, resolved bool, seen bool, created_at timestamptz)
//	filters(filter_id text, model_id text, device_id text null, field text, filter_type text, conditions jsonb)
type PostgresStore struct {
	db   pgConn
	pool *pgxpool.Pool
}

// NewPostgresStore connects and pings the database.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres unavailable: %w", err)
	}
	return &PostgresStore{db: pool, pool: pool}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const insertTelemetry = `INSERT INTO telemetry (device_id, model_id, user_id, protocol, ts, fields) VALUES ($1, $2, $3, $4, $5, $6)`

func (s *PostgresStore) SaveTelemetry(ctx context.Context, rec *data.TelemetryRecord) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal telemetry fields: %w", err)
	}
	if _, err := s.db.Exec(ctx, insertTelemetry,
		rec.DeviceID, rec.ModelID, rec.UserID, string(rec.Protocol), rec.Timestamp, fields); err != nil {
		return fmt.Errorf("insert telemetry for device %s: %w", rec.DeviceID, err)
	}
	return nil
}

const insertAlert = `INSERT INTO alerts (alert_id, filter_id, device_id, model_id, description, resolved, seen, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func (s *PostgresStore) SaveAlert(ctx context.Context, a *data.Alert) error {
	if _, err := s.db.Exec(ctx, insertAlert,
		a.AlertID, a.FilterID, a.DeviceID, a.ModelID, a.Description, a.Resolved, a.Seen, a.CreatedAt); err != nil {
		return fmt.Errorf("insert alert for device %s: %w", a.DeviceID, err)
	}
	return nil
}

const selectFilters = `SELECT filter_id, model_id, device_id, field, filter_type, conditions
	FROM filters
	WHERE model_id = $1 AND (device_id = $2 OR device_id IS NULL OR device_id = '')`

// Filters implements filter.Store.
func (s *PostgresStore) Filters(ctx context.Context, modelID, deviceID string) ([]data.Filter, error) {
	rows, err := s.db.Query(ctx, selectFilters, modelID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query filters: %w", err)
	}
	defer rows.Close()

	var out []data.Filter
	for rows.Next() {
		var (
			f          data.Filter
			device     *string
			filterType string
			conditions []byte
		)
		if err := rows.Scan(&f.FilterID, &f.ModelID, &device, &f.Field, &filterType, &conditions); err != nil {
			return nil, fmt.Errorf("scan filter: %w", err)
		}
		if device != nil {
			f.DeviceID = *device
		}
		f.FilterType = data.FilterType(filterType)
		if err := json.Unmarshal(conditions, &f.Conditions); err != nil {
			return nil, fmt.Errorf("filter %s conditions: %w", f.FilterID, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
