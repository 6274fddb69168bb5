package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openiotzen-gateway/internal/data"
	"openiotzen-gateway/internal/filter"
)

func TestMemoryStoreRingBuffer(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveTelemetry(ctx, &data.TelemetryRecord{DeviceID: fmt.Sprint(i)}))
	}

	all := s.RecentTelemetry(0)
	require.Len(t, all, 3)
	assert.Equal(t, "2", all[0].DeviceID)
	assert.Equal(t, "4", all[2].DeviceID)

	last := s.RecentTelemetry(1)
	require.Len(t, last, 1)
	assert.Equal(t, "4", last[0].DeviceID)
}

func TestMemoryStoreAlertsAreCopied(t *testing.T) {
	s := NewMemoryStore(0)
	a := &data.Alert{AlertID: "a1", Description: "x"}
	require.NoError(t, s.SaveAlert(context.Background(), a))
	a.Description = "mutated"

	got := s.RecentAlerts(10)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Description)
}

type failSink struct{ err error }

func (f failSink) SaveTelemetry(context.Context, *data.TelemetryRecord) error { return f.err }
func (f failSink) SaveAlert(context.Context, *data.Alert) error               { return f.err }

func TestMultiWritesEverySink(t *testing.T) {
	mem := NewMemoryStore(10)
	boom := errors.New("boom")
	m := Multi{failSink{err: boom}, mem}

	err := m.SaveTelemetry(context.Background(), &data.TelemetryRecord{DeviceID: "7"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, mem.RecentTelemetry(0), 1, "later sinks still run")

	assert.NoError(t, Multi{mem}.SaveAlert(context.Background(), &data.Alert{AlertID: "a"}))
}

type execCall struct {
	sql  string
	args []any
}

type fakePG struct {
	execs   []execCall
	execErr error
	rows    *fakeRows
}

func (f *fakePG) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakePG) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return f.rows, nil
}

type fakeRows struct {
	data [][]any
	pos  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.data[r.pos-1], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.pos-1]
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case **string:
			if row[i] == nil {
				*p = nil
			} else {
				s := row[i].(string)
				*p = &s
			}
		case *[]byte:
			*p = []byte(row[i].(string))
		default:
			return fmt.Errorf("unexpected dest %T", d)
		}
	}
	return nil
}

func TestPostgresSaveTelemetry(t *testing.T) {
	pg := &fakePG{}
	s := &PostgresStore{db: pg}
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	err := s.SaveTelemetry(context.Background(), &data.TelemetryRecord{
		DeviceID: "7", ModelID: "3", UserID: "1", Protocol: data.ProtocolCoAP, Timestamp: ts,
		Fields: map[string]interface{}{"temperature": 42.0},
	})
	require.NoError(t, err)
	require.Len(t, pg.execs, 1)
	assert.Equal(t, insertTelemetry, pg.execs[0].sql)
	assert.Equal(t, []any{"7", "3", "1", "CoAP", ts, []byte(`{"temperature":42}`)}, pg.execs[0].args)
}

func TestPostgresSaveAlertWrapsError(t *testing.T) {
	pg := &fakePG{execErr: errors.New("conn reset")}
	s := &PostgresStore{db: pg}

	err := s.SaveAlert(context.Background(), &data.Alert{AlertID: "a", DeviceID: "7"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device 7")
	assert.Equal(t, insertAlert, pg.execs[0].sql)
}

func TestPostgresFilters(t *testing.T) {
	pg := &fakePG{rows: &fakeRows{data: [][]any{
		{"f1", "3", "7", "temperature", "numeric", `[{"operator":">","threshold":40}]`},
		{"f2", "3", nil, "door", "boolean", `[{"operator":"=","threshold":true}]`},
	}}}
	s := &PostgresStore{db: pg}

	filters, err := s.Filters(context.Background(), "3", "7")
	require.NoError(t, err)
	require.Len(t, filters, 2)
	assert.Equal(t, "7", filters[0].DeviceID)
	assert.Equal(t, data.FilterNumeric, filters[0].FilterType)
	assert.Equal(t, []data.Condition{{Operator: ">", Threshold: float64(40)}}, filters[0].Conditions)
	assert.Empty(t, filters[1].DeviceID)
	assert.Equal(t, true, filters[1].Conditions[0].Threshold)
}

func TestPostgresFiltersAreValidatedOnLoad(t *testing.T) {
	pg := &fakePG{rows: &fakeRows{data: [][]any{
		{"ok", "3", "7", "temperature", "numeric", `[{"operator":">","threshold":40}]`},
		{"bad-op", "3", "7", "temperature", "numeric", `[{"operator":"contains","threshold":40}]`},
		{"bad-type", "3", nil, "seen_at", "date", `[{"operator":">","threshold":"2025-01-01"}]`},
	}}}
	logger, hook := logtest.NewNullLogger()
	store := filter.Checked(&PostgresStore{db: pg}, logger)

	filters, err := store.Filters(context.Background(), "3", "7")
	require.NoError(t, err)
	require.Len(t, filters, 1)
	assert.Equal(t, "ok", filters[0].FilterID)

	var warned []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = append(warned, e.Message)
		}
	}
	require.Len(t, warned, 2)
	assert.Contains(t, warned[0], "bad-op")
	assert.Contains(t, warned[1], "bad-type")
}

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "device:last:7", latestKey("7"))
	assert.Equal(t, "device:alerts:7", alertsKey("7"))
}
