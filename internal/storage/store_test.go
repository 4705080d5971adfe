package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"crowdgate/internal/config"
	"crowdgate/internal/model"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

func TestNewStoreDisabled(t *testing.T) {
	s, err := NewStore(config.StorageConfig{Enabled: false})
	if err != nil || s != nil {
		t.Fatalf("expected nil store, got %v %v", s, err)
	}
	if _, err := NewStore(config.StorageConfig{Enabled: true, Driver: "mysql"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestRebind(t *testing.T) {
	pg := &baseStore{d: postgresDialect}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("postgres rebind: %q", got)
	}
	lite := &baseStore{d: sqliteDialect}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite rebind: %q", got)
	}
}

func TestPostgresSaveAlert(t *testing.T) {
	db, mock := newMockDB(t)
	s := &baseStore{db: db, d: postgresDialect}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO alerts`).
		WithArgs("a-1", now, "A", "critical", "warning", "overcrowded", 210, 200).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SaveAlert(context.Background(), model.Alert{
		ID: "a-1", Timestamp: now, GateID: "A", Severity: "critical",
		From: model.StatusWarning, To: model.StatusOvercrowded, Count: 210, Capacity: 200,
	})
	if err != nil {
		t.Fatalf("save alert: %v", err)
	}
}

func TestPostgresListEventsForGate(t *testing.T) {
	db, mock := newMockDB(t)
	s := &baseStore{db: db, d: postgresDialect}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"ts", "kind", "gate_id", "generation", "camera_type", "camera_source", "from_status", "to_status", "count", "message"}).
		AddRow(now, "status_changed", "B", int64(7), "", "", "normal", "warning", 250, "").
		AddRow(now.Add(-time.Minute), "connected", "B", int64(7), "cctv", "rtsp://cam", "", "", 0, "")
	mock.ExpectQuery(`FROM gate_events WHERE gate_id = \$1 ORDER BY id DESC LIMIT \$2`).
		WithArgs("B", 10).
		WillReturnRows(rows)

	events, err := s.ListEvents(context.Background(), "B", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events: %d", len(events))
	}
	if events[0].Kind != model.EventStatusChanged || events[0].To != model.StatusWarning || events[0].Generation != 7 {
		t.Fatalf("first event: %+v", events[0])
	}
	if events[1].SourceKind != model.SourceCCTV || events[1].Locator != "rtsp://cam" {
		t.Fatalf("second event: %+v", events[1])
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "crowdgate.db")
	s, err := NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	// A second Init finds no pending migration.
	if err := s.Init(ctx); err != nil {
		t.Fatalf("re-init: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, to := range []model.GateStatus{model.StatusWarning, model.StatusOvercrowded} {
		alert := model.Alert{
			ID: "alert-" + string(to), Timestamp: base.Add(time.Duration(i) * time.Second),
			GateID: "C", Severity: "high", From: model.StatusNormal, To: to, Count: 220, Capacity: 250,
		}
		if err := s.SaveAlert(ctx, alert); err != nil {
			t.Fatalf("save alert: %v", err)
		}
	}
	alerts, err := s.ListAlerts(ctx, 10)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 2 || alerts[0].To != model.StatusOvercrowded || !alerts[0].Timestamp.Equal(base.Add(time.Second)) {
		t.Fatalf("alerts: %+v", alerts)
	}

	if err := s.SaveEvent(ctx, model.Event{Kind: model.EventConnected, Timestamp: base, GateID: "C", Generation: 3, SourceKind: model.SourceWebcam, Locator: "0"}); err != nil {
		t.Fatalf("save event: %v", err)
	}
	if err := s.SaveEvent(ctx, model.Event{Kind: model.EventDisconnected, Timestamp: base, GateID: "D", Generation: 4}); err != nil {
		t.Fatalf("save event: %v", err)
	}
	events, err := s.ListEvents(ctx, "C", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Generation != 3 || events[0].Kind != model.EventConnected {
		t.Fatalf("events: %+v", events)
	}
	all, err := s.ListEvents(ctx, "", 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("all events: %d %v", len(all), err)
	}
}
