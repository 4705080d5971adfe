package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"crowdgate/internal/config"
	"crowdgate/internal/model"
)

//go:embed migrations
var migrationsFS embed.FS

// Store persists alert and gate event history.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveAlert(ctx context.Context, alert model.Alert) error
	SaveEvent(ctx context.Context, ev model.Event) error
	ListAlerts(ctx context.Context, limit int) ([]model.Alert, error)
	ListEvents(ctx context.Context, gateID string, limit int) ([]model.Event, error)
}

// NewStore returns nil when storage is disabled.
func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

type dialect struct {
	name      string
	numbered  bool
	migrateFn func(db *sql.DB) (database.Driver, error)
}

type baseStore struct {
	db *sql.DB
	d  dialect
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// Init applies pending schema migrations for the store's dialect.
func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return runMigrations(b.db, b.d)
}

func runMigrations(db *sql.DB, d dialect) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+d.name)
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	dbDriver, err := d.migrateFn(db)
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, d.name, dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// rebind turns ? placeholders into $n for dialects that number them.
func (b *baseStore) rebind(query string) string {
	if !b.d.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (b *baseStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO alerts (id, ts, gate_id, severity, from_status, to_status, count, capacity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		alert.ID,
		b.timeArg(alert.Timestamp),
		alert.GateID,
		alert.Severity,
		string(alert.From),
		string(alert.To),
		alert.Count,
		alert.Capacity,
	)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", alert.ID, err)
	}
	return nil
}

func (b *baseStore) SaveEvent(ctx context.Context, ev model.Event) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO gate_events (ts, kind, gate_id, generation, camera_type, camera_source, from_status, to_status, count, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		b.timeArg(ev.Timestamp),
		string(ev.Kind),
		ev.GateID,
		int64(ev.Generation),
		string(ev.SourceKind),
		ev.Locator,
		string(ev.From),
		string(ev.To),
		ev.Count,
		ev.Message,
	)
	if err != nil {
		return fmt.Errorf("insert %s event for gate %q: %w", ev.Kind, ev.GateID, err)
	}
	return nil
}

// ListAlerts returns the newest alerts first.
func (b *baseStore) ListAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(
		`SELECT id, ts, gate_id, severity, from_status, to_status, count, capacity
		FROM alerts ORDER BY ts DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var (
			a        model.Alert
			ts       any
			from, to string
		)
		if err := rows.Scan(&a.ID, &ts, &a.GateID, &a.Severity, &from, &to, &a.Count, &a.Capacity); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if a.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		a.From = model.GateStatus(from)
		a.To = model.GateStatus(to)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListEvents returns the newest events first, optionally for one gate.
func (b *baseStore) ListEvents(ctx context.Context, gateID string, limit int) ([]model.Event, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ts, kind, gate_id, generation, camera_type, camera_source, from_status, to_status, count, message
		FROM gate_events`
	args := []any{}
	if gateID != "" {
		query += ` WHERE gate_id = ?`
		args = append(args, gateID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			ev                      model.Event
			ts                      any
			kind, camType, from, to string
			gen                     int64
		)
		if err := rows.Scan(&ts, &kind, &ev.GateID, &gen, &camType, &ev.Locator, &from, &to, &ev.Count, &ev.Message); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		ev.Kind = model.EventKind(kind)
		ev.Generation = model.Generation(gen)
		ev.SourceKind = model.SourceKind(camType)
		ev.From = model.GateStatus(from)
		ev.To = model.GateStatus(to)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// sqliteTimeFormat keeps a fixed width so text ordering matches time ordering.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func (b *baseStore) timeArg(ts time.Time) any {
	if b.d.numbered {
		return ts.UTC()
	}
	return ts.UTC().Format(sqliteTimeFormat)
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTimeString(t)
	case []byte:
		return parseTimeString(string(t))
	case nil:
		return time.Time{}, nil
	}
	return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
}

func parseTimeString(s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return ts.UTC(), nil
}
