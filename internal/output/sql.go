package output

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "pgx"
	DriverLibPQ    = "postgres"
	DriverSQLite   = "sqlite"
)

// SQLConfig selects the database. Driver is "pgx" or "postgres" (lib/pq),
// both for PostgreSQL/TimescaleDB, or "sqlite".
type SQLConfig struct {
	Driver string
	DSN    string
	// TablePrefix defaults to "vadase_".
	TablePrefix string
	// MaxOpenConns bounds the pool; SQLite is forced to 1.
	MaxOpenConns int
}

// SQLWriter persists records through database/sql. Connect and Close are
// reference counted so every station core can call them on one shared
// writer; the pool opens on the first Connect and closes on the last Close.
type SQLWriter struct {
	cfg SQLConfig

	mu   sync.Mutex
	db   *sql.DB
	refs int

	insVelocity     string
	insDisplacement string
	insEvent        string
}

func NewSQLWriter(cfg SQLConfig) (*SQLWriter, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverLibPQ, DriverSQLite:
	default:
		return nil, fmt.Errorf("sql writer: unsupported driver %q", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sql writer: dsn is required")
	}
	if cfg.TablePrefix == "" {
		cfg.TablePrefix = "vadase_"
	}
	if cfg.Driver == DriverSQLite {
		cfg.MaxOpenConns = 1
	} else if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	w := &SQLWriter{cfg: cfg}
	w.insVelocity = w.bind(fmt.Sprintf(`
INSERT INTO %svelocity (time, station, ve, vn, vu, vh, quality, sats)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (time, station) DO NOTHING`, cfg.TablePrefix))
	w.insDisplacement = w.bind(fmt.Sprintf(`
INSERT INTO %sdisplacement (time, station, de, dn, du, dh, quality, sats, reset, completeness, integrated)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (time, station) DO NOTHING`, cfg.TablePrefix))
	w.insEvent = w.bind(fmt.Sprintf(`
INSERT INTO %sevents (id, station, start_time, peak_velocity_mm_s, peak_displacement_mm, duration_s)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`, cfg.TablePrefix))
	return w, nil
}

// bind rewrites '?' placeholders to $n for Postgres.
func (w *SQLWriter) bind(query string) string {
	query = strings.TrimSpace(query)
	if w.cfg.Driver == DriverSQLite {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (w *SQLWriter) schema() []string {
	ts := "TIMESTAMPTZ"
	num := "DOUBLE PRECISION"
	if w.cfg.Driver == DriverSQLite {
		ts = "TIMESTAMP"
		num = "REAL"
	}
	p := w.cfg.TablePrefix
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %svelocity (
	time %s NOT NULL,
	station TEXT NOT NULL,
	ve %[3]s, vn %[3]s, vu %[3]s, vh %[3]s,
	quality %[3]s,
	sats INTEGER,
	PRIMARY KEY (time, station)
)`, p, ts, num),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sdisplacement (
	time %s NOT NULL,
	station TEXT NOT NULL,
	de %[3]s, dn %[3]s, du %[3]s, dh %[3]s,
	quality %[3]s,
	sats INTEGER,
	reset INTEGER,
	completeness %[3]s,
	integrated INTEGER,
	PRIMARY KEY (time, station)
)`, p, ts, num),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sevents (
	id TEXT PRIMARY KEY,
	station TEXT NOT NULL,
	start_time %s NOT NULL,
	peak_velocity_mm_s %[3]s,
	peak_displacement_mm %[3]s,
	duration_s %[3]s
)`, p, ts, num),
	}
}

func (w *SQLWriter) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db != nil {
		w.refs++
		return nil
	}
	db, err := sql.Open(w.cfg.Driver, w.cfg.DSN)
	if err != nil {
		return fmt.Errorf("sql writer: open: %w", err)
	}
	db.SetMaxOpenConns(w.cfg.MaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("sql writer: ping: %w", err)
	}
	if w.cfg.Driver == DriverSQLite {
		for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return fmt.Errorf("sql writer: %s: %w", pragma, err)
			}
		}
	}
	for _, stmt := range w.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("sql writer: create table: %w", err)
		}
	}
	w.db = db
	w.refs = 1
	return nil
}

func (w *SQLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return nil
	}
	w.refs--
	if w.refs > 0 {
		return nil
	}
	err := w.db.Close()
	w.db = nil
	return err
}

func (w *SQLWriter) handle() (*sql.DB, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.db == nil {
		return nil, errors.New("sql writer: not connected")
	}
	return w.db, nil
}

func (w *SQLWriter) WriteVelocity(ctx context.Context, station string, rec VelocityRecord) error {
	db, err := w.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, w.insVelocity,
		rec.Time.UTC(), station, rec.East, rec.North, rec.Up, rec.Horizontal, rec.Quality, rec.Sats)
	if err != nil {
		return fmt.Errorf("insert velocity: %w", err)
	}
	return nil
}

func (w *SQLWriter) WriteDisplacement(ctx context.Context, station string, rec DisplacementRecord) error {
	db, err := w.handle()
	if err != nil {
		return err
	}
	integrated := 0
	if rec.Integrated {
		integrated = 1
	}
	_, err = db.ExecContext(ctx, w.insDisplacement,
		rec.Time.UTC(), station, rec.East, rec.North, rec.Up, rec.Horizontal, rec.Quality, rec.Sats,
		rec.Reset, rec.OverallCompleteness, integrated)
	if err != nil {
		return fmt.Errorf("insert displacement: %w", err)
	}
	return nil
}

func (w *SQLWriter) WriteEventDetection(ctx context.Context, ev EventRecord) error {
	db, err := w.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, w.insEvent,
		ev.ID.String(), ev.Station, ev.Start.UTC(), ev.PeakVelocity, ev.PeakDisplacement, ev.Duration)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}
