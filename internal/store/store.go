// Package store persists controller state in SQLite.
//
// Everything the control loop needs to resume after a restart lives here:
// the threshold config, schedule entries with their fired markers, and the
// runtime ledger (mode, budget, last automatic run end, active run). The run
// log and reading history are append-only audit tables.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sweeney/irrigation-controller/internal/logic"
)

// instantLayout is fixed-width so UTC timestamps sort correctly as text.
const (
	instantLayout = "2006-01-02T15:04:05.000000000Z07:00"
	dayLayout     = logic.DateLayout
)

const schema = `
CREATE TABLE IF NOT EXISTS thresholds (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	soil_moisture_low REAL NOT NULL,
	soil_moisture_high REAL NOT NULL,
	air_temp_min REAL,
	air_temp_max REAL,
	air_humidity_min REAL,
	air_humidity_max REAL,
	watering_seconds INTEGER NOT NULL,
	soak_minutes INTEGER NOT NULL,
	daily_budget_minutes INTEGER NOT NULL,
	window_start_hour INTEGER NOT NULL,
	window_end_hour INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS schedules (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	schedule_date TEXT NOT NULL,
	schedule_time TEXT NOT NULL,
	duration_seconds INTEGER NOT NULL,
	enabled INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS schedule_fired (
	entry_id INTEGER PRIMARY KEY REFERENCES schedules(id) ON DELETE CASCADE,
	fired_at TEXT NOT NULL,
	outcome TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS runtime (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	mode TEXT NOT NULL,
	budget_day TEXT,
	budget_used INTEGER NOT NULL,
	last_auto_end TEXT,
	active_run_id TEXT,
	active_origin TEXT,
	active_entry_id INTEGER,
	active_started_at TEXT
);
CREATE TABLE IF NOT EXISTS run_log (
	id TEXT PRIMARY KEY,
	origin TEXT NOT NULL,
	entry_id INTEGER,
	started_at TEXT NOT NULL,
	ended_at TEXT NOT NULL,
	seconds INTEGER NOT NULL,
	end_reason TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_log_started ON run_log(started_at);
CREATE TABLE IF NOT EXISTS sensor_readings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	temperature_c REAL NOT NULL,
	value REAL NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_kind_ts ON sensor_readings(kind, timestamp);
`

// ActiveRun is a watering run that was in progress when state was saved.
type ActiveRun struct {
	ID        string
	Origin    logic.Origin
	EntryID   int64
	StartedAt time.Time
}

// Runtime is the mutable control ledger that must survive a restart.
type Runtime struct {
	Mode           logic.Mode
	BudgetDay      time.Time // zero until the ledger has rolled once
	BudgetUsed     int
	LastAutoRunEnd time.Time
	ActiveRun      *ActiveRun
}

// RunRecord is one completed or aborted watering run.
type RunRecord struct {
	ID        string
	Origin    logic.Origin
	EntryID   int64
	StartedAt time.Time
	EndedAt   time.Time
	Seconds   int
	EndReason string
}

// State is everything Load returns.
type State struct {
	Thresholds *logic.ThresholdConfig // nil if never saved
	Entries    []logic.Entry
	Fired      map[int64]logic.Firing
	Runtime    *Runtime // nil if never saved
}

// Store is a SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Load reads all persisted control state. Instants are returned in loc.
func (s *Store) Load(ctx context.Context, loc *time.Location) (State, error) {
	var st State
	var err error

	if st.Thresholds, err = s.loadThresholds(ctx); err != nil {
		return st, err
	}
	if st.Entries, err = s.loadEntries(ctx); err != nil {
		return st, err
	}
	if st.Fired, err = s.loadFired(ctx, loc); err != nil {
		return st, err
	}
	if st.Runtime, err = s.loadRuntime(ctx, loc); err != nil {
		return st, err
	}
	return st, nil
}

func (s *Store) loadThresholds(ctx context.Context) (*logic.ThresholdConfig, error) {
	var c logic.ThresholdConfig
	var tmin, tmax, hmin, hmax sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT soil_moisture_low, soil_moisture_high, air_temp_min, air_temp_max,
			air_humidity_min, air_humidity_max, watering_seconds, soak_minutes,
			daily_budget_minutes, window_start_hour, window_end_hour
		FROM thresholds WHERE id = 1`).Scan(
		&c.SoilMoistureLow, &c.SoilMoistureHigh, &tmin, &tmax, &hmin, &hmax,
		&c.WateringSeconds, &c.SoakMinutes, &c.DailyBudgetMinutes,
		&c.WindowStartHour, &c.WindowEndHour)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query thresholds: %w", err)
	}
	c.AirTempMin = fromNull(tmin)
	c.AirTempMax = fromNull(tmax)
	c.AirHumidityMin = fromNull(hmin)
	c.AirHumidityMax = fromNull(hmax)
	return &c, nil
}

func (s *Store) loadEntries(ctx context.Context) ([]logic.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, schedule_date, schedule_time, duration_seconds, enabled
		FROM schedules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var entries []logic.Entry
	for rows.Next() {
		var e logic.Entry
		if err := rows.Scan(&e.ID, &e.Name, &e.Date, &e.Time, &e.DurationSeconds, &e.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) loadFired(ctx context.Context, loc *time.Location) (map[int64]logic.Firing, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entry_id, fired_at, outcome FROM schedule_fired`)
	if err != nil {
		return nil, fmt.Errorf("failed to query fired markers: %w", err)
	}
	defer rows.Close()

	fired := make(map[int64]logic.Firing)
	for rows.Next() {
		var id int64
		var at, outcome string
		if err := rows.Scan(&id, &at, &outcome); err != nil {
			return nil, fmt.Errorf("failed to scan fired marker: %w", err)
		}
		t, err := parseInstant(at, loc)
		if err != nil {
			return nil, err
		}
		fired[id] = logic.Firing{At: t, Outcome: logic.FireOutcome(outcome)}
	}
	return fired, rows.Err()
}

func (s *Store) loadRuntime(ctx context.Context, loc *time.Location) (*Runtime, error) {
	var mode string
	var day, lastEnd, runID, origin, started sql.NullString
	var entryID sql.NullInt64
	var rt Runtime

	err := s.db.QueryRowContext(ctx, `
		SELECT mode, budget_day, budget_used, last_auto_end,
			active_run_id, active_origin, active_entry_id, active_started_at
		FROM runtime WHERE id = 1`).Scan(
		&mode, &day, &rt.BudgetUsed, &lastEnd, &runID, &origin, &entryID, &started)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query runtime: %w", err)
	}

	rt.Mode = logic.Mode(mode)
	if day.Valid {
		if rt.BudgetDay, err = time.ParseInLocation(dayLayout, day.String, loc); err != nil {
			return nil, fmt.Errorf("failed to parse budget day: %w", err)
		}
	}
	if lastEnd.Valid {
		if rt.LastAutoRunEnd, err = parseInstant(lastEnd.String, loc); err != nil {
			return nil, err
		}
	}
	if runID.Valid {
		run := &ActiveRun{ID: runID.String, Origin: logic.Origin(origin.String), EntryID: entryID.Int64}
		if run.StartedAt, err = parseInstant(started.String, loc); err != nil {
			return nil, err
		}
		rt.ActiveRun = run
	}
	return &rt, nil
}

// SaveThresholds replaces the stored threshold config.
func (s *Store) SaveThresholds(ctx context.Context, c logic.ThresholdConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO thresholds (id, soil_moisture_low, soil_moisture_high,
			air_temp_min, air_temp_max, air_humidity_min, air_humidity_max,
			watering_seconds, soak_minutes, daily_budget_minutes,
			window_start_hour, window_end_hour)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SoilMoistureLow, c.SoilMoistureHigh,
		toNull(c.AirTempMin), toNull(c.AirTempMax), toNull(c.AirHumidityMin), toNull(c.AirHumidityMax),
		c.WateringSeconds, c.SoakMinutes, c.DailyBudgetMinutes,
		c.WindowStartHour, c.WindowEndHour)
	if err != nil {
		return fmt.Errorf("failed to save thresholds: %w", err)
	}
	return nil
}

// SaveEntry inserts or replaces a schedule entry. Its fired marker is untouched.
func (s *Store) SaveEntry(ctx context.Context, e logic.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, schedule_date, schedule_time, duration_seconds, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule_date = excluded.schedule_date,
			schedule_time = excluded.schedule_time,
			duration_seconds = excluded.duration_seconds,
			enabled = excluded.enabled`,
		e.ID, e.Name, e.Date, e.Time, e.DurationSeconds, e.Enabled)
	if err != nil {
		return fmt.Errorf("failed to save schedule %d: %w", e.ID, err)
	}
	return nil
}

// DeleteEntry removes a schedule entry and its fired marker.
func (s *Store) DeleteEntry(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_fired WHERE entry_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete fired marker %d: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete schedule %d: %w", id, logic.ErrEntryNotFound)
	}
	return tx.Commit()
}

// SaveFiring records that entry id came due.
func (s *Store) SaveFiring(ctx context.Context, id int64, f logic.Firing) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO schedule_fired (entry_id, fired_at, outcome) VALUES (?, ?, ?)`,
		id, formatInstant(f.At), string(f.Outcome))
	if err != nil {
		return fmt.Errorf("failed to save fired marker %d: %w", id, err)
	}
	return nil
}

// SaveRuntime replaces the runtime ledger.
func (s *Store) SaveRuntime(ctx context.Context, rt Runtime) error {
	var day, lastEnd, runID, origin, started sql.NullString
	var entryID sql.NullInt64
	if !rt.BudgetDay.IsZero() {
		day = sql.NullString{String: rt.BudgetDay.Format(dayLayout), Valid: true}
	}
	if !rt.LastAutoRunEnd.IsZero() {
		lastEnd = sql.NullString{String: formatInstant(rt.LastAutoRunEnd), Valid: true}
	}
	if r := rt.ActiveRun; r != nil {
		runID = sql.NullString{String: r.ID, Valid: true}
		origin = sql.NullString{String: string(r.Origin), Valid: true}
		entryID = sql.NullInt64{Int64: r.EntryID, Valid: r.EntryID != 0}
		started = sql.NullString{String: formatInstant(r.StartedAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runtime (id, mode, budget_day, budget_used, last_auto_end,
			active_run_id, active_origin, active_entry_id, active_started_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rt.Mode), day, rt.BudgetUsed, lastEnd, runID, origin, entryID, started)
	if err != nil {
		return fmt.Errorf("failed to save runtime: %w", err)
	}
	return nil
}

// AppendRun adds a finished run to the run log.
func (s *Store) AppendRun(ctx context.Context, r RunRecord) error {
	var entryID sql.NullInt64
	if r.EntryID != 0 {
		entryID = sql.NullInt64{Int64: r.EntryID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_log (id, origin, entry_id, started_at, ended_at, seconds, end_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Origin), entryID, formatInstant(r.StartedAt), formatInstant(r.EndedAt), r.Seconds, r.EndReason)
	if err != nil {
		return fmt.Errorf("failed to append run %s: %w", r.ID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int, loc *time.Location) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, origin, entry_id, started_at, ended_at, seconds, end_reason
		FROM run_log ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var origin, started, ended string
		var entryID sql.NullInt64
		if err := rows.Scan(&r.ID, &origin, &entryID, &started, &ended, &r.Seconds, &r.EndReason); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Origin = logic.Origin(origin)
		r.EntryID = entryID.Int64
		if r.StartedAt, err = parseInstant(started, loc); err != nil {
			return nil, err
		}
		if r.EndedAt, err = parseInstant(ended, loc); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func formatInstant(t time.Time) string {
	return t.UTC().Format(instantLayout)
}

func parseInstant(s string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse(instantLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	if loc != nil {
		t = t.In(loc)
	}
	return t, nil
}

func toNull(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func fromNull(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
