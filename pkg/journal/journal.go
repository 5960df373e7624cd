// Package journal keeps a SQLite record of control sessions and of every
// command transmission attempt, for post-run review and the dashboard.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/teslashibe/go-collector/internal/log"
	"github.com/teslashibe/go-collector/pkg/command"
	"github.com/teslashibe/go-collector/pkg/dispatch"
)

//go:embed migrations/*.sql
var migrations embed.FS

// writeTimeout bounds a single journal insert so a slow disk cannot stall
// the dispatcher.
const writeTimeout = 500 * time.Millisecond

// Journal is a SQLite-backed log of sessions and dispatch attempts.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema. Use ":memory:" for a throwaway journal.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = log.With("component", "journal")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// One connection: SQLite serialises writers anyway and ":memory:" is
	// per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	j := &Journal{db: db, logger: logger}
	if err := j.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(j.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: j.logger}
	return m, nil
}

// migrateUp applies pending migrations. The migrate instance is not closed
// because that would close the shared database handle.
func (j *Journal) migrateUp() error {
	m, err := j.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version returns the schema version and dirty flag.
func (j *Journal) Version() (uint, bool, error) {
	m, err := j.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf("[migrate] "+format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// SessionInfo describes a session when it starts.
type SessionInfo struct {
	ID         string
	StartedAt  time.Time
	Transport  string
	Detector   string
	ToleranceX float64
	ToleranceY float64
}

// SessionEnd is recorded when a session finishes.
type SessionEnd struct {
	EndedAt       time.Time
	Reason        string
	Frames        uint64
	Failures      uint64
	MeanLatencyMs float64
}

// Session is a journaled session row.
type Session struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
	EndReason     string    `json:"end_reason,omitempty"`
	Transport     string    `json:"transport"`
	Detector      string    `json:"detector"`
	Frames        uint64    `json:"frames"`
	Failures      uint64    `json:"failures"`
	MeanLatencyMs float64   `json:"mean_latency_ms"`
	ToleranceX    float64   `json:"tolerance_x"`
	ToleranceY    float64   `json:"tolerance_y"`
}

// StartSession inserts a session row.
func (j *Journal) StartSession(ctx context.Context, s SessionInfo) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at_ns, transport, detector, tolerance_x, tolerance_y)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.StartedAt.UnixNano(), s.Transport, s.Detector, s.ToleranceX, s.ToleranceY)
	if err != nil {
		return fmt.Errorf("start session %s: %w", s.ID, err)
	}
	return nil
}

// EndSession completes a session row.
func (j *Journal) EndSession(ctx context.Context, id string, end SessionEnd) error {
	res, err := j.db.ExecContext(ctx, `
		UPDATE sessions
		SET ended_at_ns = ?, end_reason = ?, frames = ?, failures = ?, mean_latency_ms = ?
		WHERE id = ?`,
		end.EndedAt.UnixNano(), end.Reason, int64(end.Frames), int64(end.Failures), end.MeanLatencyMs, id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// Sessions returns the most recent sessions, newest first.
func (j *Journal) Sessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, started_at_ns, ended_at_ns, COALESCE(end_reason, ''), transport, detector,
		       frames, failures, COALESCE(mean_latency_ms, 0), tolerance_x, tolerance_y
		FROM sessions
		ORDER BY started_at_ns DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s        Session
			started  int64
			ended    sql.NullInt64
			frames   int64
			failures int64
		)
		if err := rows.Scan(&s.ID, &started, &ended, &s.EndReason, &s.Transport, &s.Detector,
			&frames, &failures, &s.MeanLatencyMs, &s.ToleranceX, &s.ToleranceY); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.StartedAt = time.Unix(0, started)
		if ended.Valid {
			s.EndedAt = time.Unix(0, ended.Int64)
		}
		s.Frames, s.Failures = uint64(frames), uint64(failures)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Entry is one journaled transmission attempt.
type Entry struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Command   command.Command `json:"command"`
	IssuedAt  time.Time       `json:"issued_at"`
	Latency   time.Duration   `json:"latency"`
	Forced    bool            `json:"forced"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
}

// Record inserts one attempt under sessionID.
func (j *Journal) Record(ctx context.Context, sessionID string, a dispatch.Attempt) error {
	errText := ""
	if a.Err != nil {
		errText = a.Err.Error()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO dispatches (session_id, command, issued_at_ns, latency_us, forced, ok, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, string(a.Command), a.IssuedAt.UnixNano(), a.Latency.Microseconds(),
		a.Forced, a.Err == nil, errText)
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}

// Recent returns the latest attempts across sessions, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return j.entries(ctx, `
		SELECT id, session_id, command, issued_at_ns, latency_us, forced, ok, error
		FROM dispatches ORDER BY id DESC LIMIT ?`, limit)
}

// SessionEntries returns the attempts of one session in order.
func (j *Journal) SessionEntries(ctx context.Context, sessionID string) ([]Entry, error) {
	return j.entries(ctx, `
		SELECT id, session_id, command, issued_at_ns, latency_us, forced, ok, error
		FROM dispatches WHERE session_id = ? ORDER BY id`, sessionID)
}

func (j *Journal) entries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dispatches: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			cmd       string
			issued    int64
			latencyUs int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &cmd, &issued, &latencyUs, &e.Forced, &e.OK, &e.Error); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		e.Command = command.Command(cmd)
		e.IssuedAt = time.Unix(0, issued)
		e.Latency = time.Duration(latencyUs) * time.Microsecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summary aggregates the attempts of one session.
type Summary struct {
	Attempts     int                     `json:"attempts"`
	Delivered    int                     `json:"delivered"`
	Failed       int                     `json:"failed"`
	ByCommand    map[command.Command]int `json:"by_command"`
	AvgLatencyMs float64                 `json:"avg_latency_ms"`
}

// Summarize aggregates the attempts of sessionID.
func (j *Journal) Summarize(ctx context.Context, sessionID string) (Summary, error) {
	s := Summary{ByCommand: make(map[command.Command]int)}

	rows, err := j.db.QueryContext(ctx, `
		SELECT command, COUNT(*), SUM(ok), AVG(latency_us)
		FROM dispatches WHERE session_id = ?
		GROUP BY command`, sessionID)
	if err != nil {
		return s, fmt.Errorf("summarize %s: %w", sessionID, err)
	}
	defer rows.Close()

	var weighted float64
	for rows.Next() {
		var (
			cmd       string
			count, ok int
			avgUs     float64
		)
		if err := rows.Scan(&cmd, &count, &ok, &avgUs); err != nil {
			return s, fmt.Errorf("scan summary: %w", err)
		}
		s.ByCommand[command.Command(cmd)] = count
		s.Attempts += count
		s.Delivered += ok
		weighted += avgUs * float64(count)
	}
	if err := rows.Err(); err != nil {
		return s, err
	}
	s.Failed = s.Attempts - s.Delivered
	if s.Attempts > 0 {
		s.AvgLatencyMs = weighted / float64(s.Attempts) / 1000
	}
	return s, nil
}

// Recorder returns a dispatch.Recorder that journals attempts under
// sessionID. Write errors are logged, never returned to the dispatcher.
func (j *Journal) Recorder(sessionID string) dispatch.Recorder {
	return &recorder{j: j, sessionID: sessionID}
}

type recorder struct {
	j         *Journal
	sessionID string
}

func (r *recorder) RecordAttempt(a dispatch.Attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.j.Record(ctx, r.sessionID, a); err != nil {
		r.j.logger.Warn("journal write failed", "error", err)
	}
}
