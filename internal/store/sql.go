package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/psantana5/fortress/internal/report"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	workload TEXT NOT NULL,
	pid BIGINT NOT NULL DEFAULT 0,
	profile TEXT NOT NULL,
	ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
	verdict TEXT NOT NULL,
	workload_bytes BIGINT NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL,
	exit_code BIGINT NOT NULL DEFAULT 0,
	exit_reason TEXT NOT NULL DEFAULT '',
	start_time TIMESTAMP NOT NULL,
	end_time TIMESTAMP NOT NULL,
	duration_ns BIGINT NOT NULL DEFAULT 0,
	peak_rss_bytes BIGINT NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time);
`

const columns = `session_id, workload, pid, profile, ratio, verdict, workload_bytes, outcome,
	exit_code, exit_reason, start_time, end_time, duration_ns, peak_rss_bytes, error`

// SQLStore is the database/sql store shared by SQLite and PostgreSQL.
// Queries are written with "?" and rebound for drivers that need "$n".
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLiteStore opens (creating if needed) a SQLite history file
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	return newSQLStore(db, "sqlite3")
}

// NewPostgreSQLStore connects to PostgreSQL
func NewPostgreSQLStore(cfg Config) (*SQLStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 5))
	db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 2))
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newSQLStore(db, "postgres")
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func newSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: driver}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// rebind turns "?" placeholders into "$1".."$n" for PostgreSQL
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save inserts or replaces a session result
func (s *SQLStore) Save(ctx context.Context, r *report.Result) error {
	query := `INSERT INTO sessions (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			outcome = excluded.outcome,
			exit_code = excluded.exit_code,
			exit_reason = excluded.exit_reason,
			end_time = excluded.end_time,
			duration_ns = excluded.duration_ns,
			peak_rss_bytes = excluded.peak_rss_bytes,
			error = excluded.error`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		r.SessionID, r.Workload, int64(r.PID), r.Profile, r.Ratio, r.Verdict, int64(r.WorkloadBytes),
		string(r.Outcome), int64(r.ExitCode), string(r.ExitReason),
		r.StartTime.UTC(), r.EndTime.UTC(), int64(r.Duration), int64(r.PeakRSS), r.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", r.SessionID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (*report.Result, error) {
	var (
		r                  report.Result
		pid, code          int64
		bytes, dur, peak   int64
		outcome, exitCause string
	)
	err := row.Scan(&r.SessionID, &r.Workload, &pid, &r.Profile, &r.Ratio, &r.Verdict, &bytes,
		&outcome, &code, &exitCause, &r.StartTime, &r.EndTime, &dur, &peak, &r.Error)
	if err != nil {
		return nil, err
	}
	r.PID = int(pid)
	r.ExitCode = int(code)
	r.WorkloadBytes = uint64(bytes)
	r.Duration = time.Duration(dur)
	r.PeakRSS = uint64(peak)
	r.Outcome = report.Outcome(outcome)
	r.ExitReason = report.ExitReason(exitCause)
	return &r, nil
}

// Get returns one session
func (s *SQLStore) Get(ctx context.Context, id string) (*report.Result, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+columns+` FROM sessions WHERE session_id = ?`), id)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return r, nil
}

// Recent returns the newest n sessions; n <= 0 returns all
func (s *SQLStore) Recent(ctx context.Context, n int) ([]*report.Result, error) {
	query := `SELECT ` + columns + ` FROM sessions ORDER BY start_time DESC`
	var args []any
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []*report.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}
