package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Dialect is the subset of SQL differences the sink has to care about.
type Dialect struct {
	Name      string
	Timestamp string
	Bool      string
	// MaxOpenConns caps the pool; SQLite in-memory databases need exactly one.
	MaxOpenConns int
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

var (
	SQLite = Dialect{
		Name:         "sqlite",
		Timestamp:    "TIMESTAMP",
		Bool:         "BOOLEAN",
		MaxOpenConns: 1,
		Placeholder:  func(int) string { return "?" },
	}
	Postgres = Dialect{
		Name:        "postgres",
		Timestamp:   "TIMESTAMPTZ",
		Bool:        "BOOLEAN",
		Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}
)

const historyColumns = "run_id, seq, occurred_at, service, event, from_state, state, pid, attempt, exit_code, severity, forced, message"

// SQLSink appends events to the service_history table of a database/sql
// database. The schema is created if missing.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
	insert  string
}

// OpenSQL opens driver with dsn and prepares the schema.
func OpenSQL(driver, dsn string, d Dialect) (*SQLSink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty DSN for SQL history sink")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if d.MaxOpenConns > 0 {
		db.SetMaxOpenConns(d.MaxOpenConns)
	}
	s := NewSQLSink(db, d)
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLSink(db *sql.DB, d Dialect) *SQLSink {
	marks := make([]string, 13)
	for i := range marks {
		marks[i] = d.Placeholder(i + 1)
	}
	return &SQLSink{
		db:      db,
		dialect: d,
		insert:  "INSERT INTO service_history(" + historyColumns + ") VALUES(" + strings.Join(marks, ", ") + ");",
	}
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS service_history(
			run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			occurred_at ` + s.dialect.Timestamp + ` NOT NULL,
			service TEXT NOT NULL,
			event TEXT NOT NULL,
			from_state TEXT NOT NULL,
			state TEXT NOT NULL,
			pid INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			exit_code INTEGER NULL,
			severity INTEGER NOT NULL,
			forced ` + s.dialect.Bool + ` NOT NULL,
			message TEXT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_service_history_service ON service_history(service);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	var exitCode sql.NullInt64
	if e.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*e.ExitCode), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.insert,
		e.RunID.String(), int64(e.Seq), e.OccurredAt.UTC(), e.Service, e.Type, e.From, e.State,
		e.PID, e.Attempt, exitCode, e.Severity, e.Forced, e.Message)
	return err
}

// Count returns the number of stored events for service, or all events when
// service is empty.
func (s *SQLSink) Count(ctx context.Context, service string) (int, error) {
	q := "SELECT COUNT(*) FROM service_history"
	var args []any
	if service != "" {
		q += " WHERE service = " + s.dialect.Placeholder(1)
		args = append(args, service)
	}
	var n int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

func (s *SQLSink) Close() error { return s.db.Close() }
