package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/sysinitd/internal/history"
)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

func New(ctx context.Context, o Options) (*Sink, error) {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = "service_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			run_id UUID,
			seq UInt64,
			occurred_at DateTime64(6),
			service String,
			event LowCardinality(String),
			from_state LowCardinality(String),
			state LowCardinality(String),
			pid Int64,
			attempt Int64,
			exit_code Nullable(Int64),
			severity UInt8,
			forced Bool,
			message String
		) ENGINE = MergeTree()
		ORDER BY (service, occurred_at, seq)
	`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (run_id, seq, occurred_at, service, event, from_state, state, pid, attempt, exit_code, severity, forced, message) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	var exitCode *int64
	if e.ExitCode != nil {
		v := int64(*e.ExitCode)
		exitCode = &v
	}
	err := s.conn.Exec(ctx, query,
		e.RunID,
		e.Seq,
		e.OccurredAt,
		e.Service,
		e.Type,
		e.From,
		e.State,
		int64(e.PID),
		int64(e.Attempt),
		exitCode,
		uint8(e.Severity),
		e.Forced,
		e.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// Count returns the number of rows stored for service.
func (s *Sink) Count(ctx context.Context, service string) (uint64, error) {
	var n uint64
	row := s.conn.QueryRow(ctx, fmt.Sprintf("SELECT count() FROM %s WHERE service = ?", s.table), service)
	err := row.Scan(&n)
	return n, err
}
