package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/tunnelkeeper/internal/history"
)

// Config selects the server and table. Empty fields fall back to the
// ClickHouse defaults ("default" database and user, no password).
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
	// TTLDays, when positive, expires rows that many days after occurred_at.
	TTLDays int
}

// Sink writes events over the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects, pings and creates the table when missing.
func New(cfg Config) (*Sink, error) {
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "supervisor_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open %s: %w", cfg.Addr, err)
	}
	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping %s: %w", cfg.Addr, err)
	}
	s := &Sink{conn: conn, table: cfg.Table}
	if err := conn.Exec(ctx, createTableSQL(cfg.Table, cfg.TTLDays)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse create %s: %w", cfg.Table, err)
	}
	return s, nil
}

func createTableSQL(table string, ttlDays int) string {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		occurred_at DateTime64(6),
		event LowCardinality(String),
		role LowCardinality(String),
		pid UInt32,
		url String,
		detail String
	) ENGINE = MergeTree() ORDER BY (occurred_at, role)`, table)
	if ttlDays > 0 {
		q += fmt.Sprintf(" TTL toDateTime(occurred_at) + INTERVAL %d DAY", ttlDays)
	}
	return q
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	pid := uint32(0)
	if e.PID > 0 {
		pid = uint32(e.PID)
	}
	q := fmt.Sprintf(`INSERT INTO %s (occurred_at, event, role, pid, url, detail) VALUES (?, ?, ?, ?, ?, ?)`, s.table)
	if err := s.conn.Exec(ctx, q, e.OccurredAt, string(e.Type), e.Role, pid, e.URL, e.Detail); err != nil {
		return fmt.Errorf("clickhouse insert %s: %w", e.Type, err)
	}
	return nil
}
