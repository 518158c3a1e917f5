package clickhouse

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/tunnelkeeper/internal/history"
)

func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	container, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("start ClickHouse container: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return container, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(Config{Addr: addr, TTLDays: 30})
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	now := time.Now().UTC()
	for _, e := range []history.Event{
		{Type: history.EventExit, OccurredAt: now, Role: "tunnel", PID: 77, Detail: "signal: killed"},
		{Type: history.EventStart, OccurredAt: now.Add(time.Second), Role: "tunnel", PID: 78},
	} {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send %s: %v", e.Type, err)
		}
	}

	var count uint64
	if err := sink.conn.QueryRow(ctx, "SELECT COUNT(*) FROM supervisor_history WHERE role = ?", "tunnel").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 events, got %d", count)
	}
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	if _, err := New(Config{Addr: "invalid-host.invalid:9000"}); err == nil {
		t.Error("expected error with invalid connection, got nil")
	}
}

func TestCreateTableSQL(t *testing.T) {
	q := createTableSQL("events", 0)
	if !strings.Contains(q, "CREATE TABLE IF NOT EXISTS events") || strings.Contains(q, "TTL") {
		t.Errorf("unexpected DDL: %s", q)
	}
	q = createTableSQL("events", 14)
	if !strings.HasSuffix(q, "TTL toDateTime(occurred_at) + INTERVAL 14 DAY") {
		t.Errorf("missing TTL clause: %s", q)
	}
}
