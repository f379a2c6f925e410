package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/config"
)

// ClickHouseClient holds the connection to the search index database
type ClickHouseClient struct {
	conn driver.Conn
}

// NewClickHouseClient opens a pooled, compressed connection and checks it with a ping
func NewClickHouseClient(ctx context.Context, cfg config.ClickHouseConfig) (*ClickHouseClient, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Host},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection to %s: %w", cfg.Host, err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse at %s: %w", cfg.Host, err)
	}

	return &ClickHouseClient{conn: conn}, nil
}

// Conn returns the underlying connection
func (c *ClickHouseClient) Conn() driver.Conn {
	return c.conn
}

func (c *ClickHouseClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
