package db

import (
	"context"
	"fmt"
)

// PostgresSchema creates the primary store and the idempotency ledger.
// transaction_id is unique: the store is the last line of defence against double persistence.
var PostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS transaction_history (
		id                      TEXT PRIMARY KEY,
		transaction_id          TEXT NOT NULL,
		external_transaction_id TEXT NOT NULL DEFAULT '',
		type                    TEXT NOT NULL,
		status                  TEXT NOT NULL,
		amount                  NUMERIC(38, 18) NOT NULL,
		currency                CHAR(3) NOT NULL,
		fees                    NUMERIC(38, 18),
		balance_before          NUMERIC(38, 18),
		balance_after           NUMERIC(38, 18),
		sender_phone            TEXT NOT NULL DEFAULT '',
		receiver_phone          TEXT NOT NULL DEFAULT '',
		sender_name             TEXT NOT NULL DEFAULT '',
		receiver_name           TEXT NOT NULL DEFAULT '',
		user_id                 TEXT NOT NULL DEFAULT '',
		counterparty_id         TEXT NOT NULL DEFAULT '',
		counterparty_name       TEXT NOT NULL DEFAULT '',
		description             TEXT NOT NULL DEFAULT '',
		merchant_code           TEXT NOT NULL DEFAULT '',
		bill_reference          TEXT NOT NULL DEFAULT '',
		bank_account_number     TEXT NOT NULL DEFAULT '',
		created_by              TEXT NOT NULL DEFAULT '',
		user_agent              TEXT NOT NULL DEFAULT '',
		ip_address              TEXT NOT NULL DEFAULT '',
		device_id               TEXT NOT NULL DEFAULT '',
		metadata                TEXT NOT NULL DEFAULT '',
		error_message           TEXT NOT NULL DEFAULT '',
		correlation_id          TEXT NOT NULL DEFAULT '',
		version                 INTEGER NOT NULL DEFAULT 1,
		transaction_date        TIMESTAMPTZ NOT NULL,
		processing_date         TIMESTAMPTZ NOT NULL,
		history_saved           BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_transaction_history_transaction_id
		ON transaction_history (transaction_id)`,
	`CREATE INDEX IF NOT EXISTS ix_transaction_history_sender_phone
		ON transaction_history (sender_phone)`,
	`CREATE INDEX IF NOT EXISTS ix_transaction_history_receiver_phone
		ON transaction_history (receiver_phone)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id     TEXT PRIMARY KEY,
		topic        TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// ClickHouseSchema creates the search index table. Rows are keyed by record id and
// collapsed by indexed_at, so the latest projection of a record wins.
var ClickHouseSchema = []string{
	`CREATE TABLE IF NOT EXISTS history_index (
		id                      String,
		transaction_id          String,
		external_transaction_id String,
		type                    LowCardinality(String),
		status                  LowCardinality(String),
		amount                  Decimal(38, 18),
		currency                LowCardinality(String),
		fees                    Nullable(Decimal(38, 18)),
		balance_before          Nullable(Decimal(38, 18)),
		balance_after           Nullable(Decimal(38, 18)),
		sender_phone            String,
		receiver_phone          String,
		sender_name             String,
		receiver_name           String,
		user_id                 String,
		counterparty_id         String,
		counterparty_name       String,
		description             String,
		merchant_code           String,
		bill_reference          String,
		bank_account_number     String,
		created_by              String,
		user_agent              String,
		ip_address              String,
		device_id               String,
		metadata                String,
		error_message           String,
		correlation_id          String,
		version                 Int32,
		transaction_date        DateTime64(6, 'UTC'),
		processing_date         DateTime64(6, 'UTC'),
		history_saved           Bool,
		indexed_at              DateTime64(6, 'UTC')
	) ENGINE = ReplacingMergeTree(indexed_at)
	ORDER BY id`,
}

// EnsurePostgresSchema applies PostgresSchema. Every statement is idempotent.
func EnsurePostgresSchema(ctx context.Context, conn DBTX) error {
	for _, stmt := range PostgresSchema {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply postgres schema: %w", err)
		}
	}
	return nil
}

// EnsureClickHouseSchema applies ClickHouseSchema. Every statement is idempotent.
func EnsureClickHouseSchema(ctx context.Context, client *ClickHouseClient) error {
	for _, stmt := range ClickHouseSchema {
		if err := client.Conn().Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply clickhouse schema: %w", err)
		}
	}
	return nil
}
