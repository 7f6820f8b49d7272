package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/postrack/positions/internal/logger"
)

// migrate brings the schema up to the latest version, following the
// teacher's incremental schema_version bump style: each step is
// idempotent and only runs if the recorded version is behind it.
func migrate(db *sqlx.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var version int
	_ = db.Get(&version, `SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`)

	if version < 1 {
		if err := migrateV1(db); err != nil {
			return fmt.Errorf("migrate v1: %w", err)
		}
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (1)`); err != nil {
			return fmt.Errorf("record schema_version 1: %w", err)
		}
		logger.Success("store", "applied schema migration v1")
	}
	return nil
}

func migrateV1(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS position_configs (
			config_id     BIGSERIAL PRIMARY KEY,
			config_type   TEXT NOT NULL,
			name          TEXT NOT NULL,
			key_format    TEXT NOT NULL,
			price_methods TEXT NOT NULL,
			scope         JSONB NOT NULL,
			active        BOOLEAN NOT NULL DEFAULT TRUE,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (config_type, key_format, scope)
		)`,
		`CREATE TABLE IF NOT EXISTS position_keys (
			position_id          BIGSERIAL PRIMARY KEY,
			position_key         TEXT NOT NULL,
			config_id            BIGINT NOT NULL REFERENCES position_configs(config_id),
			config_type          TEXT NOT NULL,
			config_name          TEXT NOT NULL,
			book                 TEXT,
			counterparty         TEXT,
			instrument           TEXT,
			last_trade_date      DATE,
			last_settlement_date DATE,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
			created_by_sequence  BIGINT NOT NULL,
			UNIQUE (position_key, config_id)
		)`,
		`CREATE TABLE IF NOT EXISTS position_trades (
			sequence_num    BIGINT PRIMARY KEY,
			position_key    TEXT NOT NULL,
			book            TEXT NOT NULL,
			counterparty    TEXT NOT NULL,
			instrument      TEXT NOT NULL,
			trade_time      TIMESTAMPTZ NOT NULL,
			trade_date      DATE NOT NULL,
			settlement_date DATE NOT NULL,
			signed_quantity BIGINT NOT NULL CHECK (signed_quantity <> 0),
			price           DECIMAL(20,6) NOT NULL CHECK (price > 0),
			source          TEXT NOT NULL,
			source_id       TEXT NOT NULL,
			processed_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS position_trades_key_trade_date_idx ON position_trades (position_key, trade_date)`,
		`CREATE INDEX IF NOT EXISTS position_trades_key_settlement_date_idx ON position_trades (position_key, settlement_date)`,
		`CREATE INDEX IF NOT EXISTS position_trades_dims_trade_date_idx ON position_trades (book, counterparty, instrument, trade_date)`,
		`CREATE INDEX IF NOT EXISTS position_trades_dims_settlement_date_idx ON position_trades (book, counterparty, instrument, settlement_date)`,
	}
	for _, basis := range []string{"", "_settled"} {
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS position_snapshots%s (
				position_key           TEXT NOT NULL,
				business_date          DATE NOT NULL,
				net_quantity           BIGINT NOT NULL,
				gross_long             BIGINT NOT NULL CHECK (gross_long >= 0),
				gross_short            BIGINT NOT NULL CHECK (gross_short >= 0),
				trade_count            BIGINT NOT NULL CHECK (trade_count >= 0),
				total_notional         DECIMAL(24,6) NOT NULL CHECK (total_notional >= 0),
				calculation_version    BIGINT NOT NULL CHECK (calculation_version >= 1),
				calculated_at          TIMESTAMPTZ NOT NULL,
				calculation_method     TEXT NOT NULL,
				calculation_request_id TEXT NOT NULL,
				last_sequence_num      BIGINT NOT NULL,
				last_trade_time        TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (position_key, business_date)
			)`, basis),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS position_average_prices%s (
				position_key         TEXT NOT NULL,
				business_date        DATE NOT NULL,
				price_method         TEXT NOT NULL,
				price                DECIMAL(20,12) NOT NULL,
				method_data          JSONB NOT NULL,
				calculation_version  BIGINT NOT NULL,
				calculated_at        TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (position_key, business_date, price_method),
				FOREIGN KEY (position_key, business_date) REFERENCES position_snapshots%s (position_key, business_date)
			)`, basis, basis),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS position_snapshots%s_history (
				history_id             UUID PRIMARY KEY,
				position_key           TEXT NOT NULL,
				business_date          DATE NOT NULL,
				calculation_version    BIGINT NOT NULL,
				net_quantity           BIGINT NOT NULL,
				gross_long             BIGINT NOT NULL,
				gross_short            BIGINT NOT NULL,
				trade_count            BIGINT NOT NULL,
				total_notional         DECIMAL(24,6) NOT NULL,
				calculated_at          TIMESTAMPTZ NOT NULL,
				superseded_at          TIMESTAMPTZ,
				change_reason          TEXT NOT NULL,
				previous_net_quantity  BIGINT,
				calculation_request_id TEXT NOT NULL,
				last_sequence_num      BIGINT NOT NULL,
				last_trade_time        TIMESTAMPTZ NOT NULL,
				calculation_method     TEXT NOT NULL
			)`, basis),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS position_snapshots%s_history_coord_idx ON position_snapshots%s_history (position_key, business_date, calculation_version)`, basis, basis),
		)
	}
	stmts = append(stmts,
		`INSERT INTO position_configs (config_id, config_type, name, key_format, price_methods, scope, active)
		 VALUES (1, 'OFFICIAL', 'Official Positions', 'BOOK_COUNTERPARTY_INSTRUMENT', 'WAC', '{"type":"ALL"}', TRUE)
		 ON CONFLICT (config_type, key_format, scope) DO NOTHING`,
	)

	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("exec %.60s...: %w", s, err)
		}
	}
	return nil
}
