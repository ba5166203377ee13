package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upCreateDriverLedger, downCreateDriverLedger)
}

func upCreateDriverLedger(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE driver_balances (
			driver_id  TEXT PRIMARY KEY,
			balance    BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		CREATE TABLE ledger_entries (
			seq            BIGSERIAL PRIMARY KEY,
			id             TEXT NOT NULL UNIQUE,
			driver_id      TEXT NOT NULL,
			delta          BIGINT NOT NULL CHECK (delta <> 0),
			balance_before BIGINT NOT NULL,
			balance_after  BIGINT NOT NULL,
			actor          TEXT NOT NULL,
			reason         TEXT NOT NULL DEFAULT '',
			trip_id        TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `CREATE INDEX idx_ledger_entries_driver ON ledger_entries (driver_id, seq DESC);`)
	if err != nil {
		return err
	}
	// one posting per actor per trip
	_, err = tx.ExecContext(ctx, `CREATE UNIQUE INDEX uq_ledger_entries_trip_actor ON ledger_entries (trip_id, actor) WHERE trip_id <> '';`)
	return err
}

func downCreateDriverLedger(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS ledger_entries;`)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DROP TABLE IF EXISTS driver_balances;`)
	return err
}
