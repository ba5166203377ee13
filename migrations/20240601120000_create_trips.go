package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upCreateTrips, downCreateTrips)
}

func upCreateTrips(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE trips (
			id                TEXT PRIMARY KEY,
			pickup_text       TEXT NOT NULL,
			pickup_lat        DOUBLE PRECISION NOT NULL DEFAULT 0,
			pickup_lon        DOUBLE PRECISION NOT NULL DEFAULT 0,
			dropoff_text      TEXT NOT NULL,
			dropoff_lat       DOUBLE PRECISION NOT NULL DEFAULT 0,
			dropoff_lon       DOUBLE PRECISION NOT NULL DEFAULT 0,
			rider_id          TEXT NOT NULL,
			rider_name        TEXT NOT NULL DEFAULT '',
			rider_phone       TEXT NOT NULL DEFAULT '',
			region            TEXT NOT NULL,
			price             DOUBLE PRECISION NOT NULL,
			distance_km       DOUBLE PRECISION NOT NULL,
			tier              TEXT NOT NULL,
			status            TEXT NOT NULL,
			driver_id         TEXT NOT NULL DEFAULT '',
			driver_name       TEXT NOT NULL DEFAULT '',
			driver_phone      TEXT NOT NULL DEFAULT '',
			vehicle           TEXT NOT NULL DEFAULT '',
			driver_rate       DOUBLE PRECISION NOT NULL DEFAULT 0,
			payment_status    TEXT NOT NULL DEFAULT 'unpaid',
			payment_customer  TEXT NOT NULL DEFAULT '',
			payment_intent_id TEXT NOT NULL DEFAULT '',
			cancel_reason     TEXT NOT NULL DEFAULT '',
			accepted_at       TIMESTAMPTZ,
			picked_up_at      TIMESTAMPTZ,
			completed_at      TIMESTAMPTZ,
			cancelled_at      TIMESTAMPTZ,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			version           BIGINT NOT NULL DEFAULT 1
		);
	`)
	if err != nil {
		return err
	}

	// engaged-driver lookups
	_, err = tx.ExecContext(ctx, `CREATE INDEX idx_trips_driver_status ON trips (driver_id, status) WHERE driver_id <> '';`)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `CREATE INDEX idx_trips_region_status ON trips (region, status);`)
	return err
}

func downCreateTrips(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS trips;`)
	return err
}
