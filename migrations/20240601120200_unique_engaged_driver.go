package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upUniqueEngagedDriver, downUniqueEngagedDriver)
}

// A driver holds at most one engaged trip.
func upUniqueEngagedDriver(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE UNIQUE INDEX uniq_trips_engaged_driver ON trips (driver_id)
		WHERE driver_id <> '' AND status IN
			('DRIVER_ASSIGNED', 'DRIVER_EN_ROUTE', 'DRIVER_ARRIVED', 'RIDER_PICKED_UP', 'TRIP_IN_PROGRESS');
	`)
	return err
}

func downUniqueEngagedDriver(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS uniq_trips_engaged_driver;`)
	return err
}
