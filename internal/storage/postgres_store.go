package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tripColumns = `id, pickup_text, pickup_lat, pickup_lon, dropoff_text, dropoff_lat, dropoff_lon,
	rider_id, rider_name, rider_phone, region, price, distance_km, tier,
	status, driver_id, driver_name, driver_phone, vehicle, driver_rate,
	payment_status, payment_customer, payment_intent_id, cancel_reason,
	accepted_at, picked_up_at, completed_at, cancelled_at, created_at, updated_at, version`

func (p *PostgresStore) Create(ctx context.Context, t *models.Trip) error {
	t.Version = 1
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(`+tripColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31)`,
		t.ID, t.Pickup.Text, t.Pickup.Coord.Lat, t.Pickup.Coord.Lon, t.Dropoff.Text, t.Dropoff.Coord.Lat, t.Dropoff.Coord.Lon,
		t.RiderID, t.RiderName, t.RiderPhone, t.Region, t.Price, t.DistanceKm, t.Tier,
		t.Status, t.DriverID, t.DriverName, t.DriverPhone, t.Vehicle, t.DriverRate,
		t.PaymentStatus, t.PaymentCustomer, t.PaymentIntentID, t.CancelReason,
		t.AcceptedAt, t.PickedUpAt, t.CompletedAt, t.CancelledAt, t.CreatedAt, t.UpdatedAt, t.Version)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, id)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, ErrNotFound
	}
	return t, err
}

var engagedStatuses = []string{
	string(models.StatusDriverAssigned), string(models.StatusDriverEnRoute), string(models.StatusDriverArrived),
	string(models.StatusRiderPickedUp), string(models.StatusTripInProgress),
}

// CompareAndSwap relies on the status predicate in the WHERE clause, so two
// concurrent writers that read the same status cannot both commit. The
// NOT EXISTS guard rejects a second engaged trip for the driver; the
// partial unique index on engaged driver_id catches writers that race
// past it.
func (p *PostgresStore) CompareAndSwap(ctx context.Context, t models.Trip, expected models.TripStatus) (models.Trip, error) {
	guardDriver := ""
	if t.DriverID != "" && t.Status.Engaged() {
		guardDriver = t.DriverID
	}
	row := p.db.QueryRowContext(ctx, `UPDATE trips SET
			status=$1, driver_id=$2, driver_name=$3, driver_phone=$4, vehicle=$5, driver_rate=$6,
			cancel_reason=$7, accepted_at=$8, picked_up_at=$9, completed_at=$10, cancelled_at=$11,
			updated_at=$12, version=version+1
		WHERE id=$13 AND status=$14
			AND ($15 = '' OR NOT EXISTS (
				SELECT 1 FROM trips o WHERE o.driver_id=$15 AND o.id<>$13 AND o.status = ANY($16)))
		RETURNING `+tripColumns,
		t.Status, t.DriverID, t.DriverName, t.DriverPhone, t.Vehicle, t.DriverRate,
		t.CancelReason, t.AcceptedAt, t.PickedUpAt, t.CompletedAt, t.CancelledAt,
		t.UpdatedAt, t.ID, expected, guardDriver, pq.Array(engagedStatuses))
	out, err := scanTrip(row)
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pqErr) && pqErr.Code == "23505":
		return models.Trip{}, ErrDriverBusy
	case errors.Is(err, sql.ErrNoRows):
		cur, gerr := p.Get(ctx, t.ID)
		if gerr != nil {
			return models.Trip{}, gerr
		}
		if cur.Status != expected {
			return models.Trip{}, ErrStaleWrite
		}
		return models.Trip{}, ErrDriverBusy
	}
	return out, err
}

func (p *PostgresStore) UpdatePayment(ctx context.Context, id string, status models.PaymentStatus, intentID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET payment_status=$1,
		payment_intent_id=CASE WHEN $2 = '' THEN payment_intent_id ELSE $2 END, updated_at=$3 WHERE id=$4`,
		status, intentID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) EngagedDrivers(ctx context.Context, driverIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(driverIDs) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT driver_id FROM trips WHERE driver_id = ANY($1) AND status = ANY($2)`,
		pq.Array(driverIDs), pq.Array(engagedStatuses))
	if err != nil {
		return nil, fmt.Errorf("engaged drivers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(r rowScanner) (models.Trip, error) {
	var t models.Trip
	err := r.Scan(&t.ID, &t.Pickup.Text, &t.Pickup.Coord.Lat, &t.Pickup.Coord.Lon, &t.Dropoff.Text, &t.Dropoff.Coord.Lat, &t.Dropoff.Coord.Lon,
		&t.RiderID, &t.RiderName, &t.RiderPhone, &t.Region, &t.Price, &t.DistanceKm, &t.Tier,
		&t.Status, &t.DriverID, &t.DriverName, &t.DriverPhone, &t.Vehicle, &t.DriverRate,
		&t.PaymentStatus, &t.PaymentCustomer, &t.PaymentIntentID, &t.CancelReason,
		&t.AcceptedAt, &t.PickedUpAt, &t.CompletedAt, &t.CancelledAt, &t.CreatedAt, &t.UpdatedAt, &t.Version)
	return t, err
}
