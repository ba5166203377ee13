package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

// Apply adds delta to the driver's balance and records the audit entry in
// one transaction. The balance row is updated with an atomic increment so
// concurrent credits never lose each other.
func (p *Postgres) Apply(ctx context.Context, driverID string, delta int64, actor, reason, tripID string) (models.LedgerEntry, error) {
	if err := validate(driverID, delta, actor); err != nil {
		return models.LedgerEntry{}, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	var after int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO driver_balances (driver_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (driver_id) DO UPDATE
		SET balance = driver_balances.balance + EXCLUDED.balance, updated_at = NOW()
		RETURNING balance`, driverID, delta).Scan(&after)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("update balance: %w", err)
	}

	e := models.LedgerEntry{
		ID:        uuid.NewString(),
		DriverID:  driverID,
		Delta:     delta,
		Before:    after - delta,
		After:     after,
		Actor:     actor,
		Reason:    reason,
		TripID:    tripID,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, driver_id, delta, balance_before, balance_after, actor, reason, trip_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.DriverID, e.Delta, e.Before, e.After, e.Actor, e.Reason, e.TripID, e.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return models.LedgerEntry{}, ErrDuplicate
		}
		return models.LedgerEntry{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.LedgerEntry{}, fmt.Errorf("commit ledger tx: %w", err)
	}
	return e, nil
}

func (p *Postgres) Balance(ctx context.Context, driverID string) (int64, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx, `SELECT balance FROM driver_balances WHERE driver_id = $1`, driverID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return balance, nil
}

func (p *Postgres) Entries(ctx context.Context, driverID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, driver_id, delta, balance_before, balance_after, actor, reason, trip_id, created_at
		FROM ledger_entries
		WHERE driver_id = $1
		ORDER BY seq DESC
		LIMIT $2`, driverID, limit)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.DriverID, &e.Delta, &e.Before, &e.After, &e.Actor, &e.Reason, &e.TripID, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
