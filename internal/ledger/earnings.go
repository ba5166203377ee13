package ledger

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// CompletionActor is recorded on credits posted when a trip completes.
const CompletionActor = "system:trip-completed"

// DriverShare converts price to minor units (hundredths) and keeps the part
// left after commission.
func DriverShare(price, commissionPct float64) int64 {
	minor := math.Round(price * 100)
	return int64(math.Round(minor * (100 - commissionPct) / 100))
}

// Earnings credits the assigned driver when a trip completes.
type Earnings struct {
	store         Store
	commissionPct float64
	logger        *slog.Logger
}

func NewEarnings(store Store, commissionPct float64, logger *slog.Logger) *Earnings {
	if logger == nil {
		logger = slog.Default()
	}
	return &Earnings{store: store, commissionPct: commissionPct, logger: logger.With("component", "earnings")}
}

func (e *Earnings) TripChanged(ctx context.Context, t models.Trip, from models.TripStatus) {
	if t.Status != models.StatusTripCompleted || !t.HasDriver() {
		return
	}
	amount := DriverShare(t.Price, e.commissionPct)
	if amount <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	entry, err := e.store.Apply(ctx, t.DriverID, amount, CompletionActor, "trip fare", t.ID)
	switch {
	case errors.Is(err, ErrDuplicate):
		e.logger.Warn("trip already credited", "trip_id", t.ID, "driver_id", t.DriverID)
	case err != nil:
		e.logger.Error("credit driver", "trip_id", t.ID, "driver_id", t.DriverID, "error", err)
	default:
		observability.LedgerCreditsTotal.Inc()
		e.logger.Info("driver credited", "trip_id", t.ID, "driver_id", t.DriverID, "delta", entry.Delta, "balance", entry.After)
	}
}
