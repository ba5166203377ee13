// Package payments holds the rider's fare when a trip is requested and
// settles the hold when the trip ends.
package payments

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

type Gateway interface {
	Hold(ctx context.Context, key string, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

type Recorder interface {
	UpdatePayment(ctx context.Context, tripID string, status models.PaymentStatus, intentID string) error
}

// Settler places a hold for trips that carry a payment customer, captures it
// on completion and releases it on cancellation. Trips without a customer
// are paid outside the service and left untouched.
type Settler struct {
	gateway  Gateway
	trips    Recorder
	currency string
	timeout  time.Duration
	logger   *slog.Logger
}

func NewSettler(gw Gateway, trips Recorder, currency string, logger *slog.Logger) *Settler {
	if logger == nil {
		logger = slog.Default()
	}
	if currency == "" {
		currency = "usd"
	}
	return &Settler{gateway: gw, trips: trips, currency: currency, timeout: 10 * time.Second, logger: logger.With("component", "payments")}
}

// MinorUnits converts a fare to the smallest currency unit.
func MinorUnits(price float64) int64 {
	return int64(math.Round(price * 100))
}

// TripChanged runs on the writer's goroutine. The hold is placed before
// Create returns so a cancellation that follows at once finds it recorded;
// every gateway call is bounded by the settler timeout.
func (s *Settler) TripChanged(ctx context.Context, t models.Trip, from models.TripStatus) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	switch {
	case from == "" && t.PaymentCustomer != "":
		s.hold(ctx, t)
	case t.Status == models.StatusTripCompleted && t.PaymentStatus == models.PaymentHeld:
		s.settle(ctx, t, s.gateway.Capture, models.PaymentCaptured)
	case t.Status == models.StatusCancelled && t.PaymentStatus == models.PaymentHeld:
		s.settle(ctx, t, s.gateway.Cancel, models.PaymentReleased)
	}
}

func (s *Settler) hold(ctx context.Context, t models.Trip) {
	intent, err := s.gateway.Hold(ctx, "trip-hold-"+t.ID, MinorUnits(t.Price), s.currency, t.PaymentCustomer)
	if err != nil {
		s.logger.Error("hold fare", "trip_id", t.ID, "error", err)
		s.record(ctx, t.ID, models.PaymentFailed, "")
		return
	}
	s.record(ctx, t.ID, models.PaymentHeld, intent)
}

func (s *Settler) settle(ctx context.Context, t models.Trip, op func(context.Context, string) error, next models.PaymentStatus) {
	if err := op(ctx, t.PaymentIntentID); err != nil {
		s.logger.Error("settle fare", "trip_id", t.ID, "intent", t.PaymentIntentID, "target", next, "error", err)
		s.record(ctx, t.ID, models.PaymentFailed, t.PaymentIntentID)
		return
	}
	s.record(ctx, t.ID, next, t.PaymentIntentID)
}

// record writes the outcome even when the gateway call used up ctx.
func (s *Settler) record(ctx context.Context, tripID string, status models.PaymentStatus, intent string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.trips.UpdatePayment(ctx, tripID, status, intent); err != nil {
		s.logger.Error("record payment status", "trip_id", tripID, "status", status, "error", err)
		return
	}
	s.logger.Info("payment status", "trip_id", tripID, "status", status)
}
