// Package trip owns the trip status lifecycle. Every status write goes
// through Machine, which commits it with compare-and-set on the stored
// status and then informs its listeners.
package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
)

// Listener is told about every committed change. from is empty for a newly
// created trip. Listeners run in subscription order on the writer's
// goroutine and the write returns only after all of them, so whatever a
// listener does adds to request latency. Work the caller need not observe
// belongs on a goroutine of the listener's own; a listener that does block
// must bound itself with a timeout.
type Listener interface {
	TripChanged(ctx context.Context, t models.Trip, from models.TripStatus)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, t models.Trip, from models.TripStatus)

func (f ListenerFunc) TripChanged(ctx context.Context, t models.Trip, from models.TripStatus) {
	f(ctx, t, from)
}

type DriverLookup interface {
	Get(ctx context.Context, id string) (models.Driver, error)
}

type Quoter interface {
	Quote(ctx context.Context, from, to models.Coord, tier string) (fare.Quote, error)
}

// NewTrip carries the rider supplied fields of a trip request.
type NewTrip struct {
	Pickup          models.Place `json:"pickup"`
	Dropoff         models.Place `json:"dropoff"`
	RiderID         string       `json:"rider_id"`
	RiderName       string       `json:"rider_name"`
	RiderPhone      string       `json:"rider_phone"`
	Region          string       `json:"region"`
	Tier            string       `json:"tier"`
	PaymentCustomer string       `json:"payment_customer,omitempty"`
}

func (n NewTrip) validate() error {
	var missing []string
	if strings.TrimSpace(n.RiderID) == "" {
		missing = append(missing, "rider_id")
	}
	if models.NormalizeRegion(n.Region) == "" {
		missing = append(missing, "region")
	}
	if strings.TrimSpace(n.Pickup.Text) == "" {
		missing = append(missing, "pickup.text")
	}
	if strings.TrimSpace(n.Dropoff.Text) == "" {
		missing = append(missing, "dropoff.text")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidTrip, strings.Join(missing, ", "))
	}
	if !geo.ValidCoord(n.Pickup.Coord) || !geo.ValidCoord(n.Dropoff.Coord) {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidTrip)
	}
	return nil
}

type Machine struct {
	store     storage.TripStore
	drivers   DriverLookup
	quoter    Quoter
	listeners []Listener
	logger    *slog.Logger
	now       func() time.Time
}

func NewMachine(store storage.TripStore, drivers DriverLookup, quoter Quoter, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:   store,
		drivers: drivers,
		quoter:  quoter,
		logger:  logger.With("component", "trip"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers l for every later change. Not safe to call once the
// machine is serving requests.
func (m *Machine) Subscribe(l Listener) {
	m.listeners = append(m.listeners, l)
}

func (m *Machine) Create(ctx context.Context, req NewTrip) (models.Trip, error) {
	if err := req.validate(); err != nil {
		return models.Trip{}, err
	}
	q, err := m.quoter.Quote(ctx, req.Pickup.Coord, req.Dropoff.Coord, req.Tier)
	if err != nil {
		return models.Trip{}, fmt.Errorf("%w: %v", ErrInvalidTrip, err)
	}
	now := m.now()
	t := models.Trip{
		ID:              uuid.NewString(),
		Pickup:          req.Pickup,
		Dropoff:         req.Dropoff,
		RiderID:         req.RiderID,
		RiderName:       req.RiderName,
		RiderPhone:      req.RiderPhone,
		Region:          models.NormalizeRegion(req.Region),
		Price:           q.Price,
		DistanceKm:      q.DistanceKm,
		Tier:            q.Tier,
		Status:          models.StatusWaiting,
		PaymentStatus:   models.PaymentUnpaid,
		PaymentCustomer: req.PaymentCustomer,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.Create(ctx, &t); err != nil {
		return models.Trip{}, fmt.Errorf("create trip: %w", err)
	}
	m.logger.Info("trip created", "trip_id", t.ID, "region", t.Region, "tier", t.Tier, "price", t.Price)
	m.notify(ctx, t, "")
	return t, nil
}

func (m *Machine) Get(ctx context.Context, id string) (models.Trip, error) {
	return m.store.Get(ctx, id)
}

// CurrentStatus reads the committed status straight from the store.
func (m *Machine) CurrentStatus(ctx context.Context, id string) (models.TripStatus, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// AssignDriver gives a WAITING trip to driverID. Only the first of any
// number of concurrent callers succeeds; the rest get a *ConflictError.
func (m *Machine) AssignDriver(ctx context.Context, tripID, driverID string) (models.Trip, error) {
	t, err := m.store.Get(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if t.Status != models.StatusWaiting {
		return models.Trip{}, m.rejectAssignment(t)
	}
	d, err := m.drivers.Get(ctx, driverID)
	if err != nil {
		return models.Trip{}, fmt.Errorf("assign driver %s: %w", driverID, err)
	}
	busy, err := m.store.EngagedDrivers(ctx, []string{driverID})
	if err != nil {
		return models.Trip{}, fmt.Errorf("assign driver %s: %w", driverID, err)
	}
	if busy[driverID] {
		observability.AssignmentsTotal.WithLabelValues("driver_busy").Inc()
		return models.Trip{}, ErrDriverBusy
	}

	now := m.now()
	next := t
	next.Status = models.StatusDriverAssigned
	next.DriverID = d.ID
	next.DriverName = d.Name
	next.DriverPhone = d.Phone
	next.Vehicle = d.Vehicle
	next.DriverRate = d.Rate
	next.AcceptedAt = &now
	next.UpdatedAt = now

	// the store re-checks engagement inside the write; the lookup above
	// only spares a round trip in the common case
	committed, err := m.store.CompareAndSwap(ctx, next, models.StatusWaiting)
	if errors.Is(err, storage.ErrStaleWrite) {
		latest, gerr := m.store.Get(ctx, tripID)
		if gerr != nil {
			return models.Trip{}, gerr
		}
		return models.Trip{}, m.rejectAssignment(latest)
	}
	if errors.Is(err, storage.ErrDriverBusy) {
		observability.AssignmentsTotal.WithLabelValues("driver_busy").Inc()
		return models.Trip{}, ErrDriverBusy
	}
	if err != nil {
		return models.Trip{}, err
	}
	observability.AssignmentsTotal.WithLabelValues("won").Inc()
	observability.TransitionsTotal.WithLabelValues(string(committed.Status)).Inc()
	m.logger.Info("driver assigned", "trip_id", tripID, "driver_id", driverID)
	m.notify(ctx, committed, models.StatusWaiting)
	return committed, nil
}

func (m *Machine) rejectAssignment(t models.Trip) error {
	if t.Status.Terminal() && !t.HasDriver() {
		observability.AssignmentsTotal.WithLabelValues("invalid").Inc()
		return &InvalidTransitionError{TripID: t.ID, From: t.Status, To: models.StatusDriverAssigned}
	}
	observability.AssignmentsTotal.WithLabelValues("conflict").Inc()
	return &ConflictError{TripID: t.ID, Status: t.Status}
}

// Advance moves a trip one step along the lifecycle, or to CANCELLED from
// any non-terminal status. DRIVER_ASSIGNED is only reachable through
// AssignDriver.
func (m *Machine) Advance(ctx context.Context, tripID string, target models.TripStatus) (models.Trip, error) {
	return m.advance(ctx, tripID, target, "")
}

func (m *Machine) Cancel(ctx context.Context, tripID, reason string) (models.Trip, error) {
	return m.advance(ctx, tripID, models.StatusCancelled, reason)
}

func (m *Machine) advance(ctx context.Context, tripID string, target models.TripStatus, reason string) (models.Trip, error) {
	t, err := m.store.Get(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if !CanTransition(t.Status, target) {
		return models.Trip{}, &InvalidTransitionError{TripID: tripID, From: t.Status, To: target}
	}

	now := m.now()
	next := t
	next.Status = target
	next.UpdatedAt = now
	switch target {
	case models.StatusRiderPickedUp:
		next.PickedUpAt = &now
	case models.StatusTripCompleted:
		next.CompletedAt = &now
	case models.StatusCancelled:
		next.CancelledAt = &now
		next.CancelReason = reason
	}

	committed, err := m.store.CompareAndSwap(ctx, next, t.Status)
	if errors.Is(err, storage.ErrStaleWrite) {
		latest, gerr := m.store.Get(ctx, tripID)
		if gerr != nil {
			return models.Trip{}, gerr
		}
		return models.Trip{}, &ConflictError{TripID: tripID, Status: latest.Status}
	}
	if err != nil {
		return models.Trip{}, err
	}
	observability.TransitionsTotal.WithLabelValues(string(target)).Inc()
	m.logger.Info("trip advanced", "trip_id", tripID, "from", t.Status, "to", target)
	m.notify(ctx, committed, t.Status)
	return committed, nil
}

// CanTransition reports whether Advance accepts from -> to.
func CanTransition(from, to models.TripStatus) bool {
	if from.Terminal() || !from.Valid() || !to.Valid() {
		return false
	}
	if to == models.StatusCancelled {
		return true
	}
	if to == models.StatusDriverAssigned {
		return false
	}
	next, ok := from.Next()
	return ok && next == to
}

func (m *Machine) notify(ctx context.Context, t models.Trip, from models.TripStatus) {
	for _, l := range m.listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					m.logger.Error("trip listener panicked", "trip_id", t.ID, "error", rec)
				}
			}()
			l.TripChanged(ctx, t, from)
		}()
	}
}
