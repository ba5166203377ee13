// Package events publishes trip lifecycle events to the message bus so that
// other services can follow trips without polling.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

const (
	TypeTripCreated       = "trip.created"
	TypeTripAssigned      = "trip.assigned"
	TypeTripStatusChanged = "trip.status_changed"
)

type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	TripID     string            `json:"trip_id"`
	Status     models.TripStatus `json:"status"`
	From       models.TripStatus `json:"from,omitempty"`
	RiderID    string            `json:"rider_id"`
	DriverID   string            `json:"driver_id,omitempty"`
	Region     string            `json:"region"`
	Tier       string            `json:"tier"`
	Price      float64           `json:"price"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// FromTrip describes the change of t away from status from. An empty from
// means t was just created.
func FromTrip(t models.Trip, from models.TripStatus) Event {
	typ := TypeTripStatusChanged
	switch {
	case from == "":
		typ = TypeTripCreated
	case t.Status == models.StatusDriverAssigned:
		typ = TypeTripAssigned
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		TripID:     t.ID,
		Status:     t.Status,
		From:       from,
		RiderID:    t.RiderID,
		DriverID:   t.DriverID,
		Region:     t.Region,
		Tier:       t.Tier,
		Price:      t.Price,
		OccurredAt: t.UpdatedAt,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event. It is used when no bus is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error { return nil }

// Forwarder turns trip changes into published events. Publishing happens
// off the caller's goroutine so a slow broker never delays a status write.
type Forwarder struct {
	pub     Publisher
	backend string
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewForwarder(pub Publisher, backend string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{pub: pub, backend: backend, timeout: 5 * time.Second, logger: logger.With("component", "events")}
}

func (f *Forwarder) TripChanged(ctx context.Context, t models.Trip, from models.TripStatus) {
	e := FromTrip(t, from)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		pctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		if err := f.pub.Publish(pctx, e); err != nil {
			observability.EventsPublishedTotal.WithLabelValues(f.backend, "error").Inc()
			f.logger.Warn("publish event", "type", e.Type, "trip_id", e.TripID, "error", err)
			return
		}
		observability.EventsPublishedTotal.WithLabelValues(f.backend, "ok").Inc()
	}()
}

// Wait blocks until every in-flight publish has finished.
func (f *Forwarder) Wait() { f.wg.Wait() }
