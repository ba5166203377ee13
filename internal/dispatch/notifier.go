// Package dispatch tells riders what is happening to their trip, through
// push notifications and live WebSocket sessions.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/i18n"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/push"
)

var riderKinds = map[models.TripStatus]i18n.Kind{
	models.StatusDriverAssigned: i18n.KindTripAccepted,
	models.StatusDriverEnRoute:  i18n.KindDriverEnRoute,
	models.StatusDriverArrived:  i18n.KindDriverArrived,
	models.StatusTripInProgress: i18n.KindTripStarted,
	models.StatusTripCompleted:  i18n.KindTripCompleted,
	models.StatusCancelled:      i18n.KindTripCancelled,
}

// RiderKind returns the notification sent to the rider when a trip enters
// status. Not every status is announced.
func RiderKind(status models.TripStatus) (i18n.Kind, bool) {
	k, ok := riderKinds[status]
	return k, ok
}

type DeviceLookup interface {
	Get(ctx context.Context, riderID string) (Device, error)
	Clear(ctx context.Context, riderID, token string) error
}

type Renderer interface {
	Render(kind i18n.Kind, lang i18n.Language, fields map[string]string) (i18n.Content, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, envs []models.Envelope) push.Report
}

// Notifier pushes a localized message to the rider on every announced
// status change. Sends run in the background with their own timeout.
type Notifier struct {
	devices  DeviceLookup
	resolver *i18n.Resolver
	catalog  Renderer
	gateway  Deliverer
	timeout  time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewNotifier(devices DeviceLookup, resolver *i18n.Resolver, catalog Renderer, gateway Deliverer, logger *slog.Logger) *Notifier {
	if resolver == nil {
		resolver = i18n.NewResolver(i18n.English, i18n.DefaultRules()...)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		devices:  devices,
		resolver: resolver,
		catalog:  catalog,
		gateway:  gateway,
		timeout:  10 * time.Second,
		logger:   logger.With("component", "notifier"),
	}
}

func (n *Notifier) TripChanged(ctx context.Context, t models.Trip, from models.TripStatus) {
	kind, ok := RiderKind(t.Status)
	if !ok || from == "" {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.notify(ctx, t, kind); err != nil && !errors.Is(err, ErrNoDevice) {
			n.logger.Warn("notify rider", "trip_id", t.ID, "kind", kind, "error", err)
		}
	}()
}

// Wait blocks until in-flight notifications are done.
func (n *Notifier) Wait() { n.wg.Wait() }

func (n *Notifier) notify(ctx context.Context, t models.Trip, kind i18n.Kind) error {
	dev, err := n.devices.Get(ctx, t.RiderID)
	if err != nil {
		return err
	}
	lang := n.resolver.Resolve(dev.Language, t.RiderPhone)
	fields := riderFields(t)
	c, err := n.catalog.Render(kind, lang, fields)
	if err != nil {
		return err
	}
	fields["trip_id"] = t.ID
	fields["kind"] = string(kind)
	fields["status"] = string(t.Status)

	report := n.gateway.Deliver(ctx, []models.Envelope{{
		Token:    dev.Token,
		Title:    c.Title,
		Body:     c.Body,
		Language: string(c.Language),
		Payload:  fields,
	}})
	for _, o := range report.InvalidTokens() {
		if err := n.devices.Clear(ctx, t.RiderID, o.Token); err != nil {
			n.logger.Warn("clear rider token", "rider_id", t.RiderID, "error", err)
		}
	}
	return nil
}

func riderFields(t models.Trip) map[string]string {
	return map[string]string{
		"driver_name": t.DriverName,
		"vehicle":     t.Vehicle,
		"pickup":      t.Pickup.Text,
		"dropoff":     t.Dropoff.Text,
		"fare":        strconv.FormatFloat(t.Price, 'f', -1, 64),
	}
}
