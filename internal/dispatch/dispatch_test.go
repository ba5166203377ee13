package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/i18n"
	"github.com/example/trip-dispatch/internal/kv"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/push"
)

type captureGateway struct {
	mu   sync.Mutex
	envs []models.Envelope
	dead bool
}

func (g *captureGateway) Deliver(ctx context.Context, envs []models.Envelope) push.Report {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.envs = append(g.envs, envs...)
	var r push.Report
	for _, e := range envs {
		if g.dead {
			r.Outcomes = append(r.Outcomes, push.Outcome{Token: e.Token, Reason: push.InvalidToken, Err: push.ErrInvalidToken})
			continue
		}
		r.Outcomes = append(r.Outcomes, push.Outcome{Token: e.Token, Delivered: true})
	}
	return r
}

func assignedTrip() models.Trip {
	return models.Trip{
		ID:         "t1",
		RiderID:    "r1",
		RiderPhone: "+905321234567",
		Pickup:     models.Place{Text: "Taksim"},
		Dropoff:    models.Place{Text: "Kadikoy"},
		Price:      250,
		Status:     models.StatusDriverAssigned,
		DriverID:   "d1",
		DriverName: "Mehmet",
		Vehicle:    "White Fiat Egea",
	}
}

func TestRiderKind(t *testing.T) {
	k, ok := RiderKind(models.StatusDriverAssigned)
	assert.True(t, ok)
	assert.Equal(t, i18n.KindTripAccepted, k)

	_, ok = RiderKind(models.StatusRiderPickedUp)
	assert.False(t, ok)
	_, ok = RiderKind(models.StatusWaiting)
	assert.False(t, ok)
}

func TestNotifierSendsLocalizedRiderPush(t *testing.T) {
	ctx := context.Background()
	devices := NewRiderDevices(kv.NewMemory())
	require.NoError(t, devices.Set(ctx, "r1", Device{Token: "rider-tok"}))
	gw := &captureGateway{}
	n := NewNotifier(devices, nil, i18n.NewCatalog(), gw, nil)

	n.TripChanged(ctx, assignedTrip(), models.StatusWaiting)
	n.Wait()

	require.Len(t, gw.envs, 1)
	e := gw.envs[0]
	assert.Equal(t, "rider-tok", e.Token)
	assert.Equal(t, "tr", e.Language)
	assert.Equal(t, "trip_accepted", e.Payload["kind"])
	assert.Equal(t, "t1", e.Payload["trip_id"])
	assert.Contains(t, e.Body, "Mehmet")
}

func TestNotifierSkipsUnannouncedStatusesAndMissingDevices(t *testing.T) {
	ctx := context.Background()
	devices := NewRiderDevices(kv.NewMemory())
	gw := &captureGateway{}
	n := NewNotifier(devices, nil, i18n.NewCatalog(), gw, nil)

	n.TripChanged(ctx, assignedTrip(), models.StatusWaiting)
	n.Wait()
	trip := assignedTrip()
	trip.Status = models.StatusRiderPickedUp
	require.NoError(t, devices.Set(ctx, "r1", Device{Token: "rider-tok"}))
	n.TripChanged(ctx, trip, models.StatusDriverArrived)
	n.Wait()

	assert.Empty(t, gw.envs)
}

func TestNotifierClearsDeadRiderToken(t *testing.T) {
	ctx := context.Background()
	devices := NewRiderDevices(kv.NewMemory())
	require.NoError(t, devices.Set(ctx, "r1", Device{Token: "rider-tok", Language: "en"}))
	n := NewNotifier(devices, nil, i18n.NewCatalog(), &captureGateway{dead: true}, nil)

	n.TripChanged(ctx, assignedTrip(), models.StatusWaiting)
	n.Wait()

	_, err := devices.Get(ctx, "r1")
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestRiderDevicesClearKeepsNewerToken(t *testing.T) {
	ctx := context.Background()
	devices := NewRiderDevices(kv.NewMemory())
	require.NoError(t, devices.Set(ctx, "r1", Device{Token: "new"}))
	require.NoError(t, devices.Clear(ctx, "r1", "old"))

	dev, err := devices.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "new", dev.Token)
}

func TestWSRegistryPushesStatusToRiderAndDriver(t *testing.T) {
	reg := NewWSRegistry(nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add(strings.TrimPrefix(r.URL.Path, "/"), conn)
	}))
	defer srv.Close()

	dial := func(user string) *websocket.Conn {
		c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/"+user, nil)
		require.NoError(t, err)
		return c
	}
	rider, driver := dial("r1"), dial("d1")
	defer rider.Close()
	defer driver.Close()
	require.Eventually(t, func() bool { return reg.Len() == 2 }, time.Second, 5*time.Millisecond)

	trip := assignedTrip()
	trip.Status = models.StatusDriverArrived
	reg.TripChanged(context.Background(), trip, models.StatusDriverEnRoute)

	for _, c := range []*websocket.Conn{rider, driver} {
		_ = c.SetReadDeadline(time.Now().Add(time.Second))
		var got models.StatusUpdate
		require.NoError(t, c.ReadJSON(&got))
		assert.Equal(t, "t1", got.TripID)
		assert.Equal(t, models.StatusDriverArrived, got.Status)
	}

	assert.ErrorIs(t, reg.Send("nobody", models.StatusUpdate{}), ErrNoSession)
}
