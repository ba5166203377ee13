package trip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/registry"
	"github.com/example/trip-dispatch/internal/storage"
)

type fixedQuoter struct{}

func (fixedQuoter) Quote(ctx context.Context, from, to models.Coord, tier string) (fare.Quote, error) {
	if tier == "" {
		tier = "economy"
	}
	return fare.Quote{Tier: tier, DistanceKm: 7.5, Price: 6000}, nil
}

type recorder struct {
	mu      sync.Mutex
	changes []models.TripStatus
	froms   []models.TripStatus
}

func (r *recorder) TripChanged(ctx context.Context, t models.Trip, from models.TripStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, t.Status)
	r.froms = append(r.froms, from)
}

func setup(t *testing.T, drivers ...models.Driver) (*Machine, *storage.MemoryStore, *recorder) {
	t.Helper()
	store := storage.NewMemoryStore()
	reg := registry.NewMemory()
	for _, d := range drivers {
		require.NoError(t, reg.Upsert(context.Background(), d))
	}
	m := NewMachine(store, reg, fixedQuoter{}, nil)
	rec := &recorder{}
	m.Subscribe(rec)
	return m, store, rec
}

func newTripRequest() NewTrip {
	return NewTrip{
		Pickup:     models.Place{Text: "Sami Abdulrahman Park", Coord: models.Coord{Lat: 36.2, Lon: 44.0}},
		Dropoff:    models.Place{Text: "Erbil Citadel", Coord: models.Coord{Lat: 36.19, Lon: 44.01}},
		RiderID:    "r1",
		RiderName:  "Lana",
		RiderPhone: "+9647501234567",
		Region:     " Erbil",
	}
}

func TestCreateStartsWaiting(t *testing.T) {
	m, _, rec := setup(t)
	tr, err := m.Create(context.Background(), newTripRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, tr.Status)
	assert.Equal(t, "erbil", tr.Region)
	assert.Equal(t, 6000.0, tr.Price)
	assert.Equal(t, 7.5, tr.DistanceKm)
	assert.Equal(t, models.PaymentUnpaid, tr.PaymentStatus)
	assert.False(t, tr.HasDriver())
	assert.Equal(t, []models.TripStatus{models.StatusWaiting}, rec.changes)
	assert.Equal(t, models.TripStatus(""), rec.froms[0])
}

func TestCreateRejectsMissingFields(t *testing.T) {
	m, _, _ := setup(t)
	req := newTripRequest()
	req.RiderID = ""
	req.Region = "  "
	_, err := m.Create(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidTrip)
	assert.Contains(t, err.Error(), "rider_id")
	assert.Contains(t, err.Error(), "region")
}

func TestAssignDriverRecordsSnapshot(t *testing.T) {
	m, _, rec := setup(t, models.Driver{ID: "d1", Name: "Karwan", Phone: "+9647700000001", Vehicle: "Toyota Corolla white", Rate: 4.8, Active: true})
	ctx := context.Background()
	tr, err := m.Create(ctx, newTripRequest())
	require.NoError(t, err)

	got, err := m.AssignDriver(ctx, tr.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDriverAssigned, got.Status)
	assert.Equal(t, "Karwan", got.DriverName)
	assert.Equal(t, "Toyota Corolla white", got.Vehicle)
	assert.Equal(t, 4.8, got.DriverRate)
	require.NotNil(t, got.AcceptedAt)
	assert.Equal(t, models.StatusWaiting, rec.froms[len(rec.froms)-1])
}

func TestConcurrentAssignmentHasOneWinner(t *testing.T) {
	const n = 32
	drivers := make([]models.Driver, n)
	for i := range drivers {
		drivers[i] = models.Driver{ID: fmt.Sprintf("d%02d", i), Name: fmt.Sprintf("driver %d", i), Active: true}
	}
	m, _, _ := setup(t, drivers...)
	ctx := context.Background()
	tr, err := m.Create(ctx, newTripRequest())
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	start := make(chan struct{})
	for _, d := range drivers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := m.AssignDriver(ctx, tr.ID, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, id)
			case errors.Is(err, ErrConflict):
				var ce *ConflictError
				assert.True(t, errors.As(err, &ce))
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(d.ID)
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, conflicts)
	final, err := m.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], final.DriverID)
	assert.Equal(t, models.StatusDriverAssigned, final.Status)
}

func TestAssignCancelledTripIsInvalid(t *testing.T) {
	m, _, _ := setup(t, models.Driver{ID: "d1", Active: true})
	ctx := context.Background()
	tr, _ := m.Create(ctx, newTripRequest())
	_, err := m.Cancel(ctx, tr.ID, "rider changed plans")
	require.NoError(t, err)

	_, err = m.AssignDriver(ctx, tr.ID, "d1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAssignBusyDriver(t *testing.T) {
	m, _, _ := setup(t, models.Driver{ID: "d1", Active: true})
	ctx := context.Background()
	first, _ := m.Create(ctx, newTripRequest())
	second, _ := m.Create(ctx, newTripRequest())
	_, err := m.AssignDriver(ctx, first.ID, "d1")
	require.NoError(t, err)

	_, err = m.AssignDriver(ctx, second.ID, "d1")
	assert.ErrorIs(t, err, ErrDriverBusy)
}

// slowCAS widens the gap between the engagement lookup and the write, the
// way a remote database does.
type slowCAS struct {
	storage.TripStore
}

func (s slowCAS) CompareAndSwap(ctx context.Context, t models.Trip, expected models.TripStatus) (models.Trip, error) {
	time.Sleep(5 * time.Millisecond)
	return s.TripStore.CompareAndSwap(ctx, t, expected)
}

func TestConcurrentAssignSameDriverTwoTrips(t *testing.T) {
	store := storage.NewMemoryStore()
	reg := registry.NewMemory()
	require.NoError(t, reg.Upsert(context.Background(), models.Driver{ID: "d1", Active: true, Region: "erbil"}))
	m := NewMachine(slowCAS{store}, reg, fixedQuoter{}, nil)
	ctx := context.Background()

	a, err := m.Create(ctx, newTripRequest())
	require.NoError(t, err)
	b, err := m.Create(ctx, newTripRequest())
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, tripID string) {
			defer wg.Done()
			_, errs[i] = m.AssignDriver(ctx, tripID, "d1")
		}(i, id)
	}
	wg.Wait()

	var won, busy int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrDriverBusy):
			busy++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, busy)

	engaged, err := store.EngagedDrivers(ctx, []string{"d1"})
	require.NoError(t, err)
	assert.True(t, engaged["d1"])
	waiting := 0
	for _, id := range []string{a.ID, b.ID} {
		tr, err := store.Get(ctx, id)
		require.NoError(t, err)
		if tr.Status == models.StatusWaiting {
			waiting++
		}
	}
	assert.Equal(t, 1, waiting)
}

func TestListenersRunInOrderBeforeWriteReturns(t *testing.T) {
	m, _, _ := setup(t)
	var mu sync.Mutex
	var order []string
	listen := func(name string, delay time.Duration) Listener {
		return ListenerFunc(func(ctx context.Context, tr models.Trip, from models.TripStatus) {
			time.Sleep(delay)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}
	m.Subscribe(listen("slow", 20*time.Millisecond))
	m.Subscribe(listen("fast", 0))

	_, err := m.Create(context.Background(), newTripRequest())
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"slow", "fast"}, order)
}

func TestAdvanceFullLifecycleStampsMilestones(t *testing.T) {
	m, _, rec := setup(t, models.Driver{ID: "d1", Active: true})
	ctx := context.Background()
	tr, _ := m.Create(ctx, newTripRequest())
	_, err := m.AssignDriver(ctx, tr.ID, "d1")
	require.NoError(t, err)

	var last models.Trip
	for _, st := range models.Lifecycle()[2:] {
		last, err = m.Advance(ctx, tr.ID, st)
		require.NoError(t, err, "advance to %s", st)
	}
	assert.Equal(t, models.StatusTripCompleted, last.Status)
	assert.NotNil(t, last.PickedUpAt)
	assert.NotNil(t, last.CompletedAt)
	assert.Nil(t, last.CancelledAt)
	assert.Len(t, rec.changes, 7)

	_, err = m.Cancel(ctx, tr.ID, "too late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAdvanceRejectsNonAdjacentTransitions(t *testing.T) {
	statuses := append(models.Lifecycle(), models.StatusCancelled)
	for _, from := range statuses {
		for _, to := range statuses {
			next, hasNext := from.Next()
			legal := !from.Terminal() && (to == models.StatusCancelled || (hasNext && next == to && to != models.StatusDriverAssigned))
			assert.Equal(t, legal, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, CanTransition(models.StatusWaiting, "BOGUS"))
}

func TestAdvanceInvalidLeavesStatusUnchanged(t *testing.T) {
	m, _, _ := setup(t, models.Driver{ID: "d1", Active: true})
	ctx := context.Background()
	tr, _ := m.Create(ctx, newTripRequest())

	_, err := m.Advance(ctx, tr.ID, models.StatusDriverArrived)
	var ite *InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, models.StatusWaiting, ite.From)
	assert.Equal(t, models.StatusDriverArrived, ite.To)

	_, err = m.Advance(ctx, tr.ID, models.StatusDriverAssigned)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	st, err := m.CurrentStatus(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, st)
}

func TestCancelRecordsReason(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	tr, _ := m.Create(ctx, newTripRequest())
	got, err := m.Cancel(ctx, tr.ID, "no show")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, "no show", got.CancelReason)
	assert.NotNil(t, got.CancelledAt)
}

func TestUnknownTrip(t *testing.T) {
	m, _, _ := setup(t)
	_, err := m.CurrentStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListenerPanicDoesNotBreakWrite(t *testing.T) {
	m, _, _ := setup(t)
	m.Subscribe(ListenerFunc(func(ctx context.Context, t models.Trip, from models.TripStatus) { panic("boom") }))
	_, err := m.Create(context.Background(), newTripRequest())
	assert.NoError(t, err)
}
