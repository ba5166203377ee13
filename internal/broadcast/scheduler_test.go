package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/eligibility"
	"github.com/example/trip-dispatch/internal/i18n"
	"github.com/example/trip-dispatch/internal/kv"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/push"
)

type fakeStatus struct {
	mu     sync.Mutex
	status map[string]models.TripStatus
	err    error
}

func (f *fakeStatus) set(id string, s models.TripStatus) {
	f.mu.Lock()
	f.status[id] = s
	f.mu.Unlock()
}

func (f *fakeStatus) CurrentStatus(ctx context.Context, id string) (models.TripStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.status[id], nil
}

type fakeEligible struct {
	mu         sync.Mutex
	recipients []eligibility.Recipient
	failFirst  int
	calls      int
	// onCall runs after the call is counted, outside the lock.
	onCall func(call int)
}

func (f *fakeEligible) Eligible(ctx context.Context, region, tier string) ([]eligibility.Recipient, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fail := call <= f.failFirst
	out := append([]eligibility.Recipient(nil), f.recipients...)
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	if fail {
		return nil, errors.New("registry unavailable")
	}
	return out, nil
}

type recordingGateway struct {
	mu      sync.Mutex
	batches [][]models.Envelope
	dead    map[string]bool
}

func (g *recordingGateway) Deliver(ctx context.Context, envs []models.Envelope) push.Report {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.batches = append(g.batches, envs)
	var r push.Report
	for _, e := range envs {
		o := push.Outcome{Token: e.Token, DriverID: e.DriverID, Delivered: true}
		if g.dead[e.Token] {
			o = push.Outcome{Token: e.Token, DriverID: e.DriverID, Reason: push.InvalidToken, Err: push.ErrInvalidToken}
		}
		r.Outcomes = append(r.Outcomes, o)
	}
	return r
}

func (g *recordingGateway) deliveries() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.batches)
}

func (g *recordingGateway) batch(i int) []models.Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.batches[i]
}

type fakeTokens struct {
	mu      sync.Mutex
	cleared map[string]string
}

func (f *fakeTokens) ClearToken(ctx context.Context, driverID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared[driverID] = token
	return nil
}

func (f *fakeTokens) get(driverID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.cleared[driverID]
	return t, ok
}

type harness struct {
	status   *fakeStatus
	eligible *fakeEligible
	gateway  *recordingGateway
	tokens   *fakeTokens
	sched    *Scheduler
}

func newHarness(t *testing.T, cfg Config, leases kv.Store, recipients ...eligibility.Recipient) *harness {
	t.Helper()
	h := &harness{
		status:   &fakeStatus{status: map[string]models.TripStatus{}},
		eligible: &fakeEligible{recipients: recipients},
		gateway:  &recordingGateway{dead: map[string]bool{}},
		tokens:   &fakeTokens{cleared: map[string]string{}},
	}
	h.sched = NewScheduler(Deps{
		Status:   h.status,
		Eligible: h.eligible,
		Catalog:  i18n.NewCatalog(),
		Gateway:  h.gateway,
		Tokens:   h.tokens,
		Leases:   leases,
	}, cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.sched.Shutdown(ctx)
	})
	return h
}

func waitingTrip(id string) models.Trip {
	return models.Trip{
		ID:         id,
		Pickup:     models.Place{Text: "Mall"},
		Dropoff:    models.Place{Text: "Airport"},
		RiderName:  "Sara",
		RiderPhone: "+9647701112233",
		Region:     "erbil",
		Tier:       "economy",
		Price:      6000,
		DistanceKm: 7.5,
		Status:     models.StatusWaiting,
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestBroadcastRepeatsUntilAccepted(t *testing.T) {
	h := newHarness(t, Config{Interval: 15 * time.Millisecond, Ceiling: time.Minute}, nil,
		eligibility.Recipient{DriverID: "d1", Token: "tok-1"})
	trip := waitingTrip("t1")
	h.status.set(trip.ID, models.StatusWaiting)

	_, started, err := h.sched.Start(context.Background(), trip)
	require.NoError(t, err)
	require.True(t, started)
	sess, ok := h.sched.Session(trip.ID)
	require.True(t, ok)

	require.Eventually(t, func() bool { return h.gateway.deliveries() >= 3 }, 2*time.Second, 5*time.Millisecond)

	accepted := trip
	accepted.Status = models.StatusDriverAssigned
	h.status.set(trip.ID, models.StatusDriverAssigned)
	h.sched.TripChanged(context.Background(), accepted, models.StatusWaiting)
	waitDone(t, sess)

	n := h.gateway.deliveries()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, h.gateway.deliveries(), "no delivery after acceptance")
	assert.Equal(t, 0, h.sched.Active())
}

func TestBroadcastStopsWhenStatusChangesUnderneath(t *testing.T) {
	h := newHarness(t, Config{Interval: 15 * time.Millisecond, Ceiling: time.Minute}, nil,
		eligibility.Recipient{DriverID: "d1", Token: "tok-1"})
	trip := waitingTrip("t1")
	h.status.set(trip.ID, models.StatusWaiting)

	_, _, err := h.sched.Start(context.Background(), trip)
	require.NoError(t, err)
	sess, _ := h.sched.Session(trip.ID)
	require.Eventually(t, func() bool { return h.gateway.deliveries() >= 1 }, time.Second, 5*time.Millisecond)

	h.status.set(trip.ID, models.StatusCancelled)
	waitDone(t, sess)
	n := h.gateway.deliveries()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, h.gateway.deliveries())
}

func TestBroadcastCeilingEndsSessionWithoutTouchingTrip(t *testing.T) {
	h := newHarness(t, Config{Interval: 10 * time.Millisecond, Ceiling: 60 * time.Millisecond}, nil,
		eligibility.Recipient{DriverID: "d1", Token: "tok-1"})
	trip := waitingTrip("t1")
	h.status.set(trip.ID, models.StatusWaiting)

	_, _, err := h.sched.Start(context.Background(), trip)
	require.NoError(t, err)
	sess, _ := h.sched.Session(trip.ID)
	waitDone(t, sess)

	st, _ := h.status.CurrentStatus(context.Background(), trip.ID)
	assert.Equal(t, models.StatusWaiting, st)
	assert.GreaterOrEqual(t, h.gateway.deliveries(), 1)
	_, running := h.sched.Session(trip.ID)
	assert.False(t, running)
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour, Ceiling: 2 * time.Hour}, nil)
	trip := waitingTrip("t1")
	h.status.set(trip.ID, models.StatusWaiting)

	id1, started, err := h.sched.Start(context.Background(), trip)
	require.NoError(t, err)
	require.True(t, started)
	id2, started, err := h.sched.Start(context.Background(), trip)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, h.sched.Active())

	sess, _ := h.sched.Session(trip.ID)
	assert.True(t, h.sched.Stop(trip.ID))
	h.sched.Stop(trip.ID)
	sess.Cancel()
	waitDone(t, sess)
	assert.False(t, h.sched.Stop(trip.ID))
	assert.False(t, h.sched.Stop("unknown"))
}

func TestBroadcastRendersPerRecipientLanguage(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour, Ceiling: 2 * time.Hour}, nil,
		eligibility.Recipient{DriverID: "d1", Token: "tok-ku", Phone: "+964 750 123 4567"},
		eligibility.Recipient{DriverID: "d2", Token: "tok-ar", Language: "ar", Phone: "+15551234567"},
		eligibility.Recipient{DriverID: "d3", Token: "tok-en", Phone: "0750 123 4567"},
	)
	trip := waitingTrip("t1")
	h.status.set(trip.ID, models.StatusWaiting)

	_, _, err := h.sched.Start(context.Background(), trip)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.gateway.deliveries() == 1 }, time.Second, 5*time.Millisecond)

	envs := h.gateway.batch(0)
	require.Len(t, envs, 3)
	langs := map[string]string{}
	titles := map[string]string{}
	for _, e := range envs {
		langs[e.DriverID] = e.Language
		titles[e.Language] = e.Title
		assert.Equal(t, "t1", e.Payload["trip_id"])
		assert.Equal(t, "new_trip", e.Payload["kind"])
		assert.Equal(t, "6000", e.Payload["fare"])
		assert.Equal(t, "7.5", e.Payload["distance_km"])
		assert.Equal(t, "Sara", e.Payload["rider_name"])
		assert.Equal(t, "economy", e.Payload["tier"])
	}
	assert.Equal(t, map[string]string{"d1": "ku", "d2": "ar", "d3": "en"}, langs)
	assert.Len(t, titles, 3)
	assert.Equal(t, "New trip request", titles["en"])
	assert.Contains(t, envs[2].Body, "Sara needs a ride from Mall to Airport")
}

// arabicFails renders like the real catalog except for Arabic.
type arabicFails struct {
	*i18n.Catalog
}

func (c arabicFails) Render(kind i18n.Kind, lang i18n.Language, fields map[string]string) (i18n.Content, error) {
	if lang == i18n.Arabic {
		return i18n.Content{}, errors.New("template missing")
	}
	return c.Catalog.Render(kind, lang, fields)
}

func TestRenderFailureSkipsOnlyAffectedRecipients(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour, Ceiling: 2 * time.Hour}, nil,
		eligibility.Recipient{DriverID: "d1", Token: "tok-ar", Language: "ar"},
		eligibility.Recipient{DriverID: "d2", Token: "tok-en", Language: "en"},
		eligibility.Recipient{DriverID: "d3", Token: "tok-ar-2", Language: "ar"},
	)
	h.sched.deps.Catalog = arabicFails{i18n.NewCatalog()}
	trip := waitingTrip("t1")
	h.status.set(trip.ID, models.StatusWaiting)

	_, _, err := h.sched.Start(context.Background(), trip)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.gateway.deliveries() == 1 }, time.Second, 5*time.Millisecond)

	envs := h.gateway.batch(0)
	require.Len(t, envs, 1)
	assert.Equal(t, "d2", envs[0].DriverID)
	assert.Equal(t, "en", envs[0].Language)
	_, running := h.sched.Session(trip.ID)
	assert.True(t, running)
}

func TestRenderFailureForEveryoneSkipsDelivery(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour, Ceiling: 2 * time.Hour}, nil,
		eligibility.Recipient{DriverID: "d1", Token: "tok-ar", Language: "ar"})
	h.sched.deps.Catalog = arabicFails{i18n.NewCatalog()}
	trip := waitingTrip("t1")
	h.status.set(trip.ID, models.StatusWaiting)

	_, _, err := h.sched.Start(context.Background(), trip)
	require.NoError(t, err)
	sess, ok := h.sched.Session(trip.ID)
	require.True(t, ok)
	require.Eventually(t, func() bool { return sess.Cycles() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.gateway.deliveries())
	_, running := h.sched.Session(trip.ID)
	assert.True(t, running)
}

func TestAcceptanceDuringCycleSuppressesDelivery(t *testing.T) {
	h := newHarness(t, Config{Interval: 15 * time.Millisecond, Ceiling: time.Minute}, nil,
		eligibility.Recipient{DriverID: "d1", Token: "tok-1"})
	trip := waitingTrip("t1")
	h.status.set(trip.ID, models.StatusWaiting)

	accepted := trip
	accepted.Status = models.StatusDriverAssigned
	h.eligible.onCall = func(call int) {
		if call == 4 {
			h.status.set(trip.ID, models.StatusDriverAssigned)
			h.sched.TripChanged(context.Background(), accepted, models.StatusWaiting)
		}
	}

	_, _, err := h.sched.Start(context.Background(), trip)
	require.NoError(t, err)
	sess, _ := h.sched.Session(trip.ID)
	waitDone(t, sess)

	assert.Equal(t, 3, h.gateway.deliveries())
	assert.Equal(t, int64(4), sess.Cycles())
}

func TestInvalidTokensAreCleared(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour, Ceiling: 2 * time.Hour}, nil,
		eligibility.Recipient{DriverID: "d1", Token: "tok-live"},
		eligibility.Recipient{DriverID: "d2", Token: "tok-dead"},
	)
	h.gateway.dead["tok-dead"] = true
	trip := waitingTrip("t1")
	h.status.set(trip.ID, models.StatusWaiting)

	_, _, err := h.sched.Start(context.Background(), trip)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := h.tokens.get("d2")
		return ok
	}, time.Second, 5*time.Millisecond)

	tok, _ := h.tokens.get("d2")
	assert.Equal(t, "tok-dead", tok)
	_, ok := h.tokens.get("d1")
	assert.False(t, ok)
}

func TestCycleErrorIsSkippedAndRetried(t *testing.T) {
	h := newHarness(t, Config{Interval: 15 * time.Millisecond, Ceiling: time.Minute}, nil,
		eligibility.Recipient{DriverID: "d1", Token: "tok-1"})
	h.eligible.failFirst = 2
	trip := waitingTrip("t1")
	h.status.set(trip.ID, models.StatusWaiting)

	_, _, err := h.sched.Start(context.Background(), trip)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.gateway.deliveries() >= 1 }, time.Second, 5*time.Millisecond)

	sess, ok := h.sched.Session(trip.ID)
	require.True(t, ok)
	assert.GreaterOrEqual(t, sess.Cycles(), int64(3))
}

func TestStatusReadErrorKeepsSessionAlive(t *testing.T) {
	h := newHarness(t, Config{Interval: 10 * time.Millisecond, Ceiling: time.Minute}, nil)
	h.status.err = errors.New("db down")

	_, _, err := h.sched.Start(context.Background(), waitingTrip("t1"))
	require.NoError(t, err)
	sess, _ := h.sched.Session("t1")
	require.Eventually(t, func() bool { return sess.Cycles() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.gateway.deliveries())
}

func TestLeaseAllowsOneBroadcasterPerTrip(t *testing.T) {
	leases := kv.NewMemory()
	a := newHarness(t, Config{Interval: time.Hour, Ceiling: 2 * time.Hour, Owner: "node-a"}, leases)
	b := newHarness(t, Config{Interval: time.Hour, Ceiling: 2 * time.Hour, Owner: "node-b"}, leases)
	trip := waitingTrip("t1")
	a.status.set(trip.ID, models.StatusWaiting)
	b.status.set(trip.ID, models.StatusWaiting)

	_, started, err := a.sched.Start(context.Background(), trip)
	require.NoError(t, err)
	require.True(t, started)
	_, started, err = b.sched.Start(context.Background(), trip)
	require.NoError(t, err)
	assert.False(t, started)

	sess, _ := a.sched.Session(trip.ID)
	a.sched.Stop(trip.ID)
	waitDone(t, sess)
	_, held, _ := leases.Get(context.Background(), leaseKey(trip.ID))
	assert.False(t, held)

	_, started, err = b.sched.Start(context.Background(), trip)
	require.NoError(t, err)
	assert.True(t, started)
}

// gatedLeases holds every SetNX until release is closed.
type gatedLeases struct {
	*kv.Memory
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLeases) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Memory.SetNX(ctx, key, value, ttl)
}

func TestSlowLeaseDoesNotBlockOtherTrips(t *testing.T) {
	leases := &gatedLeases{Memory: kv.NewMemory(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, Config{Interval: time.Hour, Ceiling: 2 * time.Hour}, leases)
	trip := waitingTrip("t1")
	h.status.set(trip.ID, models.StatusWaiting)

	type result struct {
		started bool
		err     error
	}
	res := make(chan result, 1)
	go func() {
		_, started, err := h.sched.Start(context.Background(), trip)
		res <- result{started, err}
	}()
	<-leases.entered

	answered := make(chan struct{})
	go func() {
		h.sched.Active()
		h.sched.Stop("other")
		h.sched.Session("other")
		close(answered)
	}()
	select {
	case <-answered:
	case <-time.After(time.Second):
		t.Fatal("scheduler locked while the lease call was pending")
	}

	close(leases.release)
	r := <-res
	require.NoError(t, r.err)
	assert.True(t, r.started)
	assert.Equal(t, 1, h.sched.Active())
}

func TestStartRollsBackWhenLeaseHeldElsewhere(t *testing.T) {
	leases := kv.NewMemory()
	_, err := leases.SetNX(context.Background(), leaseKey("t1"), "node-x/s1", time.Minute)
	require.NoError(t, err)
	h := newHarness(t, Config{Interval: time.Hour, Ceiling: 2 * time.Hour}, leases)

	_, started, err := h.sched.Start(context.Background(), waitingTrip("t1"))
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, 0, h.sched.Active())
	v, _, _ := leases.Get(context.Background(), leaseKey("t1"))
	assert.Equal(t, "node-x/s1", v)
}

func TestActiveSessionGaugeFollowsSessions(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour, Ceiling: 2 * time.Hour}, nil)
	base := testutil.ToFloat64(observability.BroadcastSessionsActive)

	_, _, err := h.sched.Start(context.Background(), waitingTrip("t1"))
	require.NoError(t, err)
	_, _, err = h.sched.Start(context.Background(), waitingTrip("t2"))
	require.NoError(t, err)
	assert.Equal(t, base+2, testutil.ToFloat64(observability.BroadcastSessionsActive))

	sess, _ := h.sched.Session("t1")
	h.sched.Stop("t1")
	waitDone(t, sess)
	assert.Equal(t, base+1, testutil.ToFloat64(observability.BroadcastSessionsActive))
}

func TestShutdownStopsEverySession(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour, Ceiling: 2 * time.Hour}, nil)
	for _, id := range []string{"t1", "t2", "t3"} {
		h.status.set(id, models.StatusWaiting)
		_, _, err := h.sched.Start(context.Background(), waitingTrip(id))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, h.sched.Active())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.sched.Shutdown(ctx))
	assert.Equal(t, 0, h.sched.Active())

	_, _, err := h.sched.Start(context.Background(), waitingTrip("t4"))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestTripChangedStartsOnlyForNewTrips(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour, Ceiling: 2 * time.Hour}, nil)
	trip := waitingTrip("t1")
	h.status.set(trip.ID, models.StatusWaiting)

	h.sched.TripChanged(context.Background(), trip, models.StatusWaiting)
	assert.Equal(t, 0, h.sched.Active())

	h.sched.TripChanged(context.Background(), trip, "")
	assert.Equal(t, 1, h.sched.Active())
}
