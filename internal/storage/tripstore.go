package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/trip-dispatch/internal/models"
)

var (
	// ErrNotFound is returned when no trip exists for the requested id.
	ErrNotFound = errors.New("trip not found")
	// ErrStaleWrite is returned by CompareAndSwap when the stored status no
	// longer matches the status the caller read.
	ErrStaleWrite = errors.New("trip status changed since last read")
	ErrDuplicate  = errors.New("trip already exists")
	// ErrDriverBusy is returned by CompareAndSwap when the write would give
	// a driver a second engaged trip.
	ErrDriverBusy = errors.New("driver holds another engaged trip")
)

// TripStore defines persistence operations for trips.
type TripStore interface {
	Create(ctx context.Context, t *models.Trip) error
	Get(ctx context.Context, id string) (models.Trip, error)
	// CompareAndSwap persists t only if the stored status still equals
	// expected. The stored version is bumped on success and the committed
	// row is returned. A write that leaves t engaged with a driver fails
	// with ErrDriverBusy if that driver is engaged on any other trip.
	CompareAndSwap(ctx context.Context, t models.Trip, expected models.TripStatus) (models.Trip, error)
	UpdatePayment(ctx context.Context, id string, status models.PaymentStatus, intentID string) error
	// EngagedDrivers reports which of the given drivers currently hold a
	// trip in an engaged status.
	EngagedDrivers(ctx context.Context, driverIDs []string) (map[string]bool, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]*models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*models.Trip)}
}

func (m *MemoryStore) Create(ctx context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; ok {
		return ErrDuplicate
	}
	t.Version = 1
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, ErrNotFound
	}
	return *t, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, t models.Trip, expected models.TripStatus) (models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.trips[t.ID]
	if !ok {
		return models.Trip{}, ErrNotFound
	}
	if cur.Status != expected {
		return models.Trip{}, ErrStaleWrite
	}
	if t.DriverID != "" && t.Status.Engaged() {
		for id, o := range m.trips {
			if id != t.ID && o.DriverID == t.DriverID && o.Status.Engaged() {
				return models.Trip{}, ErrDriverBusy
			}
		}
	}
	// payment columns are owned by UpdatePayment
	t.PaymentStatus = cur.PaymentStatus
	t.PaymentIntentID = cur.PaymentIntentID
	t.Version = cur.Version + 1
	cp := t
	m.trips[t.ID] = &cp
	return t, nil
}

func (m *MemoryStore) UpdatePayment(ctx context.Context, id string, status models.PaymentStatus, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.trips[id]
	if !ok {
		return ErrNotFound
	}
	cur.PaymentStatus = status
	if intentID != "" {
		cur.PaymentIntentID = intentID
	}
	return nil
}

func (m *MemoryStore) EngagedDrivers(ctx context.Context, driverIDs []string) (map[string]bool, error) {
	want := make(map[string]struct{}, len(driverIDs))
	for _, id := range driverIDs {
		want[id] = struct{}{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool)
	for _, t := range m.trips {
		if t.DriverID == "" || !t.Status.Engaged() {
			continue
		}
		if _, ok := want[t.DriverID]; ok {
			out[t.DriverID] = true
		}
	}
	return out, nil
}
