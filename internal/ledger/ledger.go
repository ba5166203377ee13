// Package ledger keeps driver balances as an append-only list of signed
// deltas. A balance always equals the sum of its entries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/models"
)

var (
	ErrInvalidEntry = errors.New("invalid ledger entry")
	// ErrDuplicate is returned when an actor already posted an entry for the
	// same trip.
	ErrDuplicate = errors.New("duplicate ledger entry")
)

const DefaultListLimit = 50

type Store interface {
	Apply(ctx context.Context, driverID string, delta int64, actor, reason, tripID string) (models.LedgerEntry, error)
	Balance(ctx context.Context, driverID string) (int64, error)
	// Entries lists the newest entries first.
	Entries(ctx context.Context, driverID string, limit int) ([]models.LedgerEntry, error)
}

func validate(driverID string, delta int64, actor string) error {
	switch {
	case strings.TrimSpace(driverID) == "":
		return fmt.Errorf("%w: driver id is required", ErrInvalidEntry)
	case delta == 0:
		return fmt.Errorf("%w: delta must be non-zero", ErrInvalidEntry)
	case strings.TrimSpace(actor) == "":
		return fmt.Errorf("%w: actor is required", ErrInvalidEntry)
	}
	return nil
}

type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
	entries  map[string][]models.LedgerEntry
	posted   map[string]bool
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]int64),
		entries:  make(map[string][]models.LedgerEntry),
		posted:   make(map[string]bool),
		now:      time.Now,
	}
}

func (m *Memory) Apply(ctx context.Context, driverID string, delta int64, actor, reason, tripID string) (models.LedgerEntry, error) {
	if err := validate(driverID, delta, actor); err != nil {
		return models.LedgerEntry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if tripID != "" {
		key := tripID + "\x00" + actor
		if m.posted[key] {
			return models.LedgerEntry{}, ErrDuplicate
		}
		m.posted[key] = true
	}
	before := m.balances[driverID]
	e := models.LedgerEntry{
		ID:        uuid.NewString(),
		DriverID:  driverID,
		Delta:     delta,
		Before:    before,
		After:     before + delta,
		Actor:     actor,
		Reason:    reason,
		TripID:    tripID,
		CreatedAt: m.now().UTC(),
	}
	m.balances[driverID] = e.After
	m.entries[driverID] = append(m.entries[driverID], e)
	return e, nil
}

func (m *Memory) Balance(ctx context.Context, driverID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[driverID], nil
}

func (m *Memory) Entries(ctx context.Context, driverID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.Lock()
	all := m.entries[driverID]
	out := make([]models.LedgerEntry, len(all))
	copy(out, all)
	m.mu.Unlock()

	// appended oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
