package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

var ErrDriverNotFound = errors.New("driver not found")

// Registry is the driver account store consulted by dispatch.
type Registry interface {
	Get(ctx context.Context, id string) (models.Driver, error)
	Upsert(ctx context.Context, d models.Driver) error
	ListByRegion(ctx context.Context, region string) ([]models.Driver, error)
	SetToken(ctx context.Context, id, token string) error
	// ClearToken removes the device token only if it still equals token, so
	// a token registered after a failed delivery is kept.
	ClearToken(ctx context.Context, id, token string) error
	SetActive(ctx context.Context, id string, active bool) error
}

type Memory struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewMemory() *Memory {
	return &Memory{drivers: make(map[string]models.Driver)}
}

func (m *Memory) Get(ctx context.Context, id string) (models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, ErrDriverNotFound
	}
	return d, nil
}

func (m *Memory) Upsert(ctx context.Context, d models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.Region = models.NormalizeRegion(d.Region)
	d.Updated = time.Now()
	m.drivers[d.ID] = d
	return nil
}

func (m *Memory) ListByRegion(ctx context.Context, region string) ([]models.Driver, error) {
	region = models.NormalizeRegion(region)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0)
	for _, d := range m.drivers {
		if d.Region == region {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetToken(ctx context.Context, id, token string) error {
	return m.update(id, func(d *models.Driver) { d.DeviceToken = token })
}

func (m *Memory) ClearToken(ctx context.Context, id, token string) error {
	return m.update(id, func(d *models.Driver) {
		if d.DeviceToken == token {
			d.DeviceToken = ""
		}
	})
}

func (m *Memory) SetActive(ctx context.Context, id string, active bool) error {
	return m.update(id, func(d *models.Driver) { d.Active = active })
}

func (m *Memory) update(id string, fn func(d *models.Driver)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrDriverNotFound
	}
	fn(&d)
	d.Updated = time.Now()
	m.drivers[id] = d
	return nil
}
