package eligibility

import (
	"context"
	"fmt"

	"github.com/example/trip-dispatch/internal/models"
)

// Recipient is a driver who should hear about a new trip.
type Recipient struct {
	DriverID string
	Token    string
	Language string
	Phone    string
}

type DriverSource interface {
	ListByRegion(ctx context.Context, region string) ([]models.Driver, error)
}

type EngagementSource interface {
	EngagedDrivers(ctx context.Context, driverIDs []string) (map[string]bool, error)
}

// Index answers which drivers may be offered a trip right now. Nothing is
// cached: every call reflects the registry and trip store as they are.
type Index struct {
	drivers DriverSource
	trips   EngagementSource
}

func NewIndex(drivers DriverSource, trips EngagementSource) *Index {
	return &Index{drivers: drivers, trips: trips}
}

// Eligible returns, ordered by driver id, the drivers in region that are
// active, hold a device token, serve tier and are not engaged in a trip.
// An empty result is not an error.
func (x *Index) Eligible(ctx context.Context, region, tier string) ([]Recipient, error) {
	candidates, err := x.drivers.ListByRegion(ctx, models.NormalizeRegion(region))
	if err != nil {
		return nil, fmt.Errorf("list drivers in %q: %w", region, err)
	}
	reachable := make([]models.Driver, 0, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, d := range candidates {
		if !d.Active || d.DeviceToken == "" || !d.ServesTier(tier) {
			continue
		}
		reachable = append(reachable, d)
		ids = append(ids, d.ID)
	}
	if len(reachable) == 0 {
		return nil, nil
	}
	engaged, err := x.trips.EngagedDrivers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("engaged drivers: %w", err)
	}
	out := make([]Recipient, 0, len(reachable))
	for _, d := range reachable {
		if engaged[d.ID] {
			continue
		}
		out = append(out, Recipient{DriverID: d.ID, Token: d.DeviceToken, Language: d.Language, Phone: d.Phone})
	}
	return out, nil
}
