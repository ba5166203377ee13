package fare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/route"
)

var ErrUnknownTier = errors.New("unknown trip tier")

// Tariff prices one trip tier.
type Tariff struct {
	Base    float64
	PerKm   float64
	Minimum float64
}

type Quote struct {
	Tier       string
	DistanceKm float64
	Price      float64
}

// Router returns the driving distance between two points.
type Router interface {
	DistanceMeters(ctx context.Context, from, to models.Coord) (float64, error)
}

// Quoter computes price and distance at trip creation. Router is optional;
// without it, or when it fails, the straight-line distance is used.
type Quoter struct {
	Tariffs     map[string]Tariff
	DefaultTier string
	Router      Router
	Cache       *route.Cache
	Logger      *slog.Logger
}

func (q *Quoter) Quote(ctx context.Context, from, to models.Coord, tier string) (Quote, error) {
	if tier == "" {
		tier = q.DefaultTier
	}
	tariff, ok := q.Tariffs[tier]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	meters := q.distance(ctx, from, to)
	km := math.Round(meters/10) / 100
	price := tariff.Base + tariff.PerKm*km
	if price < tariff.Minimum {
		price = tariff.Minimum
	}
	return Quote{Tier: tier, DistanceKm: km, Price: math.Round(price*100) / 100}, nil
}

func (q *Quoter) distance(ctx context.Context, from, to models.Coord) float64 {
	if q.Cache != nil {
		if v, ok := q.Cache.Get(from, to); ok {
			return v
		}
	}
	if q.Router != nil {
		v, err := q.Router.DistanceMeters(ctx, from, to)
		if err == nil {
			if q.Cache != nil {
				q.Cache.Set(from, to, v)
			}
			return v
		}
		if q.Logger != nil {
			q.Logger.Warn("route lookup failed, using straight-line distance", "error", err)
		}
	}
	return geo.Distance(from, to)
}
