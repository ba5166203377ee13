package route

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/models"
)

func TestOSRMDistance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/route/v1/driving/44.000000,36.000000;44.100000,36.100000")
		w.Write([]byte(`{"code":"Ok","routes":[{"distance":15234.5,"duration":900}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	d, err := c.DistanceMeters(context.Background(), models.Coord{Lat: 36, Lon: 44}, models.Coord{Lat: 36.1, Lon: 44.1})
	require.NoError(t, err)
	assert.Equal(t, 15234.5, d)
}

func TestOSRMNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL).DistanceMeters(context.Background(), models.Coord{}, models.Coord{Lat: 1})
	assert.Error(t, err)
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(20 * time.Millisecond)
	a, b := models.Coord{Lat: 1}, models.Coord{Lat: 2}
	c.Set(a, b, 42)
	v, ok := c.Get(a, b)
	require.True(t, ok)
	assert.Equal(t, 42.0, v)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get(a, b)
	assert.False(t, ok)
}
