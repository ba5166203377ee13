package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/example/trip-dispatch/internal/kv"
)

var ErrNoDevice = errors.New("no registered device")

// Device is a rider's push registration.
type Device struct {
	Token    string `json:"token"`
	Language string `json:"language,omitempty"`
}

// RiderDevices keeps rider push registrations in the keyed store.
type RiderDevices struct {
	store kv.Store
}

func NewRiderDevices(store kv.Store) *RiderDevices { return &RiderDevices{store: store} }

func riderDeviceKey(riderID string) string { return "rider:device:" + riderID }

func (d *RiderDevices) Set(ctx context.Context, riderID string, dev Device) error {
	if strings.TrimSpace(riderID) == "" || strings.TrimSpace(dev.Token) == "" {
		return errors.New("rider id and token are required")
	}
	b, err := json.Marshal(dev)
	if err != nil {
		return err
	}
	return d.store.Set(ctx, riderDeviceKey(riderID), string(b), 0)
}

func (d *RiderDevices) Get(ctx context.Context, riderID string) (Device, error) {
	raw, ok, err := d.store.Get(ctx, riderDeviceKey(riderID))
	if err != nil {
		return Device{}, err
	}
	if !ok {
		return Device{}, ErrNoDevice
	}
	var dev Device
	if err := json.Unmarshal([]byte(raw), &dev); err != nil {
		return Device{}, err
	}
	return dev, nil
}

// Clear removes the registration if it still carries token.
func (d *RiderDevices) Clear(ctx context.Context, riderID, token string) error {
	dev, err := d.Get(ctx, riderID)
	if err != nil {
		if errors.Is(err, ErrNoDevice) {
			return nil
		}
		return err
	}
	if dev.Token != token {
		return nil
	}
	b, _ := json.Marshal(dev)
	_, err = d.store.DeleteIfValue(ctx, riderDeviceKey(riderID), string(b))
	return err
}
