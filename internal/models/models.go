package models

import (
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Place is a human readable address plus its coordinates.
type Place struct {
	Text  string `json:"text"`
	Coord Coord  `json:"coord"`
}

// TripStatus is the lifecycle state of a trip. The order of the constants
// below is the only legal forward path; CANCELLED may follow any
// non-terminal status.
type TripStatus string

const (
	StatusWaiting        TripStatus = "WAITING"
	StatusDriverAssigned TripStatus = "DRIVER_ASSIGNED"
	StatusDriverEnRoute  TripStatus = "DRIVER_EN_ROUTE"
	StatusDriverArrived  TripStatus = "DRIVER_ARRIVED"
	StatusRiderPickedUp  TripStatus = "RIDER_PICKED_UP"
	StatusTripInProgress TripStatus = "TRIP_IN_PROGRESS"
	StatusTripCompleted  TripStatus = "TRIP_COMPLETED"
	StatusCancelled      TripStatus = "CANCELLED"
)

var lifecycle = []TripStatus{
	StatusWaiting,
	StatusDriverAssigned,
	StatusDriverEnRoute,
	StatusDriverArrived,
	StatusRiderPickedUp,
	StatusTripInProgress,
	StatusTripCompleted,
}

// Lifecycle returns the ordered forward path of trip statuses.
func Lifecycle() []TripStatus {
	out := make([]TripStatus, len(lifecycle))
	copy(out, lifecycle)
	return out
}

// Next returns the immediate successor of s on the forward path.
func (s TripStatus) Next() (TripStatus, bool) {
	for i, st := range lifecycle {
		if st == s && i+1 < len(lifecycle) {
			return lifecycle[i+1], true
		}
	}
	return "", false
}

func (s TripStatus) Valid() bool {
	if s == StatusCancelled {
		return true
	}
	for _, st := range lifecycle {
		if st == s {
			return true
		}
	}
	return false
}

func (s TripStatus) Terminal() bool {
	return s == StatusTripCompleted || s == StatusCancelled
}

// Engaged reports whether a driver holding a trip in this status is busy.
func (s TripStatus) Engaged() bool {
	switch s {
	case StatusDriverAssigned, StatusDriverEnRoute, StatusDriverArrived, StatusRiderPickedUp, StatusTripInProgress:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentHeld     PaymentStatus = "held"
	PaymentCaptured PaymentStatus = "captured"
	PaymentReleased PaymentStatus = "released"
	PaymentFailed   PaymentStatus = "failed"
)

type Trip struct {
	ID string `json:"id"`

	Pickup     Place   `json:"pickup"`
	Dropoff    Place   `json:"dropoff"`
	RiderID    string  `json:"rider_id"`
	RiderName  string  `json:"rider_name"`
	RiderPhone string  `json:"rider_phone"`
	Region     string  `json:"region"`
	Price      float64 `json:"price"`
	DistanceKm float64 `json:"distance_km"`
	Tier       string  `json:"tier"`

	Status      TripStatus `json:"status"`
	DriverID    string     `json:"driver_id,omitempty"`
	DriverName  string     `json:"driver_name,omitempty"`
	DriverPhone string     `json:"driver_phone,omitempty"`
	Vehicle     string     `json:"vehicle,omitempty"`
	DriverRate  float64    `json:"driver_rate,omitempty"`

	PaymentStatus   PaymentStatus `json:"payment_status"`
	PaymentCustomer string        `json:"-"`
	PaymentIntentID string        `json:"-"`
	CancelReason    string        `json:"cancel_reason,omitempty"`

	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	PickedUpAt  *time.Time `json:"picked_up_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Version is bumped on every committed write.
	Version int64 `json:"version"`
}

// HasDriver reports whether a driver snapshot is recorded on the trip.
func (t *Trip) HasDriver() bool { return t.DriverID != "" }

// Driver is the registry view of a driver account.
type Driver struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone"`
	Vehicle     string    `json:"vehicle"`
	Rate        float64   `json:"rate"` // 0..5
	Region      string    `json:"region"`
	Tiers       []string  `json:"tiers,omitempty"`
	Active      bool      `json:"active"`
	DeviceToken string    `json:"device_token,omitempty"`
	Language    string    `json:"language,omitempty"`
	Updated     time.Time `json:"updated"`
}

// ServesTier reports whether the driver may receive trips of the given tier.
// An empty tier list serves every tier.
func (d Driver) ServesTier(tier string) bool {
	if tier == "" || len(d.Tiers) == 0 {
		return true
	}
	for _, t := range d.Tiers {
		if t == tier {
			return true
		}
	}
	return false
}

// Envelope is one rendered push notification addressed to a single device.
type Envelope struct {
	Token    string            `json:"token"`
	DriverID string            `json:"driver_id,omitempty"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Language string            `json:"language"`
	Payload  map[string]string `json:"payload"`
}

type LedgerEntry struct {
	ID        string    `json:"id"`
	DriverID  string    `json:"driver_id"`
	Delta     int64     `json:"delta"`
	Before    int64     `json:"before"`
	After     int64     `json:"after"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	TripID    string    `json:"trip_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusUpdate is pushed to realtime sessions whenever a trip changes.
type StatusUpdate struct {
	TripID   string     `json:"trip_id"`
	Status   TripStatus `json:"status"`
	DriverID string     `json:"driver_id,omitempty"`
	At       time.Time  `json:"at"`
}

// NormalizeRegion returns the canonical form used for exact region matching.
func NormalizeRegion(region string) string {
	return strings.ToLower(strings.TrimSpace(region))
}
