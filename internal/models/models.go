package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Method is the delivery vehicle class requested for an order.
type Method string

const (
	MethodTwoWheeler Method = "two-wheeler"
	MethodCar        Method = "car"
	MethodCargo      Method = "cargo"
)

func (m Method) Valid() bool {
	switch m {
	case MethodTwoWheeler, MethodCar, MethodCargo:
		return true
	}
	return false
}

type Role string

const (
	RoleDriver    Role = "driver"
	RoleRequester Role = "requester"
)

func (r Role) Valid() bool { return r == RoleDriver || r == RoleRequester }

type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type Place struct {
	Address string `json:"address"`
	Coord   Coord  `json:"coord"`
}

// PlaceInput is a place as submitted by a client; Location is nil when the
// client omitted coordinates.
type PlaceInput struct {
	Address  string `json:"address"`
	Location *Coord `json:"location"`
}

// OrderInput is a requester's order submission. Price, distance and ETA are
// computed server side when left at zero.
type OrderInput struct {
	RequesterID      string     `json:"requester_id"`
	Pickup           PlaceInput `json:"pickup"`
	Dropoff          PlaceInput `json:"dropoff"`
	Method           Method     `json:"method"`
	Price            float64    `json:"price,omitempty"`
	DistanceKm       float64    `json:"distance_km,omitempty"`
	EstimatedMinutes float64    `json:"estimated_minutes,omitempty"`
}

type Order struct {
	ID               string     `json:"id"`
	RequesterID      string     `json:"requester_id"`
	Pickup           Place      `json:"pickup"`
	Dropoff          Place      `json:"dropoff"`
	Method           Method     `json:"method"`
	Price            float64    `json:"price"`
	DistanceKm       float64    `json:"distance_km"`
	EstimatedMinutes float64    `json:"estimated_minutes"`
	Status           Status     `json:"status"`
	DriverID         string     `json:"driver_id,omitempty"`
	ProofRef         string     `json:"proof_ref,omitempty"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty"`
	AcceptedAt       *time.Time `json:"accepted_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Involves reports whether the actor is the order's requester or its
// assigned driver.
func (o Order) Involves(actorID string) bool {
	return actorID != "" && (o.RequesterID == actorID || o.DriverID == actorID)
}

// Driver is the presence record of a driver: connectivity, availability and
// last known position.
type Driver struct {
	ID        string    `json:"id"`
	Loc       Coord     `json:"loc"`
	Rating    float64   `json:"rating"` // 0..5
	Method    Method    `json:"method,omitempty"`
	Online    bool      `json:"online"`
	Available bool      `json:"available"`
	Updated   time.Time `json:"updated"`
}

type DriverSummary struct {
	ID     string  `json:"id"`
	Rating float64 `json:"rating"`
	Loc    Coord   `json:"loc"`
}

// Candidate is a driver ranked for an order by distance to the pickup.
type Candidate struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
}

type OfferOutcome string

const (
	OfferOpen      OfferOutcome = "open"
	OfferAccepted  OfferOutcome = "accepted"
	OfferDeclined  OfferOutcome = "declined"
	OfferTimeout   OfferOutcome = "timeout"
	OfferWithdrawn OfferOutcome = "withdrawn"
)

type OfferAttempt struct {
	ID         string       `json:"id"`
	OrderID    string       `json:"order_id"`
	DriverID   string       `json:"driver_id"`
	OfferedAt  time.Time    `json:"offered_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
	Outcome    OfferOutcome `json:"outcome"`
}

func (a OfferAttempt) IsOpen() bool { return a.Outcome == OfferOpen }

type Stats struct {
	OrdersByStatus map[Status]int `json:"orders_by_status"`
	OpenOffers     int            `json:"open_offers"`
	DriversOnline  int            `json:"drivers_online"`
	Settled        int            `json:"settled"`
}
