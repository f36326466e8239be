package models

import (
	"encoding/json"
	"time"
)

// Event names of the duplex protocol.
const (
	EventIdentify        = "identify"
	EventCreateOrder     = "create-order"
	EventOrderCreated    = "order-created"
	EventNoDrivers       = "no-drivers-available"
	EventOrderError      = "order-error"
	EventNewOrderRequest = "new-order-request"
	EventAcceptOrder     = "accept-order"
	EventDeclineOrder    = "decline-order"
	EventAcceptConfirmed = "order-accepted-confirmation"
	EventOrderAccepted   = "order-accepted"
	EventUpdateStatus    = "update-delivery-status"
	EventStatusUpdated   = "order-status-updated"
	EventSendProof       = "send-proof"
	EventProofReceived   = "proof-received"
	EventReconnect       = "reconnect"
	EventResync          = "resync"
	EventCancelOrder     = "cancel-order"
	EventOrderCancelled  = "order-cancelled"
	EventOfferWithdrawn  = "offer-withdrawn"
	EventUpdateLocation  = "update-location"
	EventAck             = "ack"
)

// Envelope is an inbound frame. Data is decoded per event.
type Envelope struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is an outbound frame.
type Message struct {
	Event string `json:"event"`
	Ref   string `json:"ref,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type IdentifyPayload struct {
	ActorID string `json:"actor_id"`
	Role    Role   `json:"role"`
}

type OrderRefPayload struct {
	OrderID  string `json:"order_id"`
	DriverID string `json:"driver_id,omitempty"`
}

type StatusPayload struct {
	OrderID  string `json:"order_id"`
	Status   Status `json:"status"`
	Location *Coord `json:"location,omitempty"`
}

type ProofPayload struct {
	OrderID     string `json:"order_id"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

type CancelPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

type LocationPayload struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Available *bool   `json:"available,omitempty"`
	Method    Method  `json:"method,omitempty"`
}

type Ack struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Offer is the new-order-request payload pushed to one candidate driver.
type Offer struct {
	AttemptID  string    `json:"attempt_id"`
	Order      Order     `json:"order"`
	DistanceKm float64   `json:"distance_km"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type OrderCreated struct {
	Order            Order `json:"order"`
	InMemory         bool  `json:"in_memory"`
	DurablyPersisted bool  `json:"durably_persisted"`
}

type OrderAccepted struct {
	Order  Order         `json:"order"`
	Driver DriverSummary `json:"driver"`
}

type AcceptConfirmation struct {
	Order            Order `json:"order"`
	DurablyPersisted bool  `json:"durably_persisted"`
}

type StatusUpdate struct {
	Order    Order  `json:"order"`
	Location *Coord `json:"location,omitempty"`
}

type OrderNotice struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// OrderError reports a failed request that carried no ref to ack.
type OrderError struct {
	Event   string `json:"event"`
	OrderID string `json:"order_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ProofReceived struct {
	OrderID  string `json:"order_id"`
	ProofRef string `json:"proof_ref"`
}

// Snapshot is the full resync state for one actor.
type Snapshot struct {
	ActorID       string  `json:"actor_id"`
	PendingOffers []Order `json:"pending_offers"`
	ActiveOrders  []Order `json:"active_orders"`
}
