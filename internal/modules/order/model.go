package order

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the kitchen-side lifecycle state of an order.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusAccepted  Status = "ACCEPTED"
	StatusPreparing Status = "PREPARING"
	StatusReady     Status = "READY"
	StatusCompleted Status = "COMPLETED"
	StatusCanceled  Status = "CANCELED"
)

// DeliveryStatus represents the fulfillment lifecycle once an order has been
// handed to a delivery network. It stays unset until dispatch.
type DeliveryStatus string

const (
	DeliveryPending         DeliveryStatus = "PENDING"
	DeliveryScheduled       DeliveryStatus = "SCHEDULED"
	DeliveryCourierAssigned DeliveryStatus = "COURIER_ASSIGNED"
	DeliveryCourierArrived  DeliveryStatus = "COURIER_ARRIVED"
	DeliveryPickedUp        DeliveryStatus = "PICKED_UP"
	DeliveryDelivered       DeliveryStatus = "DELIVERED"
	DeliveryFailed          DeliveryStatus = "FAILED"
)

// PaymentStatus tracks what the payment processor has told us so far.
// It never drives Status; order acceptance is a separate staff decision.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentPaid              PaymentStatus = "PAID"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

// Provider identifies which delivery network an order was dispatched to.
type Provider string

const (
	ProviderUber     Provider = "UBER"
	ProviderDoorDash Provider = "DOORDASH"
)

// FaultParty records who was responsible for a refunded order.
type FaultParty string

const (
	FaultCustomer FaultParty = "customer"
	FaultStore    FaultParty = "store"
	FaultCourier  FaultParty = "courier"
	FaultPlatform FaultParty = "platform"
)

// Telemetry is the provider-agnostic courier snapshot attached to an
// in-flight delivery. Exactly one provider populates it, selected by the
// order's Provider discriminant; pointer fields distinguish "not reported"
// from zero values so partial webhook payloads merge cleanly.
type Telemetry struct {
	CourierName   string     `json:"courier_name,omitempty"`
	CourierPhone  string     `json:"courier_phone,omitempty"`
	LocationLat   *float64   `json:"location_lat,omitempty"`
	LocationLng   *float64   `json:"location_lng,omitempty"`
	VehicleMake   string     `json:"vehicle_make,omitempty"`
	VehicleModel  string     `json:"vehicle_model,omitempty"`
	VehicleColor  string     `json:"vehicle_color,omitempty"`
	CourierRating *float64   `json:"courier_rating,omitempty"`
	TrackingURL   string     `json:"tracking_url,omitempty"`
	ProviderFee   *float64   `json:"provider_fee,omitempty"`
	PickupETA     *time.Time `json:"pickup_eta,omitempty"`
	DropoffETA    *time.Time `json:"dropoff_eta,omitempty"`
}

// Merge overlays reported fields from an incoming update onto the stored
// snapshot, leaving unreported fields untouched.
func (t *Telemetry) Merge(in Telemetry) {
	if in.CourierName != "" {
		t.CourierName = in.CourierName
	}
	if in.CourierPhone != "" {
		t.CourierPhone = in.CourierPhone
	}
	if in.LocationLat != nil {
		t.LocationLat = in.LocationLat
	}
	if in.LocationLng != nil {
		t.LocationLng = in.LocationLng
	}
	if in.VehicleMake != "" {
		t.VehicleMake = in.VehicleMake
	}
	if in.VehicleModel != "" {
		t.VehicleModel = in.VehicleModel
	}
	if in.VehicleColor != "" {
		t.VehicleColor = in.VehicleColor
	}
	if in.CourierRating != nil {
		t.CourierRating = in.CourierRating
	}
	if in.TrackingURL != "" {
		t.TrackingURL = in.TrackingURL
	}
	if in.ProviderFee != nil {
		t.ProviderFee = in.ProviderFee
	}
	if in.PickupETA != nil {
		t.PickupETA = in.PickupETA
	}
	if in.DropoffETA != nil {
		t.DropoffETA = in.DropoffETA
	}
}

// Order is the aggregate root for a single purchase. The row is retained
// indefinitely for financial audit; it is never hard-deleted.
type Order struct {
	ID          uuid.UUID `json:"id"`
	StoreID     uuid.UUID `json:"store_id"`
	OrderNumber string    `json:"order_number"`

	Status         Status          `json:"status"`
	DeliveryStatus *DeliveryStatus `json:"delivery_status,omitempty"` // nil until dispatch
	PaymentStatus  PaymentStatus   `json:"payment_status"`

	// Monetary breakdown. Total must equal the sum of the other four
	// within rounding tolerance.
	Subtotal    float64 `json:"subtotal"`
	Tax         float64 `json:"tax"`
	DeliveryFee float64 `json:"delivery_fee"`
	Tip         float64 `json:"tip"`
	Total       float64 `json:"total"`

	// Customer contact snapshot, immutable after creation.
	CustomerName    string `json:"customer_name"`
	CustomerPhone   string `json:"customer_phone,omitempty"`
	CustomerEmail   string `json:"customer_email,omitempty"`
	DeliveryAddress string `json:"delivery_address,omitempty"`

	// External correlation ids.
	StripeCheckoutSessionID string `json:"stripe_checkout_session_id,omitempty"` // unique
	PaymentIntentID         string `json:"payment_intent_id,omitempty"`
	DeliveryQuoteID         string `json:"delivery_quote_id,omitempty"`
	DeliveryID              string `json:"delivery_id,omitempty"`

	DeliveryProvider *Provider `json:"delivery_provider,omitempty"` // set at dispatch
	Telemetry        Telemetry `json:"telemetry"`

	// Refund summary. Kept as a running sum over the refund ledger;
	// RefundedAt is write-once.
	RefundAmount       float64         `json:"refund_amount"`
	RefundReason       string          `json:"refund_reason,omitempty"`
	RefundPartyAtFault *FaultParty     `json:"refund_party_at_fault,omitempty"`
	RefundItems        json.RawMessage `json:"refund_items,omitempty"`
	RefundFees         json.RawMessage `json:"refund_fees,omitempty"`
	RefundedAt         *time.Time      `json:"refunded_at,omitempty"`

	SupportReference string `json:"support_reference,omitempty"`
	CancelReason     string `json:"cancel_reason,omitempty"`

	Items []*Item `json:"items,omitempty"`

	// Version is the optimistic-concurrency token; every persisted
	// mutation increments it.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Item is a frozen line-item snapshot of catalog data at order time.
// Later catalog edits never retroactively change a placed order.
type Item struct {
	ID        uuid.UUID       `json:"id"`
	OrderID   uuid.UUID       `json:"order_id"`
	ItemID    *uuid.UUID      `json:"item_id,omitempty"` // weak reference, lookup only
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Price     float64         `json:"price"`
	Modifiers json.RawMessage `json:"modifiers,omitempty"`
	Notes     string          `json:"notes,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ── Request/Response DTOs ─────────────────────────────────────────────────────

// LineItem describes one cart line at checkout time.
type LineItem struct {
	ItemID    string          `json:"item_id,omitempty"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Price     float64         `json:"price"`
	Modifiers json.RawMessage `json:"modifiers,omitempty"`
	Notes     string          `json:"notes,omitempty"`
}

// PlaceOrderRequest is the payload for creating a new order at checkout.
type PlaceOrderRequest struct {
	StoreID         string     `json:"store_id"`
	CustomerName    string     `json:"customer_name"`
	CustomerPhone   string     `json:"customer_phone,omitempty"`
	CustomerEmail   string     `json:"customer_email,omitempty"`
	DeliveryAddress string     `json:"delivery_address,omitempty"`
	Subtotal        float64    `json:"subtotal"`
	Tax             float64    `json:"tax"`
	DeliveryFee     float64    `json:"delivery_fee"`
	Tip             float64    `json:"tip"`
	Total           float64    `json:"total"`
	Items           []LineItem `json:"items"`
}

// UpdateStatusRequest is the payload for advancing an order's status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// CancelRequest is the payload for canceling an order.
type CancelRequest struct {
	Reason string `json:"reason"`
}
