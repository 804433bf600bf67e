package delivery

import (
	"time"

	"github.com/plateful/plateful-backend/internal/modules/order"
)

// Quote is a delivery network's offer to carry an order.
type Quote struct {
	ID         string     `json:"id"`
	Fee        float64    `json:"fee"`
	Currency   string     `json:"currency,omitempty"`
	PickupETA  *time.Time `json:"pickup_eta,omitempty"`
	DropoffETA *time.Time `json:"dropoff_eta,omitempty"`
}

// QuoteRequest describes the job a network is asked to price.
type QuoteRequest struct {
	ExternalID     string `json:"external_id"` // our order number
	DropoffAddress string `json:"dropoff_address"`
	DropoffName    string `json:"dropoff_name"`
	DropoffPhone   string `json:"dropoff_phone,omitempty"`
}

// CreateRequest asks a network to actually run a quoted job.
type CreateRequest struct {
	QuoteID        string `json:"quote_id,omitempty"`
	ExternalID     string `json:"external_id"`
	DropoffAddress string `json:"dropoff_address"`
	DropoffName    string `json:"dropoff_name"`
	DropoffPhone   string `json:"dropoff_phone,omitempty"`
}

// Update is a provider webhook or poll result normalized into internal
// vocabulary. EventID is the provider's delivery attempt for this payload;
// RawStatus keeps the native string for logging and fail-closed handling.
type Update struct {
	EventID    string
	DeliveryID string
	RawStatus  string
	Telemetry  order.Telemetry
}

// Dispatch is what a gateway returns after creating a delivery.
type Dispatch struct {
	DeliveryID string
	RawStatus  string
	Telemetry  order.Telemetry
}

// DispatchRequest is the staff payload for handing an order to a network.
type DispatchRequest struct {
	Provider string `json:"provider"` // UBER | DOORDASH
}

// ── Provider webhook payload shapes ───────────────────────────────────────────

// uberWebhook is the Uber Direct webhook envelope. Courier details arrive
// nested under data and may be absent until a courier is assigned.
type uberWebhook struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Data      struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		TrackingURL string `json:"tracking_url,omitempty"`
		Courier     *struct {
			Name        string   `json:"name"`
			PhoneNumber string   `json:"phone_number,omitempty"`
			Rating      *float64 `json:"rating,omitempty"`
			Location    *struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location,omitempty"`
			VehicleMake  string `json:"vehicle_make,omitempty"`
			VehicleModel string `json:"vehicle_model,omitempty"`
			VehicleColor string `json:"vehicle_color,omitempty"`
		} `json:"courier,omitempty"`
		PickupETA  *time.Time `json:"pickup_eta,omitempty"`
		DropoffETA *time.Time `json:"dropoff_eta,omitempty"`
	} `json:"data"`
}

func (w uberWebhook) toUpdate() Update {
	u := Update{
		EventID:    w.EventID,
		DeliveryID: w.Data.ID,
		RawStatus:  w.Data.Status,
		Telemetry: order.Telemetry{
			TrackingURL: w.Data.TrackingURL,
			PickupETA:   w.Data.PickupETA,
			DropoffETA:  w.Data.DropoffETA,
		},
	}
	if c := w.Data.Courier; c != nil {
		u.Telemetry.CourierName = c.Name
		u.Telemetry.CourierPhone = c.PhoneNumber
		u.Telemetry.CourierRating = c.Rating
		u.Telemetry.VehicleMake = c.VehicleMake
		u.Telemetry.VehicleModel = c.VehicleModel
		u.Telemetry.VehicleColor = c.VehicleColor
		if c.Location != nil {
			lat, lng := c.Location.Lat, c.Location.Lng
			u.Telemetry.LocationLat = &lat
			u.Telemetry.LocationLng = &lng
		}
	}
	return u
}

// doordashWebhook is the flat DoorDash Drive webhook shape.
type doordashWebhook struct {
	EventID            string   `json:"event_id,omitempty"`
	EventName          string   `json:"event_name"`
	ExternalDeliveryID string   `json:"external_delivery_id"`
	DeliveryStatus     string   `json:"delivery_status"`
	TrackingURL        string   `json:"tracking_url,omitempty"`
	Fee                *float64 `json:"fee,omitempty"`
	DasherName         string   `json:"dasher_name,omitempty"`
	DasherPhoneNumber  string   `json:"dasher_phone_number,omitempty"`
	DasherRating       *float64 `json:"dasher_rating,omitempty"`
	DasherLocation     *struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"dasher_location,omitempty"`
	DasherVehicleMake    string     `json:"dasher_vehicle_make,omitempty"`
	DasherVehicleModel   string     `json:"dasher_vehicle_model,omitempty"`
	DasherVehicleColor   string     `json:"dasher_vehicle_color,omitempty"`
	PickupTimeEstimated  *time.Time `json:"pickup_time_estimated,omitempty"`
	DropoffTimeEstimated *time.Time `json:"dropoff_time_estimated,omitempty"`
}

func (w doordashWebhook) toUpdate() Update {
	u := Update{
		EventID:    w.EventID,
		DeliveryID: w.ExternalDeliveryID,
		RawStatus:  w.DeliveryStatus,
		Telemetry: order.Telemetry{
			CourierName:   w.DasherName,
			CourierPhone:  w.DasherPhoneNumber,
			CourierRating: w.DasherRating,
			VehicleMake:   w.DasherVehicleMake,
			VehicleModel:  w.DasherVehicleModel,
			VehicleColor:  w.DasherVehicleColor,
			TrackingURL:   w.TrackingURL,
			ProviderFee:   w.Fee,
			PickupETA:     w.PickupTimeEstimated,
			DropoffETA:    w.DropoffTimeEstimated,
		},
	}
	if w.DasherLocation != nil {
		lat, lng := w.DasherLocation.Lat, w.DasherLocation.Lng
		u.Telemetry.LocationLat = &lat
		u.Telemetry.LocationLng = &lng
	}
	return u
}
