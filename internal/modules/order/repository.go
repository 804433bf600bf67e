package order

import (
	"context"
	"time"
)

// Repository defines data access for orders. Every mutation takes the
// caller's last-seen version and must fail with ErrStaleWrite when the row
// has moved on, so a stale read never overwrites a newer state.
type Repository interface {
	// CreateOrder persists a new order and its item snapshots atomically.
	CreateOrder(ctx context.Context, o *Order) error

	// GetOrderByID retrieves an order with its items by UUID.
	GetOrderByID(ctx context.Context, id string) (*Order, error)

	// GetOrderByNumber retrieves an order by its human-readable number.
	GetOrderByNumber(ctx context.Context, orderNumber string) (*Order, error)

	// GetOrderByDeliveryID retrieves the order a provider delivery id belongs to.
	GetOrderByDeliveryID(ctx context.Context, deliveryID string) (*Order, error)

	// GetOrderByCheckoutSession retrieves an order by its checkout session id.
	GetOrderByCheckoutSession(ctx context.Context, sessionID string) (*Order, error)

	// GetOrderByPaymentIntent retrieves an order by its payment intent id.
	GetOrderByPaymentIntent(ctx context.Context, intentID string) (*Order, error)

	// ListOrdersByStore returns all orders for a store, optionally filtered by status.
	ListOrdersByStore(ctx context.Context, storeID string, status string) ([]*Order, error)

	// ListStaleDeliveries returns in-flight deliveries that have not been
	// touched since the cutoff, for the reconciliation sweep.
	ListStaleDeliveries(ctx context.Context, cutoff time.Time) ([]*Order, error)

	// UpdateStatus advances the order lifecycle status.
	UpdateStatus(ctx context.Context, id string, status Status, cancelReason string, version int) error

	// UpdateDelivery advances the delivery status and stores the merged telemetry.
	UpdateDelivery(ctx context.Context, id string, ds DeliveryStatus, tel Telemetry, version int) error

	// SetDispatch records the chosen delivery network and its correlation ids.
	SetDispatch(ctx context.Context, id string, provider Provider, quoteID, deliveryID string, ds DeliveryStatus, version int) error

	// BindCheckoutSession attaches the payment processor's checkout session id.
	// The column is unique; a conflicting bind surfaces as a data-layer error.
	BindCheckoutSession(ctx context.Context, id string, sessionID string, version int) error

	// UpdatePayment records the latest payment status and, when known, the
	// payment intent id.
	UpdatePayment(ctx context.Context, id string, ps PaymentStatus, intentID string, version int) error
}
