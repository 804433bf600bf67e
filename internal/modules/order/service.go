package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/plateful/plateful-backend/internal/platform/events"
)

var (
	// ErrNotFound means no order matches the given identifier.
	ErrNotFound = errors.New("order not found")
	// ErrInvalidTransition means the requested state edge is not legal
	// from the order's current state. The order is left unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStaleWrite means a concurrent writer advanced the row first.
	// The service retries internally; callers only see it when the
	// retries are exhausted.
	ErrStaleWrite = errors.New("stale write conflict")
	// ErrTotalMismatch means the order total does not equal the sum of
	// its monetary breakdown.
	ErrTotalMismatch = errors.New("total does not match subtotal+tax+delivery_fee+tip")
	// ErrRefundRequired means the cancellation cannot be a bare status
	// flip because a courier may already be en route, and no refund
	// processor is wired to settle it.
	ErrRefundRequired = errors.New("cancellation requires refund processing")
)

// totalTolerance absorbs cent-rounding drift in the monetary invariant.
const totalTolerance = 0.005

// casRetries bounds how many times a transition is recomputed against a
// fresh row after losing an optimistic-concurrency race.
const casRetries = 3

// CancellationRefunder settles the money side of a cancellation when the
// delivery is already past courier assignment. Implemented by the refund
// module and wired in main.
type CancellationRefunder interface {
	RefundCanceledOrder(ctx context.Context, o *Order, reason string) error
}

// Service owns the two parallel state variables (Status, DeliveryStatus) and
// is the only legal entry point for mutating them.
type Service interface {
	// PlaceOrder validates the checkout payload and persists the order
	// with its frozen item snapshots.
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error)

	// GetOrder retrieves a full order with its items by UUID.
	GetOrder(ctx context.Context, id string) (*Order, error)

	// GetOrderByNumber retrieves an order by its human-readable number.
	GetOrderByNumber(ctx context.Context, orderNumber string) (*Order, error)

	// ListStoreOrders returns all orders for a store, optionally filtered by status.
	ListStoreOrders(ctx context.Context, storeID string, status string) ([]*Order, error)

	// Advance moves the order lifecycle status along a legal edge.
	Advance(ctx context.Context, id string, target Status) (*Order, error)

	// AdvanceDelivery moves the delivery status along the fulfillment
	// ladder and merges incoming courier telemetry.
	AdvanceDelivery(ctx context.Context, id string, target DeliveryStatus, tel Telemetry) (*Order, error)

	// MergeTelemetry stores fresh courier telemetry for a delivery whose
	// status has not moved, e.g. a courier position ping.
	MergeTelemetry(ctx context.Context, id string, tel Telemetry) (*Order, error)

	// Cancel cancels an order while its status is still cancelable.
	Cancel(ctx context.Context, id string, reason string) error
}

type service struct {
	repo     Repository
	events   events.Publisher
	refunder CancellationRefunder
}

// NewService creates the order state machine service. The refunder may be
// nil, in which case cancellations past courier assignment are rejected.
func NewService(repo Repository, pub events.Publisher, refunder CancellationRefunder) Service {
	if pub == nil {
		pub = events.Nop()
	}
	return &service{repo: repo, events: pub, refunder: refunder}
}

func (s *service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	if req.StoreID == "" {
		return nil, fmt.Errorf("store_id is required")
	}
	if req.CustomerName == "" {
		return nil, fmt.Errorf("customer_name is required")
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("order must contain at least one item")
	}
	storeID, err := uuid.Parse(req.StoreID)
	if err != nil {
		return nil, fmt.Errorf("invalid store_id: %w", err)
	}

	sum := req.Subtotal + req.Tax + req.DeliveryFee + req.Tip
	if diff := req.Total - sum; diff > totalTolerance || diff < -totalTolerance {
		return nil, fmt.Errorf("%w: total=%.2f breakdown=%.2f", ErrTotalMismatch, req.Total, sum)
	}

	o := &Order{
		ID:              uuid.New(),
		StoreID:         storeID,
		OrderNumber:     generateOrderNumber(),
		Status:          StatusNew,
		PaymentStatus:   PaymentPending,
		Subtotal:        req.Subtotal,
		Tax:             req.Tax,
		DeliveryFee:     req.DeliveryFee,
		Tip:             req.Tip,
		Total:           req.Total,
		CustomerName:    req.CustomerName,
		CustomerPhone:   req.CustomerPhone,
		CustomerEmail:   req.CustomerEmail,
		DeliveryAddress: req.DeliveryAddress,
	}

	for _, li := range req.Items {
		if li.Quantity <= 0 {
			return nil, fmt.Errorf("quantity must be > 0 for item %q", li.Name)
		}
		item := &Item{
			ID:        uuid.New(),
			OrderID:   o.ID,
			Name:      li.Name,
			Quantity:  li.Quantity,
			Price:     li.Price,
			Modifiers: li.Modifiers,
			Notes:     li.Notes,
		}
		if li.ItemID != "" {
			iid, err := uuid.Parse(li.ItemID)
			if err != nil {
				return nil, fmt.Errorf("invalid item_id: %w", err)
			}
			item.ItemID = &iid
		}
		o.Items = append(o.Items, item)
	}

	if err := s.repo.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}
	s.publish(ctx, "order.created", o, "", string(StatusNew))
	return o, nil
}

func (s *service) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.repo.GetOrderByID(ctx, id)
}

func (s *service) GetOrderByNumber(ctx context.Context, orderNumber string) (*Order, error) {
	return s.repo.GetOrderByNumber(ctx, orderNumber)
}

func (s *service) ListStoreOrders(ctx context.Context, storeID string, status string) ([]*Order, error) {
	return s.repo.ListOrdersByStore(ctx, storeID, status)
}

func (s *service) Advance(ctx context.Context, id string, target Status) (*Order, error) {
	var out *Order
	err := s.withRetry(ctx, id, func(o *Order) error {
		if !CanTransition(o.Status, target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, target)
		}
		if err := s.repo.UpdateStatus(ctx, id, target, "", o.Version); err != nil {
			return err
		}
		prev := o.Status
		o.Status = target
		o.Version++
		s.publish(ctx, "order.status.changed", o, string(prev), string(target))
		out = o
		return nil
	})
	return out, err
}

func (s *service) AdvanceDelivery(ctx context.Context, id string, target DeliveryStatus, tel Telemetry) (*Order, error) {
	var out *Order
	err := s.withRetry(ctx, id, func(o *Order) error {
		if !DispatchEligible(o.Status) {
			return fmt.Errorf("%w: delivery cannot progress while order is %s", ErrInvalidTransition, o.Status)
		}
		if !CanTransitionDelivery(o.DeliveryStatus, target) {
			cur := "unset"
			if o.DeliveryStatus != nil {
				cur = string(*o.DeliveryStatus)
			}
			return fmt.Errorf("%w: delivery %s -> %s", ErrInvalidTransition, cur, target)
		}
		merged := o.Telemetry
		merged.Merge(tel)
		if err := s.repo.UpdateDelivery(ctx, id, target, merged, o.Version); err != nil {
			return err
		}
		prev := ""
		if o.DeliveryStatus != nil {
			prev = string(*o.DeliveryStatus)
		}
		o.DeliveryStatus = &target
		o.Telemetry = merged
		o.Version++
		s.publish(ctx, "order.delivery.status.changed", o, prev, string(target))
		out = o
		return nil
	})
	return out, err
}

func (s *service) MergeTelemetry(ctx context.Context, id string, tel Telemetry) (*Order, error) {
	var out *Order
	err := s.withRetry(ctx, id, func(o *Order) error {
		if o.DeliveryStatus == nil {
			return fmt.Errorf("%w: no delivery in flight", ErrInvalidTransition)
		}
		merged := o.Telemetry
		merged.Merge(tel)
		if err := s.repo.UpdateDelivery(ctx, id, *o.DeliveryStatus, merged, o.Version); err != nil {
			return err
		}
		o.Telemetry = merged
		o.Version++
		out = o
		return nil
	})
	return out, err
}

func (s *service) Cancel(ctx context.Context, id string, reason string) error {
	return s.withRetry(ctx, id, func(o *Order) error {
		if !cancelable(o.Status) {
			return fmt.Errorf("%w: cannot cancel a %s order", ErrInvalidTransition, o.Status)
		}
		// Past COURIER_ASSIGNED a courier may already be en route, so
		// the cancellation must settle money through the refund
		// processor instead of a bare status flip.
		if o.DeliveryStatus != nil && !DeliveryTerminal(*o.DeliveryStatus) &&
			DeliveryRank(*o.DeliveryStatus) > DeliveryRank(DeliveryCourierAssigned) {
			if s.refunder == nil {
				return ErrRefundRequired
			}
			return s.refunder.RefundCanceledOrder(ctx, o, reason)
		}
		if err := s.repo.UpdateStatus(ctx, id, StatusCanceled, reason, o.Version); err != nil {
			return err
		}
		s.publish(ctx, "order.status.changed", o, string(o.Status), string(StatusCanceled))
		return nil
	})
}

// withRetry loads the order and runs fn against the fresh row, retrying the
// whole computation when the optimistic version check loses a race. The
// transition is recomputed each attempt; the stale target is never blindly
// re-applied.
func (s *service) withRetry(ctx context.Context, id string, fn func(o *Order) error) error {
	var err error
	for attempt := 0; attempt < casRetries; attempt++ {
		var o *Order
		o, err = s.repo.GetOrderByID(ctx, id)
		if err != nil {
			return err
		}
		err = fn(o)
		if errors.Is(err, ErrStaleWrite) {
			continue
		}
		return err
	}
	return err
}

func (s *service) publish(ctx context.Context, routingKey string, o *Order, from, to string) {
	evt := map[string]any{
		"order_id":     o.ID.String(),
		"order_number": o.OrderNumber,
		"from":         from,
		"to":           to,
		"occurred_at":  time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, routingKey, evt); err != nil {
		log.Printf("order: publish %s for %s: %v", routingKey, o.OrderNumber, err)
	}
}

// generateOrderNumber creates a human-readable order number: ORD-YYYYMMDD-XXXX
func generateOrderNumber() string {
	date := time.Now().UTC().Format("20060102")
	suffix := strings.ToUpper(uuid.New().String()[:4])
	return fmt.Sprintf("ORD-%s-%s", date, suffix)
}
