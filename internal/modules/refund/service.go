package refund

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/plateful/plateful-backend/internal/modules/order"
	"github.com/plateful/plateful-backend/internal/modules/payment"
	"github.com/plateful/plateful-backend/internal/platform/events"
)

var (
	// ErrRefundExceedsTotal means the requested amount is larger than what
	// is still refundable (order total minus refunds already issued).
	ErrRefundExceedsTotal = errors.New("refund exceeds refundable balance")
	// ErrNothingCaptured means the order has no captured payment, so there
	// is no money to return.
	ErrNothingCaptured = errors.New("no captured payment to refund")
)

// refundTolerance absorbs cent-rounding drift when comparing amounts.
const refundTolerance = 0.005

const casRetries = 3

var faultParties = map[string]order.FaultParty{
	string(order.FaultCustomer): order.FaultCustomer,
	string(order.FaultStore):    order.FaultStore,
	string(order.FaultCourier):  order.FaultCourier,
	string(order.FaultPlatform): order.FaultPlatform,
}

// Service issues refunds against the payment processor and keeps the ledger
// and the order's refund summary consistent. The processor is always called
// before anything is written, so a processor failure leaves no local trace.
type Service interface {
	// IssueRefund returns part or all of an order's money to the customer.
	IssueRefund(ctx context.Context, orderID string, req IssueRequest) (*order.Order, error)

	// ListRefunds returns an order's ledger entries, oldest first.
	ListRefunds(ctx context.Context, orderID string) ([]*Entry, error)

	// RefundCanceledOrder settles a cancellation whose courier may already
	// be en route: it refunds the remaining balance, marks the delivery
	// FAILED and the order CANCELED.
	RefundCanceledOrder(ctx context.Context, o *order.Order, reason string) error
}

type service struct {
	repo    Repository
	orders  order.Repository
	gateway payment.Gateway
	events  events.Publisher
}

// NewService creates the refund processor.
func NewService(repo Repository, orders order.Repository, gateway payment.Gateway, pub events.Publisher) Service {
	if pub == nil {
		pub = events.Nop()
	}
	return &service{repo: repo, orders: orders, gateway: gateway, events: pub}
}

func (s *service) IssueRefund(ctx context.Context, orderID string, req IssueRequest) (*order.Order, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("amount must be > 0")
	}
	if req.Reason == "" {
		return nil, fmt.Errorf("reason is required")
	}
	party, ok := faultParties[req.PartyAtFault]
	if !ok {
		return nil, fmt.Errorf("invalid party_at_fault: %q", req.PartyAtFault)
	}

	o, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := refundable(o); err != nil {
		return nil, err
	}
	remaining := o.Total - o.RefundAmount
	if req.Amount > remaining+refundTolerance {
		return nil, fmt.Errorf("%w: requested %.2f, refundable %.2f",
			ErrRefundExceedsTotal, req.Amount, remaining)
	}

	// Money moves first. If the processor fails, nothing is recorded and
	// the call can simply be repeated.
	result, err := s.gateway.Refund(ctx, o.PaymentIntentID, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("processor refund failed: %w", err)
	}

	e := &Entry{
		ID:                uuid.New(),
		OrderID:           o.ID,
		Amount:            req.Amount,
		Reason:            req.Reason,
		PartyAtFault:      party,
		Items:             req.Items,
		Fees:              req.Fees,
		ProcessorRefundID: result.RefundID,
		CreatedAt:         time.Now().UTC(),
	}
	o, err = s.record(ctx, o, e)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, o, e)
	return o, nil
}

func (s *service) ListRefunds(ctx context.Context, orderID string) ([]*Entry, error) {
	if _, err := s.orders.GetOrderByID(ctx, orderID); err != nil {
		return nil, err
	}
	return s.repo.ListByOrder(ctx, orderID)
}

func (s *service) RefundCanceledOrder(ctx context.Context, o *order.Order, reason string) error {
	if remaining := o.Total - o.RefundAmount; refundable(o) == nil && remaining > refundTolerance {
		result, err := s.gateway.Refund(ctx, o.PaymentIntentID, remaining)
		if err != nil {
			return fmt.Errorf("processor refund failed: %w", err)
		}
		e := &Entry{
			ID:                uuid.New(),
			OrderID:           o.ID,
			Amount:            remaining,
			Reason:            reason,
			PartyAtFault:      order.FaultCustomer,
			ProcessorRefundID: result.RefundID,
			CreatedAt:         time.Now().UTC(),
		}
		if o, err = s.record(ctx, o, e); err != nil {
			return err
		}
		s.publish(ctx, o, e)
	}

	// The money has already moved, so the state flips below retry on
	// their own instead of bubbling a stale write back to the caller.
	if o.DeliveryStatus != nil && !order.DeliveryTerminal(*o.DeliveryStatus) {
		var err error
		if o, err = s.flip(ctx, o, func(fresh *order.Order) error {
			return s.orders.UpdateDelivery(ctx, fresh.ID.String(), order.DeliveryFailed, fresh.Telemetry, fresh.Version)
		}); err != nil {
			return err
		}
	}
	_, err := s.flip(ctx, o, func(fresh *order.Order) error {
		return s.orders.UpdateStatus(ctx, fresh.ID.String(), order.StatusCanceled, reason, fresh.Version)
	})
	return err
}

// record writes the ledger entry plus summary, reloading and recomputing the
// roll-up when a concurrent writer bumped the order version.
func (s *service) record(ctx context.Context, o *order.Order, e *Entry) (*order.Order, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		newTotal := o.RefundAmount + e.Amount
		ps := order.PaymentPartiallyRefunded
		if newTotal >= o.Total-refundTolerance {
			ps = order.PaymentRefunded
		}
		sum := Summary{
			TotalRefunded: newTotal,
			Reason:        e.Reason,
			PartyAtFault:  e.PartyAtFault,
			Items:         e.Items,
			Fees:          e.Fees,
			PaymentStatus: ps,
		}
		err := s.repo.Record(ctx, e, sum, o.Version)
		if errors.Is(err, order.ErrStaleWrite) {
			if o, err = s.orders.GetOrderByID(ctx, o.ID.String()); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return s.orders.GetOrderByID(ctx, o.ID.String())
	}
	return nil, order.ErrStaleWrite
}

func (s *service) flip(ctx context.Context, o *order.Order, write func(fresh *order.Order) error) (*order.Order, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		err := write(o)
		if errors.Is(err, order.ErrStaleWrite) {
			if o, err = s.orders.GetOrderByID(ctx, o.ID.String()); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return s.orders.GetOrderByID(ctx, o.ID.String())
	}
	return nil, order.ErrStaleWrite
}

// refundable reports whether the order has money the processor can return.
func refundable(o *order.Order) error {
	if o.PaymentIntentID == "" {
		return ErrNothingCaptured
	}
	switch o.PaymentStatus {
	case order.PaymentPaid, order.PaymentPartiallyRefunded:
		return nil
	}
	return fmt.Errorf("%w: payment status is %s", ErrNothingCaptured, o.PaymentStatus)
}

func (s *service) publish(ctx context.Context, o *order.Order, e *Entry) {
	evt := map[string]any{
		"order_id":       o.ID.String(),
		"order_number":   o.OrderNumber,
		"amount":         e.Amount,
		"reason":         e.Reason,
		"party_at_fault": e.PartyAtFault,
		"total_refunded": o.RefundAmount,
		"occurred_at":    time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, "order.refunded", evt); err != nil {
		log.Printf("refund: publish order.refunded for %s: %v", o.OrderNumber, err)
	}
}
