package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/lib/pq"

	"github.com/plateful/plateful-backend/internal/modules/order"
)

// ErrDuplicateCheckoutSession means the checkout session id is already bound
// to a different order. The binding is rejected; the column is unique at the
// data layer as the last line of defense.
var ErrDuplicateCheckoutSession = errors.New("checkout session already bound to another order")

const casRetries = 3

// Service binds payment-processor checkout sessions to orders and advances
// the payment status from processor events. It never drives the order
// status; acceptance is a separate staff decision.
type Service interface {
	// BindCheckoutSession attaches a checkout session id to an order.
	// Rebinding the same session to the same order is a no-op.
	BindCheckoutSession(ctx context.Context, orderID, sessionID string) (*order.Order, error)

	// HandleWebhook correlates a processor event to an order, looking up
	// the checkout session id first and falling back to the payment
	// intent id, then records the new payment status.
	HandleWebhook(ctx context.Context, evt WebhookEvent) (*order.Order, error)
}

type service struct {
	repo order.Repository
}

// NewService creates the payment correlator.
func NewService(repo order.Repository) Service {
	return &service{repo: repo}
}

func (s *service) BindCheckoutSession(ctx context.Context, orderID, sessionID string) (*order.Order, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	if existing, err := s.repo.GetOrderByCheckoutSession(ctx, sessionID); err == nil {
		if existing.ID.String() == orderID {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCheckoutSession, sessionID)
	} else if !errors.Is(err, order.ErrNotFound) {
		return nil, err
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		o, err := s.repo.GetOrderByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if o.StripeCheckoutSessionID == sessionID {
			return o, nil
		}
		if o.StripeCheckoutSessionID != "" {
			return nil, fmt.Errorf("order %s already bound to session %s", o.OrderNumber, o.StripeCheckoutSessionID)
		}
		err = s.repo.BindCheckoutSession(ctx, orderID, sessionID, o.Version)
		if errors.Is(err, order.ErrStaleWrite) {
			continue
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCheckoutSession, sessionID)
		}
		if err != nil {
			return nil, err
		}
		o.StripeCheckoutSessionID = sessionID
		o.Version++
		return o, nil
	}
	return nil, order.ErrStaleWrite
}

// eventStatuses maps processor event types to the internal payment status.
// Events outside the table are acknowledged and ignored.
var eventStatuses = map[string]order.PaymentStatus{
	"checkout.session.completed":    order.PaymentPaid,
	"checkout.session.expired":      order.PaymentFailed,
	"payment_intent.succeeded":      order.PaymentPaid,
	"payment_intent.payment_failed": order.PaymentFailed,
	"charge.refunded":               order.PaymentRefunded,
}

func (s *service) HandleWebhook(ctx context.Context, evt WebhookEvent) (*order.Order, error) {
	status, handled := eventStatuses[evt.Type]
	if !handled {
		log.Printf("payment: ignoring event %s (%s)", evt.ID, evt.Type)
		return nil, nil
	}

	o, err := s.lookup(ctx, evt)
	if err != nil {
		return nil, err
	}

	intentID := evt.Data.Object.PaymentIntent
	if intentID == "" && strings.HasPrefix(evt.Data.Object.ID, "pi_") {
		intentID = evt.Data.Object.ID
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		err = s.repo.UpdatePayment(ctx, o.ID.String(), status, intentID, o.Version)
		if errors.Is(err, order.ErrStaleWrite) {
			if o, err = s.repo.GetOrderByID(ctx, o.ID.String()); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		o.PaymentStatus = status
		if intentID != "" {
			o.PaymentIntentID = intentID
		}
		o.Version++
		return o, nil
	}
	return nil, order.ErrStaleWrite
}

func (s *service) lookup(ctx context.Context, evt WebhookEvent) (*order.Order, error) {
	ref := evt.Data.Object.ID
	o, err := s.repo.GetOrderByCheckoutSession(ctx, ref)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, order.ErrNotFound) {
		return nil, err
	}
	if intent := evt.Data.Object.PaymentIntent; intent != "" {
		if o, err := s.repo.GetOrderByPaymentIntent(ctx, intent); err == nil {
			return o, nil
		} else if !errors.Is(err, order.ErrNotFound) {
			return nil, err
		}
	}
	return s.repo.GetOrderByPaymentIntent(ctx, ref)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
