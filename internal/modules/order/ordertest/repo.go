// Package ordertest provides an in-memory order.Repository for exercising
// the modules that collaborate with the order state machine.
package ordertest

import (
	"context"
	"sync"
	"time"

	"github.com/plateful/plateful-backend/internal/modules/order"
)

// Repo is an in-memory order.Repository honoring the same
// optimistic-concurrency contract as the Postgres implementation. Setting
// Conflicts makes the next n CAS writes lose to a simulated concurrent
// writer.
type Repo struct {
	mu        sync.Mutex
	orders    map[string]*order.Order
	Conflicts int
}

func NewRepo() *Repo {
	return &Repo{orders: map[string]*order.Order{}}
}

// Seed stores an order directly, bypassing validation.
func (r *Repo) Seed(o *order.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.Version == 0 {
		o.Version = 1
	}
	cp := *o
	r.orders[o.ID.String()] = &cp
}

func (r *Repo) CreateOrder(ctx context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o.Version = 1
	cp := *o
	r.orders[o.ID.String()] = &cp
	return nil
}

func (r *Repo) GetOrderByID(ctx context.Context, id string) (*order.Order, error) {
	return r.find(func(o *order.Order) bool { return o.ID.String() == id })
}

func (r *Repo) GetOrderByNumber(ctx context.Context, number string) (*order.Order, error) {
	return r.find(func(o *order.Order) bool { return o.OrderNumber == number })
}

func (r *Repo) GetOrderByDeliveryID(ctx context.Context, deliveryID string) (*order.Order, error) {
	return r.find(func(o *order.Order) bool { return o.DeliveryID == deliveryID })
}

func (r *Repo) GetOrderByCheckoutSession(ctx context.Context, sessionID string) (*order.Order, error) {
	return r.find(func(o *order.Order) bool { return o.StripeCheckoutSessionID == sessionID })
}

func (r *Repo) GetOrderByPaymentIntent(ctx context.Context, intentID string) (*order.Order, error) {
	return r.find(func(o *order.Order) bool { return o.PaymentIntentID == intentID })
}

func (r *Repo) ListOrdersByStore(ctx context.Context, storeID string, status string) ([]*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*order.Order
	for _, o := range r.orders {
		if o.StoreID.String() != storeID {
			continue
		}
		if status != "" && string(o.Status) != status {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}

func (r *Repo) ListStaleDeliveries(ctx context.Context, cutoff time.Time) ([]*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*order.Order
	for _, o := range r.orders {
		if o.DeliveryStatus == nil || order.DeliveryTerminal(*o.DeliveryStatus) {
			continue
		}
		if o.UpdatedAt.Before(cutoff) {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *Repo) UpdateStatus(ctx context.Context, id string, status order.Status, cancelReason string, version int) error {
	return r.cas(id, version, func(o *order.Order) {
		o.Status = status
		if cancelReason != "" {
			o.CancelReason = cancelReason
		}
	})
}

func (r *Repo) UpdateDelivery(ctx context.Context, id string, ds order.DeliveryStatus, tel order.Telemetry, version int) error {
	return r.cas(id, version, func(o *order.Order) {
		o.DeliveryStatus = &ds
		o.Telemetry = tel
	})
}

func (r *Repo) SetDispatch(ctx context.Context, id string, provider order.Provider, quoteID, deliveryID string, ds order.DeliveryStatus, version int) error {
	return r.cas(id, version, func(o *order.Order) {
		o.DeliveryProvider = &provider
		o.DeliveryQuoteID = quoteID
		o.DeliveryID = deliveryID
		o.DeliveryStatus = &ds
	})
}

func (r *Repo) BindCheckoutSession(ctx context.Context, id string, sessionID string, version int) error {
	return r.cas(id, version, func(o *order.Order) {
		o.StripeCheckoutSessionID = sessionID
	})
}

func (r *Repo) UpdatePayment(ctx context.Context, id string, ps order.PaymentStatus, intentID string, version int) error {
	return r.cas(id, version, func(o *order.Order) {
		o.PaymentStatus = ps
		if intentID != "" {
			o.PaymentIntentID = intentID
		}
	})
}

// RecordRefund applies a refund summary under the same version guard the
// ledger repository uses for its transactional write.
func (r *Repo) RecordRefund(id string, total float64, reason string, party order.FaultParty, ps order.PaymentStatus, version int) error {
	return r.cas(id, version, func(o *order.Order) {
		o.RefundAmount = total
		o.RefundReason = reason
		p := party
		o.RefundPartyAtFault = &p
		o.PaymentStatus = ps
		if o.RefundedAt == nil {
			now := time.Now()
			o.RefundedAt = &now
		}
	})
}

func (r *Repo) find(match func(*order.Order) bool) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if match(o) {
			cp := *o
			return &cp, nil
		}
	}
	return nil, order.ErrNotFound
}

func (r *Repo) cas(id string, version int, mutate func(o *order.Order)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	if r.Conflicts > 0 {
		r.Conflicts--
		o.Version++
		return order.ErrStaleWrite
	}
	if o.Version != version {
		return order.ErrStaleWrite
	}
	mutate(o)
	o.Version++
	o.UpdatedAt = time.Now()
	return nil
}

var _ order.Repository = (*Repo)(nil)
