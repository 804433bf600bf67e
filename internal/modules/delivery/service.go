package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/plateful/plateful-backend/internal/modules/order"
	"github.com/plateful/plateful-backend/internal/platform/cache"
)

// Service normalizes heterogeneous courier-network callbacks into the single
// internal delivery lifecycle, and hands orders to a network at dispatch.
type Service interface {
	// Dispatch quotes and creates a delivery at the chosen network and
	// records the correlation ids on the order.
	Dispatch(ctx context.Context, orderID string, provider order.Provider) (*order.Order, error)

	// Ingest applies one provider webhook payload. It is idempotent:
	// replays and out-of-order deliveries never regress internal state.
	Ingest(ctx context.Context, provider order.Provider, payload []byte) error

	// ReconcileOnce polls the provider for every in-flight delivery that
	// has not advanced within the SLA window.
	ReconcileOnce(ctx context.Context) error

	// RunReconciler runs ReconcileOnce on a timer until ctx is done.
	RunReconciler(ctx context.Context, interval time.Duration)
}

type service struct {
	orders   order.Service
	repo     order.Repository
	gateways Registry
	dedupe   cache.IdempotencyStore
	staleSLA time.Duration
}

// NewService creates the delivery adapter service. dedupe may be nil; the
// ordinal comparison alone still guarantees idempotency, the claim store
// just short-circuits replays before any database read.
func NewService(orders order.Service, repo order.Repository, gateways Registry, dedupe cache.IdempotencyStore, staleSLA time.Duration) Service {
	return &service{orders: orders, repo: repo, gateways: gateways, dedupe: dedupe, staleSLA: staleSLA}
}

func (s *service) Dispatch(ctx context.Context, orderID string, provider order.Provider) (*order.Order, error) {
	gw, ok := s.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	o, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.DispatchEligible(o.Status) {
		return nil, fmt.Errorf("%w: cannot dispatch a %s order", order.ErrInvalidTransition, o.Status)
	}
	if o.DeliveryProvider != nil {
		return nil, fmt.Errorf("order %s already dispatched to %s", o.OrderNumber, *o.DeliveryProvider)
	}
	if o.DeliveryAddress == "" {
		return nil, fmt.Errorf("order %s has no delivery address", o.OrderNumber)
	}

	quote, err := gw.Quote(ctx, QuoteRequest{
		ExternalID:     o.OrderNumber,
		DropoffAddress: o.DeliveryAddress,
		DropoffName:    o.CustomerName,
		DropoffPhone:   o.CustomerPhone,
	})
	if err != nil {
		return nil, err
	}

	d, err := gw.Create(ctx, CreateRequest{
		QuoteID:        quote.ID,
		ExternalID:     o.OrderNumber,
		DropoffAddress: o.DeliveryAddress,
		DropoffName:    o.CustomerName,
		DropoffPhone:   o.CustomerPhone,
	})
	if err != nil {
		return nil, err
	}

	if err := s.repo.SetDispatch(ctx, orderID, provider, quote.ID, d.DeliveryID, order.DeliveryPending, o.Version); err != nil {
		// The delivery exists at the network but the correlation write
		// lost a race; the reconciler will not find it, so surface it.
		return nil, fmt.Errorf("record dispatch for %s: %w", o.OrderNumber, err)
	}

	// Providers usually confirm scheduling in the create response itself.
	if norm, ok := NormalizeStatus(provider, d.RawStatus); ok && norm != order.DeliveryPending {
		return s.orders.AdvanceDelivery(ctx, orderID, norm, d.Telemetry)
	}
	return s.repo.GetOrderByID(ctx, orderID)
}

func (s *service) Ingest(ctx context.Context, provider order.Provider, payload []byte) error {
	u, err := parsePayload(provider, payload)
	if err != nil {
		return err
	}
	if u.DeliveryID == "" {
		return fmt.Errorf("payload carries no delivery id")
	}

	// Only a provider-assigned event id is worth claiming. Payloads
	// without one (status pings) must keep flowing into the same-rank
	// telemetry merge; the ordinal check keeps them idempotent anyway.
	claimed := false
	if s.dedupe != nil && u.EventID != "" {
		fresh, err := s.dedupe.TryClaim(ctx, string(provider), u.EventID)
		if err != nil {
			// Claim store down: fall through, the ordinal check below
			// still keeps ingestion idempotent.
			log.Printf("delivery: idempotency claim failed: %v", err)
		} else if !fresh {
			return nil
		} else {
			claimed = true
		}
	}

	o, err := s.repo.GetOrderByDeliveryID(ctx, u.DeliveryID)
	if err != nil {
		s.releaseClaim(ctx, provider, u.EventID, claimed)
		return err
	}
	if err := s.apply(ctx, o, provider, u); err != nil {
		s.releaseClaim(ctx, provider, u.EventID, claimed)
		return err
	}
	return nil
}

// releaseClaim frees the event claim after a failed apply. The handler asks
// the provider to redeliver on transient failures, and the redelivery must
// not be swallowed by its own first attempt's claim.
func (s *service) releaseClaim(ctx context.Context, provider order.Provider, eventID string, claimed bool) {
	if !claimed {
		return
	}
	if err := s.dedupe.Release(ctx, string(provider), eventID); err != nil {
		log.Printf("delivery: release claim %s: %v", eventID, err)
	}
}

// apply advances an order from a normalized provider update. Duplicate or
// older statuses are no-ops decided by ordinal position on the fulfillment
// ladder. Providers deliver webhooks at-least-once and out of order, and
// wall-clock time is never trusted.
func (s *service) apply(ctx context.Context, o *order.Order, provider order.Provider, u Update) error {
	if o.DeliveryProvider != nil && *o.DeliveryProvider != provider {
		return fmt.Errorf("delivery %s belongs to %s, not %s", u.DeliveryID, *o.DeliveryProvider, provider)
	}

	norm, ok := NormalizeStatus(provider, u.RawStatus)
	if !ok {
		log.Printf("delivery: %s sent unmapped status %q for order %s; leaving state unchanged",
			provider, u.RawStatus, o.OrderNumber)
		return fmt.Errorf("%w: %s %q", ErrUnknownProviderStatus, provider, u.RawStatus)
	}

	cur := o.DeliveryStatus
	switch {
	case cur != nil && order.DeliveryTerminal(*cur):
		return nil
	case norm == order.DeliveryFailed:
		_, err := s.orders.AdvanceDelivery(ctx, o.ID.String(), norm, u.Telemetry)
		return ignoreRegression(err)
	case cur != nil && order.DeliveryRank(norm) < order.DeliveryRank(*cur):
		return nil
	case cur != nil && order.DeliveryRank(norm) == order.DeliveryRank(*cur):
		// Same rung, fresh telemetry (e.g. a courier position ping).
		_, err := s.orders.MergeTelemetry(ctx, o.ID.String(), u.Telemetry)
		return err
	default:
		_, err := s.orders.AdvanceDelivery(ctx, o.ID.String(), norm, u.Telemetry)
		return ignoreRegression(err)
	}
}

// ignoreRegression drops the invalid-transition error produced when a racing
// writer advanced the order between our read and the state machine's own
// re-read. For webhook ingestion that race is just a late duplicate.
func ignoreRegression(err error) error {
	if errors.Is(err, order.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (s *service) ReconcileOnce(ctx context.Context) error {
	stale, err := s.repo.ListStaleDeliveries(ctx, time.Now().Add(-s.staleSLA))
	if err != nil {
		return err
	}
	for _, o := range stale {
		if o.DeliveryProvider == nil || o.DeliveryID == "" {
			continue
		}
		gw, ok := s.gateways[*o.DeliveryProvider]
		if !ok {
			continue
		}
		u, err := gw.Status(ctx, o.DeliveryID)
		if err != nil {
			log.Printf("delivery: reconcile poll for order %s: %v", o.OrderNumber, err)
			continue
		}
		if err := s.apply(ctx, o, *o.DeliveryProvider, *u); err != nil &&
			!errors.Is(err, ErrUnknownProviderStatus) {
			log.Printf("delivery: reconcile apply for order %s: %v", o.OrderNumber, err)
		}
	}
	return nil
}

func (s *service) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ReconcileOnce(ctx); err != nil {
				log.Printf("delivery: reconcile sweep: %v", err)
			}
		}
	}
}

func parsePayload(provider order.Provider, payload []byte) (Update, error) {
	switch provider {
	case order.ProviderUber:
		var w uberWebhook
		if err := json.Unmarshal(payload, &w); err != nil {
			return Update{}, fmt.Errorf("parse uber payload: %w", err)
		}
		return w.toUpdate(), nil
	case order.ProviderDoorDash:
		var w doordashWebhook
		if err := json.Unmarshal(payload, &w); err != nil {
			return Update{}, fmt.Errorf("parse doordash payload: %w", err)
		}
		return w.toUpdate(), nil
	default:
		return Update{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
}
