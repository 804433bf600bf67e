package refund

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateful/plateful-backend/internal/modules/order"
	"github.com/plateful/plateful-backend/internal/modules/order/ordertest"
	"github.com/plateful/plateful-backend/internal/modules/payment"
)

// memLedger keeps ledger entries in memory and applies the order summary
// through the shared fake order repository, mirroring the transactional
// contract of the Postgres implementation.
type memLedger struct {
	mu      sync.Mutex
	orders  *ordertest.Repo
	entries []*Entry
}

func (l *memLedger) Record(ctx context.Context, e *Entry, sum Summary, orderVersion int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.orders.RecordRefund(e.OrderID.String(), sum.TotalRefunded, sum.Reason,
		sum.PartyAtFault, sum.PaymentStatus, orderVersion)
	if err != nil {
		return err
	}
	cp := *e
	l.entries = append(l.entries, &cp)
	return nil
}

func (l *memLedger) ListByOrder(ctx context.Context, orderID string) ([]*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Entry
	for _, e := range l.entries {
		if e.OrderID.String() == orderID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeGateway struct {
	mu      sync.Mutex
	amounts []float64
	err     error
}

func (g *fakeGateway) Refund(ctx context.Context, paymentIntentID string, amount float64) (*payment.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.amounts = append(g.amounts, amount)
	return &payment.RefundResult{RefundID: fmt.Sprintf("re_%d", len(g.amounts)), Status: "succeeded"}, nil
}

type fixture struct {
	orders  *ordertest.Repo
	ledger  *memLedger
	gateway *fakeGateway
	svc     Service
}

func newFixture() *fixture {
	orders := ordertest.NewRepo()
	ledger := &memLedger{orders: orders}
	gateway := &fakeGateway{}
	return &fixture{
		orders:  orders,
		ledger:  ledger,
		gateway: gateway,
		svc:     NewService(ledger, orders, gateway, nil),
	}
}

func (f *fixture) seedPaid() *order.Order {
	o := &order.Order{
		ID:              uuid.New(),
		StoreID:         uuid.New(),
		OrderNumber:     "ORD-20260831-REF",
		Status:          order.StatusAccepted,
		PaymentStatus:   order.PaymentPaid,
		PaymentIntentID: "pi_123",
		CustomerName:    "Dana Cruz",
		Subtotal:        20.00,
		Tax:             1.80,
		DeliveryFee:     2.00,
		Tip:             1.00,
		Total:           24.80,
	}
	f.orders.Seed(o)
	return o
}

func TestIssueRefund(t *testing.T) {
	ctx := context.Background()

	t.Run("full refund marks the order refunded", func(t *testing.T) {
		f := newFixture()
		o := f.seedPaid()

		got, err := f.svc.IssueRefund(ctx, o.ID.String(), IssueRequest{
			Amount: 24.80, Reason: "order never arrived", PartyAtFault: "courier",
		})
		require.NoError(t, err)
		assert.Equal(t, order.PaymentRefunded, got.PaymentStatus)
		assert.Equal(t, 24.80, got.RefundAmount)
		assert.NotNil(t, got.RefundedAt)
		require.NotNil(t, got.RefundPartyAtFault)
		assert.Equal(t, order.FaultCourier, *got.RefundPartyAtFault)
		assert.Equal(t, []float64{24.80}, f.gateway.amounts)

		entries, err := f.svc.ListRefunds(ctx, o.ID.String())
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "re_1", entries[0].ProcessorRefundID)
	})

	t.Run("fully refunded order cannot be refunded a cent more", func(t *testing.T) {
		f := newFixture()
		o := f.seedPaid()

		_, err := f.svc.IssueRefund(ctx, o.ID.String(), IssueRequest{
			Amount: 24.80, Reason: "order never arrived", PartyAtFault: "courier",
		})
		require.NoError(t, err)

		_, err = f.svc.IssueRefund(ctx, o.ID.String(), IssueRequest{
			Amount: 0.01, Reason: "goodwill", PartyAtFault: "platform",
		})
		assert.ErrorIs(t, err, ErrRefundExceedsTotal)
		assert.Len(t, f.gateway.amounts, 1, "no processor call for a rejected request")
	})

	t.Run("partial refunds accumulate to fully refunded", func(t *testing.T) {
		f := newFixture()
		o := f.seedPaid()

		got, err := f.svc.IssueRefund(ctx, o.ID.String(), IssueRequest{
			Amount: 10.00, Reason: "missing item", PartyAtFault: "store",
		})
		require.NoError(t, err)
		assert.Equal(t, order.PaymentPartiallyRefunded, got.PaymentStatus)
		assert.Equal(t, 10.00, got.RefundAmount)
		firstStamp := got.RefundedAt
		require.NotNil(t, firstStamp)

		got, err = f.svc.IssueRefund(ctx, o.ID.String(), IssueRequest{
			Amount: 14.80, Reason: "cold food", PartyAtFault: "store",
		})
		require.NoError(t, err)
		assert.Equal(t, order.PaymentRefunded, got.PaymentStatus)
		assert.Equal(t, 24.80, got.RefundAmount)
		assert.Equal(t, firstStamp, got.RefundedAt, "refunded_at is write-once")

		entries, err := f.svc.ListRefunds(ctx, o.ID.String())
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("amount above the order total is rejected", func(t *testing.T) {
		f := newFixture()
		o := f.seedPaid()
		_, err := f.svc.IssueRefund(ctx, o.ID.String(), IssueRequest{
			Amount: 25.00, Reason: "over", PartyAtFault: "store",
		})
		assert.ErrorIs(t, err, ErrRefundExceedsTotal)
		assert.Empty(t, f.gateway.amounts)
	})

	t.Run("processor failure leaves no local trace", func(t *testing.T) {
		f := newFixture()
		o := f.seedPaid()
		f.gateway.err = payment.ErrUpstreamTimeout

		_, err := f.svc.IssueRefund(ctx, o.ID.String(), IssueRequest{
			Amount: 10.00, Reason: "missing item", PartyAtFault: "store",
		})
		assert.ErrorIs(t, err, payment.ErrUpstreamTimeout)

		got, err := f.orders.GetOrderByID(ctx, o.ID.String())
		require.NoError(t, err)
		assert.Zero(t, got.RefundAmount)
		assert.Equal(t, order.PaymentPaid, got.PaymentStatus)
		assert.Empty(t, f.ledger.entries)
	})

	t.Run("nothing captured yet", func(t *testing.T) {
		f := newFixture()
		o := f.seedPaid()
		o.PaymentStatus = order.PaymentPending
		o.PaymentIntentID = ""
		f.orders.Seed(o)

		_, err := f.svc.IssueRefund(ctx, o.ID.String(), IssueRequest{
			Amount: 5.00, Reason: "test", PartyAtFault: "store",
		})
		assert.ErrorIs(t, err, ErrNothingCaptured)
	})

	t.Run("validates the request", func(t *testing.T) {
		f := newFixture()
		o := f.seedPaid()
		id := o.ID.String()

		_, err := f.svc.IssueRefund(ctx, id, IssueRequest{Amount: 0, Reason: "x", PartyAtFault: "store"})
		assert.Error(t, err)
		_, err = f.svc.IssueRefund(ctx, id, IssueRequest{Amount: 5, PartyAtFault: "store"})
		assert.Error(t, err)
		_, err = f.svc.IssueRefund(ctx, id, IssueRequest{Amount: 5, Reason: "x", PartyAtFault: "weather"})
		assert.Error(t, err)
		assert.Empty(t, f.gateway.amounts)
	})

	t.Run("retries the summary write after losing a race", func(t *testing.T) {
		f := newFixture()
		o := f.seedPaid()
		f.orders.Conflicts = 1

		got, err := f.svc.IssueRefund(ctx, o.ID.String(), IssueRequest{
			Amount: 5.00, Reason: "late", PartyAtFault: "courier",
		})
		require.NoError(t, err)
		assert.Equal(t, 5.00, got.RefundAmount)
		assert.Len(t, f.gateway.amounts, 1, "the processor is never re-invoked on a local retry")
	})
}

func TestRefundCanceledOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("settles the remaining balance and fails the delivery", func(t *testing.T) {
		f := newFixture()
		o := f.seedPaid()
		ds := order.DeliveryPickedUp
		o.DeliveryStatus = &ds
		f.orders.Seed(o)
		o, err := f.orders.GetOrderByID(ctx, o.ID.String())
		require.NoError(t, err)

		require.NoError(t, f.svc.RefundCanceledOrder(ctx, o, "customer unreachable"))

		got, err := f.orders.GetOrderByID(ctx, o.ID.String())
		require.NoError(t, err)
		assert.Equal(t, order.StatusCanceled, got.Status)
		assert.Equal(t, order.DeliveryFailed, *got.DeliveryStatus)
		assert.Equal(t, order.PaymentRefunded, got.PaymentStatus)
		assert.Equal(t, 24.80, got.RefundAmount)
		assert.Equal(t, []float64{24.80}, f.gateway.amounts)
	})

	t.Run("refunds only what is left after partial refunds", func(t *testing.T) {
		f := newFixture()
		o := f.seedPaid()
		ds := order.DeliveryPickedUp
		o.DeliveryStatus = &ds
		f.orders.Seed(o)

		_, err := f.svc.IssueRefund(ctx, o.ID.String(), IssueRequest{
			Amount: 10.00, Reason: "missing item", PartyAtFault: "store",
		})
		require.NoError(t, err)

		o, err = f.orders.GetOrderByID(ctx, o.ID.String())
		require.NoError(t, err)
		require.NoError(t, f.svc.RefundCanceledOrder(ctx, o, "store closed"))

		got, err := f.orders.GetOrderByID(ctx, o.ID.String())
		require.NoError(t, err)
		assert.Equal(t, 24.80, got.RefundAmount)
		assert.Equal(t, []float64{10.00, 14.80}, f.gateway.amounts)
	})

	t.Run("uncaptured payment skips the processor but still cancels", func(t *testing.T) {
		f := newFixture()
		o := f.seedPaid()
		o.PaymentStatus = order.PaymentPending
		o.PaymentIntentID = ""
		ds := order.DeliveryPickedUp
		o.DeliveryStatus = &ds
		f.orders.Seed(o)
		o, err := f.orders.GetOrderByID(ctx, o.ID.String())
		require.NoError(t, err)

		require.NoError(t, f.svc.RefundCanceledOrder(ctx, o, "never paid"))

		got, err := f.orders.GetOrderByID(ctx, o.ID.String())
		require.NoError(t, err)
		assert.Equal(t, order.StatusCanceled, got.Status)
		assert.Equal(t, order.DeliveryFailed, *got.DeliveryStatus)
		assert.Empty(t, f.gateway.amounts)
	})

	t.Run("processor failure aborts the cancellation", func(t *testing.T) {
		f := newFixture()
		o := f.seedPaid()
		ds := order.DeliveryPickedUp
		o.DeliveryStatus = &ds
		f.orders.Seed(o)
		o, err := f.orders.GetOrderByID(ctx, o.ID.String())
		require.NoError(t, err)
		f.gateway.err = errors.New("stripe is down")

		err = f.svc.RefundCanceledOrder(ctx, o, "customer unreachable")
		assert.Error(t, err)

		got, err := f.orders.GetOrderByID(ctx, o.ID.String())
		require.NoError(t, err)
		assert.Equal(t, order.StatusAccepted, got.Status, "order untouched so staff can retry")
		assert.Equal(t, order.DeliveryPickedUp, *got.DeliveryStatus)
	})
}

// TestCancellationEndToEnd drives a courier-en-route cancellation through the
// order service, which delegates settlement to the refund processor.
func TestCancellationEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	orderSvc := order.NewService(f.orders, nil, f.svc)

	o := f.seedPaid()
	ds := order.DeliveryPickedUp
	o.DeliveryStatus = &ds
	f.orders.Seed(o)

	require.NoError(t, orderSvc.Cancel(ctx, o.ID.String(), "customer unreachable"))

	got, err := f.orders.GetOrderByID(ctx, o.ID.String())
	require.NoError(t, err)
	assert.Equal(t, order.StatusCanceled, got.Status)
	assert.Equal(t, order.DeliveryFailed, *got.DeliveryStatus)
	assert.Equal(t, order.PaymentRefunded, got.PaymentStatus)
	assert.Equal(t, 24.80, got.RefundAmount)
	assert.Equal(t, "customer unreachable", got.CancelReason)
}
