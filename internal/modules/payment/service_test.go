package payment

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateful/plateful-backend/internal/modules/order"
	"github.com/plateful/plateful-backend/internal/modules/order/ordertest"
)

func seedOrder(repo *ordertest.Repo) *order.Order {
	o := &order.Order{
		ID:            uuid.New(),
		StoreID:       uuid.New(),
		OrderNumber:   "ORD-20260831-PAY",
		Status:        order.StatusNew,
		PaymentStatus: order.PaymentPending,
		CustomerName:  "Dana Cruz",
		Total:         24.80,
	}
	repo.Seed(o)
	return o
}

func TestBindCheckoutSession(t *testing.T) {
	ctx := context.Background()

	t.Run("binds a fresh session", func(t *testing.T) {
		repo := ordertest.NewRepo()
		o := seedOrder(repo)
		svc := NewService(repo)

		got, err := svc.BindCheckoutSession(ctx, o.ID.String(), "cs_test_1")
		require.NoError(t, err)
		assert.Equal(t, "cs_test_1", got.StripeCheckoutSessionID)
	})

	t.Run("rebinding the same session is a no-op", func(t *testing.T) {
		repo := ordertest.NewRepo()
		o := seedOrder(repo)
		svc := NewService(repo)

		first, err := svc.BindCheckoutSession(ctx, o.ID.String(), "cs_test_1")
		require.NoError(t, err)
		second, err := svc.BindCheckoutSession(ctx, o.ID.String(), "cs_test_1")
		require.NoError(t, err)
		assert.Equal(t, first.Version, second.Version, "idempotent rebind must not bump the row")
	})

	t.Run("rejects a session already bound elsewhere", func(t *testing.T) {
		repo := ordertest.NewRepo()
		a := seedOrder(repo)
		b := seedOrder(repo)
		svc := NewService(repo)

		_, err := svc.BindCheckoutSession(ctx, a.ID.String(), "cs_test_1")
		require.NoError(t, err)
		_, err = svc.BindCheckoutSession(ctx, b.ID.String(), "cs_test_1")
		assert.ErrorIs(t, err, ErrDuplicateCheckoutSession)
	})

	t.Run("rejects rebinding an order to a second session", func(t *testing.T) {
		repo := ordertest.NewRepo()
		o := seedOrder(repo)
		svc := NewService(repo)

		_, err := svc.BindCheckoutSession(ctx, o.ID.String(), "cs_test_1")
		require.NoError(t, err)
		_, err = svc.BindCheckoutSession(ctx, o.ID.String(), "cs_test_2")
		assert.ErrorContains(t, err, "already bound")
	})

	t.Run("requires a session id", func(t *testing.T) {
		repo := ordertest.NewRepo()
		o := seedOrder(repo)
		svc := NewService(repo)
		_, err := svc.BindCheckoutSession(ctx, o.ID.String(), "")
		assert.Error(t, err)
	})

	t.Run("unknown order", func(t *testing.T) {
		svc := NewService(ordertest.NewRepo())
		_, err := svc.BindCheckoutSession(ctx, uuid.NewString(), "cs_test_1")
		assert.ErrorIs(t, err, order.ErrNotFound)
	})
}

func event(typ, objectID, intent string) WebhookEvent {
	var evt WebhookEvent
	evt.ID = "evt_1"
	evt.Type = typ
	evt.Data.Object.ID = objectID
	evt.Data.Object.PaymentIntent = intent
	return evt
}

func TestHandleWebhook(t *testing.T) {
	ctx := context.Background()

	t.Run("checkout completion marks the order paid", func(t *testing.T) {
		repo := ordertest.NewRepo()
		o := seedOrder(repo)
		svc := NewService(repo)
		_, err := svc.BindCheckoutSession(ctx, o.ID.String(), "cs_test_1")
		require.NoError(t, err)

		got, err := svc.HandleWebhook(ctx, event("checkout.session.completed", "cs_test_1", "pi_123"))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, order.PaymentPaid, got.PaymentStatus)
		assert.Equal(t, "pi_123", got.PaymentIntentID, "intent captured for later refunds")
	})

	t.Run("intent events correlate when the session is absent", func(t *testing.T) {
		repo := ordertest.NewRepo()
		o := seedOrder(repo)
		svc := NewService(repo)
		_, err := svc.BindCheckoutSession(ctx, o.ID.String(), "cs_test_1")
		require.NoError(t, err)
		_, err = svc.HandleWebhook(ctx, event("checkout.session.completed", "cs_test_1", "pi_123"))
		require.NoError(t, err)

		got, err := svc.HandleWebhook(ctx, event("payment_intent.payment_failed", "pi_123", ""))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, order.PaymentFailed, got.PaymentStatus)
	})

	t.Run("session expiry marks the payment failed", func(t *testing.T) {
		repo := ordertest.NewRepo()
		o := seedOrder(repo)
		svc := NewService(repo)
		_, err := svc.BindCheckoutSession(ctx, o.ID.String(), "cs_test_1")
		require.NoError(t, err)

		got, err := svc.HandleWebhook(ctx, event("checkout.session.expired", "cs_test_1", ""))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, order.PaymentFailed, got.PaymentStatus)
	})

	t.Run("processor-initiated refunds are recorded", func(t *testing.T) {
		repo := ordertest.NewRepo()
		o := seedOrder(repo)
		svc := NewService(repo)
		_, err := svc.BindCheckoutSession(ctx, o.ID.String(), "cs_test_1")
		require.NoError(t, err)
		_, err = svc.HandleWebhook(ctx, event("checkout.session.completed", "cs_test_1", "pi_123"))
		require.NoError(t, err)

		got, err := svc.HandleWebhook(ctx, event("charge.refunded", "ch_1", "pi_123"))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, order.PaymentRefunded, got.PaymentStatus)
	})

	t.Run("unhandled event types are acknowledged and ignored", func(t *testing.T) {
		svc := NewService(ordertest.NewRepo())
		got, err := svc.HandleWebhook(ctx, event("customer.created", "cus_1", ""))
		assert.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("event for an unknown order", func(t *testing.T) {
		svc := NewService(ordertest.NewRepo())
		_, err := svc.HandleWebhook(ctx, event("checkout.session.completed", "cs_missing", ""))
		assert.ErrorIs(t, err, order.ErrNotFound)
	})
}
