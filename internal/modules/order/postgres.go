package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type postgresRepo struct{ db *sql.DB }

// NewPostgresRepository creates the Postgres-backed order repository.
func NewPostgresRepository(db *sql.DB) Repository { return &postgresRepo{db: db} }

// CreateOrder inserts the order and all its item snapshots inside a single
// transaction.
func (r *postgresRepo) CreateOrder(ctx context.Context, o *Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders
		  (id, store_id, order_number, status, payment_status,
		   subtotal, tax, delivery_fee, tip, total,
		   customer_name, customer_phone, customer_email, delivery_address,
		   support_reference, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1)`,
		o.ID, o.StoreID, o.OrderNumber, o.Status, o.PaymentStatus,
		o.Subtotal, o.Tax, o.DeliveryFee, o.Tip, o.Total,
		o.CustomerName, nilIfEmpty(o.CustomerPhone), nilIfEmpty(o.CustomerEmail),
		nilIfEmpty(o.DeliveryAddress), nilIfEmpty(o.SupportReference))
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range o.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items
			  (id, order_id, item_id, name, quantity, price, modifiers, notes)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			item.ID, o.ID, item.ItemID, item.Name, item.Quantity, item.Price,
			nullableJSON(item.Modifiers), nilIfEmpty(item.Notes))
		if err != nil {
			return fmt.Errorf("insert order_item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	o.Version = 1
	return nil
}

func (r *postgresRepo) GetOrderByID(ctx context.Context, id string) (*Order, error) {
	return r.getOne(ctx, selectSQL+" WHERE id=$1", id)
}

func (r *postgresRepo) GetOrderByNumber(ctx context.Context, orderNumber string) (*Order, error) {
	return r.getOne(ctx, selectSQL+" WHERE order_number=$1", orderNumber)
}

func (r *postgresRepo) GetOrderByDeliveryID(ctx context.Context, deliveryID string) (*Order, error) {
	return r.getOne(ctx, selectSQL+" WHERE delivery_id=$1", deliveryID)
}

func (r *postgresRepo) GetOrderByCheckoutSession(ctx context.Context, sessionID string) (*Order, error) {
	return r.getOne(ctx, selectSQL+" WHERE stripe_checkout_session_id=$1", sessionID)
}

func (r *postgresRepo) GetOrderByPaymentIntent(ctx context.Context, intentID string) (*Order, error) {
	return r.getOne(ctx, selectSQL+" WHERE payment_intent_id=$1", intentID)
}

func (r *postgresRepo) ListOrdersByStore(ctx context.Context, storeID string, status string) ([]*Order, error) {
	query := selectSQL + " WHERE store_id=$1"
	args := []interface{}{storeID}
	if status != "" {
		query += " AND status=$2"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"
	return r.queryOrders(ctx, query, args...)
}

func (r *postgresRepo) ListStaleDeliveries(ctx context.Context, cutoff time.Time) ([]*Order, error) {
	return r.queryOrders(ctx, selectSQL+`
		WHERE delivery_status IS NOT NULL
		  AND delivery_status NOT IN ('DELIVERED','FAILED')
		  AND updated_at < $1
		ORDER BY updated_at ASC`, cutoff)
}

// ── CAS mutations ─────────────────────────────────────────────────────────────
// Every update is guarded by the version the caller last read; zero rows
// affected means a concurrent writer got there first.

func (r *postgresRepo) UpdateStatus(ctx context.Context, id string, status Status, cancelReason string, version int) error {
	return r.casExec(ctx, `
		UPDATE orders
		SET status=$1, cancel_reason=COALESCE(NULLIF($2,''), cancel_reason),
		    version=version+1, updated_at=$3
		WHERE id=$4 AND version=$5`,
		status, cancelReason, time.Now(), id, version)
}

func (r *postgresRepo) UpdateDelivery(ctx context.Context, id string, ds DeliveryStatus, tel Telemetry, version int) error {
	b, err := json.Marshal(tel)
	if err != nil {
		return err
	}
	return r.casExec(ctx, `
		UPDATE orders
		SET delivery_status=$1, telemetry=$2, version=version+1, updated_at=$3
		WHERE id=$4 AND version=$5`,
		ds, b, time.Now(), id, version)
}

func (r *postgresRepo) SetDispatch(ctx context.Context, id string, provider Provider, quoteID, deliveryID string, ds DeliveryStatus, version int) error {
	return r.casExec(ctx, `
		UPDATE orders
		SET delivery_provider=$1, delivery_quote_id=$2, delivery_id=$3,
		    delivery_status=$4, version=version+1, updated_at=$5
		WHERE id=$6 AND version=$7`,
		provider, nilIfEmpty(quoteID), nilIfEmpty(deliveryID), ds, time.Now(), id, version)
}

func (r *postgresRepo) BindCheckoutSession(ctx context.Context, id string, sessionID string, version int) error {
	return r.casExec(ctx, `
		UPDATE orders
		SET stripe_checkout_session_id=$1, version=version+1, updated_at=$2
		WHERE id=$3 AND version=$4`,
		sessionID, time.Now(), id, version)
}

func (r *postgresRepo) UpdatePayment(ctx context.Context, id string, ps PaymentStatus, intentID string, version int) error {
	return r.casExec(ctx, `
		UPDATE orders
		SET payment_status=$1,
		    payment_intent_id=COALESCE(NULLIF($2,''), payment_intent_id),
		    version=version+1, updated_at=$3
		WHERE id=$4 AND version=$5`,
		ps, intentID, time.Now(), id, version)
}

func (r *postgresRepo) casExec(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleWrite
	}
	return nil
}

// ── Scanner ───────────────────────────────────────────────────────────────────

const selectSQL = `
	SELECT id, store_id, order_number, status, delivery_status, payment_status,
	       subtotal, tax, delivery_fee, tip, total,
	       customer_name, customer_phone, customer_email, delivery_address,
	       stripe_checkout_session_id, payment_intent_id,
	       delivery_quote_id, delivery_id, delivery_provider, telemetry,
	       refund_amount, refund_reason, refund_party_at_fault,
	       refund_items, refund_fees, refunded_at,
	       support_reference, cancel_reason, version, created_at, updated_at
	FROM orders`

type rowScanner interface{ Scan(dest ...interface{}) error }

func (r *postgresRepo) getOne(ctx context.Context, query string, arg interface{}) (*Order, error) {
	o, err := r.scan(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		return nil, err
	}
	o.Items, err = r.listItems(ctx, o.ID.String())
	return o, err
}

func (r *postgresRepo) scan(row rowScanner) (*Order, error) {
	o := &Order{}
	var deliveryStatus, provider, phone, email, address sql.NullString
	var sessionID, intentID, quoteID, deliveryID sql.NullString
	var refundReason, refundParty, supportRef, cancelReason sql.NullString
	var refundedAt sql.NullTime
	var telemetry, refundItems, refundFees []byte

	err := row.Scan(
		&o.ID, &o.StoreID, &o.OrderNumber, &o.Status, &deliveryStatus, &o.PaymentStatus,
		&o.Subtotal, &o.Tax, &o.DeliveryFee, &o.Tip, &o.Total,
		&o.CustomerName, &phone, &email, &address,
		&sessionID, &intentID, &quoteID, &deliveryID, &provider, &telemetry,
		&o.RefundAmount, &refundReason, &refundParty,
		&refundItems, &refundFees, &refundedAt,
		&supportRef, &cancelReason, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if deliveryStatus.Valid {
		ds := DeliveryStatus(deliveryStatus.String)
		o.DeliveryStatus = &ds
	}
	if provider.Valid {
		p := Provider(provider.String)
		o.DeliveryProvider = &p
	}
	o.CustomerPhone = phone.String
	o.CustomerEmail = email.String
	o.DeliveryAddress = address.String
	o.StripeCheckoutSessionID = sessionID.String
	o.PaymentIntentID = intentID.String
	o.DeliveryQuoteID = quoteID.String
	o.DeliveryID = deliveryID.String
	o.RefundReason = refundReason.String
	if refundParty.Valid {
		fp := FaultParty(refundParty.String)
		o.RefundPartyAtFault = &fp
	}
	o.SupportReference = supportRef.String
	o.CancelReason = cancelReason.String
	if refundedAt.Valid {
		o.RefundedAt = &refundedAt.Time
	}
	if len(telemetry) > 0 {
		_ = json.Unmarshal(telemetry, &o.Telemetry)
	}
	o.RefundItems = refundItems
	o.RefundFees = refundFees
	return o, nil
}

func (r *postgresRepo) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orders []*Order
	for rows.Next() {
		o, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (r *postgresRepo) listItems(ctx context.Context, orderID string) ([]*Item, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, item_id, name, quantity, price, modifiers, notes, created_at
		FROM order_items WHERE order_id=$1 ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		item := &Item{}
		var itemID sql.NullString
		var modifiers []byte
		var notes sql.NullString
		if err := rows.Scan(&item.ID, &item.OrderID, &itemID, &item.Name,
			&item.Quantity, &item.Price, &modifiers, &notes, &item.CreatedAt); err != nil {
			return nil, err
		}
		if itemID.Valid {
			if iid, err := uuid.Parse(itemID.String); err == nil {
				item.ItemID = &iid
			}
		}
		item.Modifiers = modifiers
		item.Notes = notes.String
		items = append(items, item)
	}
	return items, rows.Err()
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
