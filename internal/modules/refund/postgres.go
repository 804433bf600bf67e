package refund

import (
	"context"
	"database/sql"
	"time"

	"github.com/plateful/plateful-backend/internal/modules/order"
)

type postgresRepo struct{ db *sql.DB }

// NewPostgresRepository creates the Postgres-backed refund ledger repository.
func NewPostgresRepository(db *sql.DB) Repository { return &postgresRepo{db: db} }

// Record appends the ledger entry and rolls the summary onto the order row in
// one transaction. refunded_at is write-once; later refunds keep the first
// timestamp.
func (r *postgresRepo) Record(ctx context.Context, e *Entry, sum Summary, orderVersion int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO refunds
		  (id, order_id, amount, reason, party_at_fault, items, fees,
		   processor_refund_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.OrderID, e.Amount, e.Reason, e.PartyAtFault,
		nullableJSON(e.Items), nullableJSON(e.Fees),
		nilIfEmpty(e.ProcessorRefundID), e.CreatedAt)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET refund_amount=$1, refund_reason=$2, refund_party_at_fault=$3,
		    refund_items=COALESCE($4, refund_items),
		    refund_fees=COALESCE($5, refund_fees),
		    refunded_at=COALESCE(refunded_at, $6),
		    payment_status=$7, version=version+1, updated_at=$6
		WHERE id=$8 AND version=$9`,
		sum.TotalRefunded, sum.Reason, sum.PartyAtFault,
		nullableJSON(sum.Items), nullableJSON(sum.Fees),
		time.Now(), sum.PaymentStatus, e.OrderID, orderVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return order.ErrStaleWrite
	}
	return tx.Commit()
}

func (r *postgresRepo) ListByOrder(ctx context.Context, orderID string) ([]*Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, amount, reason, party_at_fault, items, fees,
		       processor_refund_id, created_at
		FROM refunds WHERE order_id=$1 ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var items, fees []byte
		var processorID sql.NullString
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Amount, &e.Reason, &e.PartyAtFault,
			&items, &fees, &processorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Items = items
		e.Fees = fees
		e.ProcessorRefundID = processorID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
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
