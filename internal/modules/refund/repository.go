package refund

import (
	"context"
	"encoding/json"

	"github.com/plateful/plateful-backend/internal/modules/order"
)

// Summary is the refund roll-up written onto the order row alongside a new
// ledger entry. TotalRefunded is the post-insert sum over the ledger.
type Summary struct {
	TotalRefunded float64
	Reason        string
	PartyAtFault  order.FaultParty
	Items         json.RawMessage
	Fees          json.RawMessage
	PaymentStatus order.PaymentStatus
}

// Repository defines data access for the refund ledger.
type Repository interface {
	// Record inserts the ledger entry and updates the order's refund
	// summary atomically. The order write is guarded by orderVersion and
	// fails with order.ErrStaleWrite on a lost race; the entry is not
	// inserted in that case.
	Record(ctx context.Context, e *Entry, sum Summary, orderVersion int) error

	// ListByOrder returns an order's ledger entries, oldest first.
	ListByOrder(ctx context.Context, orderID string) ([]*Entry, error)
}
