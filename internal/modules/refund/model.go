package refund

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/plateful/plateful-backend/internal/modules/order"
)

// Entry is one row of the append-only refund ledger. Entries are never
// mutated or deleted; "total refunded so far" is the sum over an order's
// entries, and the order row carries that sum as a summary.
type Entry struct {
	ID                uuid.UUID        `json:"id"`
	OrderID           uuid.UUID        `json:"order_id"`
	Amount            float64          `json:"amount"`
	Reason            string           `json:"reason"`
	PartyAtFault      order.FaultParty `json:"party_at_fault"`
	Items             json.RawMessage  `json:"items,omitempty"`
	Fees              json.RawMessage  `json:"fees,omitempty"`
	ProcessorRefundID string           `json:"processor_refund_id,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// IssueRequest is the staff payload for issuing a full or partial refund.
type IssueRequest struct {
	Amount       float64         `json:"amount"`
	Reason       string          `json:"reason"`
	PartyAtFault string          `json:"party_at_fault"`
	Items        json.RawMessage `json:"items,omitempty"`
	Fees         json.RawMessage `json:"fees,omitempty"`
}
