package payment

// BindSessionRequest attaches a payment processor checkout session to an order.
type BindSessionRequest struct {
	SessionID string `json:"session_id"`
}

// WebhookEvent is the inbound payment-processor event. Stripe sends a typed
// envelope; only the fields the correlator needs are decoded.
type WebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"` // e.g. checkout.session.completed, payment_intent.payment_failed
	Data struct {
		Object struct {
			ID            string `json:"id"`
			PaymentIntent string `json:"payment_intent,omitempty"`
			Status        string `json:"status,omitempty"`
		} `json:"object"`
	} `json:"data"`
}

// RefundResult is what the processor reports back after a refund call.
type RefundResult struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
}
