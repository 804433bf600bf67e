package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrUpstreamTimeout means the payment processor did not answer within the
// bounded timeout. Refunds are not idempotent, so the caller must decide
// whether to re-invoke; the gateway never retries them on its own.
var ErrUpstreamTimeout = errors.New("payment processor unreachable")

// Gateway is the outbound surface of the payment processor. The processor
// owns the actual money movement; this service only records outcomes.
type Gateway interface {
	// Refund asks the processor to return amount (in the order currency)
	// against a captured payment intent.
	Refund(ctx context.Context, paymentIntentID string, amount float64) (*RefundResult, error)
}

type stripeGateway struct {
	baseURL   string
	secretKey string
	http      *http.Client
}

// NewStripeGateway creates the Stripe API adapter.
func NewStripeGateway(baseURL, secretKey string, timeout time.Duration) Gateway {
	return &stripeGateway{baseURL: baseURL, secretKey: secretKey, http: &http.Client{Timeout: timeout}}
}

func (g *stripeGateway) Refund(ctx context.Context, paymentIntentID string, amount float64) (*RefundResult, error) {
	form := url.Values{}
	form.Set("payment_intent", paymentIntentID)
	// Stripe amounts are integer minor units.
	form.Set("amount", strconv.FormatInt(int64(amount*100+0.5), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/refunds",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(g.secretKey, "")

	resp, err := g.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
		}
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("stripe refund returned status %d", resp.StatusCode)
	}

	var body struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return &RefundResult{RefundID: body.ID, Status: body.Status}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
