package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/plateful/plateful-backend/internal/modules/order"
)

var (
	// ErrUpstreamTimeout means the delivery network did not answer within
	// the bounded timeout. Callers may retry idempotent operations.
	ErrUpstreamTimeout = errors.New("delivery provider unreachable")
	// ErrUnknownProviderStatus means the provider sent a status string the
	// lookup table cannot map. The adapter fails closed: internal state is
	// left unchanged and the payload needs manual follow-up.
	ErrUnknownProviderStatus = errors.New("unknown provider status")
	// ErrUnknownProvider means no gateway is registered for the provider.
	ErrUnknownProvider = errors.New("unknown delivery provider")
)

// Dispatcher is the provider-agnostic interface every delivery network
// adapter must implement.
type Dispatcher interface {
	// Quote asks the network to price a job.
	Quote(ctx context.Context, req QuoteRequest) (*Quote, error)
	// Create hands the job to the network for courier assignment.
	Create(ctx context.Context, req CreateRequest) (*Dispatch, error)
	// Status polls the network for the current state of a delivery.
	Status(ctx context.Context, deliveryID string) (*Update, error)
}

// Registry maps delivery networks to their Dispatcher implementations.
type Registry map[order.Provider]Dispatcher

// statusTable holds each network's native status vocabulary. The tables are
// fixed: an unmapped string is never guessed at.
var statusTable = map[order.Provider]map[string]order.DeliveryStatus{
	order.ProviderUber: {
		"pending":         order.DeliveryScheduled,
		"pickup":          order.DeliveryCourierAssigned,
		"pickup_arrived":  order.DeliveryCourierArrived,
		"pickup_complete": order.DeliveryPickedUp,
		"dropoff":         order.DeliveryPickedUp,
		"delivered":       order.DeliveryDelivered,
		"canceled":        order.DeliveryFailed,
		"returned":        order.DeliveryFailed,
	},
	order.ProviderDoorDash: {
		"created":             order.DeliveryScheduled,
		"confirmed":           order.DeliveryScheduled,
		"dasher_confirmed":    order.DeliveryCourierAssigned,
		"enroute_to_pickup":   order.DeliveryCourierAssigned,
		"arrived_at_store":    order.DeliveryCourierArrived,
		"picked_up":           order.DeliveryPickedUp,
		"enroute_to_dropoff":  order.DeliveryPickedUp,
		"arrived_at_consumer": order.DeliveryPickedUp,
		"delivered":           order.DeliveryDelivered,
		"cancelled":           order.DeliveryFailed,
	},
}

// NormalizeStatus maps a provider's native status string to the internal
// delivery state. ok is false for strings outside the lookup table.
func NormalizeStatus(provider order.Provider, raw string) (order.DeliveryStatus, bool) {
	s, ok := statusTable[provider][strings.ToLower(raw)]
	return s, ok
}

// ── HTTP plumbing shared by both adapters ─────────────────────────────────────

const statusPollRetries = 2

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string, timeout time.Duration) apiClient {
	return apiClient{baseURL: baseURL, token: token, http: &http.Client{Timeout: timeout}}
}

func (c apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewBuffer(b)
	} else {
		buf = &bytes.Buffer{}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// doGet retries a bounded number of times. Only reads go through here;
// creation and cancellation are not blindly retried.
func (c apiClient) doGet(ctx context.Context, path string, out interface{}) error {
	var err error
	for attempt := 0; attempt <= statusPollRetries; attempt++ {
		err = c.do(ctx, http.MethodGet, path, nil, out)
		if err == nil || !errors.Is(err, ErrUpstreamTimeout) {
			return err
		}
	}
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ── Uber Direct adapter ───────────────────────────────────────────────────────

type uberGateway struct{ api apiClient }

// NewUberGateway creates the Uber Direct adapter. baseURL already carries
// the customer scope (…/customers/{customer_id}).
func NewUberGateway(baseURL, token string, timeout time.Duration) Dispatcher {
	return &uberGateway{api: newAPIClient(baseURL, token, timeout)}
}

type uberQuoteResponse struct {
	ID         string     `json:"id"`
	Fee        int64      `json:"fee"` // cents
	Currency   string     `json:"currency_type"`
	PickupETA  *time.Time `json:"pickup_eta,omitempty"`
	DropoffETA *time.Time `json:"dropoff_eta,omitempty"`
}

func (g *uberGateway) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	payload := map[string]string{
		"external_id":     req.ExternalID,
		"dropoff_address": req.DropoffAddress,
	}
	var resp uberQuoteResponse
	if err := g.api.do(ctx, http.MethodPost, "/delivery_quotes", payload, &resp); err != nil {
		return nil, fmt.Errorf("uber quote: %w", err)
	}
	return &Quote{
		ID:         resp.ID,
		Fee:        float64(resp.Fee) / 100,
		Currency:   resp.Currency,
		PickupETA:  resp.PickupETA,
		DropoffETA: resp.DropoffETA,
	}, nil
}

func (g *uberGateway) Create(ctx context.Context, req CreateRequest) (*Dispatch, error) {
	payload := map[string]string{
		"quote_id":             req.QuoteID,
		"external_id":          req.ExternalID,
		"dropoff_address":      req.DropoffAddress,
		"dropoff_name":         req.DropoffName,
		"dropoff_phone_number": req.DropoffPhone,
	}
	var resp uberWebhook
	if err := g.api.do(ctx, http.MethodPost, "/deliveries", payload, &resp.Data); err != nil {
		return nil, fmt.Errorf("uber create delivery: %w", err)
	}
	u := resp.toUpdate()
	return &Dispatch{DeliveryID: u.DeliveryID, RawStatus: u.RawStatus, Telemetry: u.Telemetry}, nil
}

func (g *uberGateway) Status(ctx context.Context, deliveryID string) (*Update, error) {
	var resp uberWebhook
	if err := g.api.doGet(ctx, "/deliveries/"+deliveryID, &resp.Data); err != nil {
		return nil, fmt.Errorf("uber delivery status: %w", err)
	}
	u := resp.toUpdate()
	u.DeliveryID = deliveryID
	return &u, nil
}

// ── DoorDash Drive adapter ────────────────────────────────────────────────────

type doordashGateway struct{ api apiClient }

// NewDoorDashGateway creates the DoorDash Drive adapter.
func NewDoorDashGateway(baseURL, token string, timeout time.Duration) Dispatcher {
	return &doordashGateway{api: newAPIClient(baseURL, token, timeout)}
}

func (g *doordashGateway) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	payload := map[string]string{
		"external_delivery_id": req.ExternalID,
		"dropoff_address":      req.DropoffAddress,
		"dropoff_contact_name": req.DropoffName,
		"dropoff_phone_number": req.DropoffPhone,
	}
	var resp doordashWebhook
	if err := g.api.do(ctx, http.MethodPost, "/quotes", payload, &resp); err != nil {
		return nil, fmt.Errorf("doordash quote: %w", err)
	}
	q := &Quote{ID: resp.ExternalDeliveryID}
	if resp.Fee != nil {
		q.Fee = *resp.Fee
	}
	q.PickupETA = resp.PickupTimeEstimated
	q.DropoffETA = resp.DropoffTimeEstimated
	return q, nil
}

func (g *doordashGateway) Create(ctx context.Context, req CreateRequest) (*Dispatch, error) {
	payload := map[string]string{
		"external_delivery_id": req.ExternalID,
		"dropoff_address":      req.DropoffAddress,
		"dropoff_contact_name": req.DropoffName,
		"dropoff_phone_number": req.DropoffPhone,
	}
	var resp doordashWebhook
	if err := g.api.do(ctx, http.MethodPost, "/deliveries", payload, &resp); err != nil {
		return nil, fmt.Errorf("doordash create delivery: %w", err)
	}
	u := resp.toUpdate()
	if u.DeliveryID == "" {
		u.DeliveryID = req.ExternalID
	}
	return &Dispatch{DeliveryID: u.DeliveryID, RawStatus: u.RawStatus, Telemetry: u.Telemetry}, nil
}

func (g *doordashGateway) Status(ctx context.Context, deliveryID string) (*Update, error) {
	var resp doordashWebhook
	if err := g.api.doGet(ctx, "/deliveries/"+deliveryID, &resp); err != nil {
		return nil, fmt.Errorf("doordash delivery status: %w", err)
	}
	u := resp.toUpdate()
	u.DeliveryID = deliveryID
	return &u, nil
}
