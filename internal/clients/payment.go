package clients

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"
)

// PaymentClient talks to the payment gateway. The coordination core only
// constructs it; upstream services drive the purchase flow.
type PaymentClient struct {
	*Client
}

// NewPaymentClient builds the payment gateway client.
func NewPaymentClient(cfg Config, logger *zap.Logger) *PaymentClient {
	return &PaymentClient{Client: NewClient("payment", cfg, logger)}
}

// IntentRequest opens a payment intent for a pending order.
type IntentRequest struct {
	OrderID     int64  `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	GuestEmail  string `json:"guest_email"`
}

// Intent is a pending payment intent.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// CreateIntent opens a payment intent.
func (c *PaymentClient) CreateIntent(ctx context.Context, req *IntentRequest) (*Intent, error) {
	var intent Intent
	if err := c.do(ctx, http.MethodPost, "/api/v1/payments/intent", nil, req, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// CheckoutRequest opens a hosted checkout session.
type CheckoutRequest struct {
	OrderID    int64  `json:"order_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// CheckoutSession is a hosted checkout session.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckout opens a hosted checkout session.
func (c *PaymentClient) CreateCheckout(ctx context.Context, req *CheckoutRequest) (*CheckoutSession, error) {
	var session CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/api/v1/payments/checkout", nil, req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// RefundRequest refunds a captured payment, fully or partially.
type RefundRequest struct {
	PaymentID   string `json:"payment_id"`
	AmountCents int64  `json:"amount_cents,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Refund is the gateway's refund record.
type Refund struct {
	ID          string `json:"id"`
	PaymentID   string `json:"payment_id"`
	AmountCents int64  `json:"amount_cents"`
	Status      string `json:"status"`
}

// CreateRefund refunds a payment.
func (c *PaymentClient) CreateRefund(ctx context.Context, req *RefundRequest) (*Refund, error) {
	var refund Refund
	if err := c.do(ctx, http.MethodPost, "/api/v1/payments/refund", nil, req, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// Invoice is one settled invoice.
type Invoice struct {
	ID          string `json:"id"`
	OrderID     int64  `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	PDFURL      string `json:"pdf_url,omitempty"`
}

// Invoices lists the invoices of an organizer.
func (c *PaymentClient) Invoices(ctx context.Context, organizerID int64) ([]Invoice, error) {
	var invoices []Invoice
	query := url.Values{"organizer_id": {strconv.FormatInt(organizerID, 10)}}
	if err := c.do(ctx, http.MethodGet, "/api/v1/invoices", query, nil, &invoices); err != nil {
		return nil, err
	}
	return invoices, nil
}

// Subscription is one recurring organizer plan.
type Subscription struct {
	ID          string `json:"id"`
	OrganizerID int64  `json:"organizer_id"`
	Plan        string `json:"plan"`
	Status      string `json:"status"`
	RenewsAt    string `json:"renews_at,omitempty"`
}

// Subscription fetches the active plan of an organizer.
func (c *PaymentClient) Subscription(ctx context.Context, organizerID int64) (*Subscription, error) {
	var sub Subscription
	path := "/api/v1/subscriptions/" + strconv.FormatInt(organizerID, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// WebhookEndpoint is one registered payment-event receiver.
type WebhookEndpoint struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

// RegisterWebhook registers a payment-event receiver.
func (c *PaymentClient) RegisterWebhook(ctx context.Context, endpoint string, events []string) (*WebhookEndpoint, error) {
	var hook WebhookEndpoint
	payload := map[string]any{"url": endpoint, "events": events}
	if err := c.do(ctx, http.MethodPost, "/api/v1/webhooks", nil, payload, &hook); err != nil {
		return nil, err
	}
	return &hook, nil
}
