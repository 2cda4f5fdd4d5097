package clients

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// NotifierClient talks to the external notification gateway. The queue-based
// send path is the primary one; this direct surface serves synchronous sends
// and health checks.
type NotifierClient struct {
	*Client
}

// NewNotifierClient builds the notification gateway client.
func NewNotifierClient(cfg Config, logger *zap.Logger) *NotifierClient {
	return &NotifierClient{Client: NewClient("notifier", cfg, logger)}
}

// EmailRequest is one direct email send.
type EmailRequest struct {
	To       []string       `json:"to"`
	Subject  string         `json:"subject"`
	Template string         `json:"template"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// SMSRequest is one direct SMS send.
type SMSRequest struct {
	To       []string       `json:"to"`
	Template string         `json:"template"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// PushRequest is one direct push send.
type PushRequest struct {
	DeviceTokens []string       `json:"device_tokens"`
	Title        string         `json:"title"`
	Body         string         `json:"body"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// SendReceipt is the gateway's acknowledgement of a direct send.
type SendReceipt struct {
	ExternalID string `json:"external_id"`
	Accepted   int    `json:"accepted"`
	Rejected   int    `json:"rejected"`
}

// SendEmail dispatches a direct email.
func (c *NotifierClient) SendEmail(ctx context.Context, req *EmailRequest) (*SendReceipt, error) {
	var receipt SendReceipt
	if err := c.do(ctx, http.MethodPost, "/api/v1/email", nil, req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// SendSMS dispatches a direct SMS.
func (c *NotifierClient) SendSMS(ctx context.Context, req *SMSRequest) (*SendReceipt, error) {
	var receipt SendReceipt
	if err := c.do(ctx, http.MethodPost, "/api/v1/sms", nil, req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// SendPush dispatches a direct push notification.
func (c *NotifierClient) SendPush(ctx context.Context, req *PushRequest) (*SendReceipt, error) {
	var receipt SendReceipt
	if err := c.do(ctx, http.MethodPost, "/api/v1/push", nil, req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Health probes the gateway.
func (c *NotifierClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}
