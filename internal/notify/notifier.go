// Package notify delivers outbound notifications: the invoice email to the
// customer and error alerts to the operator. Delivery itself happens in an
// external mailer reached through a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"lexsync/internal/logger"
	"lexsync/pkg/models"
)

// ErrDeliveryFailed is returned when the webhook rejects a notification.
var ErrDeliveryFailed = errors.New("notification delivery failed")

// Event kinds posted to the webhook.
const (
	KindInvoiceEmail = "invoice_email"
	KindErrorAlert   = "error_alert"
)

// Notifier sends notifications.
type Notifier interface {
	SendInvoice(ctx context.Context, order *models.Order) error
	NotifyError(ctx context.Context, subject, message string) error
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) SendInvoice(context.Context, *models.Order) error { return nil }

func (Nop) NotifyError(context.Context, string, string) error { return nil }

// Payload is the JSON document posted to the webhook.
type Payload struct {
	Kind          string    `json:"kind"`
	OrderID       string    `json:"order_id,omitempty"`
	OrderNumber   string    `json:"order_number,omitempty"`
	Email         string    `json:"email,omitempty"`
	InvoiceID     string    `json:"invoice_id,omitempty"`
	InvoiceNumber string    `json:"invoice_number,omitempty"`
	Subject       string    `json:"subject,omitempty"`
	Message       string    `json:"message,omitempty"`
	SentAt        time.Time `json:"sent_at"`
}

// Webhook posts notifications as JSON to a URL.
type Webhook struct {
	url        string
	httpClient *http.Client
	log        zerolog.Logger
	now        func() time.Time
}

// NewWebhook creates a webhook notifier.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.WithComponent("notify"),
		now:        time.Now,
	}
}

// SendInvoice asks the mailer to send the invoice of order to the customer.
func (w *Webhook) SendInvoice(ctx context.Context, order *models.Order) error {
	return w.post(ctx, Payload{
		Kind:          KindInvoiceEmail,
		OrderID:       order.ID,
		OrderNumber:   order.Number,
		Email:         order.Billing.Email,
		InvoiceID:     order.InvoiceID(),
		InvoiceNumber: order.MetaValue(models.MetaInvoiceNumber),
	})
}

// NotifyError alerts the operator.
func (w *Webhook) NotifyError(ctx context.Context, subject, message string) error {
	return w.post(ctx, Payload{
		Kind:    KindErrorAlert,
		Subject: subject,
		Message: message,
	})
}

func (w *Webhook) post(ctx context.Context, payload Payload) error {
	const op = "notify.post"

	payload.SentAt = w.now().UTC()
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %w: HTTP %d", op, ErrDeliveryFailed, resp.StatusCode)
	}

	w.log.Info().
		Str("kind", payload.Kind).
		Str("order_id", payload.OrderID).
		Msg("Notification delivered")
	return nil
}
