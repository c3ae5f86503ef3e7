/*
Package delivery implements the engine's outbound collaborators.

PURPOSE:
  The chat front-end owns the actual file transfer and messaging. The engine
  reaches it through the interfaces in market/gateway.go; this package
  provides the concrete transports.

IMPLEMENTATIONS:
  - Webhook:         HTTP POST to the chat front-end (Gateway + Notifier)
  - Log:             slog only, for development (Gateway + Notifier)
  - KafkaPublisher:  event stream for notifications and affiliate sales
  - EventNotifier / AffiliateEvents: adapters from the engine interfaces to
    a Publisher

SEE ALSO:
  - market/gateway.go: Interfaces
*/
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/market-engine/ledger"
)

const DefaultTimeout = 5 * time.Second

// Webhook posts delivery and notification requests to the chat front-end.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook returns a webhook client. A zero timeout means DefaultTimeout.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

// DeliveryRequest is the body of a "deliver" call.
type DeliveryRequest struct {
	Type       string           `json:"type"`
	PayloadRef string           `json:"payload_ref"`
	Recipient  ledger.AccountID `json:"recipient"`
	Caption    string           `json:"caption"`
}

// NotificationRequest is the body of a "notify" call.
type NotificationRequest struct {
	Type    string           `json:"type"`
	Account ledger.AccountID `json:"account"`
	Message string           `json:"message"`
}

// Deliver implements market.Gateway.
func (w *Webhook) Deliver(ctx context.Context, payloadRef string, recipient ledger.AccountID, caption string) error {
	return w.post(ctx, DeliveryRequest{
		Type:       "deliver",
		PayloadRef: payloadRef,
		Recipient:  recipient,
		Caption:    caption,
	})
}

// Notify implements market.Notifier.
func (w *Webhook) Notify(ctx context.Context, account ledger.AccountID, message string) error {
	return w.post(ctx, NotificationRequest{Type: "notify", Account: account, Message: message})
}

func (w *Webhook) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "MarketEngine-Webhook/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("chat front-end returned status %d", resp.StatusCode)
}
