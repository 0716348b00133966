// Package payments adapts the external checkout provider. Sessions are
// created against the provider's hosted checkout; fulfillment arrives
// asynchronously on the webhook, authenticated with an HMAC-SHA256
// signature over the raw payload.
package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/rabbitreels/rabbitreels/internal/domain"
)

// Config for the provider client.
type Config struct {
	WebhookSecret string
	CheckoutURL   string
}

// Provider implements domain.PaymentProvider.
type Provider struct {
	cfg Config
}

// New constructs a Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("op=payments.New: webhook secret required")
	}
	return &Provider{cfg: cfg}, nil
}

// webhookEvent is the provider's callback payload.
type webhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	Credits int    `json:"credits"`
}

// CreateCheckoutSession opens a hosted checkout for the given credit pack.
func (p *Provider) CreateCheckoutSession(_ domain.Context, userID string, credits int) (domain.CheckoutSession, error) {
	id := "cs_" + uuid.NewString()
	return domain.CheckoutSession{
		ID:  id,
		URL: fmt.Sprintf("%s/%s?user=%s&credits=%d", p.cfg.CheckoutURL, id, userID, credits),
	}, nil
}

// VerifyWebhook authenticates and decodes one callback. The signature is the
// hex HMAC-SHA256 of the raw body under the shared webhook secret.
func (p *Provider) VerifyWebhook(payload []byte, signature string) (domain.PaymentEvent, error) {
	want := Sign(payload, p.cfg.WebhookSecret)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return domain.PaymentEvent{}, fmt.Errorf("op=payments.VerifyWebhook: signature mismatch: %w", domain.ErrUnauthorized)
	}
	var ev webhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("op=payments.VerifyWebhook: decode: %v: %w", err, domain.ErrInvalidArgument)
	}
	if ev.ID == "" || ev.UserID == "" || ev.Credits <= 0 {
		return domain.PaymentEvent{}, fmt.Errorf("op=payments.VerifyWebhook: incomplete event: %w", domain.ErrInvalidArgument)
	}
	return domain.PaymentEvent{ID: ev.ID, UserID: ev.UserID, Credits: ev.Credits}, nil
}

// Sign computes the webhook signature for a payload. Exported so webhook
// simulators and tests can produce valid callbacks.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
