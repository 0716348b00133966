package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/rabbitreels/rabbitreels/internal/adapter/observability"
	"github.com/rabbitreels/rabbitreels/internal/domain"
)

// webhookDedupTTL must outlive the provider's retry window so a replayed
// event can never grant credits twice.
const webhookDedupTTL = 48 * time.Hour

// BillingService fronts the credit ledger and the payment provider.
type BillingService struct {
	ledger   domain.Ledger
	provider domain.PaymentProvider
	idem     domain.IdempotencyStore
}

// NewBillingService constructs a BillingService.
func NewBillingService(ledger domain.Ledger, provider domain.PaymentProvider, idem domain.IdempotencyStore) BillingService {
	return BillingService{ledger: ledger, provider: provider, idem: idem}
}

// Balance returns the user's current credit balance.
func (s BillingService) Balance(ctx domain.Context, userID string) (int, error) {
	n, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("op=billing.balance: %w", err)
	}
	return n, nil
}

// Transactions returns the user's ledger entries, newest first.
func (s BillingService) Transactions(ctx domain.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	txs, err := s.ledger.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=billing.transactions: %w", err)
	}
	return txs, nil
}

// Checkout opens a provider checkout session for purchasing credits.
func (s BillingService) Checkout(ctx domain.Context, userID string, credits int) (domain.CheckoutSession, error) {
	if credits <= 0 {
		return domain.CheckoutSession{}, fmt.Errorf("op=billing.checkout: credits %d: %w", credits, domain.ErrInvalidArgument)
	}
	sess, err := s.provider.CreateCheckoutSession(ctx, userID, credits)
	if err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("op=billing.checkout: %w", err)
	}
	return sess, nil
}

// HandleWebhook verifies and applies one provider callback. A bad signature
// is ErrUnauthorized; a replayed event is ErrDuplicateEvent, which callers
// treat as success.
func (s BillingService) HandleWebhook(ctx domain.Context, payload []byte, signature string) error {
	tracer := otel.Tracer("usecase.billing")
	ctx, span := tracer.Start(ctx, "HandleWebhook")
	defer span.End()

	ev, err := s.provider.VerifyWebhook(payload, signature)
	if err != nil {
		return fmt.Errorf("op=billing.webhook: %w", err)
	}
	first, err := s.idem.MarkOnce(ctx, "payment_event:"+ev.ID, webhookDedupTTL)
	if err != nil {
		return fmt.Errorf("op=billing.webhook: dedup: %w", err)
	}
	if !first {
		slog.Info("duplicate payment event ignored", slog.String("event_id", ev.ID))
		return fmt.Errorf("op=billing.webhook: event %s: %w", ev.ID, domain.ErrDuplicateEvent)
	}
	if _, err := s.ledger.Grant(ctx, ev.UserID, ev.Credits, fmt.Sprintf("Credit purchase %s", ev.ID)); err != nil {
		return fmt.Errorf("op=billing.webhook: grant: %w", err)
	}
	observability.CreditsGrantedTotal.Add(float64(ev.Credits))
	slog.Info("credits granted",
		slog.String("event_id", ev.ID),
		slog.String("user_id", ev.UserID),
		slog.Int("credits", ev.Credits))
	return nil
}
