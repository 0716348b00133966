package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rabbitreels/rabbitreels/internal/domain"
)

type fakeProvider struct {
	verifyErr error
	event     domain.PaymentEvent
}

func (p fakeProvider) CreateCheckoutSession(_ domain.Context, userID string, credits int) (domain.CheckoutSession, error) {
	return domain.CheckoutSession{ID: "cs_1", URL: "https://pay.example/cs_1"}, nil
}

func (p fakeProvider) VerifyWebhook(payload []byte, signature string) (domain.PaymentEvent, error) {
	if p.verifyErr != nil {
		return domain.PaymentEvent{}, p.verifyErr
	}
	return p.event, nil
}

type memIdem struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newMemIdem() *memIdem { return &memIdem{seen: map[string]struct{}{}} }

func (s *memIdem) MarkOnce(_ domain.Context, key string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	return true, nil
}

func TestBillingBalanceAndTransactions(t *testing.T) {
	ledger := &fakeLedger{balance: 7}
	svc := NewBillingService(ledger, fakeProvider{}, newMemIdem())

	n, err := svc.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestBillingCheckoutRejectsNonPositiveCredits(t *testing.T) {
	svc := NewBillingService(&fakeLedger{}, fakeProvider{}, newMemIdem())

	_, err := svc.Checkout(context.Background(), "user-1", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	sess, err := svc.Checkout(context.Background(), "user-1", 10)
	require.NoError(t, err)
	assert.Equal(t, "cs_1", sess.ID)
}

func TestBillingWebhookGrantsOnce(t *testing.T) {
	ledger := &fakeLedger{}
	provider := fakeProvider{event: domain.PaymentEvent{ID: "evt_1", UserID: "user-1", Credits: 10}}
	svc := NewBillingService(ledger, provider, newMemIdem())

	require.NoError(t, svc.HandleWebhook(context.Background(), []byte("{}"), "sig"))
	assert.Equal(t, []int{10}, ledger.grants)

	err := svc.HandleWebhook(context.Background(), []byte("{}"), "sig")
	assert.ErrorIs(t, err, domain.ErrDuplicateEvent)
	assert.Equal(t, []int{10}, ledger.grants, "replay never double-grants")
}

func TestBillingWebhookRejectsBadSignature(t *testing.T) {
	ledger := &fakeLedger{}
	svc := NewBillingService(ledger, fakeProvider{verifyErr: domain.ErrUnauthorized}, newMemIdem())

	err := svc.HandleWebhook(context.Background(), []byte("{}"), "bad")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Empty(t, ledger.grants)
}
