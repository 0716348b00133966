package domain

import "time"

// AuthProvider tags how a user account was created.
const (
	ProviderEmail = "email"
	ProviderOAuth = "oauth"
)

// User is created on registration or first OAuth callback; never deleted.
type User struct {
	ID             string
	Email          string
	DisplayName    string
	Provider       string
	CredentialHash string
	CreatedAt      time.Time
}

// CreditTransaction is an append-only ledger entry. Amount negative = spend,
// positive = grant or refund.
type CreditTransaction struct {
	ID          int64
	UserID      string
	Amount      int
	Description string
	CreatedAt   time.Time
}

// UserRepository persists user rows. EnsureUser upserts by email and grants
// the welcome credit exactly once, inside the insert transaction.
type UserRepository interface {
	EnsureUser(ctx Context, u User, welcomeCredits int) (User, error)
	GetByID(ctx Context, id string) (User, error)
	GetByEmail(ctx Context, email string) (User, error)
}

// Ledger is the source of truth for balances. Every operation is one
// serializable transaction over the balance row and the entries table.
type Ledger interface {
	Balance(ctx Context, userID string) (int, error)
	Grant(ctx Context, userID string, amount int, description string) (int, error)
	// Spend decrements by 1 iff balance >= 1, else ErrInsufficientCredits.
	Spend(ctx Context, userID, description string) (int, error)
	Refund(ctx Context, userID, description string) (int, error)
	ListTransactions(ctx Context, userID string, limit int) ([]CreditTransaction, error)
}

// IdempotencyStore collapses duplicate external callbacks. MarkOnce returns
// true only for the first caller of a key within the TTL.
type IdempotencyStore interface {
	MarkOnce(ctx Context, key string, ttl time.Duration) (bool, error)
}

// CheckoutSession is a payment-provider redirect for purchasing credits.
type CheckoutSession struct {
	ID  string
	URL string
}

// PaymentEvent is a verified provider callback.
type PaymentEvent struct {
	ID      string
	UserID  string
	Credits int
}

// PaymentProvider is the external checkout collaborator.
type PaymentProvider interface {
	CreateCheckoutSession(ctx Context, userID string, credits int) (CheckoutSession, error)
	// VerifyWebhook checks the payload signature and decodes the event;
	// a bad signature returns ErrUnauthorized.
	VerifyWebhook(payload []byte, signature string) (PaymentEvent, error)
}
