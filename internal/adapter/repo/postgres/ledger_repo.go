package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/rabbitreels/rabbitreels/internal/domain"
)

// LedgerRepo implements the credit ledger. Every operation is one transaction
// that locks the balance row, applies the delta, and appends the ledger entry;
// a crash between the two leaves both unchanged.
type LedgerRepo struct{ Pool PgxPool }

// NewLedgerRepo constructs a LedgerRepo with the given pool.
func NewLedgerRepo(p PgxPool) *LedgerRepo { return &LedgerRepo{Pool: p} }

// Balance returns the user's current balance.
func (r *LedgerRepo) Balance(ctx domain.Context, userID string) (int, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Balance")
	defer span.End()
	var credits int
	row := r.Pool.QueryRow(ctx, `SELECT credits FROM credit_balances WHERE user_id=$1`, userID)
	if err := row.Scan(&credits); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=ledger.balance: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=ledger.balance: %w", err)
	}
	return credits, nil
}

// Grant credits the user by amount and returns the new balance.
func (r *LedgerRepo) Grant(ctx domain.Context, userID string, amount int, description string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("op=ledger.grant: amount %d: %w", amount, domain.ErrInvalidArgument)
	}
	return r.apply(ctx, "ledger.Grant", userID, amount, description)
}

// Spend decrements the balance by 1 iff it is at least 1.
func (r *LedgerRepo) Spend(ctx domain.Context, userID, description string) (int, error) {
	return r.apply(ctx, "ledger.Spend", userID, -1, description)
}

// Refund grants back the single credit a spend took.
func (r *LedgerRepo) Refund(ctx domain.Context, userID, description string) (int, error) {
	return r.apply(ctx, "ledger.Refund", userID, 1, description)
}

func (r *LedgerRepo) apply(ctx domain.Context, spanName, userID string, delta int, description string) (int, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=ledger.apply: %w", domain.ErrDependencyUnavailable)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var credits int
	row := tx.QueryRow(ctx, `SELECT credits FROM credit_balances WHERE user_id=$1 FOR UPDATE`, userID)
	if err := row.Scan(&credits); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=ledger.apply: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=ledger.apply: %w", err)
	}
	if credits+delta < 0 {
		return credits, fmt.Errorf("op=ledger.apply: balance %d: %w", credits, domain.ErrInsufficientCredits)
	}
	credits += delta

	if _, err := tx.Exec(ctx, `UPDATE credit_balances SET credits=$2 WHERE user_id=$1`, userID, credits); err != nil {
		return 0, fmt.Errorf("op=ledger.apply: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (user_id, amount, description, created_at) VALUES ($1,$2,$3,$4)`,
		userID, delta, description, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("op=ledger.apply: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=ledger.apply: %w", err)
	}
	return credits, nil
}

// ListTransactions returns the newest ledger entries for a user.
func (r *LedgerRepo) ListTransactions(ctx domain.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.ListTransactions")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT id, user_id, amount, description, created_at
		 FROM credit_transactions WHERE user_id=$1 ORDER BY id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=ledger.list: %w", err)
	}
	defer rows.Close()
	var out []domain.CreditTransaction
	for rows.Next() {
		var t domain.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=ledger.list: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=ledger.list: %w", err)
	}
	return out, nil
}
