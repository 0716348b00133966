package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/rabbitreels/rabbitreels/internal/domain"
)

// UserRepo persists user rows. User creation and the welcome credit grant
// happen in one transaction so a crash cannot leave a user without a balance.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

const userColumns = `id, email, display_name, provider, credential_hash, created_at`

// EnsureUser upserts a user by email. On first insert it creates the balance
// row seeded with welcomeCredits and records the welcome ledger entry; replays
// for an existing email return the stored row untouched.
func (r *UserRepo) EnsureUser(ctx domain.Context, u domain.User, welcomeCredits int) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.EnsureUser")
	defer span.End()
	if u.Email == "" {
		return domain.User{}, fmt.Errorf("op=user.ensure: email empty: %w", domain.ErrInvalidArgument)
	}
	id := u.ID
	if id == "" {
		id = uuid.New().String()
	}
	if welcomeCredits < 0 {
		welcomeCredits = 0
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.User{}, fmt.Errorf("op=user.ensure: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	ct, err := tx.Exec(ctx,
		`INSERT INTO users (id, email, display_name, provider, credential_hash, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (email) DO NOTHING`,
		id, u.Email, u.DisplayName, u.Provider, u.CredentialHash, now)
	if err != nil {
		return domain.User{}, fmt.Errorf("op=user.ensure: %w", err)
	}
	if ct.RowsAffected() == 1 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO credit_balances (user_id, credits) VALUES ($1,$2)`, id, welcomeCredits); err != nil {
			return domain.User{}, fmt.Errorf("op=user.ensure: balance row: %w", err)
		}
		if welcomeCredits > 0 {
			if _, err := tx.Exec(ctx,
				`INSERT INTO credit_transactions (user_id, amount, description, created_at) VALUES ($1,$2,$3,$4)`,
				id, welcomeCredits, "Welcome credit", now); err != nil {
				return domain.User{}, fmt.Errorf("op=user.ensure: welcome entry: %w", err)
			}
		}
	}

	var out domain.User
	row := tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, u.Email)
	if err := row.Scan(&out.ID, &out.Email, &out.DisplayName, &out.Provider, &out.CredentialHash, &out.CreatedAt); err != nil {
		return domain.User{}, fmt.Errorf("op=user.ensure: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.User{}, fmt.Errorf("op=user.ensure: %w", err)
	}
	return out, nil
}

// GetByID loads a user by id.
func (r *UserRepo) GetByID(ctx domain.Context, id string) (domain.User, error) {
	return r.getBy(ctx, "users.GetByID", `id=$1`, id)
}

// GetByEmail loads a user by email.
func (r *UserRepo) GetByEmail(ctx domain.Context, email string) (domain.User, error) {
	return r.getBy(ctx, "users.GetByEmail", `email=$1`, email)
}

func (r *UserRepo) getBy(ctx domain.Context, spanName, where string, arg any) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()
	var u domain.User
	row := r.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg)
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.Provider, &u.CredentialHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get: %w", err)
	}
	return u, nil
}
