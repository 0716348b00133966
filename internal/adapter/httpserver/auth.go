package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"

	"github.com/rabbitreels/rabbitreels/internal/domain"
)

// Argon2Params defines parameters for Argon2id password hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashPassword creates an Argon2id hash of the password.
func HashPassword(password string) (string, error) {
	params := defaultArgon2Params
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)
	// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 raw std)
	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword verifies a password against its Argon2id hash.
func VerifyPassword(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil || par > 255 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	actual := argon2.IDKey([]byte(password), salt, iters, mem, uint8(par), uint32(len(expected)))
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

// tokenTTL bounds how long an issued bearer token stays valid.
const tokenTTL = 24 * time.Hour

// Authenticator issues and verifies HS256 bearer tokens. OAuth-originated
// tokens carry an email claim so the user row can be created lazily on
// first use.
type Authenticator struct {
	secret []byte
	users  domain.UserRepository

	// WelcomeCredits is granted inside the first-use upsert.
	WelcomeCredits int
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(secret string, users domain.UserRepository, welcomeCredits int) *Authenticator {
	return &Authenticator{secret: []byte(secret), users: users, WelcomeCredits: welcomeCredits}
}

// IssueToken signs a bearer token for a user.
func (a *Authenticator) IssueToken(u domain.User) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   u.ID,
		"email": u.Email,
		"iat":   now.Unix(),
		"exp":   now.Add(tokenTTL).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("op=auth.issue: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a bearer token, returning the user id.
func (a *Authenticator) Verify(ctx context.Context, raw string) (string, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return "", fmt.Errorf("op=auth.verify: %v: %w", err, domain.ErrUnauthorized)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("op=auth.verify: claims: %w", domain.ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("op=auth.verify: missing sub: %w", domain.ErrUnauthorized)
	}
	if _, err := a.users.GetByID(ctx, sub); err == nil {
		return sub, nil
	}
	// Token from an external identity provider: create the account on first
	// use so the welcome credit lands exactly once.
	email, _ := claims["email"].(string)
	if email == "" {
		return "", fmt.Errorf("op=auth.verify: unknown user %s: %w", sub, domain.ErrUnauthorized)
	}
	u, err := a.users.EnsureUser(ctx, domain.User{
		ID:       sub,
		Email:    email,
		Provider: domain.ProviderOAuth,
	}, a.WelcomeCredits)
	if err != nil {
		return "", fmt.Errorf("op=auth.verify: ensure user: %w", err)
	}
	return u.ID, nil
}

type userIDKey struct{}

// UserID returns the authenticated user id stored by RequireAuth.
func UserID(r *http.Request) string {
	if v := r.Context().Value(userIDKey{}); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// RequireAuth gates a subtree on a valid bearer token.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeError(w, r, fmt.Errorf("op=auth: missing bearer token: %w", domain.ErrUnauthorized), nil)
			return
		}
		userID, err := a.Verify(r.Context(), strings.TrimPrefix(header, prefix))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
