package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/rabbitreels/rabbitreels/internal/config"
	"github.com/rabbitreels/rabbitreels/internal/domain"
	"github.com/rabbitreels/rabbitreels/internal/themes"
	"github.com/rabbitreels/rabbitreels/internal/usecase"
)

// Server wires the usecase services into HTTP handlers.
type Server struct {
	Cfg     config.Config
	Auth    *Authenticator
	Submit  usecase.SubmitService
	Query   usecase.QueryService
	Billing usecase.BillingService
	Users   domain.UserRepository
	Themes  *themes.Registry

	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// NewServer constructs a Server.
func NewServer(cfg config.Config, auth *Authenticator, submit usecase.SubmitService, query usecase.QueryService, billing usecase.BillingService, users domain.UserRepository, reg *themes.Registry) *Server {
	return &Server{Cfg: cfg, Auth: auth, Submit: submit, Query: query, Billing: billing, Users: users, Themes: reg}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, fmt.Errorf("op=http.decode: %v: %w", err, domain.ErrInvalidArgument), nil)
		return false
	}
	return true
}

func validationDetails(err error) interface{} {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		fields := map[string]string{}
		for _, fe := range ve {
			fields[fe.Field()] = fe.Tag()
		}
		return fields
	}
	return nil
}

// RegisterHandler creates an email/password account and issues a token.
func (s *Server) RegisterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email       string `json:"email" validate:"required,email,max=254"`
			Password    string `json:"password" validate:"required,min=8,max=128"`
			DisplayName string `json:"display_name" validate:"max=100"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("op=http.register: %w", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		hash, err := HashPassword(req.Password)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=http.register: %w", err), nil)
			return
		}
		u, err := s.Users.EnsureUser(r.Context(), domain.User{
			Email:          req.Email,
			DisplayName:    req.DisplayName,
			Provider:       domain.ProviderEmail,
			CredentialHash: hash,
		}, s.Cfg.WelcomeCredits)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		token, err := s.Auth.IssueToken(u)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"token": token, "user_id": u.ID})
	}
}

// LoginHandler exchanges email/password for a bearer token.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email    string `json:"email" validate:"required,email"`
			Password string `json:"password" validate:"required"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("op=http.login: %w", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		u, err := s.Users.GetByEmail(r.Context(), req.Email)
		if err != nil || !VerifyPassword(req.Password, u.CredentialHash) {
			// Same answer for unknown email and wrong password.
			writeError(w, r, fmt.Errorf("op=http.login: %w", domain.ErrUnauthorized), nil)
			return
		}
		token, err := s.Auth.IssueToken(u)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"token": token, "user_id": u.ID})
	}
}

// SubmitVideoHandler accepts a prompt and queues a video job.
func (s *Server) SubmitVideoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JobID          string `json:"job_id" validate:"omitempty,max=100"`
			Prompt         string `json:"prompt" validate:"required,max=500"`
			Title          string `json:"title" validate:"omitempty,max=200"`
			CharacterTheme string `json:"character_theme" validate:"required,max=100"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("op=http.submit: %w", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		if !s.Themes.Valid(req.CharacterTheme) {
			writeErrorCode(w, http.StatusBadRequest, "BAD_THEME",
				fmt.Sprintf("unknown character theme %q", req.CharacterTheme),
				map[string]any{"allowed": s.Themes.Names()})
			return
		}
		job, err := s.Submit.Submit(r.Context(), usecase.SubmitRequest{
			UserID:         UserID(r),
			JobID:          req.JobID,
			Prompt:         req.Prompt,
			Title:          req.Title,
			CharacterTheme: req.CharacterTheme,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "status": "queued"})
	}
}

// VideoStatusHandler reports the UI-facing snapshot for one job.
func (s *Server) VideoStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.Query.Status(r.Context(), UserID(r), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// VideoFileHandler streams the rendered MP4 for a completed job.
func (s *Server) VideoFileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, err := s.Query.VideoFile(r.Context(), UserID(r), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		mt, err := mimetype.DetectFile(path)
		if err != nil || !mt.Is("video/mp4") {
			writeError(w, r, fmt.Errorf("op=http.video_file: artifact is not an mp4: %w", domain.ErrNotFound), nil)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		http.ServeFile(w, r, path)
	}
}

// UserVideosHandler lists the caller's jobs, newest first.
func (s *Server) UserVideosHandler() http.HandlerFunc {
	type item struct {
		JobID     string    `json:"job_id"`
		Status    string    `json:"status"`
		Prompt    string    `json:"prompt"`
		Theme     string    `json:"character_theme"`
		CreatedAt time.Time `json:"created_at"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		jobs, err := s.Query.ListByUser(r.Context(), UserID(r), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]item, 0, len(jobs))
		for _, j := range jobs {
			items = append(items, item{
				JobID:     j.ID,
				Status:    j.Status.UIStatus(),
				Prompt:    j.Payload.Prompt,
				Theme:     j.Payload.CharacterTheme,
				CreatedAt: j.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"videos": items})
	}
}

// BalanceHandler returns the caller's credit balance.
func (s *Server) BalanceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.Billing.Balance(r.Context(), UserID(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"credits": n})
	}
}

// TransactionsHandler lists the caller's ledger entries.
func (s *Server) TransactionsHandler() http.HandlerFunc {
	type item struct {
		ID          int64     `json:"id"`
		Amount      int       `json:"amount"`
		Description string    `json:"description"`
		CreatedAt   time.Time `json:"created_at"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		txs, err := s.Billing.Transactions(r.Context(), UserID(r), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]item, 0, len(txs))
		for _, tx := range txs {
			items = append(items, item{ID: tx.ID, Amount: tx.Amount, Description: tx.Description, CreatedAt: tx.CreatedAt})
		}
		writeJSON(w, http.StatusOK, map[string]any{"transactions": items})
	}
}

// CheckoutHandler opens a provider checkout session for buying credits.
func (s *Server) CheckoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Credits int `json:"credits" validate:"required,min=1,max=1000"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("op=http.checkout: %w", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		sess, err := s.Billing.Checkout(r.Context(), UserID(r), req.Credits)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": sess.ID, "url": sess.URL})
	}
}

// WebhookHandler applies a payment-provider callback. A replayed event is
// acknowledged as a success so the provider stops retrying; a bad signature
// is a 400 for the same reason.
func (s *Server) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
		if err != nil {
			writeError(w, r, fmt.Errorf("op=http.webhook: read: %w", domain.ErrInvalidArgument), nil)
			return
		}
		err = s.Billing.HandleWebhook(r.Context(), payload, r.Header.Get("X-Webhook-Signature"))
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]any{"received": true})
		case errors.Is(err, domain.ErrDuplicateEvent):
			writeJSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
		case errors.Is(err, domain.ErrUnauthorized):
			writeErrorCode(w, http.StatusBadRequest, "INVALID_SIGNATURE", "webhook signature verification failed", nil)
		default:
			writeError(w, r, err, nil)
		}
	}
}

// VideoCountHandler is the public completed-video counter.
func (s *Server) VideoCountHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.Query.VideoCount(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": n})
	}
}

// ThemesHandler lists the submission allow-list.
func (s *Server) ThemesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"themes": s.Themes.Names()})
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

// ReadyzHandler verifies the gateway's dependencies.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		name string
		fn   func(ctx context.Context) error
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		failures := map[string]string{}
		for _, c := range []check{
			{"db", s.DBCheck},
			{"redis", s.RedisCheck},
			{"broker", s.BrokerCheck},
		} {
			if c.fn == nil {
				continue
			}
			if err := c.fn(ctx); err != nil {
				failures[c.name] = err.Error()
			}
		}
		if len(failures) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failures": failures})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}
}
