// Package app assembles the gateway: router, middleware stack, and the
// readiness checks the binaries share.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/rabbitreels/rabbitreels/internal/adapter/httpserver"
	"github.com/rabbitreels/rabbitreels/internal/adapter/observability"
	"github.com/rabbitreels/rabbitreels/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	prefix := strings.TrimSuffix(cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/"
	}
	r.Route(prefix, func(api chi.Router) {
		// Rate limit credential and mutating endpoints by client IP.
		api.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/auth/register", srv.RegisterHandler())
			wr.Post("/auth/login", srv.LoginHandler())
			// Webhook auth is the payload signature, not a bearer token.
			wr.Post("/billing/webhook", srv.WebhookHandler())

			wr.Group(func(ar chi.Router) {
				ar.Use(srv.Auth.RequireAuth)
				ar.Post("/videos", srv.SubmitVideoHandler())
				ar.Post("/billing/checkout-session", srv.CheckoutHandler())
			})
		})

		// Authenticated read-only endpoints.
		api.Group(func(ar chi.Router) {
			ar.Use(srv.Auth.RequireAuth)
			ar.Get("/videos/{id}", srv.VideoStatusHandler())
			ar.Get("/videos/{id}/file", srv.VideoFileHandler())
			ar.Get("/user/videos", srv.UserVideosHandler())
			ar.Get("/billing/balance", srv.BalanceHandler())
			ar.Get("/billing/transactions", srv.TransactionsHandler())
		})

		// Public endpoints.
		api.Get("/video-count", srv.VideoCountHandler())
		api.Get("/themes", srv.ThemesHandler())
	})

	// Health and metrics
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
