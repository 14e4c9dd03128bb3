// Package api exposes the gatekeeper HTTP surface: action submission,
// approvals, execution results, ledger queries, and live ledger streams.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tymefrontier/gatekeeper/internal/action"
	"github.com/tymefrontier/gatekeeper/internal/auth"
	"github.com/tymefrontier/gatekeeper/internal/config"
	"github.com/tymefrontier/gatekeeper/internal/events"
	"github.com/tymefrontier/gatekeeper/internal/ledger"
	"github.com/tymefrontier/gatekeeper/internal/metrics"
	"github.com/tymefrontier/gatekeeper/internal/policy"
)

type App struct {
	cfg      *config.Config
	manager  *action.Manager
	policies *policy.Store
	ledger   *ledger.Ledger
	broker   *events.Broker
	metrics  *metrics.Collector
	log      *slog.Logger

	apiKeyAuth *auth.APIKeyAuth
}

func NewApp(cfg *config.Config, manager *action.Manager, policies *policy.Store, led *ledger.Ledger, broker *events.Broker, collector *metrics.Collector, apiKeyAuth *auth.APIKeyAuth, log *slog.Logger) *App {
	if log == nil {
		log = slog.Default()
	}
	return &App{
		cfg:        cfg,
		manager:    manager,
		policies:   policies,
		ledger:     led,
		broker:     broker,
		metrics:    collector,
		log:        log,
		apiKeyAuth: apiKeyAuth,
	}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get(a.cfg.Health.Path, func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	r.Get(a.cfg.Health.ReadinessPath, a.readiness)

	if a.cfg.Metrics.Enabled && a.metrics != nil {
		r.Get(a.cfg.Metrics.Path, a.metrics.Handler(metrics.HandlerOptions{
			PendingCount: a.pendingCount,
			LedgerHead: func() int64 {
				seq, _ := a.ledger.Head()
				return seq
			},
		}).ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authMiddleware)

		r.Post("/actions", a.requireRole(auth.RoleAgent)(a.submitAction))
		r.Get("/actions", a.listActions)
		r.Get("/actions/{id}", a.getAction)
		r.Post("/actions/{id}/approvals", a.requireRole(auth.RoleApprover)(a.approveAction))
		r.Post("/actions/{id}/result", a.requireRole(auth.RoleAgent)(a.reportResult))
		r.Post("/actions/{id}/execute", a.requireRole(auth.RoleAdmin)(a.executeAction))

		r.Get("/ledger", a.queryLedger)
		r.Get("/ledger/verify", a.verifyLedger)
		r.Get("/ledger/stream", a.streamLedger)
		r.Get("/ledger/ws", a.streamLedgerWS)

		r.Get("/policy", a.getPolicy)
		r.Post("/policy/reload", a.requireRole(auth.RoleAdmin)(a.reloadPolicy))
	})

	return r
}

// readiness fails once the ledger chain is halted: a tampered chain means
// the service must not accept new work.
func (a *App) readiness(w http.ResponseWriter, r *http.Request) {
	if a.ledger.Halted() {
		writeText(w, http.StatusServiceUnavailable, "ledger halted\n")
		return
	}
	writeText(w, http.StatusOK, "ready\n")
}

func (a *App) pendingCount() int {
	n := 0
	for _, st := range a.manager.List(context.Background()) {
		if !st.State.Terminal() && st.Quorum != nil && !st.Quorum.Satisfied {
			n++
		}
	}
	return n
}

type ctxKey int

const principalKey ctxKey = 0

func principalFrom(r *http.Request) (auth.Principal, bool) {
	p, ok := r.Context().Value(principalKey).(auth.Principal)
	return p, ok
}

func (a *App) authMiddleware(next http.Handler) http.Handler {
	if strings.EqualFold(a.cfg.Auth.Type, "none") {
		return next
	}
	if strings.EqualFold(a.cfg.Auth.Type, "api_key") {
		if a.apiKeyAuth == nil {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"error": "api key auth enabled but keys not loaded",
				})
			})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(a.apiKeyAuth.HeaderName())
			p, ok := a.apiKeyAuth.Authenticate(key)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unsupported auth type"})
	})
}

// requireRole gates a handler on the caller's role. With auth disabled every
// caller passes.
func (a *App) requireRole(want string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if strings.EqualFold(a.cfg.Auth.Type, "none") {
				next(w, r)
				return
			}
			p, ok := principalFrom(r)
			if !ok || !auth.Allows(p.Role, want) {
				writeJSON(w, http.StatusForbidden, map[string]any{"error": "insufficient role"})
				return
			}
			next(w, r)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
