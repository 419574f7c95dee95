package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alecgard/x402gate/internal/gateway"
	"github.com/alecgard/x402gate/internal/metrics"
	"github.com/alecgard/x402gate/internal/ratelimit"
	"github.com/alecgard/x402gate/internal/spend"
)

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Gateway        *gateway.Gateway
	Spend          spend.Store
	Receipts       ReceiptLister // nil when metering is disabled
	Metrics        *metrics.Metrics
	Limiter        *ratelimit.Limiter // nil disables throttling
	AdminKey       string             // admin routes are not mounted when empty
	AllowedOrigins []string
	Version        string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	if deps.Metrics != nil {
		r.Use(requestLogger(deps.Metrics))
	} else {
		r.Use(requestLogger(nil))
	}

	tasks := newTaskHandler(deps.Gateway)
	admin := newAdminHandler(deps.Spend, deps.Receipts)

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	// Well-known manifest.
	r.Get("/.well-known/x402.json", wellKnownHandler(deps.Gateway, deps.Version))

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
		r.Get("/metrics/summary", deps.Metrics.SummaryHandler())
	}

	// Paid task endpoint. Throttling runs before payment is checked.
	r.Group(func(tr chi.Router) {
		if deps.Limiter != nil {
			tr.Use(ratelimit.Middleware(deps.Limiter, ratelimit.ClientIP, func(r *http.Request) {
				slog.Warn("rate limited", "client", ratelimit.ClientIP(r), "request_id", RequestIDFromContext(r.Context()))
			}))
		}
		tr.Post("/agent/task", tasks.RunTask)
	})

	// Admin routes (require admin key).
	if deps.AdminKey != "" {
		r.Route("/api/v1/admin", func(ar chi.Router) {
			ar.Use(adminAuth(deps.AdminKey))

			ar.Get("/spend/{policyID}", admin.GetSpend)
			ar.Delete("/spend/{policyID}", admin.ResetSpend)
			ar.Get("/receipts", admin.ListReceipts)
		})
	}

	return r
}
