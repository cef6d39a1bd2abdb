/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Request counts and latency per route pattern
  6. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/profiles/*       Balances, history, activities, spend, purchases
  /api/transactions/*   Single transaction lookup
  /api/supply/*         Supply figures and log
  /api/admin/*          Supply management, adjustments, sweep, resume
  /api/rewards/*        Reward rules
  /api/webhooks/*       Payment provider callbacks (rate limited)
  /healthz              Liveness; 503 while the ledger is halted
  /metrics              Prometheus exposition

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mypts/points-ledger/metrics"
)

// RouterOptions carries the optional pieces of the router.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        *metrics.Metrics
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer       prometheus.Gatherer
	WebhookLimiter *RateLimiter
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(instrument(opts.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/profiles/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/transactions", h.ListTransactions)
			r.Get("/audit", h.AuditBalance)
			r.Post("/activities", h.ReportActivity)
			r.Post("/spend", h.Spend)
			r.Post("/purchases", h.BeginPurchase)
		})

		r.Get("/transactions/{id}", h.GetTransaction)

		r.Route("/supply", func(r chi.Router) {
			r.Get("/", h.GetSupply)
			r.Get("/logs", h.ListSupplyLogs)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Route("/supply", func(r chi.Router) {
				r.Post("/issue", h.IssueSupply)
				r.Post("/reserve", h.MoveToReserve)
				r.Post("/release", h.ReleaseFromReserve)
				r.Post("/max-supply", h.SetMaxSupply)
				r.Post("/value", h.SetValuePerPoint)
			})
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/sweep", h.TriggerSweep)
			r.Post("/resume", h.Resume)
		})

		r.Route("/rewards/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Put("/", h.PutRules)
		})

		r.With(opts.WebhookLimiter.Middleware).Post("/webhooks/payments", h.PaymentWebhook)
	})

	return r
}

// instrument records one observation per request, labelled with the
// matched route pattern so path parameters don't explode cardinality.
func instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPRequest(route, r.Method, strconv.Itoa(status), time.Since(start).Seconds())
		})
	}
}
