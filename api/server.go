/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the POS gateway
  3. accessLog:  One logrus line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the back-office UI

TENANCY:
  Every /api route requires X-Tenant-ID. X-User-ID and X-Branch-ID are
  optional. They are set by the POS gateway after authentication; this
  service trusts them.

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
	log "github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/reqctx"
)

const (
	HeaderTenant = "X-Tenant-ID"
	HeaderUser   = "X-User-ID"
	HeaderBranch = "X-Branch-ID"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderTenant, HeaderUser, HeaderBranch},
			ExposedHeaders:   []string{middleware.RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(tenantContext)

		r.Route("/programs", func(r chi.Router) {
			r.Get("/", h.ListPrograms)
			r.Post("/", h.CreateProgram)
			r.Get("/active", h.ActiveProgram)
			r.Get("/{id}", h.GetProgram)
			r.Put("/{id}", h.UpdateProgram)
		})

		r.Route("/customers/{id}", func(r chi.Router) {
			r.Get("/", h.GetCustomer)
			r.Put("/", h.SaveCustomer)
			r.Post("/enrollment", h.Enroll)
			r.Delete("/enrollment", h.Unenroll)
			r.Get("/programs/{programID}/balance", h.GetBalance)
			r.Get("/programs/{programID}/entries", h.GetEntries)
		})

		r.Post("/adjustments", h.CreateAdjustment)
		r.Post("/entries/{id}/reversal", h.ReverseEntry)

		r.Route("/orders", func(r chi.Router) {
			r.Post("/evaluate", h.EvaluateOrder)
			r.Post("/award", h.AwardOrder)
			r.Post("/redeem", h.RedeemOrder)
		})
	})

	return r
}

// tenantContext builds the RequestContext from the gateway headers.
func tenantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, err := strconv.ParseInt(r.Header.Get(HeaderTenant), 10, 64)
		if err != nil || tenant <= 0 {
			writeError(w, http.StatusBadRequest, HeaderTenant+" header is required")
			return
		}
		rc := reqctx.RequestContext{
			TenantID:  ledger.TenantID(tenant),
			RequestID: middleware.GetReqID(r.Context()),
		}
		if v := r.Header.Get(HeaderUser); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, HeaderUser+" must be an integer")
				return
			}
			rc.UserID = ledger.UserID(id)
		}
		if v := r.Header.Get(HeaderBranch); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, HeaderBranch+" must be an integer")
				return
			}
			rc.BranchID = id
		}
		next.ServeHTTP(w, r.WithContext(reqctx.With(r.Context(), rc)))
	})
}

// requestContext returns the RequestContext set by tenantContext.
func requestContext(r *http.Request) reqctx.RequestContext {
	rc, _ := reqctx.From(r.Context())
	return rc
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			entry := log.WithFields(log.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			})
			if ww.Status() >= 500 {
				entry.Warn("request")
				return
			}
			entry.Info("request")
		}()
		next.ServeHTTP(ww, r)
	})
}
