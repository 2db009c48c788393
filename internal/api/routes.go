package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// AdminOnly requires the X-Admin-Key header to match key. An empty key
// disables the admin surface.
func AdminOnly(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Admin-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewRouter wires every route. authMiddleware authenticates tenants on the
// /v1 routes outside the admin group.
func NewRouter(h *Handler, authMiddleware func(http.Handler) http.Handler, adminKey string) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "llm-governor"})
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/run", h.HandleRun)
		r.Post("/v1/run/batch", h.HandleRunBatch)
		r.Get("/v1/budget/{tenantID}", h.HandleBudget)
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(AdminOnly(adminKey))
		r.Get("/metrics", h.HandleMetrics)
		r.Get("/rollout", h.HandleRolloutConfig)
		r.Post("/rollout/percent", h.HandleSetPercent)
		r.Post("/rollout/rollback", h.HandleRollback)
		r.Post("/rollout/shadow", h.HandleShadowMode)
		r.Get("/circuit/{tenantID}", h.HandleCircuitState)
		r.Post("/circuit/acknowledge", h.HandleAcknowledge)
	})

	return r
}
