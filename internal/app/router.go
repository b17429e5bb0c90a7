package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	billinghttp "github.com/eddinos2/hyperzenof-sub000/internal/billing/http"
	"github.com/eddinos2/hyperzenof-sub000/internal/observability"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	Metrics         *observability.Metrics
	BillingHandler  *billinghttp.Handler
	ActorMiddleware func(http.Handler) http.Handler
	JobHandler      http.Handler
	Ready           func(r *http.Request) error
}

// NewRouter constructs the chi.Router serving the billing API.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if params.Ready != nil {
			if err := params.Ready(r); err != nil {
				params.Logger.Warn("readiness check failed", slog.Any("error", err))
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Mount("/jobs", params.JobHandler)
	}

	if params.BillingHandler != nil {
		r.Route("/api/v1", func(r chi.Router) {
			if params.ActorMiddleware != nil {
				r.Use(params.ActorMiddleware)
			}
			params.BillingHandler.MountRoutes(r)
		})
	}

	return r
}
