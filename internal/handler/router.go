package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	Artifacts *ArtifactHandler
	Quotas    *QuotaHandler
	Verifier  TokenVerifier
	// Middleware wraps every route, outermost first.
	Middleware []func(http.Handler) http.Handler
	// Ready reports whether dependencies are reachable; nil means always ready.
	Ready func() error
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	for _, mw := range cfg.Middleware {
		r.Use(mw)
	}
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Range", HeaderChecksum},
		ExposedHeaders:   []string{"Content-Range", "Accept-Ranges", HeaderChecksum},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(Authenticate(cfg.Verifier))

		r.Route("/quota_classes", func(r chi.Router) {
			r.Get("/", cfg.Quotas.GetQuotaClasses)
			r.Put("/", cfg.Quotas.SetQuotaClasses)
		})

		r.Route("/quotas/{scope}", func(r chi.Router) {
			r.Get("/", cfg.Quotas.GetQuotas)
			r.Put("/", cfg.Quotas.SetQuotas)
			r.Delete("/", cfg.Quotas.DeleteQuotas)
			r.Get("/usage", cfg.Quotas.GetUsage)
		})

		r.Post("/artifacts", cfg.Artifacts.CreateArtifact)
		r.Route("/artifacts/{id}", func(r chi.Router) {
			r.Get("/", cfg.Artifacts.GetArtifact)
			r.Delete("/", cfg.Artifacts.DeleteArtifact)
			r.Put("/visibility", cfg.Artifacts.SetVisibility)
			r.Put("/file", cfg.Artifacts.UploadData)
			r.Get("/file", cfg.Artifacts.DownloadData)
			r.Put("/stage", cfg.Artifacts.StageData)
			r.Post("/import", cfg.Artifacts.ImportStaged)
			r.Post("/deactivate", cfg.Artifacts.Deactivate)
			r.Post("/reactivate", cfg.Artifacts.Reactivate)
			r.Get("/progress", cfg.Artifacts.GetProgress)
		})
	})

	return r
}
