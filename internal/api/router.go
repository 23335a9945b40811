package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-checkout/internal/checkout"
)

type RouterConfig struct {
	Checkout       *checkout.Orchestrator
	Intake         *checkout.Intake
	Postgres       Pinger
	Redis          Pinger
	Gatherer       prometheus.Gatherer
	Logger         *zap.Logger
	AdminToken     string
	AllowedOrigins []string
	Env            string
	Version        string
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Patient-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	}).Handler)

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.With(AdminMiddleware(cfg.AdminToken)).
		Get("/checkout/reconciliation", reconciliationHandler(cfg.Checkout, logger))

	r.Group(func(r chi.Router) {
		r.Use(SessionMiddleware)

		r.Put("/selection/doctor", selectDoctorHandler(cfg.Intake, logger))
		r.Delete("/selection/doctor", clearDoctorHandler(cfg.Intake, logger))

		r.Post("/checkout", bookHandler(cfg.Checkout, cfg.Intake, logger))
		r.Get("/checkout/{id}", getFlowHandler(cfg.Checkout, logger))
		r.Post("/checkout/{id}/confirm", confirmHandler(cfg.Checkout, logger))
		r.Post("/checkout/{id}/cancel", cancelHandler(cfg.Checkout, logger))
	})

	return r
}
