package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"walletledger/internal/logger"
	"walletledger/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// CheckFunc reports whether a dependency is reachable.
type CheckFunc func(ctx context.Context) error

// Handler serves the operational endpoints of walletd. Wallet operations
// are not exposed over HTTP.
type Handler struct {
	checks       map[string]CheckFunc
	metrics      http.Handler
	logger       *zap.Logger
	checkTimeout time.Duration
}

func New(checks map[string]CheckFunc, metrics http.Handler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		checks:       checks,
		metrics:      metrics,
		logger:       logger,
		checkTimeout: 2 * time.Second,
	}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(middleware.RequestLogger(h.logger))
	router.Use(middleware.Recoverer(h.logger))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Get("/readyz", h.Ready)
	if h.metrics != nil {
		router.Handle("/metrics", h.metrics)
	}
	return router
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Ready runs every dependency check and answers 503 if any fails.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	result := readiness{Status: "ok", Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			logger.FromContextOr(r.Context(), h.logger).Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			result.Checks[name] = err.Error()
			result.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		result.Checks[name] = "ok"
	}
	respondJSON(w, status, result)
}
