package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/scannerops/callwatch/internal/config"
	"github.com/scannerops/callwatch/internal/notify"
	"github.com/scannerops/callwatch/pkg/logger"
)

// Router is the API router
type Router struct {
	handler    *Handler
	middleware *Middleware
	config     *config.Config
	logger     *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(pipeline Submitter, queue notify.QueueStore, ledger notify.LedgerStore, registry RuleInvalidator, config *config.Config, logger *logger.Logger) *Router {
	return &Router{
		handler:    NewHandler(pipeline, queue, ledger, registry, logger),
		middleware: NewMiddleware(logger),
		config:     config,
		logger:     logger.Named("api-router"),
	}
}

// Routes returns the API routes
func (r *Router) Routes() http.Handler {
	router := chi.NewRouter()

	// Middleware
	router.Use(r.middleware.RequestID)
	router.Use(r.middleware.Logger)
	router.Use(r.middleware.Recoverer)
	router.Use(r.middleware.CORS(r.config.Server.CORSAllowedOrigins))

	// API routes
	router.Route("/api/v1", func(router chi.Router) {
		// Call ingestion
		router.Post("/calls", r.handler.SubmitCall)

		// Delivery audit
		router.Get("/ledger", r.handler.GetLedger)
		router.Get("/queue", r.handler.GetQueueDepth)

		// Rule management
		router.Post("/rules/invalidate", r.handler.InvalidateRules)

		// Health check
		router.Get("/health", r.handler.GetHealth)
	})

	return router
}
