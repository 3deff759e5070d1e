package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/wakala/settler/internal/ledger"
	"github.com/wakala/settler/internal/provider"
	"github.com/wakala/settler/internal/repository"
	"github.com/wakala/settler/internal/settlement"
)

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(
	engine *settlement.Engine,
	ledgerSvc *ledger.Service,
	registry *provider.Registry,
	txnRepo *repository.TransactionRepo,
	custRepo *repository.CustomerRepo,
	billingRepo *repository.BillingRepo,
	log *zap.SugaredLogger,
) http.Handler {
	h := &Handlers{
		engine:      engine,
		ledger:      ledgerSvc,
		registry:    registry,
		txnRepo:     txnRepo,
		custRepo:    custRepo,
		billingRepo: billingRepo,
		log:         log,
	}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/healthz", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Settlement.
		r.Post("/settlements", h.Settle)

		// Transactions.
		r.Get("/transactions", h.ListTransactions)
		r.Get("/transactions/{id}", h.GetTransaction)

		// Customers.
		r.Get("/customers/{id}", h.GetCustomer)
		r.Post("/customers/{id}/credits", h.CreditCustomer)

		// Providers.
		r.Get("/providers", h.ListProviders)
	})

	return r
}
