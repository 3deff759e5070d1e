package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/wakala/settler/internal/api"
	"github.com/wakala/settler/internal/config"
	"github.com/wakala/settler/internal/currency"
	"github.com/wakala/settler/internal/domain"
	"github.com/wakala/settler/internal/ledger"
	"github.com/wakala/settler/internal/notify"
	"github.com/wakala/settler/internal/provider"
	"github.com/wakala/settler/internal/repository"
	"github.com/wakala/settler/internal/settlement"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg := config.Load()

	log.Infow("initializing database", "path", cfg.DBPath)
	db, err := repository.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalw("init db", "error", err)
	}
	defer db.Close()

	// Repositories.
	custRepo := repository.NewCustomerRepo(db)
	txnRepo := repository.NewTransactionRepo(db)
	billingRepo := repository.NewBillingRepo(db)
	reservationRepo := repository.NewReservationRepo(db)

	// Ledger.
	ledgerSvc := ledger.NewService(db, log)

	// Currency converter.
	var source currency.RateSource
	if cfg.RateURL != "" {
		source = currency.NewHTTPRateSource(cfg.RateURL)
	} else {
		log.Warn("RATE_URL not set, serving fallback rates only")
	}
	converter := currency.NewConverter(source, cfg.RateTTL, cfg.RateFetchTimeout, log)

	// Providers.
	registry := provider.NewRegistry(log)
	registry.Register(provider.NewAfriPay(provider.AfriPayConfig{
		BaseURL:    cfg.AfriPayBaseURL,
		APIKey:     cfg.AfriPayAPIKey,
		APISecret:  cfg.AfriPayAPISecret,
		Adjustment: afriPayAdjustment(cfg.AfriPayAdjustment),
		VATRate:    cfg.AfriPayVATRate,
		Countries:  cfg.AfriPayCountries,
		Currencies: []string{settlement.SettlementCurrency},
	}, log), cfg.AfriPayCeiling)

	for route, providers := range cfg.Routes {
		parts := strings.SplitN(route, ":", 2)
		if len(parts) != 2 {
			log.Warnw("skipping malformed route", "route", route)
			continue
		}
		registry.SetPriority(domain.Category(parts[0]), parts[1], providers...)
	}

	// Notifier.
	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.WebhookURL, log)
	}

	// Settlement engine + watchdog.
	engine := settlement.NewEngine(ledgerSvc, converter, registry, txnRepo,
		reservationRepo, notifier, cfg.ProviderTimeout, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reconciler := settlement.NewReconciler(txnRepo, reservationRepo, ledgerSvc,
		registry, notifier, cfg.ReconcileAfter, cfg.ReconcileExpiry, log)
	go reconciler.Run(ctx, cfg.ReconcileInterval)

	router := api.NewRouter(engine, ledgerSvc, registry, txnRepo, custRepo, billingRepo, log)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	log.Infow("wakala top-up settlement engine listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalw("server failed", "error", err)
	}
}

func afriPayAdjustment(s string) provider.AdjustmentStrategy {
	if s == "vat" {
		return provider.AdjustVATInclusive
	}
	return provider.AdjustRaw
}
