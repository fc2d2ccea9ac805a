package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tidegate/storefront/internal/commerce"
	"github.com/tidegate/storefront/internal/handlers"
	"github.com/tidegate/storefront/internal/payments"
	"github.com/tidegate/storefront/internal/platform/config"
	pfirestore "github.com/tidegate/storefront/internal/platform/firestore"
	"github.com/tidegate/storefront/internal/platform/idempotency"
	"github.com/tidegate/storefront/internal/platform/observability"
	"github.com/tidegate/storefront/internal/platform/requestctx"
	"github.com/tidegate/storefront/internal/repositories"
	firestorerepo "github.com/tidegate/storefront/internal/repositories/firestore"
	memoryrepo "github.com/tidegate/storefront/internal/repositories/memory"
	"github.com/tidegate/storefront/internal/services"
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("storefront")
	ctx = observability.WithLogger(ctx, logger)

	cfg, err := config.Load(ctx)
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	events := newEventLogger(logger)

	var (
		sessionRepo  repositories.CheckoutSessionRepository
		reservations idempotency.Store
		healthOpts   []handlers.HealthOption
	)

	switch cfg.Storage.Driver {
	case "memory":
		sessionRepo = memoryrepo.NewSessionRepository()
		reservations = idempotency.NewMemoryStore()
		logger.Info("using in-memory session storage")
	default:
		provider := pfirestore.NewProvider(cfg.Firestore)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Close(closeCtx); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
		if _, err := provider.Client(ctx); err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}

		repo, err := firestorerepo.NewSessionRepository(provider)
		if err != nil {
			logger.Fatal("failed to initialise session repository", zap.Error(err))
		}
		store, err := idempotency.NewFirestoreStore(provider)
		if err != nil {
			logger.Fatal("failed to initialise idempotency store", zap.Error(err))
		}
		sessionRepo = repo
		reservations = store
		healthOpts = append(healthOpts, handlers.WithReadinessCheck("firestore", func(ctx context.Context) error {
			_, err := provider.Client(ctx)
			return err
		}))
	}

	commerceClient, err := commerce.NewClient(commerce.Config{
		BaseURL:        cfg.Commerce.BaseURL,
		ConsumerKey:    cfg.Commerce.ConsumerKey,
		ConsumerSecret: cfg.Commerce.ConsumerSecret,
		Timeout:        cfg.Commerce.Timeout,
	}, logger.Named("commerce"))
	if err != nil {
		logger.Fatal("failed to initialise commerce client", zap.Error(err))
	}

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:    cfg.Stripe.APIKey,
		AccountID: cfg.Stripe.AccountID,
		Logger:    payments.StripeLogger(events),
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe provider", zap.Error(err))
	}
	paymentManager, err := payments.NewManager(map[string]payments.Provider{
		"stripe": stripeProvider,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}
	gateway := &paymentGateway{manager: paymentManager, currency: cfg.Checkout.Currency}

	engine, err := services.NewTotalsEngine(services.TotalsEngineDeps{Logger: events})
	if err != nil {
		logger.Fatal("failed to initialise totals engine", zap.Error(err))
	}

	sessionService, err := services.NewSessionService(services.SessionServiceDeps{
		Sessions:        sessionRepo,
		Coupons:         commerceClient,
		Engine:          engine,
		Rates:           shippingRateTable(cfg.Checkout),
		DefaultCurrency: cfg.Checkout.Currency,
		Logger:          events,
	})
	if err != nil {
		logger.Fatal("failed to initialise session service", zap.Error(err))
	}

	registrar, err := services.NewCustomerRegistrar(services.CustomerRegistrarDeps{
		Directory: commerceClient,
		Logger:    events,
	})
	if err != nil {
		logger.Fatal("failed to initialise customer registrar", zap.Error(err))
	}

	coordinator, err := services.NewPaymentIntentCoordinator(services.PaymentIntentCoordinatorDeps{
		Gateway: gateway,
		Logger:  events,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment intent coordinator", zap.Error(err))
	}

	submitter, err := services.NewOrderSubmitter(services.OrderSubmitterDeps{
		Orders:       commerceClient,
		Reservations: reservations,
		TTL:          cfg.Idempotency.TTL,
		Logger:       events,
	})
	if err != nil {
		logger.Fatal("failed to initialise order submitter", zap.Error(err))
	}

	reconciler, err := services.NewOrderStatusReconciler(services.OrderStatusReconcilerDeps{
		Orders: commerceClient,
		Logger: events,
	})
	if err != nil {
		logger.Fatal("failed to initialise order status reconciler", zap.Error(err))
	}

	flow, err := services.NewCheckoutFlow(services.CheckoutFlowDeps{
		Sessions:    sessionService,
		Registrar:   registrar,
		Coordinator: coordinator,
		Submitter:   submitter,
		Reconciler:  reconciler,
		Logger:      events,
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout flow", zap.Error(err))
	}

	checkoutHandlers := handlers.NewCheckoutHandlers(sessionService, flow)

	if version := os.Getenv("STOREFRONT_VERSION"); version != "" {
		healthOpts = append(healthOpts, handlers.WithHealthVersion(version))
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.RecoveryMiddleware(logger),
			observability.RequestLoggerMiddleware(cfg.Firestore.ProjectID),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	var cleanupWG sync.WaitGroup
	cleanupTicker := time.NewTicker(cfg.Idempotency.CleanupInterval)
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		cleanupLogger := logger.Named("idempotency")
		for {
			select {
			case <-cleanupTicker.C:
				runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
				removed, err := reservations.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
				cancel()
				if err != nil {
					cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info("shutdown signal received")
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(timeoutCtx); err != nil {
			logger.Warn("server shutdown error", zap.Error(err))
		}
	}

	cleanupTicker.Stop()
	cleanupCancel()
	cleanupWG.Wait()
	logger.Info("server stopped")
}

// newEventLogger bridges the request-scoped zap logger into the plain event
// logger the services take. Outside a request the base logger is used.
func newEventLogger(base *zap.Logger) func(context.Context, string, map[string]any) {
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := observability.FromContext(ctx)
		if logger == requestctx.NoopLogger() {
			logger = base
		}
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}

func shippingRateTable(cfg config.CheckoutConfig) services.ShippingRateTable {
	tiers := make([]services.ShippingTier, 0, len(cfg.ShippingTiers))
	for _, tier := range cfg.ShippingTiers {
		tiers = append(tiers, services.ShippingTier{UpTo: tier.UpTo, Cost: tier.Cost})
	}
	return services.ShippingRateTable{
		Tiers:                 tiers,
		FreeShippingThreshold: cfg.FreeShippingThreshold,
	}
}

// paymentGateway adapts the payments manager to the coordinator's gateway
// surface. Intent lookups only know the id, so provider selection falls back
// to the configured checkout currency.
type paymentGateway struct {
	manager  *payments.Manager
	currency string
}

func (g *paymentGateway) CreateIntent(ctx context.Context, req services.PaymentIntentRequest) (services.PaymentIntent, error) {
	intent, err := g.manager.CreateIntent(ctx, payments.PaymentContext{Currency: req.Currency}, payments.IntentRequest{
		Amount:         req.Amount,
		Currency:       req.Currency,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return services.PaymentIntent{}, err
	}
	return toServiceIntent(intent), nil
}

func (g *paymentGateway) UpdateIntentAmount(ctx context.Context, intentID string, amount int64) (services.PaymentIntent, error) {
	intent, err := g.manager.UpdateIntentAmount(ctx, payments.PaymentContext{Currency: g.currency}, intentID, amount)
	if err != nil {
		return services.PaymentIntent{}, err
	}
	return toServiceIntent(intent), nil
}

func (g *paymentGateway) GetIntent(ctx context.Context, intentID string) (services.PaymentIntent, error) {
	intent, err := g.manager.GetIntent(ctx, payments.PaymentContext{Currency: g.currency}, intentID)
	if err != nil {
		return services.PaymentIntent{}, err
	}
	return toServiceIntent(intent), nil
}

func toServiceIntent(intent payments.Intent) services.PaymentIntent {
	return services.PaymentIntent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       intent.Amount,
		Currency:     intent.Currency,
		Status:       string(intent.Status),
		Succeeded:    intent.Status == payments.StatusSucceeded,
	}
}
