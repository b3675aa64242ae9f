package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/oakline-commerce/checkout-api/internal/handlers"
	"github.com/oakline-commerce/checkout-api/internal/payments"
	"github.com/oakline-commerce/checkout-api/internal/platform/config"
	pfirestore "github.com/oakline-commerce/checkout-api/internal/platform/firestore"
	"github.com/oakline-commerce/checkout-api/internal/platform/idempotency"
	"github.com/oakline-commerce/checkout-api/internal/platform/jobs"
	"github.com/oakline-commerce/checkout-api/internal/platform/netsim"
	"github.com/oakline-commerce/checkout-api/internal/platform/observability"
	"github.com/oakline-commerce/checkout-api/internal/platform/secrets"
	"github.com/oakline-commerce/checkout-api/internal/repositories"
	firestoreRepo "github.com/oakline-commerce/checkout-api/internal/repositories/firestore"
	"github.com/oakline-commerce/checkout-api/internal/repositories/memory"
	"github.com/oakline-commerce/checkout-api/internal/services"
	"github.com/oakline-commerce/checkout-api/internal/telemetry"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues)

	metrics, err := observability.NewCheckoutMetrics()
	if err != nil {
		logger.Warn("checkout metrics init failed", zap.Error(err))
		metrics = nil
	}

	probes := make(map[string]services.HealthProbe)

	// Order archive and idempotency records share the Firestore client when a
	// project is configured; otherwise both run in process memory.
	var orderRepo repositories.OrderRepository
	var idempotencyStore idempotency.Store
	if cfg.Google.FirestoreEnabled {
		provider := pfirestore.NewProvider(cfg.Google)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Close(closeCtx); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()

		client, err := provider.Client(ctx)
		if err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}

		repo, err := firestoreRepo.NewOrderRepository(provider)
		if err != nil {
			logger.Fatal("failed to initialise order repository", zap.Error(err))
		}
		orderRepo = repo
		idempotencyStore = idempotency.NewFirestoreStore(client)

		probes["firestore"] = func(ctx context.Context) error {
			probeCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
			defer cancel()
			iter := client.Collections(probeCtx)
			_, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			return err
		}
	} else {
		orderRepo = memory.NewOrderRepository()
		idempotencyStore = idempotency.NewMemoryStore()
	}

	var submitter services.OrderSubmitter
	if topicID := strings.TrimSpace(cfg.PubSub.OrderTopic); topicID != "" {
		psClient, err := newPubSubClient(ctx, cfg)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := psClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()

		topic := psClient.Topic(topicID)
		publisher, err := jobs.NewPubSubOrderPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise order publisher", zap.Error(err))
		}
		submitter = publisher
		defer topic.Stop()

		probes["pubsub"] = func(ctx context.Context) error {
			probeCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
			defer cancel()
			ok, err := topic.Exists(probeCtx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("pubsub topic %s does not exist", topicID)
			}
			return nil
		}
	}

	sim := netsim.New(netsim.Config{
		Enabled:     cfg.NetSim.Enabled,
		FailureRate: cfg.NetSim.FailureRate,
		MinDelay:    cfg.NetSim.MinDelay,
		MaxDelay:    cfg.NetSim.MaxDelay,
		Seed:        cfg.NetSim.Seed,
	})

	paymentsLogger := logger.Named("payments")
	providers := make(map[string]payments.Provider, 2)
	defaultProvider := "simulated"
	var methodVerifier services.PaymentMethodVerifier
	if strings.TrimSpace(cfg.Stripe.APIKey) != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: cfg.Stripe.APIKey,
			Logger: eventLogger(paymentsLogger),
			Clock:  time.Now,
		})
		if err != nil {
			logger.Fatal("failed to initialise stripe payment provider", zap.Error(err))
		}
		providers["stripe"] = netsim.WrapPaymentProvider(sim, stripeProvider)
		defaultProvider = "stripe"

		verifier, err := payments.NewStripePaymentMethodVerifier(payments.StripeProviderConfig{
			APIKey: cfg.Stripe.APIKey,
		})
		if err != nil {
			logger.Fatal("failed to initialise stripe payment method verifier", zap.Error(err))
		}
		methodVerifier = verifier
	} else {
		logger.Warn("stripe api key not configured; card payments use the simulated provider")
	}
	simulated := payments.NewSimulatedProvider(payments.SimulatedProviderConfig{
		Logger: eventLogger(paymentsLogger),
		Clock:  time.Now,
	})
	providers["simulated"] = netsim.WrapPaymentProvider(sim, simulated)

	paymentManager, err := payments.NewManager(providers,
		payments.WithDefaultProvider(defaultProvider),
		payments.WithKindRoutes(map[string]string{
			"wallet":       "simulated",
			"store_credit": "simulated",
		}),
	)
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	shippingEngine, err := services.NewShippingQuoteEngine(services.ShippingQuoteEngineDeps{
		Logger: eventLogger(logger.Named("shipping")),
	})
	if err != nil {
		logger.Fatal("failed to initialise shipping engine", zap.Error(err))
	}
	estimator := netsim.WrapShippingEstimator(sim, shippingEngine)

	productRepo := memory.NewDemoProductRepository()

	sink := telemetry.Multi(
		telemetry.NewZapSink(logger.Named("telemetry")),
		telemetry.NewSpanSink(),
	)

	checkoutLogger := logger.Named("checkout")
	flowFactory := func() (*services.CheckoutFlow, error) {
		return services.NewCheckoutFlow(services.CheckoutFlowDeps{
			Catalog:         productRepo,
			Shipping:        estimator,
			Payments:        paymentManager,
			Orders:          orderRepo,
			Submitter:       submitter,
			Verifier:        methodVerifier,
			Telemetry:       sink,
			TaxRate:         cfg.Checkout.TaxRate,
			QuoteTimeout:    cfg.Checkout.QuoteTimeout,
			PaymentTimeout:  cfg.Checkout.PaymentTimeout,
			UnresolvedItems: services.UnresolvedItemPolicy(cfg.Checkout.UnresolvedItems),
			Currency:        cfg.Checkout.Currency,
			Clock:           time.Now,
			Logger:          eventLogger(checkoutLogger),
		})
	}

	checkoutService, err := services.NewCheckoutSessionService(services.CheckoutSessionServiceDeps{
		FlowFactory: flowFactory,
		Telemetry:   sink,
		SessionTTL:  cfg.Checkout.SessionTTL,
		Clock:       time.Now,
		Logger:      eventLogger(checkoutLogger),
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout session service", zap.Error(err))
	}

	systemService, err := services.NewSystemService(services.SystemServiceDeps{
		Probes: probes,
		Clock:  time.Now,
	})
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	var backgroundWG sync.WaitGroup

	if cfg.Idempotency.CleanupInterval > 0 {
		backgroundWG.Add(1)
		go func() {
			defer backgroundWG.Done()
			cleanupLogger := logger.Named("idempotency")
			ticker := time.NewTicker(cfg.Idempotency.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					runCtx, cancel := context.WithTimeout(backgroundCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-backgroundCtx.Done():
					return
				}
			}
		}()
	}

	if cfg.Checkout.PruneInterval > 0 {
		backgroundWG.Add(1)
		go func() {
			defer backgroundWG.Done()
			ticker := time.NewTicker(cfg.Checkout.PruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if removed := checkoutService.PruneExpired(backgroundCtx); removed > 0 {
						checkoutLogger.Info("pruned expired checkout sessions", zap.Int("count", removed))
					}
				case <-backgroundCtx.Done():
					return
				}
			}
		}()
	}

	projectID := strings.TrimSpace(cfg.Google.ProjectID)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
		handlers.WithHealthStartTime(startedAt),
	)
	checkoutHandlers := handlers.NewCheckoutHandlers(checkoutService, metrics,
		handlers.WithSessionRateLimit(120, time.Minute))
	orderHandlers := handlers.NewOrderHandlers(orderRepo)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithCheckoutMiddlewares(idempotencyMiddleware),
		handlers.WithOrderRoutes(orderHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("checkout api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	backgroundCancel()
	backgroundWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return services.BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: strings.TrimSpace(env["API_BUILD_TIME"]),
	}
}

// eventLogger adapts a zap logger to the map-based event callback the
// services and payments packages accept.
func eventLogger(logger *zap.Logger) func(context.Context, string, map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("event", zFields...)
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project := lookup("API_GOOGLE_PROJECT_ID"); project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentialsFile := lookup("API_GOOGLE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func newPubSubClient(ctx context.Context, cfg config.Config) (*pubsub.Client, error) {
	projectID := strings.TrimSpace(cfg.Google.ProjectID)
	if projectID == "" {
		return nil, errors.New("pubsub: google project id is required")
	}
	var opts []option.ClientOption
	if creds := strings.TrimSpace(cfg.Google.CredentialsFile); creds != "" {
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	return pubsub.NewClient(ctx, projectID, opts...)
}
