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

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ecomcore/api/internal/handlers"
	"github.com/ecomcore/api/internal/payments"
	"github.com/ecomcore/api/internal/platform/auth"
	"github.com/ecomcore/api/internal/platform/config"
	"github.com/ecomcore/api/internal/platform/events"
	pfirestore "github.com/ecomcore/api/internal/platform/firestore"
	"github.com/ecomcore/api/internal/platform/idempotency"
	"github.com/ecomcore/api/internal/platform/observability"
	"github.com/ecomcore/api/internal/platform/secrets"
	"github.com/ecomcore/api/internal/repositories"
	firestoreRepo "github.com/ecomcore/api/internal/repositories/firestore"
	"github.com/ecomcore/api/internal/services"
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

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	var pubsubClient *pubsub.Client
	if strings.TrimSpace(cfg.Events.ProjectID) != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("events: no project configured; domain events disabled")
	}

	orderEvents, stockEvents, reviewEvents, reconciliation := buildEventSinks(logger, pubsubClient, cfg.Events)
	if reconciliation == nil {
		logger.Warn("events: reconciliation topic not configured; ambiguous settlements will only be logged")
	}

	healthRepo, err := newHealthRepository(firestoreClient, pubsubClient, fetcher)
	if err != nil {
		logger.Fatal("failed to initialise health repository", zap.Error(err))
	}
	systemService, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Clock:            time.Now,
		Build:            buildInfo,
	})
	if err != nil {
		logger.Fatal("failed to initialise system service", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, healthRepo)
	if err != nil {
		logger.Fatal("failed to initialise repository registry", zap.Error(err))
	}

	// Order numbers render the sequence as six digits.
	if err := registry.Counters().Configure(ctx, "orders", repositories.CounterConfig{Max: 999999}); err != nil {
		logger.Warn("order counter configuration failed", zap.Error(err))
	}

	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		logger.Fatal("auth jwt secret is required")
	}
	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		logger.Fatal("failed to initialise token verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(verifier)

	if strings.TrimSpace(cfg.PSP.StripeAPIKey) == "" {
		logger.Fatal("stripe api key is required for card settlement")
	}
	paymentsLogger := logger.Named("payments")
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.PSP.StripeAPIKey,
		Logger: zapEventLogger(paymentsLogger),
		Clock:  time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe provider", zap.Error(err))
	}
	paymentManager, err := payments.NewManager(
		map[string]payments.Provider{"stripe": stripeProvider},
		payments.WithDefaultProvider("stripe"),
		payments.WithChargeTimeout(cfg.PSP.ChargeTimeout),
	)
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	cartService, err := services.NewCartService(services.CartServiceDeps{
		Carts:    registry.Carts(),
		Products: registry.Products(),
		Clock:    time.Now,
		Logger:   zapEventLogger(logger.Named("cart")),
	})
	if err != nil {
		logger.Fatal("failed to initialise cart service", zap.Error(err))
	}

	inventoryService, err := services.NewInventoryService(services.InventoryServiceDeps{
		Ledger: registry.Products(),
		Events: stockEvents,
		Clock:  time.Now,
		Logger: zapEventLogger(logger.Named("inventory")),
	})
	if err != nil {
		logger.Fatal("failed to initialise inventory service", zap.Error(err))
	}

	catalogService, err := services.NewCatalogService(services.CatalogServiceDeps{
		Products: registry.Products(),
		Clock:    time.Now,
		Logger:   zapEventLogger(logger.Named("catalog")),
	})
	if err != nil {
		logger.Fatal("failed to initialise catalog service", zap.Error(err))
	}

	reviewService, err := services.NewReviewService(services.ReviewServiceDeps{
		Reviews:  registry.Reviews(),
		Products: registry.Products(),
		Events:   reviewEvents,
		Clock:    time.Now,
		Logger:   zapEventLogger(logger.Named("reviews")),
	})
	if err != nil {
		logger.Fatal("failed to initialise review service", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:         registry.Orders(),
		Counters:       registry.Counters(),
		Carts:          cartService,
		Inventory:      inventoryService,
		Payments:       paymentManager,
		Events:         orderEvents,
		Reconciliation: reconciliation,
		Settlement: services.OrderSettlementConfig{
			Currency:           cfg.Settlement.Currency,
			TaxRateBasisPoints: int64(cfg.Settlement.TaxRateBasisPoints),
			ShippingFlat:       cfg.Settlement.ShippingFlat,
			CommitRetries:      cfg.Settlement.CommitRetries,
			CommitBackoff:      cfg.Settlement.CommitBackoff,
		},
		Clock:  time.Now,
		Logger: zapEventLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithMethods(http.MethodPost),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
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
	}

	checkoutLimiter := handlers.NewRateLimiter(cfg.RateLimits.AuthenticatedPerMinute, time.Minute)

	cartHandlers := handlers.NewCartHandlers(authenticator, cartService)
	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService,
		handlers.WithOrderRateLimiter(checkoutLimiter),
	)
	productHandlers := handlers.NewProductHandlers(catalogService, reviewService)
	reviewHandlers := handlers.NewReviewHandlers(authenticator, reviewService)
	adminHandlers := handlers.NewAdminCatalogHandlers(authenticator, catalogService, inventoryService)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	projectID := strings.TrimSpace(cfg.Firestore.ProjectID)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithProductRoutes(productHandlers.Routes),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithOrderMiddlewares(idempotencyMiddleware),
		handlers.WithReviewRoutes(reviewHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
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
		serverLogger.Info("ecomcore api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// zapEventLogger adapts a zap logger to the event-style callback services expect.
func zapEventLogger(logger *zap.Logger) func(context.Context, string, map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("service event", zFields...)
	}
}

func buildEventSinks(logger *zap.Logger, client *pubsub.Client, cfg config.EventsConfig) (services.OrderEventPublisher, services.StockEventPublisher, services.ReviewEventPublisher, services.ReconciliationQueue) {
	if client == nil {
		return nil, nil, nil, nil
	}

	var (
		orderEvents    services.OrderEventPublisher
		stockEvents    services.StockEventPublisher
		reviewEvents   services.ReviewEventPublisher
		reconciliation services.ReconciliationQueue
	)

	if name := strings.TrimSpace(cfg.OrdersTopic); name != "" {
		publisher, err := events.NewPubSubOrderPublisher(client.Topic(name))
		if err != nil {
			logger.Warn("events: order publisher init failed", zap.Error(err))
		} else {
			orderEvents = publisher
		}
	}
	if name := strings.TrimSpace(cfg.StockTopic); name != "" {
		publisher, err := events.NewPubSubStockPublisher(client.Topic(name))
		if err != nil {
			logger.Warn("events: stock publisher init failed", zap.Error(err))
		} else {
			stockEvents = publisher
		}
	}
	if name := strings.TrimSpace(cfg.ReviewsTopic); name != "" {
		publisher, err := events.NewPubSubReviewPublisher(client.Topic(name))
		if err != nil {
			logger.Warn("events: review publisher init failed", zap.Error(err))
		} else {
			reviewEvents = publisher
		}
	}
	if name := strings.TrimSpace(cfg.ReconciliationTopic); name != "" {
		queue, err := events.NewPubSubReconciliationQueue(client.Topic(name))
		if err != nil {
			logger.Warn("events: reconciliation queue init failed", zap.Error(err))
		} else {
			reconciliation = queue
		}
	}

	return orderEvents, stockEvents, reviewEvents, reconciliation
}

func newHealthRepository(client *firestore.Client, pubsubClient *pubsub.Client, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if pubsubClient != nil {
		p := pubsubClient
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				iter := p.Topics(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := parsePairList(lookup("API_SECRET_PROJECT_MAP")); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := parsePairList(lookup("API_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookup("API_SECRET_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames marks config fields as mandatory when their environment
// value is a secret reference, so deployments fail fast on unresolvable refs.
func requiredSecretNames(env map[string]string) []string {
	candidates := []struct {
		field  string
		envKey string
	}{
		{"PSP.StripeAPIKey", "API_PSP_STRIPE_API_KEY"},
		{"Auth.JWTSecret", "API_AUTH_JWT_SECRET"},
	}

	var required []string
	for _, candidate := range candidates {
		value := strings.TrimSpace(env[candidate.envKey])
		if strings.HasPrefix(value, "secret://") || strings.HasPrefix(value, "sm://") {
			required = append(required, candidate.field)
		}
	}
	return required
}

// parsePairList parses "key=value,key=value" lists from the environment.
func parsePairList(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
