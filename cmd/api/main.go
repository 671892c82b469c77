package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/courseshop/api/internal/di"
	"github.com/courseshop/api/internal/handlers"
	"github.com/courseshop/api/internal/platform/auth"
	"github.com/courseshop/api/internal/platform/config"
	"github.com/courseshop/api/internal/platform/idempotency"
	"github.com/courseshop/api/internal/platform/observability"
	"github.com/courseshop/api/internal/services"
)

const (
	tkbInitiationLimit  = 5
	tkbInitiationWindow = time.Minute
	shutdownGrace       = 10 * time.Second
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	err = run(logger.Named("api"))
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// run wires the process and serves until SIGINT/SIGTERM. Startup failures are logged here so
// that every deferred close still runs before main exits.
func run(logger *zap.Logger) (err error) {
	defer func() {
		if err != nil {
			logger.Error("api stopped", zap.Error(err))
		}
	}()
	startedAt := time.Now().UTC()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	resolver, err := newSecretResolver(ctx, logger, envValues)
	if err != nil {
		return fmt.Errorf("secret resolver: %w", err)
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(resolver.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load config: %w", err)
	}
	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Endpoint:      cfg.Telemetry.OTLPEndpoint,
		ServiceName:   cfg.Telemetry.ServiceName,
		Version:       buildInfo.Version,
		SamplePercent: cfg.Telemetry.SamplePercent,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush error", zap.Error(err))
		}
	}()

	infra, err := openInfrastructure(ctx, logger, cfg)
	if err != nil {
		return fmt.Errorf("infrastructure: %w", err)
	}
	defer infra.close(logger)

	registry, err := di.NewRegistry(infra.db, infra.firestore, infra.healthChecks(cfg))
	if err != nil {
		return fmt.Errorf("repositories: %w", err)
	}
	container, err := di.NewContainer(cfg, registry, di.Infrastructure{
		Publisher: infra.publisher,
		Objects:   infra.objects,
		Gateway:   infra.gateway,
		TKB:       infra.tkb,
		Build:     buildInfo,
		Logger:    observability.EventLogger(logger.Named("services")),
		Clock:     time.Now,
	})
	if err != nil {
		return fmt.Errorf("services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()

	idempotencyStore, err := idempotency.NewFirestoreStore(infra.firestore)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		return fmt.Errorf("firebase verifier: %w", err)
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithLogger(logger.Named("auth")))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(routerOptions(logger, cfg, container, infra, authenticator, buildInfo, idempotencyMiddleware)...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("course shop api listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Idempotency.CleanupInterval > 0 {
		g.Go(func() error {
			runIdempotencyCleanup(gctx, logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down; draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func routerOptions(
	logger *zap.Logger,
	cfg config.Config,
	container *di.Container,
	infra *infrastructure,
	authenticator *auth.Authenticator,
	build services.BuildInfo,
	idempotencyMiddleware func(http.Handler) http.Handler,
) []handlers.Option {
	svc := container.Services
	projectID := traceProjectID(cfg)

	orderOpts := []handlers.OrderOption{
		handlers.WithOrderPaymentRouter(svc.Payments),
		handlers.WithOrderBuyerDirectory(container.Repositories.Users()),
		handlers.WithOrderCourseListPath(cfg.Shop.CourseListPath),
		handlers.WithOrderTKBRateLimit(tkbInitiationLimit, tkbInitiationWindow, time.Now),
		handlers.WithOrderCreateMiddlewares(idempotencyMiddleware),
	}
	if svc.TKB != nil {
		orderOpts = append(orderOpts, handlers.WithOrderTKBPayments(svc.TKB))
	}
	if infra.signedURLs != nil {
		orderOpts = append(orderOpts, handlers.WithOrderReceiptDownloads(infra.signedURLs, cfg.Storage.DocumentsBucket))
	}
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders, orderOpts...)

	webhookHandlers := handlers.NewPaymentWebhookHandlers(svc.Orders)
	internalHandlers := handlers.NewInternalHandlers(
		handlers.WithInternalSubscriptions(svc.Subscriptions),
		handlers.WithInternalDocuments(svc.Documents),
		handlers.WithInternalMailing(svc.Mailing),
		handlers.WithInternalSequences(svc.Sequences),
	)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(build),
		handlers.WithHealthSystemService(svc.System),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if oidc := buildOIDCMiddleware(logger.Named("auth"), cfg); oidc != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidc))
	} else {
		logger.Warn("auth: OIDC not configured; internal routes are unauthenticated")
	}
	if hmac := buildHMACMiddleware(logger.Named("auth"), cfg); hmac != nil {
		opts = append(opts, handlers.WithWebhookMiddlewares(hmac))
	} else {
		logger.Warn("auth: no HMAC secrets configured; payment webhooks are unauthenticated")
	}
	return opts
}

func runIdempotencyCleanup(ctx context.Context, logger *zap.Logger, store idempotency.Store, cfg config.IdempotencyConfig) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.PurgeExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("purged expired order submissions", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
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

func traceProjectID(cfg config.Config) string {
	for _, id := range []string{cfg.Firebase.ProjectID, cfg.Firestore.ProjectID, cfg.PubSub.ProjectID} {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	return ""
}
