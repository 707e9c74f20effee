package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"licensegate/internal/config"
	apierrors "licensegate/internal/errors"
	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
	customMiddleware "licensegate/internal/middleware"
	"licensegate/internal/purchase"
	handlers "licensegate/internal/transport/http"
)

const AppName = "licensegate"

// Version is set at build time with -ldflags "-X licensegate/internal/app.Version=..."
var Version = "dev"

// Application represents the issuer service container
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Metrics       *license.LicenseMetrics
	Issuer        *license.Issuer
	Verifier      *license.Verifier
	SaleStore     purchase.SaleStore
	Ingestor      *purchase.Ingestor
	Consumer      *purchase.Consumer

	redis    *redis.Client
	listener net.Listener
	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc
}

// NewApplication loads configuration from the environment and builds the
// issuer. Key configuration errors are returned wrapping license.ErrConfig.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return New(cfg, logger)
}

// New builds the issuer from an explicit configuration
func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	ctx := context.Background()

	logger.InfoContext(ctx, "Application starting",
		slog.String("name", AppName),
		slog.String("version", Version),
		slog.String("product_id", cfg.Issuer.ProductID))

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, Version, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeServices(ctx); err != nil {
		_ = otelProviders.Shutdown(ctx)
		return nil, err
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices wires the signing key, issuer, verifier and purchase
// intake
func (a *Application) initializeServices(ctx context.Context) error {
	metrics, err := license.InitializeLicenseMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize license metrics: %w", err)
	}
	a.Metrics = metrics

	keys := license.NewKeyManager(a.Config.Issuer.PrivateKey, a.Config.Issuer.PrivateKeyFile)
	kp, err := keys.LoadKeyPair()
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}

	issuer, err := license.NewIssuer(kp.Private,
		license.WithMetrics(metrics),
		license.WithLogger(a.Logger),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize issuer: %w", err)
	}
	a.Issuer = issuer
	a.Verifier = license.NewVerifier(kp.Public)

	a.Logger.InfoContext(ctx, "Signing key loaded",
		slog.String("public_key", kp.PublicKeyString()))

	store, err := a.newSaleStore(ctx)
	if err != nil {
		return err
	}
	a.SaleStore = store

	a.Ingestor = purchase.NewIngestor(issuer, store, purchase.IngestorConfig{
		ProductID: a.Config.Issuer.ProductID,
		Plan:      a.Config.Issuer.PurchasePlan,
		TTL:       a.Config.Issuer.PurchaseTTL(),
	},
		purchase.WithIngestorMetrics(metrics),
		purchase.WithIngestorLogger(a.Logger),
	)

	if a.Config.Kafka.Enabled {
		consumer, err := purchase.NewKafkaConsumer(a.Config.Kafka, a.Ingestor, a.Logger)
		if err != nil {
			a.closeRedis()
			return fmt.Errorf("failed to initialize kafka consumer: %w", err)
		}
		a.Consumer = consumer
	}

	return nil
}

// newSaleStore selects the dedup backend
func (a *Application) newSaleStore(ctx context.Context) (purchase.SaleStore, error) {
	dedup := a.Config.Dedup

	switch dedup.Backend {
	case config.DedupRedis:
		client, err := purchase.Connect(ctx, dedup.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect dedup store: %w", err)
		}
		a.redis = client
		a.Logger.InfoContext(ctx, "Using redis dedup store",
			slog.String("key_prefix", dedup.KeyPrefix),
			slog.Duration("retention", dedup.Retention))
		return purchase.NewRedisStore(client, dedup.KeyPrefix, dedup.Retention, dedup.ReservationTTL), nil
	default:
		a.Logger.InfoContext(ctx, "Using in-memory dedup store",
			slog.Duration("retention", dedup.Retention))
		return purchase.NewMemoryStore(dedup.Retention), nil
	}
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()
	errorHandler := apierrors.NewErrorHandler(a.Logger, a.Config.Telemetry.Environment == "development")

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	// Scrapes bypass the API middleware and its rate limits
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	r.Group(func(r chi.Router) {
		// RequestID → RealIP → OTel → Logger → Recoverer → SecurityHeaders → CORS → RateLimit
		otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
		if err != nil {
			a.Logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
		}

		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(errorHandler))
		r.Use(customMiddleware.SecurityHeaders)
		r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
			AllowedOrigins: a.Config.Security.AllowedOrigins,
		}))

		if a.Config.Security.RateLimit.Enabled {
			r.Use(customMiddleware.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
			).Handler)
		}

		r.Use(middleware.Timeout(a.Config.Server.RequestTimeout))
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.ContentTypeValidator("application/json", "application/x-www-form-urlencoded"))

		var issueLimit func(http.Handler) http.Handler
		if a.Config.Security.IssuePerMinute > 0 {
			issueLimit = customMiddleware.PerIPLimit(a.Config.Security.IssuePerMinute, time.Minute, a.Logger)
		}

		handlers.NewLicenseHandler(a.Issuer, a.Verifier, handlers.LicenseHandlerConfig{
			ProductID:   a.Config.Issuer.ProductID,
			DefaultPlan: a.Config.Issuer.DefaultPlan,
			DefaultTTL:  a.Config.Issuer.DefaultTTL(),
		}, errorHandler, a.Metrics, a.Logger).Routes(r, issueLimit)

		handlers.NewWebhookHandler(a.Ingestor, errorHandler, a.Logger).Routes(r)

		r.Get("/health", handlers.NewHealthHandler(Version, a.Config.Issuer.ProductID, a.Logger).HealthCheck)

		// Preflights are answered by CORS before reaching this handler
		for _, path := range []string{"/issue", "/generate-license", "/verify", "/verify-license", "/webhook/purchase", "/gumroad-webhook"} {
			r.Options(path, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
		}
	})

	a.Router = r
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Start binds the listener and serves in the background. The Kafka
// consumer, when enabled, runs until Stop or until ctx ends.
func (a *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	a.listener = ln

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.group, a.groupCtx = errgroup.WithContext(runCtx)

	a.group.Go(func() error {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if a.Consumer != nil {
		a.group.Go(func() error {
			return a.Consumer.Run(a.groupCtx)
		})
	}

	a.Logger.InfoContext(ctx, "Application started successfully",
		slog.String("address", ln.Addr().String()),
		slog.Bool("kafka_consumer", a.Consumer != nil),
		slog.String("dedup_backend", a.Config.Dedup.Backend))

	return nil
}

// Addr returns the bound listen address once Start has run
func (a *Application) Addr() string {
	if a.listener == nil {
		return a.Server.Addr
	}
	return a.listener.Addr().String()
}

// Done is closed when the application must stop: its parent context ended
// or a background task failed.
func (a *Application) Done() <-chan struct{} {
	return a.groupCtx.Done()
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
	}

	if a.cancel != nil {
		a.cancel()
	}
	if a.group != nil {
		if err := a.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	if a.Consumer != nil {
		if err := a.Consumer.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing kafka consumer", slog.String("error", err.Error()))
		}
	}
	a.closeRedis()

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return errors.Join(errs...)
}

// Run serves until SIGINT, SIGTERM or a background failure, then shuts
// down gracefully
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	<-a.Done()
	if ctx.Err() != nil {
		a.Logger.InfoContext(context.Background(), "Received interrupt signal")
	}

	return a.Stop(context.Background())
}

func (a *Application) closeRedis() {
	if a.redis == nil {
		return
	}
	if err := a.redis.Close(); err != nil {
		a.Logger.Error("Error closing redis client", slog.String("error", err.Error()))
	}
	a.redis = nil
}
