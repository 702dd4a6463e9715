package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/storefront-cart/internal/domain/cart"
	"github.com/xenking/storefront-cart/internal/domain/checkout"
	"github.com/xenking/storefront-cart/internal/domain/coupon"
	"github.com/xenking/storefront-cart/internal/domain/reservation"
	"github.com/xenking/storefront-cart/internal/events/kafka"
	"github.com/xenking/storefront-cart/internal/handler"
	redisguard "github.com/xenking/storefront-cart/internal/storage/redis"
	"github.com/xenking/storefront-cart/pkg/health"
	"github.com/xenking/storefront-cart/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
		zap.String("guard", cfg.Guard.Backend),
	)

	healthSvc := health.New()
	healthSvc.AddLiveness(health.Check{Name: "goroutines", Func: health.GoroutineCountCheck(10000)})

	store, err := openStorage(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer store.close()
	healthSvc.AddReadiness(health.Check{Name: cfg.Storage, Timeout: 5 * time.Second, Func: health.PingCheck(store.pinger)})

	var rdb *redis.Client
	if cfg.needsRedis() {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return errors.Wrap(err, "parse redis url")
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		healthSvc.AddReadiness(health.Check{Name: "redis", Timeout: 2 * time.Second, Func: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	guard, err := newGuard(cfg, rdb, m.MeterProvider())
	if err != nil {
		return err
	}

	var publisher checkout.Publisher = checkout.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		p := kafka.NewPublisher(kafka.NewWriter(ctx, kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		}))
		defer func() {
			if err := p.Close(); err != nil {
				lg.Warn("Close kafka publisher", zap.Error(err))
			}
		}()
		publisher = p
	}

	// Domain services.
	evaluator := coupon.NewEvaluator()
	ledger := cart.NewLedger(store.catalog, store.lines, store.coupons, evaluator, guard,
		cart.WithTracerProvider(m.TracerProvider()),
	)
	checkoutSvc := checkout.NewService(store.lines, store.coupons, evaluator, guard, store.orders, publisher)

	// HTTP.
	limiter, err := newLimiter(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	h := handler.New(ledger, checkoutSvc)
	router := h.Router(
		handler.NewSecurity(store.apikeys, []byte(cfg.APIKeyPepper)),
		func(r chi.Router) {
			r.Get("/livez", healthSvc.LiveEndpoint)
			r.Get("/readyz", healthSvc.ReadyEndpoint)
		},
		httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
			Limiter: limiter,
			Max:     cfg.RateLimit.Max,
		}),
	)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", handler.HeaderAPIKey, handler.HeaderUserID, httpmiddleware.HeaderRequestID},
				ExposeHeaders:    []string{httpmiddleware.HeaderRequestID, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.Instrument("cart-api", m),
			httpmiddleware.Route(),
			httpmiddleware.LogRequests(),
		),
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// newGuard builds the stock lock for cfg.Guard.Backend, instrumented with
// wait-time metrics.
func newGuard(cfg *Config, rdb *redis.Client, mp metric.MeterProvider) (reservation.Guard, error) {
	var g reservation.Guard
	switch cfg.Guard.Backend {
	case BackendRedis:
		g = redisguard.NewGuard(rdb, redisguard.Options{
			Timeout:      cfg.Guard.Timeout,
			LeaseTTL:     cfg.Guard.LeaseTTL,
			PollInterval: cfg.Guard.PollInterval,
		})
	default:
		g = reservation.NewLocalGuard(cfg.Guard.Timeout)
	}
	instrumented, err := reservation.Instrument(g, mp)
	if err != nil {
		return nil, errors.Wrap(err, "instrument guard")
	}
	return instrumented, nil
}

func newLimiter(ctx context.Context, cfg *Config, rdb *redis.Client) (httpmiddleware.Limiter, error) {
	switch cfg.RateLimit.Backend {
	case BackendRedis:
		return httpmiddleware.NewTokenBucket(rdb, cfg.RateLimit.Max, cfg.RateLimit.Window), nil
	case BackendLocal:
		w := httpmiddleware.NewSlidingWindow(cfg.RateLimit.Max, cfg.RateLimit.Window)
		go w.Run(ctx)
		return w, nil
	default:
		return nil, errors.Errorf("unknown rate limit backend %q", cfg.RateLimit.Backend)
	}
}
