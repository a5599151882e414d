package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Merdan-Mahmudow/veo3-bot/config"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/api/handlers"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/billing"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/cache"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/jobs"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/ledger"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/logger"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/metrics"
	custommiddleware "github.com/Merdan-Mahmudow/veo3-bot/pkg/middleware"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/payout"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/referral"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/reward"
)

func main() {
	// Load configuration
	cfg := config.Load()
	appLog := logger.New(cfg.LogLevel)
	appLog.Info("configuration loaded", "environment", cfg.APIEnvironment)

	// Initialize Sentry for error tracking
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			TracesSampleRate: 1.0,
			AttachStacktrace: true,
		})
		if err != nil {
			appLog.Warn("failed to initialize sentry", "error", err)
		} else {
			appLog.Info("sentry initialized", "environment", cfg.SentryEnvironment)
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		appLog.Info("sentry disabled (no DSN configured)")
	}

	// Initialize the ledger store (applies schema on startup)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := ledger.NewPostgresStore(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()

	// Initialize Redis cache
	redisClient, err := cache.NewClient(cfg.RedisURL, time.Duration(cfg.StatsCacheTTLSeconds)*time.Second)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	// Initialize Prometheus metrics
	prometheusMetrics := metrics.New()

	// Initialize services
	holdWindow := time.Duration(cfg.HoldReleaseDays) * 24 * time.Hour
	rewardService := reward.NewService(store, redisClient, prometheusMetrics, appLog, holdWindow, cfg.ReleaseBatchSize)
	referralService := referral.NewService(store, redisClient, prometheusMetrics, appLog)
	payoutService := payout.NewService(store, redisClient, prometheusMetrics, appLog)
	stripeService := billing.NewService(rewardService, cfg.StripeWebhookSecret, appLog)

	// Initialize handlers
	webhookHandler := handlers.NewWebhookHandler(rewardService, stripeService)
	referralHandler := handlers.NewReferralHandler(referralService)
	partnerHandler := handlers.NewPartnerHandler(referralService)
	payoutHandler := handlers.NewPayoutHandler(payoutService)

	// Initialize cron manager for the hold-release sweep
	cronManager := jobs.NewCronManager(rewardService, appLog)
	if err := cronManager.SetupJobs(cfg.ReleaseSchedule); err != nil {
		log.Fatalf("failed to setup cron jobs: %v", err)
	}
	cronManager.Start()

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true

	// Rate limiters: one global bucket, a larger one for gateway callbacks
	globalRateLimiter := custommiddleware.NewRateLimiter(cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst)
	webhookRateLimiter := custommiddleware.NewRateLimiter(100, 20)

	// Global middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			appLog.Info("request", "method", c.Request().Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	if cfg.SentryDSN != "" {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic: true,
		}))
	}

	e.Use(prometheusMetrics.Middleware())
	e.Use(globalRateLimiter.Middleware())

	// Health and metrics endpoints (public)
	e.GET("/health", func(c echo.Context) error {
		hctx, hcancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer hcancel()

		if err := store.Ping(hctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":   "unhealthy",
				"database": "down",
			})
		}
		if _, err := redisClient.Redis.Ping(hctx).Result(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"cache":  "down",
			})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status":   "healthy",
			"database": "up",
			"cache":    "up",
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/api/v1")

	// Gateway callbacks: authenticated by shared token or Stripe signature
	webhooks := v1.Group("/webhooks", webhookRateLimiter.Middleware())
	webhooks.POST("/payment", webhookHandler.HandlePayment, custommiddleware.RequireWebhookToken(cfg.WebhookToken))
	webhooks.POST("/stripe", webhookHandler.HandleStripe)

	// Attribution is called by the bot backend on user registration
	v1.POST("/referrals/attribution", referralHandler.ResolveAttribution, custommiddleware.RequireWebhookToken(cfg.WebhookToken))

	// Authenticated routes
	protected := v1.Group("", custommiddleware.JWTAuth(cfg.JWTSecret))
	protected.POST("/referrals/links/user", referralHandler.CreateUserLink)
	protected.POST("/referrals/links/partner", referralHandler.CreatePartnerLink, custommiddleware.RequireAdmin())

	protected.GET("/partners/:id/stats", partnerHandler.GetStats)
	protected.GET("/partners/:id/balance", partnerHandler.GetBalance)
	protected.GET("/partners/:id/links", partnerHandler.ListLinks)

	protected.POST("/payouts", payoutHandler.Create)
	protected.GET("/payouts", payoutHandler.List)
	protected.POST("/payouts/:id/approve", payoutHandler.Approve, custommiddleware.RequireAdmin())
	protected.POST("/payouts/:id/reject", payoutHandler.Reject, custommiddleware.RequireAdmin())
	protected.POST("/payouts/:id/paid", payoutHandler.MarkPaid, custommiddleware.RequireAdmin())

	address := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	appLog.Info("starting server",
		"address", address,
		"hold_release_days", cfg.HoldReleaseDays,
		"release_schedule", cfg.ReleaseSchedule,
	)

	go func() {
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLog.Info("shutting down server")
	cronManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	appLog.Info("server stopped")
}
