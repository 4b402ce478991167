package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/trial-scheduling-engine/internal/api/router"
	"github.com/wolfman30/trial-scheduling-engine/internal/app/bootstrap"
	appconfig "github.com/wolfman30/trial-scheduling-engine/internal/config"
	"github.com/wolfman30/trial-scheduling-engine/internal/http/handlers"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting trial scheduling API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	srv := newServer(":"+cfg.Port, router.New(routerConfig(app)))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", "error", err)
		app.Close()
		os.Exit(1)
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("server stopped")
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func healthDeps(app *bootstrap.App) map[string]handlers.Pinger {
	deps := map[string]handlers.Pinger{}
	if app.Pool != nil {
		deps["postgres"] = app.Pool
	}
	if app.AuditDB != nil {
		deps["audit_db"] = handlers.PingFunc(app.AuditDB.PingContext)
	}
	if app.Redis != nil {
		client := app.Redis
		deps["redis"] = handlers.PingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}
	return deps
}

func routerConfig(app *bootstrap.App) *router.Config {
	cfg, logger := app.Config, app.Logger
	return &router.Config{
		Logger: logger,
		Health: handlers.NewHealthHandler(healthDeps(app)),
		SMSWebhooks: handlers.NewSMSWebhookHandler(handlers.SMSWebhookConfig{
			AuthToken:     bootstrap.WebhookAuthToken(cfg),
			PublicBaseURL: cfg.PublicBaseURL,
			Processed:     app.Processed,
			Reschedule:    app.Reschedule,
			Campaigns:     app.Campaigns,
			Metrics:       app.Metrics,
			Logger:        logger,
		}),
		Session:        handlers.NewSessionHandler(app.Sessions, logger),
		Matching:       handlers.NewMatchingHandler(app.Sites, app.Matcher, logger),
		Prescreening:   handlers.NewPrescreeningHandler(app.Prescreening, app.Campaigns, logger),
		Appointments:   handlers.NewAppointmentsHandler(app.Appointments, app.Notify, app.Campaigns, logger),
		Reschedule:     handlers.NewRescheduleHandler(app.Reschedule, logger),
		Campaigns:      handlers.NewCampaignsHandler(app.Campaigns, logger),
		MetricsHandler: metricsHandler(app.Registry),

		CoordinatorJWTSecret:  cfg.CoordinatorJWTSecret,
		AssistantServiceToken: cfg.AssistantServiceToken,
		CORSAllowedOrigins:    cfg.CORSAllowedOrigins,
		RateLimitPerMinute:    cfg.RateLimitPerMinute,
	}
}
