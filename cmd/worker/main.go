package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/trial-scheduling-engine/internal/app/bootstrap"
	appconfig "github.com/wolfman30/trial-scheduling-engine/internal/config"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

// Confirmed requests younger than completionGrace are still inside their own
// completion call.
const (
	completionInterval = time.Minute
	completionGrace    = 2 * time.Minute
	completionBatch    = 50
	backfillInterval   = 15 * time.Minute
	backfillBatch      = 100
	purgeInterval      = 24 * time.Hour
	processedRetention = 30 * 24 * time.Hour
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize worker", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	logger.Info("scheduling worker started", "sms_provider", app.SMSProvider, "event_transport", cfg.EventTransport)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { app.Dispatcher().Start(gctx); return nil })
	g.Go(func() error { app.Deliverer().Start(gctx); return nil })
	g.Go(func() error { app.Sweeper().Run(gctx); return nil })
	g.Go(func() error {
		every(gctx, completionInterval, func(ctx context.Context) {
			n, err := app.Reschedule.CompleteConfirmed(ctx, completionGrace, completionBatch)
			if err != nil {
				logger.Error("reschedule completion sweep failed", "error", err)
				return
			}
			if n > 0 {
				logger.Info("completed stalled reschedules", "count", n)
			}
		})
		return nil
	})
	g.Go(func() error {
		backfill := func(ctx context.Context) {
			n, err := app.Matcher.BackfillEmbeddings(ctx, backfillBatch)
			if err != nil {
				logger.Warn("trial embedding backfill failed", "error", err)
				return
			}
			if n > 0 {
				logger.Info("trial embeddings backfilled", "count", n)
			}
		}
		backfill(gctx)
		every(gctx, backfillInterval, backfill)
		return nil
	})

	g.Go(func() error {
		every(gctx, cfg.ConversationSweepInterval, func(ctx context.Context) {
			if _, err := app.Conversations.ExpireIdle(ctx); err != nil {
				logger.Warn("conversation expiry sweep failed", "error", err)
			}
		})
		return nil
	})

	g.Go(func() error {
		every(gctx, purgeInterval, func(ctx context.Context) {
			n, err := app.Processed.Purge(ctx, time.Now().Add(-processedRetention))
			if err != nil {
				logger.Warn("processed event purge failed", "error", err)
				return
			}
			logger.Info("processed events purged", "count", n)
		})
		return nil
	})

	_ = g.Wait()
	logger.Info("scheduling worker stopped")
}

// every runs fn on each tick until ctx is cancelled.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
