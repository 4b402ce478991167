package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/trial-scheduling-engine/internal/appointments"
	"github.com/wolfman30/trial-scheduling-engine/internal/archive"
	"github.com/wolfman30/trial-scheduling-engine/internal/campaigns"
	"github.com/wolfman30/trial-scheduling-engine/internal/compliance"
	appconfig "github.com/wolfman30/trial-scheduling-engine/internal/config"
	"github.com/wolfman30/trial-scheduling-engine/internal/conversations"
	"github.com/wolfman30/trial-scheduling-engine/internal/crio"
	"github.com/wolfman30/trial-scheduling-engine/internal/events"
	"github.com/wolfman30/trial-scheduling-engine/internal/messaging"
	smscompliance "github.com/wolfman30/trial-scheduling-engine/internal/messaging/compliance"
	"github.com/wolfman30/trial-scheduling-engine/internal/notify"
	"github.com/wolfman30/trial-scheduling-engine/internal/observability/metrics"
	"github.com/wolfman30/trial-scheduling-engine/internal/prescreening"
	"github.com/wolfman30/trial-scheduling-engine/internal/reschedule"
	"github.com/wolfman30/trial-scheduling-engine/internal/session"
	"github.com/wolfman30/trial-scheduling-engine/internal/sites"
	"github.com/wolfman30/trial-scheduling-engine/internal/trials"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

// App is the wired scheduling engine shared by the API and worker binaries.
type App struct {
	Config   *appconfig.Config
	Logger   *logging.Logger
	Pool     *pgxpool.Pool
	AuditDB  *sql.DB
	Redis    *redis.Client
	Registry *prometheus.Registry
	Metrics  *metrics.EngineMetrics

	SMS         messaging.Sender
	SMSProvider string

	Sessions      *session.Manager
	Conversations *conversations.Tracker
	Sites         *sites.Resolver
	SiteStore     *sites.PostgresStore
	Matcher       *trials.Matcher
	Prescreening  *prescreening.Engine
	Appointments  *appointments.Mapper
	Notify        *notify.Service
	Reschedule    *reschedule.Engine
	Campaigns     *campaigns.Engine
	Throttle      *campaigns.Throttle
	Outbox        *events.OutboxStore
	Processed     *events.ProcessedStore
	Publisher     events.DeliveryHandler

	closers []func()
}

// Build connects every backing service and wires the domain engines.
// Callers must Close the returned App.
func Build(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	app := &App{Config: cfg, Logger: logger}
	fail := func(err error) (*App, error) {
		app.Close()
		return nil, err
	}

	pool, err := BuildPostgresPool(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	app.Pool = pool
	app.closers = append(app.closers, pool.Close)

	auditDB, err := BuildAuditDB(cfg)
	if err != nil {
		return fail(err)
	}
	app.AuditDB = auditDB
	app.closers = append(app.closers, func() { _ = auditDB.Close() })
	audit := compliance.NewAuditService(auditDB)

	app.Redis = BuildRedisClient(ctx, cfg, logger, true)
	if app.Redis != nil {
		client := app.Redis
		app.closers = append(app.closers, func() { _ = client.Close() })
	}

	awsCfg, err := BuildAWSConfig(ctx, cfg)
	if err != nil {
		return fail(err)
	}

	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	app.Metrics = metrics.NewEngineMetrics(app.Registry)

	// Shared remote-system session.
	var registry session.Registry = session.NewPostgresRegistry(pool)
	if app.Redis != nil {
		registry = session.NewCachedRegistry(registry, app.Redis, cfg.SchedulingSessionTTL, logger)
	}
	app.Sessions = session.NewManager(registry, cfg.SchedulingSessionTTL, app.Metrics, logger).WithAuditor(audit)

	remote := crio.NewHTTPClient(crio.Config{
		BaseURL:        cfg.CRIOBaseURL,
		ClientID:       cfg.CRIOClientID,
		Environment:    cfg.CRIOEnvironment,
		Timeout:        cfg.CRIOTimeout,
		MaxRetries:     cfg.CRIOMaxRetries,
		RetryWait:      cfg.CRIORetryWait,
		RetryMaxWait:   cfg.CRIORetryMaxWait,
		CapacityUserID: cfg.CRIOCapacityUser,
	}, app.Metrics, logger)

	// Matching.
	app.SiteStore = sites.NewPostgresStore(pool)
	app.Sites = sites.NewResolver(app.SiteStore, cfg.SiteMappingCacheTTL, logger)
	embedder, closeEmbedder, err := BuildEmbedder(ctx, cfg, awsCfg, app.Redis, logger)
	if err != nil {
		return fail(err)
	}
	app.closers = append(app.closers, func() { _ = closeEmbedder() })
	app.Matcher = trials.NewMatcher(trials.NewPostgresStore(pool), embedder, matchOptions(cfg), app.Metrics, logger)

	app.Conversations = conversations.NewTracker(conversations.NewPostgresStore(pool), cfg.ConversationIdleTimeout, logger)

	app.Prescreening = prescreening.NewEngine(
		prescreening.NewPostgresStore(pool), cfg.PrescreenConfidenceThreshold, app.Metrics, logger,
	).WithAuditor(audit).WithConversations(app.Conversations)

	app.Appointments = appointments.NewMapper(appointments.NewPostgresStore(pool), remote, app.Sessions, logger).
		WithSlotFinder(crio.NewSlotFinder(remote, cfg.CRIOCapacityUser)).
		WithConsumer(session.ConsumerAutomation).
		WithConversations(app.Conversations)

	// Outbound channels.
	sms, provider, reason := BuildSMSSender(cfg, logger)
	app.SMS, app.SMSProvider = sms, provider
	logger.Info("sms provider selected", "provider", provider, "reason", reason)

	app.Notify = notify.NewService(BuildEmailSender(cfg, awsCfg, logger), app.SiteStore, cfg.EscalationRecipients, logger)
	if cfg.NotifyTimezone != "" {
		loc, err := time.LoadLocation(cfg.NotifyTimezone)
		if err != nil {
			return fail(fmt.Errorf("bootstrap: NOTIFY_TIMEZONE: %w", err))
		}
		app.Notify.WithLocation(loc)
	}

	campaignStore := campaigns.NewPostgresStore(pool)

	// Reschedule workflow.
	app.Reschedule = reschedule.NewEngine(reschedule.NewPostgresStore(pool), sms, app.Appointments, reschedule.Config{
		DispatchCeiling:    cfg.RescheduleDispatchCeiling,
		RetryBaseDelay:     cfg.RescheduleRetryBaseDelay,
		ConversationWindow: cfg.RescheduleConversationWindow,
		MaxSlotsOffered:    cfg.RescheduleMaxSlotsOffered,
		SearchDays:         cfg.RescheduleSearchDays,
		CoordinatorEmail:   cfg.CoordinatorEmail,
	}, app.Metrics, logger).
		WithAuditor(audit).
		WithNotifier(app.Notify).
		WithOptOuts(campaignStore)
	if cfg.BatchArchiveBucket != "" {
		app.Reschedule.WithArchiver(archive.NewStore(s3.NewFromConfig(awsCfg), cfg.BatchArchiveBucket, logger))
	}

	// Campaigns.
	var quiet smscompliance.QuietHours
	if cfg.QuietHoursStart != "" || cfg.QuietHoursEnd != "" {
		quiet, err = smscompliance.ParseQuietHours(cfg.QuietHoursStart, cfg.QuietHoursEnd, cfg.QuietHoursTimezone)
		if err != nil {
			return fail(fmt.Errorf("bootstrap: quiet hours: %w", err))
		}
	}
	app.Throttle = campaigns.NewThrottle(app.Redis, 1, cfg.SMSMinInterval, logger)
	app.Campaigns = campaigns.NewEngine(campaignStore, sms, campaigns.Config{
		QuietHours:      quiet,
		SendConcurrency: cfg.CampaignSendConcurrency,
		SendBatchSize:   cfg.CampaignSendBatchSize,
		TestModeLimit:   cfg.CampaignTestModeLimit,
	}, app.Metrics, logger).
		WithThrottle(app.Throttle).
		WithAuditor(audit).
		WithConversations(app.Conversations)

	// Events.
	app.Outbox = events.NewOutboxStore(pool)
	app.Processed = events.NewProcessedStore(pool)
	publisher, closePublisher, err := BuildEventPublisher(ctx, cfg, awsCfg, logger)
	if err != nil {
		return fail(err)
	}
	app.Publisher = publisher
	app.closers = append(app.closers, closePublisher)

	return app, nil
}

// Deliverer drains the outbox into the configured publisher.
func (a *App) Deliverer() *events.Deliverer {
	return events.NewDeliverer(a.Outbox, a.Publisher, a.Logger).WithInterval(a.Config.OutboxPollInterval)
}

// Dispatcher sends first-contact reschedule messages.
func (a *App) Dispatcher() *reschedule.Dispatcher {
	return reschedule.NewDispatcher(a.Reschedule, a.Logger).
		WithBatchSize(a.Config.RescheduleDispatchBatchSize).
		WithInterval(a.Config.RescheduleDispatchInterval)
}

// Sweeper expires idle shared sessions.
func (a *App) Sweeper() *session.Sweeper {
	return session.NewSweeper(a.Sessions, a.Config.SessionSweepInterval, a.Logger)
}

// Close releases connections in reverse order of acquisition. Safe to call
// more than once.
func (a *App) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
