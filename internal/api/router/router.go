package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/trial-scheduling-engine/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/trial-scheduling-engine/internal/http/middleware"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

// Config holds router configuration. Nil handlers leave their routes
// unregistered.
type Config struct {
	Logger         *logging.Logger
	Health         *handlers.HealthHandler
	SMSWebhooks    *handlers.SMSWebhookHandler
	Session        *handlers.SessionHandler
	Matching       *handlers.MatchingHandler
	Prescreening   *handlers.PrescreeningHandler
	Appointments   *handlers.AppointmentsHandler
	Reschedule     *handlers.RescheduleHandler
	Campaigns      *handlers.CampaignsHandler
	MetricsHandler http.Handler

	CoordinatorJWTSecret  string
	AssistantServiceToken string
	CORSAllowedOrigins    []string
	// RateLimitPerMinute applies to the authenticated groups; zero disables it.
	RateLimitPerMinute int
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	limited := func(next http.Handler) http.Handler { return next }
	if cfg.RateLimitPerMinute > 0 {
		limited = httpmiddleware.RateLimit(cfg.RateLimitPerMinute, time.Minute)
	}

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		if cfg.Health != nil {
			public.Get("/health", cfg.Health.Live)
			public.Get("/ready", cfg.Health.Ready)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.SMSWebhooks != nil {
			public.Route("/webhooks/twilio", func(r chi.Router) {
				r.Post("/sms", cfg.SMSWebhooks.Inbound)
				r.Post("/status", cfg.SMSWebhooks.StatusCallback)
			})
		}
	})

	// Patient assistant (service token)
	r.Route("/assistant", func(a chi.Router) {
		a.Use(requireServiceToken(cfg.AssistantServiceToken))
		a.Use(limited)
		if cfg.Matching != nil {
			a.Get("/sites/resolve", cfg.Matching.ResolveSite)
			a.Get("/sites/cities", cfg.Matching.CityCodes)
			a.Get("/trials/search", cfg.Matching.SearchTrials)
		}
		if cfg.Prescreening != nil {
			a.Route("/prescreening/sessions", func(r chi.Router) {
				r.Post("/", cfg.Prescreening.Start)
				r.Get("/{sessionID}", cfg.Prescreening.Get)
				r.Post("/{sessionID}/answers", cfg.Prescreening.Answer)
				r.Post("/{sessionID}/abandon", cfg.Prescreening.Abandon)
			})
		}
		if cfg.Appointments != nil {
			a.Post("/appointments/patients", cfg.Appointments.EnsurePatient)
			a.Post("/appointments", cfg.Appointments.Book)
			a.Get("/sites/{siteID}/slots", cfg.Appointments.Slots)
		}
	})

	// Coordinator dashboard (JWT)
	r.Group(func(c chi.Router) {
		c.Use(httpmiddleware.CoordinatorJWT(cfg.CoordinatorJWTSecret))
		c.Use(limited)

		if cfg.Session != nil {
			c.Route("/session", func(r chi.Router) {
				r.Post("/sync", cfg.Session.Sync)
				r.Get("/status", cfg.Session.Status)
				r.Post("/invalidate", cfg.Session.Invalidate)
			})
		}
		if cfg.Matching != nil {
			c.Get("/sites/resolve", cfg.Matching.ResolveSite)
			c.Get("/trials/search", cfg.Matching.SearchTrials)
		}
		if cfg.Appointments != nil {
			c.With(requireSiteAccess).Get("/sites/{siteID}/slots", cfg.Appointments.Slots)
		}
		if cfg.Prescreening != nil {
			c.Route("/prescreening", func(r chi.Router) {
				r.Get("/answers/pending", cfg.Prescreening.PendingValidation)
				r.Post("/answers/{answerID}/validate", cfg.Prescreening.Validate)
				r.Get("/sessions/{sessionID}", cfg.Prescreening.Get)
			})
		}
		if cfg.Reschedule != nil {
			c.Route("/reschedule", func(r chi.Router) {
				r.Post("/batches", cfg.Reschedule.UploadBatch)
				r.Get("/batches/{batchID}", cfg.Reschedule.GetBatch)
				r.Post("/batches/{batchID}/cancel", cfg.Reschedule.CancelBatch)
				r.Post("/requests", cfg.Reschedule.CreateRequest)
				r.Get("/requests/{requestID}", cfg.Reschedule.GetRequest)
				r.Post("/requests/{requestID}/cancel", cfg.Reschedule.CancelRequest)
				r.Post("/requests/{requestID}/escalate", cfg.Reschedule.EscalateRequest)
				r.Post("/requests/{requestID}/fail", cfg.Reschedule.FailRequest)
			})
		}
		if cfg.Campaigns != nil {
			c.Route("/campaigns", func(r chi.Router) {
				r.Post("/", cfg.Campaigns.Create)
				r.Get("/", cfg.Campaigns.List)
				r.Route("/{campaignID}", func(r chi.Router) {
					r.Get("/", cfg.Campaigns.Get)
					r.Patch("/", cfg.Campaigns.Update)
					r.Delete("/", cfg.Campaigns.Delete)
					r.Post("/contacts", cfg.Campaigns.AddContacts)
					r.Get("/contacts", cfg.Campaigns.Contacts)
					r.Post("/trigger", cfg.Campaigns.Trigger)
					r.Post("/pause", cfg.Campaigns.Pause)
					r.Post("/resume", cfg.Campaigns.Resume)
					r.Post("/complete", cfg.Campaigns.Complete)
					r.Get("/stats", cfg.Campaigns.Stats)
				})
			})
		}
	})

	return r
}
