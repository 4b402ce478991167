package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Remote scheduling system (CRIO proxy)
	CRIOBaseURL      string
	CRIOClientID     string
	CRIOEnvironment  string
	CRIOTimeout      time.Duration
	CRIOMaxRetries   int
	CRIORetryWait    time.Duration
	CRIORetryMaxWait time.Duration
	CRIOCapacityUser string
	CoordinatorEmail string

	// Shared session
	SchedulingSessionTTL time.Duration
	SessionSweepInterval time.Duration

	// Conversations
	ConversationIdleTimeout   time.Duration
	ConversationSweepInterval time.Duration

	// Prescreening
	PrescreenConfidenceThreshold float64

	// Trial matching
	MatchStrategy         string
	MatchKeywordWeight    float64
	MatchSemanticWeight   float64
	MatchMinScore         float64
	EmbeddingProvider     string
	EmbeddingModel        string
	EmbeddingCacheTTL     time.Duration
	OpenAIAPIKey          string
	GeminiAPIKey          string
	BedrockEmbeddingModel string
	SiteMappingCacheTTL   time.Duration

	// Reschedule workflow
	RescheduleDispatchCeiling    int
	RescheduleRetryBaseDelay     time.Duration
	RescheduleDispatchInterval   time.Duration
	RescheduleDispatchBatchSize  int
	RescheduleConversationWindow time.Duration
	RescheduleMaxSlotsOffered    int
	RescheduleSearchDays         int
	BatchArchiveBucket           string

	// SMS
	TwilioAccountSID    string
	TwilioAuthToken     string
	TwilioFromNumber    string
	TwilioWebhookSecret string
	TelnyxAPIKey        string
	TelnyxProfileID     string
	TelnyxFromNumber    string
	SMSProvider         string
	SMSMinInterval      time.Duration
	QuietHoursStart     string
	QuietHoursEnd       string
	QuietHoursTimezone  string

	// Campaigns
	CampaignSendConcurrency int
	CampaignSendBatchSize   int
	CampaignTestModeLimit   int

	// Email
	EmailProvider     string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
	// EscalationRecipients receive coordinator mail for sites without a
	// coordinator email of their own.
	EscalationRecipients []string
	NotifyTimezone       string

	// Events
	EventTransport     string
	EventQueueURL      string
	NATSURL            string
	NATSSubjectPrefix  string
	KafkaBrokers       []string
	KafkaTopic         string
	AMQPURL            string
	AMQPExchange       string
	OutboxPollInterval time.Duration

	// HTTP
	CoordinatorJWTSecret  string
	AssistantServiceToken string
	CORSAllowedOrigins    []string
	RateLimitPerMinute    int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		CRIOBaseURL:      getEnv("CRIO_BASE_URL", ""),
		CRIOClientID:     getEnv("CRIO_CLIENT_ID", ""),
		CRIOEnvironment:  getEnv("CRIO_ENVIRONMENT", "production"),
		CRIOTimeout:      getEnvAsDuration("CRIO_TIMEOUT", 30*time.Second),
		CRIOMaxRetries:   getEnvAsInt("CRIO_MAX_RETRIES", 3),
		CRIORetryWait:    getEnvAsDuration("CRIO_RETRY_WAIT", 500*time.Millisecond),
		CRIORetryMaxWait: getEnvAsDuration("CRIO_RETRY_MAX_WAIT", 5*time.Second),
		CRIOCapacityUser: getEnv("CRIO_CAPACITY_USER_ID", ""),
		CoordinatorEmail: getEnv("COORDINATOR_EMAIL", ""),

		SchedulingSessionTTL: getEnvAsDuration("SCHEDULING_SESSION_TTL", 8*time.Hour),
		SessionSweepInterval: getEnvAsDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),

		ConversationIdleTimeout:   getEnvAsDuration("CONVERSATION_IDLE_TIMEOUT", 24*time.Hour),
		ConversationSweepInterval: getEnvAsDuration("CONVERSATION_SWEEP_INTERVAL", 15*time.Minute),

		PrescreenConfidenceThreshold: getEnvAsFloat("PRESCREEN_CONFIDENCE_THRESHOLD", 0.8),

		MatchStrategy:         strings.ToLower(strings.TrimSpace(getEnv("MATCH_STRATEGY", "weighted"))),
		MatchKeywordWeight:    getEnvAsFloat("MATCH_KEYWORD_WEIGHT", 0.4),
		MatchSemanticWeight:   getEnvAsFloat("MATCH_SEMANTIC_WEIGHT", 0.6),
		MatchMinScore:         getEnvAsFloat("MATCH_MIN_SCORE", 0.1),
		EmbeddingProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMBEDDING_PROVIDER", "none"))),
		EmbeddingModel:        getEnv("EMBEDDING_MODEL", ""),
		EmbeddingCacheTTL:     getEnvAsDuration("EMBEDDING_CACHE_TTL", 24*time.Hour),
		OpenAIAPIKey:          getEnv("OPENAI_API_KEY", ""),
		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		BedrockEmbeddingModel: getEnv("BEDROCK_EMBEDDING_MODEL_ID", ""),
		SiteMappingCacheTTL:   getEnvAsDuration("SITE_MAPPING_CACHE_TTL", 5*time.Minute),

		RescheduleDispatchCeiling:    getEnvAsInt("RESCHEDULE_DISPATCH_CEILING", 3),
		RescheduleRetryBaseDelay:     getEnvAsDuration("RESCHEDULE_RETRY_BASE_DELAY", time.Minute),
		RescheduleDispatchInterval:   getEnvAsDuration("RESCHEDULE_DISPATCH_INTERVAL", 30*time.Second),
		RescheduleDispatchBatchSize:  getEnvAsInt("RESCHEDULE_DISPATCH_BATCH_SIZE", 25),
		RescheduleConversationWindow: getEnvAsDuration("RESCHEDULE_CONVERSATION_WINDOW", 72*time.Hour),
		RescheduleMaxSlotsOffered:    getEnvAsInt("RESCHEDULE_MAX_SLOTS_OFFERED", 3),
		RescheduleSearchDays:         getEnvAsInt("RESCHEDULE_SEARCH_DAYS", 14),
		BatchArchiveBucket:           getEnv("BATCH_ARCHIVE_BUCKET", ""),

		TwilioAccountSID:    getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:     getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:    getEnv("TWILIO_FROM_NUMBER", ""),
		TwilioWebhookSecret: getEnv("TWILIO_WEBHOOK_SECRET", ""),
		TelnyxAPIKey:        getEnv("TELNYX_API_KEY", ""),
		TelnyxProfileID:     getEnv("TELNYX_MESSAGING_PROFILE_ID", ""),
		TelnyxFromNumber:    getEnv("TELNYX_FROM_NUMBER", ""),
		SMSProvider:         strings.ToLower(strings.TrimSpace(getEnv("SMS_PROVIDER", "auto"))),
		SMSMinInterval:      getEnvAsDuration("SMS_MIN_INTERVAL", 30*time.Second),
		QuietHoursStart:     getEnv("QUIET_HOURS_START", ""),
		QuietHoursEnd:       getEnv("QUIET_HOURS_END", ""),
		QuietHoursTimezone:  getEnv("QUIET_HOURS_TZ", "America/Chicago"),

		CampaignSendConcurrency: getEnvAsInt("CAMPAIGN_SEND_CONCURRENCY", 4),
		CampaignSendBatchSize:   getEnvAsInt("CAMPAIGN_SEND_BATCH_SIZE", 500),
		CampaignTestModeLimit:   getEnvAsInt("CAMPAIGN_TEST_MODE_LIMIT", 5),

		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "stub"))),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Trial Scheduling"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),

		EscalationRecipients: getEnvAsList("ESCALATION_RECIPIENTS", nil),
		NotifyTimezone:       getEnv("NOTIFY_TZ", "America/Chicago"),

		EventTransport:     strings.ToLower(strings.TrimSpace(getEnv("EVENT_TRANSPORT", "log"))),
		EventQueueURL:      getEnv("EVENT_QUEUE_URL", ""),
		NATSURL:            getEnv("NATS_URL", ""),
		NATSSubjectPrefix:  getEnv("NATS_SUBJECT_PREFIX", "trialsched"),
		KafkaBrokers:       getEnvAsList("KAFKA_BROKERS", nil),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "trialsched.events"),
		AMQPURL:            getEnv("AMQP_URL", ""),
		AMQPExchange:       getEnv("AMQP_EXCHANGE", "trialsched.events"),
		OutboxPollInterval: getEnvAsDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),

		CoordinatorJWTSecret:  getEnv("COORDINATOR_JWT_SECRET", ""),
		AssistantServiceToken: getEnv("ASSISTANT_SERVICE_TOKEN", ""),
		CORSAllowedOrigins:    getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimitPerMinute:    getEnvAsInt("RATE_LIMIT_PER_MINUTE", 120),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated variable, dropping empty entries.
func getEnvAsList(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
