package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("SCHEDULING_SESSION_TTL", "")
	t.Setenv("PRESCREEN_CONFIDENCE_THRESHOLD", "")
	t.Setenv("RESCHEDULE_DISPATCH_CEILING", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.SchedulingSessionTTL != 8*time.Hour {
		t.Fatalf("expected 8h session window, got %s", cfg.SchedulingSessionTTL)
	}
	if cfg.ConversationIdleTimeout != 24*time.Hour {
		t.Fatalf("expected 24h conversation idle timeout, got %s", cfg.ConversationIdleTimeout)
	}
	if cfg.PrescreenConfidenceThreshold != 0.8 {
		t.Fatalf("expected default threshold 0.8, got %v", cfg.PrescreenConfidenceThreshold)
	}
	if cfg.RescheduleDispatchCeiling != 3 {
		t.Fatalf("expected dispatch ceiling 3, got %d", cfg.RescheduleDispatchCeiling)
	}
	if cfg.MatchStrategy != "weighted" {
		t.Fatalf("expected weighted strategy, got %s", cfg.MatchStrategy)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "*" {
		t.Fatalf("expected wildcard cors default, got %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("SCHEDULING_SESSION_TTL", "4h")
	t.Setenv("PRESCREEN_CONFIDENCE_THRESHOLD", "0.65")
	t.Setenv("MATCH_STRATEGY", " MAX ")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("RESCHEDULE_DISPATCH_CEILING", "5")
	t.Setenv("EVENT_TRANSPORT", "NATS")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("expected db override, got %s", cfg.DatabaseURL)
	}
	if cfg.SchedulingSessionTTL != 4*time.Hour {
		t.Fatalf("expected 4h ttl, got %s", cfg.SchedulingSessionTTL)
	}
	if cfg.PrescreenConfidenceThreshold != 0.65 {
		t.Fatalf("expected threshold override, got %v", cfg.PrescreenConfidenceThreshold)
	}
	if cfg.MatchStrategy != "max" {
		t.Fatalf("expected normalized strategy, got %q", cfg.MatchStrategy)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.RescheduleDispatchCeiling != 5 {
		t.Fatalf("expected ceiling override, got %d", cfg.RescheduleDispatchCeiling)
	}
	if cfg.EventTransport != "nats" {
		t.Fatalf("expected lowercase transport, got %s", cfg.EventTransport)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("CRIO_MAX_RETRIES", "many")
	t.Setenv("CRIO_TIMEOUT", "soon")
	t.Setenv("MATCH_KEYWORD_WEIGHT", "heavy")
	cfg := Load()
	if cfg.CRIOMaxRetries != 3 {
		t.Fatalf("expected fallback retries, got %d", cfg.CRIOMaxRetries)
	}
	if cfg.CRIOTimeout != 30*time.Second {
		t.Fatalf("expected fallback timeout, got %s", cfg.CRIOTimeout)
	}
	if cfg.MatchKeywordWeight != 0.4 {
		t.Fatalf("expected fallback weight, got %v", cfg.MatchKeywordWeight)
	}
}
