package bootstrap

import (
	appconfig "github.com/wolfman30/trial-scheduling-engine/internal/config"
	"github.com/wolfman30/trial-scheduling-engine/internal/messaging"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

// BuildSMSSender selects the outbound SMS provider, with failover when both
// are configured. Without credentials the logging stub is returned along with
// the reason.
func BuildSMSSender(cfg *appconfig.Config, logger *logging.Logger) (messaging.Sender, string, string) {
	if cfg == nil {
		return messaging.NewStubSender(logger), "stub", "missing config"
	}
	sender, provider, reason := messaging.BuildSender(messaging.ProviderSelectionConfig{
		Preference:       cfg.SMSProvider,
		TelnyxAPIKey:     cfg.TelnyxAPIKey,
		TelnyxProfileID:  cfg.TelnyxProfileID,
		TelnyxFromNumber: cfg.TelnyxFromNumber,
		TwilioAccountSID: cfg.TwilioAccountSID,
		TwilioAuthToken:  cfg.TwilioAuthToken,
		TwilioFromNumber: cfg.TwilioFromNumber,
	}, logger)
	if sender == nil {
		return messaging.NewStubSender(logger), "stub", reason
	}
	return sender, provider, reason
}

// WebhookAuthToken is the secret Twilio signs webhooks with.
func WebhookAuthToken(cfg *appconfig.Config) string {
	if cfg.TwilioWebhookSecret != "" {
		return cfg.TwilioWebhookSecret
	}
	return cfg.TwilioAuthToken
}
