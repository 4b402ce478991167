package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/trial-scheduling-engine/internal/config"
	"github.com/wolfman30/trial-scheduling-engine/internal/events"
	"github.com/wolfman30/trial-scheduling-engine/internal/messaging"
	"github.com/wolfman30/trial-scheduling-engine/internal/notify"
	"github.com/wolfman30/trial-scheduling-engine/internal/trials"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

func testLogger() *logging.Logger { return logging.New("error") }

func TestBuildRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client := BuildRedisClient(ctx, &appconfig.Config{RedisAddr: mr.Addr()}, testLogger(), true)
	require.NotNil(t, client)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	assert.Nil(t, BuildRedisClient(ctx, &appconfig.Config{}, testLogger(), true))
	assert.Nil(t, BuildRedisClient(ctx, nil, testLogger(), true))
}

func TestBuildRedisClient_UnreachableWhenVerifying(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	assert.Nil(t, BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: addr}, testLogger(), true))
}

func TestBuildEmbedder(t *testing.T) {
	ctx := context.Background()

	t.Run("none is keyword only", func(t *testing.T) {
		e, closer, err := BuildEmbedder(ctx, &appconfig.Config{EmbeddingProvider: "none"}, aws.Config{}, nil, testLogger())
		require.NoError(t, err)
		assert.Nil(t, e)
		assert.NoError(t, closer())
	})

	t.Run("openai without key falls back", func(t *testing.T) {
		e, _, err := BuildEmbedder(ctx, &appconfig.Config{EmbeddingProvider: "openai"}, aws.Config{}, nil, testLogger())
		require.NoError(t, err)
		assert.Nil(t, e)
	})

	t.Run("openai", func(t *testing.T) {
		e, _, err := BuildEmbedder(ctx, &appconfig.Config{EmbeddingProvider: "openai", OpenAIAPIKey: "sk-test"}, aws.Config{}, nil, testLogger())
		require.NoError(t, err)
		assert.IsType(t, &trials.OpenAIEmbedder{}, e)
	})

	t.Run("bedrock cached when redis present", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := BuildRedisClient(ctx, &appconfig.Config{RedisAddr: mr.Addr()}, testLogger(), false)
		t.Cleanup(func() { _ = client.Close() })

		e, _, err := BuildEmbedder(ctx, &appconfig.Config{EmbeddingProvider: "bedrock"}, aws.Config{Region: "us-east-1"}, client, testLogger())
		require.NoError(t, err)
		assert.IsType(t, &trials.CachedEmbedder{}, e)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, closer, err := BuildEmbedder(ctx, &appconfig.Config{EmbeddingProvider: "word2vec"}, aws.Config{}, nil, testLogger())
		require.Error(t, err)
		assert.NotNil(t, closer)
	})
}

func TestBuildEventPublisher(t *testing.T) {
	ctx := context.Background()

	h, closer, err := BuildEventPublisher(ctx, &appconfig.Config{EventTransport: "log"}, aws.Config{}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &events.LogPublisher{}, h)
	closer()

	h, _, err = BuildEventPublisher(ctx, &appconfig.Config{EventTransport: "sqs", EventQueueURL: "https://sqs.us-east-1.amazonaws.com/1/outbox"}, aws.Config{Region: "us-east-1"}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &events.SQSPublisher{}, h)

	h, closer, err = BuildEventPublisher(ctx, &appconfig.Config{EventTransport: "kafka", KafkaBrokers: []string{"localhost:9092"}, KafkaTopic: "trialsched"}, aws.Config{}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &events.KafkaPublisher{}, h)
	closer()

	for _, cfg := range []*appconfig.Config{
		{EventTransport: "sqs"},
		{EventTransport: "kafka"},
		{EventTransport: "amqp"},
		{EventTransport: "carrier-pigeon"},
	} {
		_, _, err := BuildEventPublisher(ctx, cfg, aws.Config{}, testLogger())
		assert.Error(t, err, cfg.EventTransport)
	}
}

func TestBuildEmailSender(t *testing.T) {
	assert.IsType(t, &notify.StubEmailSender{}, BuildEmailSender(&appconfig.Config{EmailProvider: "stub"}, aws.Config{}, testLogger()))
	assert.IsType(t, &notify.StubEmailSender{}, BuildEmailSender(&appconfig.Config{EmailProvider: "sendgrid"}, aws.Config{}, testLogger()))
	assert.IsType(t, &notify.SendGridSender{}, BuildEmailSender(&appconfig.Config{
		EmailProvider:     "sendgrid",
		SendGridAPIKey:    "SG.test",
		SendGridFromEmail: "noreply@example.org",
	}, aws.Config{}, testLogger()))
	assert.IsType(t, &notify.SESSender{}, BuildEmailSender(&appconfig.Config{
		EmailProvider: "ses",
		SESFromEmail:  "noreply@example.org",
	}, aws.Config{Region: "us-east-1"}, testLogger()))
}

func TestBuildSMSSender(t *testing.T) {
	sender, provider, reason := BuildSMSSender(&appconfig.Config{}, testLogger())
	assert.IsType(t, &messaging.StubSender{}, sender)
	assert.Equal(t, "stub", provider)
	assert.NotEmpty(t, reason)

	sender, provider, _ = BuildSMSSender(&appconfig.Config{
		TwilioAccountSID: "AC123",
		TwilioAuthToken:  "secret",
		TwilioFromNumber: "+15550000000",
	}, testLogger())
	assert.IsType(t, &messaging.TwilioSender{}, sender)
	assert.Equal(t, messaging.SMSProviderTwilio, provider)
}

func TestWebhookAuthToken(t *testing.T) {
	assert.Equal(t, "auth", WebhookAuthToken(&appconfig.Config{TwilioAuthToken: "auth"}))
	assert.Equal(t, "hook", WebhookAuthToken(&appconfig.Config{TwilioAuthToken: "auth", TwilioWebhookSecret: "hook"}))
}

func TestAppCloseIsIdempotent(t *testing.T) {
	calls := 0
	app := &App{closers: []func(){func() { calls++ }}}
	app.Close()
	app.Close()
	assert.Equal(t, 1, calls)

	var nilApp *App
	nilApp.Close()
}
