package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"

	appconfig "github.com/wolfman30/trial-scheduling-engine/internal/config"
	"github.com/wolfman30/trial-scheduling-engine/internal/trials"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

// BuildEmbedder selects the semantic embedding provider for trial matching.
// A nil embedder (provider "none" or missing credentials) leaves matching
// keyword-only. The returned closer is never nil.
func BuildEmbedder(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, redisClient *redis.Client, logger *logging.Logger) (trials.Embedder, func() error, error) {
	noop := func() error { return nil }
	if cfg == nil {
		return nil, noop, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	var (
		embedder trials.Embedder
		closer   = noop
	)
	switch provider := strings.ToLower(strings.TrimSpace(cfg.EmbeddingProvider)); provider {
	case "", "none":
		logger.Info("semantic trial matching disabled")
		return nil, noop, nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Warn("openai embeddings selected without OPENAI_API_KEY; matching is keyword-only")
			return nil, noop, nil
		}
		model := cfg.EmbeddingModel
		if model == "" {
			model = string(openai.SmallEmbedding3)
		}
		embedder = trials.NewOpenAIEmbedder(openai.NewClient(cfg.OpenAIAPIKey), model)
	case "gemini":
		g, err := trials.NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel)
		if err != nil {
			return nil, noop, fmt.Errorf("bootstrap: gemini embedder: %w", err)
		}
		embedder, closer = g, g.Close
	case "bedrock":
		model := cfg.BedrockEmbeddingModel
		if model == "" {
			model = cfg.EmbeddingModel
		}
		embedder = trials.NewBedrockEmbedder(bedrockruntime.NewFromConfig(awsCfg), model)
	default:
		return nil, noop, fmt.Errorf("bootstrap: unknown EMBEDDING_PROVIDER %q", provider)
	}

	if redisClient != nil {
		embedder = trials.NewCachedEmbedder(embedder, redisClient, cfg.EmbeddingProvider, cfg.EmbeddingCacheTTL, logger)
	}
	logger.Info("semantic trial matching enabled", "provider", cfg.EmbeddingProvider, "cached", redisClient != nil)
	return embedder, closer, nil
}

// matchOptions maps config onto the matcher's scoring options.
func matchOptions(cfg *appconfig.Config) trials.Options {
	return trials.Options{
		Combiner: trials.Combiner{
			Strategy:       trials.Strategy(cfg.MatchStrategy),
			KeywordWeight:  cfg.MatchKeywordWeight,
			SemanticWeight: cfg.MatchSemanticWeight,
		},
		MinScore: cfg.MatchMinScore,
	}
}
