package trials

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/trial-scheduling-engine/internal/observability/metrics"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

var tracer = otel.Tracer("trialsched.internal.trials")

// Options tunes ranking.
type Options struct {
	Combiner
	// MinScore drops matches scoring below it.
	MinScore float64
	Limit    int
}

// Matcher ranks trials.
type Matcher struct {
	store    Store
	embedder Embedder
	opts     Options
	metrics  *metrics.EngineMetrics
	logger   *logging.Logger
}

// NewMatcher builds a matcher. A nil embedder serves keyword-only results.
func NewMatcher(store Store, embedder Embedder, opts Options, m *metrics.EngineMetrics, logger *logging.Logger) *Matcher {
	if store == nil {
		panic("trials: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyWeighted
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	return &Matcher{store: store, embedder: embedder, opts: opts, metrics: m, logger: logger}
}

// Search ranks active trials for condition near location. Ties are broken
// by creation time, most recent first.
func (m *Matcher) Search(ctx context.Context, condition, location string) (Result, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return Result{}, errors.New("trials: condition is required")
	}
	ctx, span := tracer.Start(ctx, "trials.search")
	defer span.End()

	candidates, err := m.store.Active(ctx, strings.TrimSpace(location))
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("trials: load candidates: %w", err)
	}

	mode := ModeKeywordOnly
	var query []float32
	if m.embedder != nil {
		query, err = m.embedder.Embed(ctx, NormalizeCondition(condition))
		switch {
		case err != nil:
			m.logger.Warn("embedding unavailable, serving keyword results", "error", err)
			mode = ModeKeywordFallback
		case len(query) == 0:
			m.logger.Warn("embedding provider returned an empty vector, serving keyword results")
			mode = ModeKeywordFallback
		default:
			mode = ModeHybrid
		}
	}
	span.SetAttributes(attribute.String("trials.mode", string(mode)), attribute.Int("trials.candidates", len(candidates)))

	matches := make([]Match, 0, len(candidates))
	for _, t := range candidates {
		kw := KeywordScore(condition, t)
		score := kw
		var sem float64
		if mode == ModeHybrid {
			sem = Cosine(query, t.Embedding)
			score = m.opts.Combine(kw, sem)
		}
		if score <= 0 || score < m.opts.MinScore {
			continue
		}
		matches = append(matches, Match{
			TrialID:       t.ID,
			Name:          t.Name,
			StudyID:       t.StudyID,
			Score:         round4(score),
			KeywordScore:  round4(kw),
			SemanticScore: round4(sem),
			createdAt:     t.CreatedAt,
		})
	}
	sortMatches(matches)
	if len(matches) > m.opts.Limit {
		matches = matches[:m.opts.Limit]
	}

	m.metrics.ObserveSearch(string(mode))
	m.logger.Info("trial search served", "mode", mode, "candidates", len(candidates), "matches", len(matches))
	return Result{Mode: mode, Condition: NormalizeCondition(condition), Matches: matches}, nil
}

// BackfillEmbeddings embeds up to limit trials that have no vector yet and
// returns how many were stored.
func (m *Matcher) BackfillEmbeddings(ctx context.Context, limit int) (int, error) {
	if m.embedder == nil {
		return 0, nil
	}
	pending, err := m.store.MissingEmbeddings(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("trials: load trials without embeddings: %w", err)
	}
	stored := 0
	for _, t := range pending {
		vec, err := m.embedder.Embed(ctx, t.EmbeddingText())
		if err != nil {
			return stored, fmt.Errorf("trials: embed trial %d: %w", t.ID, err)
		}
		if err := m.store.SetEmbedding(ctx, t.ID, vec); err != nil {
			return stored, fmt.Errorf("trials: store embedding for %d: %w", t.ID, err)
		}
		stored++
	}
	if stored > 0 {
		m.logger.Info("trial embeddings backfilled", "count", stored)
	}
	return stored, nil
}

func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if !matches[i].createdAt.Equal(matches[j].createdAt) {
			return matches[i].createdAt.After(matches[j].createdAt)
		}
		return matches[i].TrialID > matches[j].TrialID
	})
}

func round4(f float64) float64 {
	return float64(int64(f*10000+0.5)) / 10000
}
