package trials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/trial-scheduling-engine/internal/observability/metrics"
)

type memoryStore struct {
	trials   []Trial
	stored   map[int64][]float32
	location string
}

func (s *memoryStore) Active(_ context.Context, location string) ([]Trial, error) {
	s.location = location
	return s.trials, nil
}

func (s *memoryStore) MissingEmbeddings(_ context.Context, limit int) ([]Trial, error) {
	var out []Trial
	for _, t := range s.trials {
		if t.Embedding == nil && len(out) < limit {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memoryStore) SetEmbedding(_ context.Context, id int64, vec []float32) error {
	if s.stored == nil {
		s.stored = map[int64][]float32{}
	}
	s.stored[id] = vec
	return nil
}

type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vectors[text], nil
}

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func sampleTrials() []Trial {
	return []Trial{
		{ID: 1, Name: "AD Study", Conditions: []string{"atopic dermatitis"}, Embedding: []float32{0, 1}, CreatedAt: t0},
		{ID: 2, Name: "Skin Study", Conditions: []string{"psoriasis"}, Keywords: []string{"dermatitis"}, Embedding: []float32{1, 0}, CreatedAt: t0.Add(time.Hour)},
		{ID: 3, Name: "Breathe", Conditions: []string{"asthma"}, Embedding: []float32{0.5, 0.5}, CreatedAt: t0},
	}
}

func weighted() Options {
	return Options{Combiner: Combiner{Strategy: StrategyWeighted, KeywordWeight: 0.4, SemanticWeight: 0.6}}
}

func TestSearchKeywordOnlyWithoutEmbedder(t *testing.T) {
	store := &memoryStore{trials: sampleTrials()}
	res, err := NewMatcher(store, nil, weighted(), nil, nil).Search(context.Background(), "eczema", "Tulsa")
	require.NoError(t, err)

	assert.Equal(t, ModeKeywordOnly, res.Mode)
	assert.Equal(t, "atopic dermatitis", res.Condition)
	assert.Equal(t, "Tulsa", store.location)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, int64(1), res.Matches[0].TrialID)
	assert.InDelta(t, 0.9, res.Matches[0].Score, 1e-9)
	assert.Equal(t, int64(2), res.Matches[1].TrialID)
	assert.InDelta(t, 0.15, res.Matches[1].Score, 1e-9)
}

func TestSearchHybridCombinesScores(t *testing.T) {
	store := &memoryStore{trials: sampleTrials()}
	emb := &fakeEmbedder{vectors: map[string][]float32{"atopic dermatitis": {1, 0}}}
	res, err := NewMatcher(store, emb, weighted(), nil, nil).Search(context.Background(), "eczema", "")
	require.NoError(t, err)

	assert.Equal(t, ModeHybrid, res.Mode)
	require.Len(t, res.Matches, 3)
	assert.Equal(t, int64(2), res.Matches[0].TrialID)
	assert.InDelta(t, 0.66, res.Matches[0].Score, 1e-9)
	assert.InDelta(t, 1.0, res.Matches[0].SemanticScore, 1e-9)
	// asthma only scores through the embedding
	assert.Equal(t, int64(3), res.Matches[1].TrialID)
	assert.Equal(t, int64(1), res.Matches[2].TrialID)
	assert.InDelta(t, 0.36, res.Matches[2].Score, 1e-9)
}

func TestSearchMaxStrategy(t *testing.T) {
	store := &memoryStore{trials: sampleTrials()[:2]}
	emb := &fakeEmbedder{vectors: map[string][]float32{"atopic dermatitis": {1, 0}}}
	opts := Options{Combiner: Combiner{Strategy: StrategyMax}}
	res, err := NewMatcher(store, emb, opts, nil, nil).Search(context.Background(), "eczema", "")
	require.NoError(t, err)
	require.Len(t, res.Matches, 2)
	assert.InDelta(t, 1.0, res.Matches[0].Score, 1e-9)
	assert.InDelta(t, 0.9, res.Matches[1].Score, 1e-9)
}

func TestSearchFallsBackWhenProviderFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewEngineMetrics(reg)
	store := &memoryStore{trials: sampleTrials()}
	emb := &fakeEmbedder{err: errors.New("provider down")}

	res, err := NewMatcher(store, emb, weighted(), m, nil).Search(context.Background(), "eczema", "")
	require.NoError(t, err)
	assert.Equal(t, ModeKeywordFallback, res.Mode)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, int64(1), res.Matches[0].TrialID)
	assert.Zero(t, res.Matches[0].SemanticScore)

	count, err := testutil.GatherAndCount(reg, "trialsched_trials_search_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSearchTiesPreferNewest(t *testing.T) {
	store := &memoryStore{trials: []Trial{
		{ID: 10, Name: "Old", Conditions: []string{"migraine"}, CreatedAt: t0},
		{ID: 11, Name: "New", Conditions: []string{"migraine"}, CreatedAt: t0.Add(48 * time.Hour)},
		{ID: 12, Name: "Mid", Conditions: []string{"migraine"}, CreatedAt: t0.Add(24 * time.Hour)},
	}}
	res, err := NewMatcher(store, nil, weighted(), nil, nil).Search(context.Background(), "Migraines", "")
	require.NoError(t, err)
	require.Len(t, res.Matches, 3)
	assert.Equal(t, []int64{11, 12, 10}, []int64{res.Matches[0].TrialID, res.Matches[1].TrialID, res.Matches[2].TrialID})
}

func TestSearchMinScoreAndLimit(t *testing.T) {
	store := &memoryStore{trials: sampleTrials()}
	opts := weighted()
	opts.MinScore = 0.2
	res, err := NewMatcher(store, nil, opts, nil, nil).Search(context.Background(), "eczema", "")
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)

	opts = weighted()
	opts.Limit = 1
	res, err = NewMatcher(store, nil, opts, nil, nil).Search(context.Background(), "eczema", "")
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, int64(1), res.Matches[0].TrialID)
}

func TestSearchRequiresCondition(t *testing.T) {
	_, err := NewMatcher(&memoryStore{}, nil, weighted(), nil, nil).Search(context.Background(), "  ", "")
	assert.Error(t, err)
}

func TestBackfillEmbeddings(t *testing.T) {
	trials := sampleTrials()
	trials[0].Embedding = nil
	store := &memoryStore{trials: trials}
	emb := &fakeEmbedder{vectors: map[string][]float32{trials[0].EmbeddingText(): {0.1, 0.2}}}

	n, err := NewMatcher(store, emb, weighted(), nil, nil).BackfillEmbeddings(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []float32{0.1, 0.2}, store.stored[1])

	n, err = NewMatcher(store, nil, weighted(), nil, nil).BackfillEmbeddings(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestKeywordScoreAndCosine(t *testing.T) {
	assert.Zero(t, KeywordScore("asthma", Trial{Conditions: []string{"psoriasis"}}))
	assert.InDelta(t, 0.9, KeywordScore("Crohns", Trial{Conditions: []string{"Crohn's Disease"}}), 1e-9)
	assert.InDelta(t, 1.0, KeywordScore("asthma", Trial{Name: "Asthma relief", Conditions: []string{"asthma"}}), 1e-9)

	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-6)
	assert.Zero(t, Cosine([]float32{1, 0}, []float32{0, 1}))
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, Cosine([]float32{-1, 0}, []float32{1, 0}))
}

func TestCombinerNormalizesWeights(t *testing.T) {
	c := Combiner{Strategy: StrategyWeighted, KeywordWeight: 2, SemanticWeight: 2}
	assert.InDelta(t, 0.5, c.Combine(1, 0), 1e-9)
	assert.InDelta(t, 0.5, Combiner{}.Combine(0, 1), 1e-9)
}

func TestNormalizeCondition(t *testing.T) {
	assert.Equal(t, "type 2 diabetes", NormalizeCondition("  T2D "))
	assert.Equal(t, "migraine", NormalizeCondition("migraines"))
	assert.Equal(t, "asthma", NormalizeCondition("Asthma"))
}
