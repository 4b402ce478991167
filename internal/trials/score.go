package trials

import (
	"math"
	"regexp"
	"strings"
)

var tokenSplit = regexp.MustCompile(`[^a-z0-9']+`)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "the": {}, "of": {}, "in": {}, "with": {}, "for": {}, "or": {}, "to": {}, "my": {}, "i": {}, "have": {},
}

func tokens(s string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, t := range tokenSplit.Split(strings.ToLower(s), -1) {
		if len(t) < 2 {
			continue
		}
		if _, stop := stopwords[t]; stop {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// KeywordScore rates how well the trial text covers condition, in [0, 1].
// A whole-phrase hit in the conditions or keywords counts most, then per-word
// coverage, then hits in the description.
func KeywordScore(condition string, t Trial) float64 {
	phrase := NormalizeCondition(condition)
	if phrase == "" {
		return 0
	}
	words := tokens(phrase)
	if len(words) == 0 {
		return 0
	}
	primary := strings.ToLower(strings.Join(append(append([]string{}, t.Conditions...), t.Keywords...), " | "))
	primaryTokens := toSet(tokens(primary))
	descTokens := toSet(tokens(t.Description + " " + t.Name))

	var score float64
	if containsPhrase(primary, phrase) {
		score += 0.6
	}
	hits := 0
	for _, w := range words {
		if _, ok := primaryTokens[w]; ok {
			hits++
		}
	}
	score += 0.3 * float64(hits) / float64(len(words))

	if containsPhrase(strings.ToLower(t.Description+" "+t.Name), phrase) {
		score += 0.1
	} else {
		descHits := 0
		for _, w := range words {
			if _, ok := descTokens[w]; ok {
				descHits++
			}
		}
		score += 0.05 * float64(descHits) / float64(len(words))
	}
	return math.Min(score, 1)
}

func containsPhrase(haystack, phrase string) bool {
	pad := " " + strings.Join(tokenSplit.Split(haystack, -1), " ") + " "
	needle := " " + strings.Join(tokenSplit.Split(phrase, -1), " ") + " "
	return strings.Contains(pad, needle)
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, i := range items {
		out[i] = struct{}{}
	}
	return out
}

// Cosine returns the cosine similarity of a and b, clamped to [0, 1]. Vectors
// of different length or zero norm score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return math.Max(0, math.Min(1, dot/(math.Sqrt(normA)*math.Sqrt(normB))))
}

// Combiner merges the two scores.
type Combiner struct {
	Strategy       Strategy
	KeywordWeight  float64
	SemanticWeight float64
}

// Combine applies the strategy. Weighted sums are normalized by the total
// weight so the result stays in [0, 1].
func (c Combiner) Combine(keyword, semantic float64) float64 {
	if c.Strategy == StrategyMax {
		return math.Max(keyword, semantic)
	}
	total := c.KeywordWeight + c.SemanticWeight
	if total <= 0 {
		return (keyword + semantic) / 2
	}
	return (keyword*c.KeywordWeight + semantic*c.SemanticWeight) / total
}
