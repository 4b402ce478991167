// Package trials ranks active trials for a condition and location.
//
// Keyword overlap and embedding cosine similarity are scored independently
// and combined by a configurable strategy. When no embedding provider is
// configured, or it fails, the keyword score is served alone and the
// result says so.
package trials

import (
	"context"
	"strings"
	"time"
)

// Mode reports how a search was served.
type Mode string

const (
	ModeHybrid          Mode = "hybrid"
	ModeKeywordFallback Mode = "keyword_fallback"
	ModeKeywordOnly     Mode = "keyword_only"
)

// Strategy combines keyword and semantic scores.
type Strategy string

const (
	StrategyWeighted Strategy = "weighted"
	StrategyMax      Strategy = "max"
)

// Trial is a trials row.
type Trial struct {
	ID          int64     `json:"id"`
	ExternalID  string    `json:"external_id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Conditions  []string  `json:"conditions"`
	Keywords    []string  `json:"keywords,omitempty"`
	Locations   []string  `json:"locations,omitempty"`
	StudyID     string    `json:"study_id,omitempty"`
	Embedding   []float32 `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// EmbeddingText is what gets embedded for a trial.
func (t Trial) EmbeddingText() string {
	parts := []string{t.Name, strings.Join(t.Conditions, ", ")}
	if len(t.Keywords) > 0 {
		parts = append(parts, strings.Join(t.Keywords, ", "))
	}
	if t.Description != "" {
		parts = append(parts, t.Description)
	}
	return strings.Join(parts, "\n")
}

// Match is one ranked trial.
type Match struct {
	TrialID       int64   `json:"trial_id"`
	Name          string  `json:"name"`
	StudyID       string  `json:"study_id,omitempty"`
	Score         float64 `json:"score"`
	KeywordScore  float64 `json:"keyword_score"`
	SemanticScore float64 `json:"semantic_score"`
	createdAt     time.Time
}

// Result is the ranked list plus the mode that produced it.
type Result struct {
	Mode      Mode    `json:"mode"`
	Condition string  `json:"condition"`
	Matches   []Match `json:"matches"`
}

// Store loads candidate trials.
type Store interface {
	// Active returns active trials, restricted to location when non-empty.
	Active(ctx context.Context, location string) ([]Trial, error)
	MissingEmbeddings(ctx context.Context, limit int) ([]Trial, error)
	SetEmbedding(ctx context.Context, trialID int64, vec []float32) error
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

var conditionAliases = map[string]string{
	"hs":           "hidradenitis suppurativa",
	"hidradenitis": "hidradenitis suppurativa",
	"ad":           "atopic dermatitis",
	"atopic":       "atopic dermatitis",
	"eczema":       "atopic dermatitis",
	"pso":          "psoriasis",
	"psa":          "psoriatic arthritis",
	"t2d":          "type 2 diabetes",
	"t2dm":         "type 2 diabetes",
	"type 2":       "type 2 diabetes",
	"dm":           "diabetes",
	"copd":         "chronic obstructive pulmonary disease",
	"rsv":          "respiratory syncytial virus",
	"mdd":          "major depressive disorder",
	"gad":          "generalized anxiety disorder",
	"ms":           "multiple sclerosis",
	"alzheimers":   "alzheimer's disease",
	"parkinsons":   "parkinson's disease",
	"hf":           "heart failure",
	"chf":          "congestive heart failure",
	"afib":         "atrial fibrillation",
	"a-fib":        "atrial fibrillation",
	"ra":           "rheumatoid arthritis",
	"sle":          "systemic lupus erythematosus",
	"lupus":        "systemic lupus erythematosus",
	"ibd":          "inflammatory bowel disease",
	"uc":           "ulcerative colitis",
	"crohns":       "crohn's disease",
	"csu":          "chronic spontaneous urticaria",
	"hives":        "urticaria",
	"covid":        "covid-19",
	"coronavirus":  "covid-19",
}

var singulars = map[string]string{
	"migraines": "migraine",
	"headaches": "headache",
	"allergies": "allergy",
	"cancers":   "cancer",
}

// NormalizeCondition expands common abbreviations and plural forms.
func NormalizeCondition(condition string) string {
	n := strings.Join(strings.Fields(strings.ToLower(condition)), " ")
	if full, ok := conditionAliases[n]; ok {
		return full
	}
	if s, ok := singulars[n]; ok {
		return s
	}
	return n
}
