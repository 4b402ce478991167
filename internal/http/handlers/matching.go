package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/wolfman30/trial-scheduling-engine/internal/sites"
	"github.com/wolfman30/trial-scheduling-engine/internal/trials"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

type siteResolver interface {
	Resolve(ctx context.Context, locationText, specialty string) (sites.Mapping, error)
	ResolveForCondition(ctx context.Context, locationText, condition string) (sites.Mapping, error)
	CityCodes(ctx context.Context) ([]string, error)
}

type trialSearcher interface {
	Search(ctx context.Context, condition, location string) (trials.Result, error)
}

// MatchingHandler answers "where" and "which trial" questions for the
// patient-facing assistant.
type MatchingHandler struct {
	sites  siteResolver
	trials trialSearcher
	logger *logging.Logger
}

func NewMatchingHandler(resolver siteResolver, searcher trialSearcher, logger *logging.Logger) *MatchingHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &MatchingHandler{sites: resolver, trials: searcher, logger: logger}
}

// ResolveSite handles GET /sites/resolve?location=&specialty=&condition=.
func (h *MatchingHandler) ResolveSite(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	location := strings.TrimSpace(q.Get("location"))
	if location == "" {
		badRequest(w, "location is required")
		return
	}
	var (
		site sites.Mapping
		err  error
	)
	if condition := strings.TrimSpace(q.Get("condition")); condition != "" {
		site, err = h.sites.ResolveForCondition(r.Context(), location, condition)
	} else {
		site, err = h.sites.Resolve(r.Context(), location, strings.TrimSpace(q.Get("specialty")))
	}
	if err != nil {
		writeError(w, h.logger, "site resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

// CityCodes handles GET /sites/cities.
func (h *MatchingHandler) CityCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.sites.CityCodes(r.Context())
	if err != nil {
		writeError(w, h.logger, "city codes", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"city_codes": codes})
}

// SearchTrials handles GET /trials/search?condition=&location=.
func (h *MatchingHandler) SearchTrials(w http.ResponseWriter, r *http.Request) {
	condition := strings.TrimSpace(r.URL.Query().Get("condition"))
	if condition == "" {
		badRequest(w, "condition is required")
		return
	}
	res, err := h.trials.Search(r.Context(), condition, strings.TrimSpace(r.URL.Query().Get("location")))
	if err != nil {
		writeError(w, h.logger, "trial search", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
