package sites

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

// Resolver picks the best site for a location and optional specialty.
type Resolver struct {
	store  Store
	cache  *gocache.Cache
	logger *logging.Logger
}

// NewResolver caches candidate lists per city code for ttl. A zero ttl
// disables caching.
func NewResolver(store Store, ttl time.Duration, logger *logging.Logger) *Resolver {
	if store == nil {
		panic("sites: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	r := &Resolver{store: store, logger: logger}
	if ttl > 0 {
		r.cache = gocache.New(ttl, 2*ttl)
	}
	return r
}

// Resolve returns the best mapping for the location text. With a specialty
// and several sites in the city, exact specialty matches win; otherwise the
// default site, then priority, then lowest numeric site id.
func (r *Resolver) Resolve(ctx context.Context, locationText, specialty string) (Mapping, error) {
	candidates, err := r.candidates(ctx, locationText)
	if err != nil {
		return Mapping{}, err
	}
	if len(candidates) == 0 {
		return Mapping{}, apperr.Wrap("sites: resolve "+strings.TrimSpace(locationText), apperr.ErrNoMatch, nil)
	}
	best := Rank(candidates, specialty)[0]
	r.logger.Debug("site resolved",
		"location", locationText,
		"specialty", specialty,
		"site_id", best.SiteID,
		"candidates", len(candidates),
	)
	return best, nil
}

// ResolveForCondition derives the specialty from a medical condition. When no
// site in the city carries that specialty, general medicine is preferred
// before falling back to the default-site rule.
func (r *Resolver) ResolveForCondition(ctx context.Context, locationText, condition string) (Mapping, error) {
	candidates, err := r.candidates(ctx, locationText)
	if err != nil {
		return Mapping{}, err
	}
	if len(candidates) == 0 {
		return Mapping{}, apperr.Wrap("sites: resolve "+strings.TrimSpace(locationText), apperr.ErrNoMatch, nil)
	}
	specialty := SpecialtyForCondition(condition)
	if specialty != "" && !hasSpecialty(candidates, specialty) {
		specialty = SpecialtyGeneralMedicine
	}
	return Rank(candidates, specialty)[0], nil
}

// CityCodes lists codes with at least one active site.
func (r *Resolver) CityCodes(ctx context.Context) ([]string, error) {
	return r.store.ListCityCodes(ctx)
}

// Invalidate drops cached candidate lists after mapping edits.
func (r *Resolver) Invalidate() {
	if r.cache != nil {
		r.cache.Flush()
	}
}

func (r *Resolver) candidates(ctx context.Context, locationText string) ([]Mapping, error) {
	code := NormalizeCity(locationText)
	key := "city:" + code
	if code == "" {
		key = "text:" + strings.ToLower(strings.TrimSpace(locationText))
	}
	if r.cache != nil {
		if cached, ok := r.cache.Get(key); ok {
			return cached.([]Mapping), nil
		}
	}

	var (
		out []Mapping
		err error
	)
	if code != "" {
		out, err = r.store.ListByCity(ctx, code)
	} else {
		out, err = r.store.SearchByLocation(ctx, locationText)
	}
	if err != nil {
		return nil, err
	}
	if r.cache != nil && len(out) > 0 {
		r.cache.SetDefault(key, out)
	}
	return out, nil
}

func hasSpecialty(candidates []Mapping, specialty string) bool {
	for _, m := range candidates {
		if strings.EqualFold(strings.TrimSpace(m.Specialty), specialty) {
			return true
		}
	}
	return false
}
