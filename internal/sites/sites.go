// Package sites maps free-text patient locations to remote scheduling sites.
package sites

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Mapping is one location_site_mappings row.
type Mapping struct {
	ID               int64  `json:"id"`
	LocationName     string `json:"location_name"`
	CityCode         string `json:"city_code"`
	SiteID           string `json:"site_id"`
	SiteName         string `json:"site_name"`
	Specialty        string `json:"specialty"`
	IsDefault        bool   `json:"is_default"`
	Priority         int    `json:"priority"`
	AddressLine      string `json:"address_line,omitempty"`
	City             string `json:"city,omitempty"`
	State            string `json:"state,omitempty"`
	PostalCode       string `json:"postal_code,omitempty"`
	CoordinatorEmail string `json:"coordinator_email,omitempty"`
}

// Address renders the mailing address for notifications.
func (m Mapping) Address() string {
	var parts []string
	for _, p := range []string{m.AddressLine, m.City, strings.TrimSpace(m.State + " " + m.PostalCode)} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, strings.TrimSpace(p))
		}
	}
	return strings.Join(parts, ", ")
}

// Store reads active mappings.
type Store interface {
	ListByCity(ctx context.Context, cityCode string) ([]Mapping, error)
	SearchByLocation(ctx context.Context, text string) ([]Mapping, error)
	ListCityCodes(ctx context.Context) ([]string, error)
}

var cityAliases = map[string][]string{
	"ATL": {"atlanta", "atl"},
	"NO":  {"new orleans", "nola", "no", "n.o."},
	"BR":  {"baton rouge", "br", "baton"},
	"BET": {"bethesda", "bet"},
	"CHS": {"charleston", "chs"},
	"CIN": {"cincinnati", "cincy", "cin"},
	"CLT": {"charlotte", "clt"},
	"DAL": {"dallas", "dal", "dfw"},
	"GU":  {"gulfport", "gu", "gulf port"},
	"HMA": {"houma", "hma"},
	"IND": {"indianapolis", "indy", "ind"},
	"LOU": {"louisville", "lou"},
	"NAS": {"nashville", "nas", "nash"},
	"NS":  {"norfolk", "ns"},
	"OVP": {"overland park", "ovp"},
	"SLC": {"salt lake city", "slc", "salt lake"},
	"SPR": {"springfield", "spr"},
	"STE": {"steubenville", "ste"},
	"STL": {"st louis", "saint louis", "stl", "st. louis"},
	"TUL": {"tulsa", "tul"},
}

// codes in a fixed order so ambiguous matches resolve the same way every time.
var cityCodes = func() []string {
	out := make([]string, 0, len(cityAliases))
	for code := range cityAliases {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}()

// Specialty names as stored in location_site_mappings.specialty.
const (
	SpecialtyDermatology     = "dermatology"
	SpecialtyPsychiatry      = "psychiatry"
	SpecialtyNeurology       = "neurology"
	SpecialtyUrology         = "urology"
	SpecialtyOphthalmology   = "ophthalmology"
	SpecialtyVaccine         = "vaccine"
	SpecialtyRheumatology    = "rheumatology"
	SpecialtyGeneralMedicine = "general medicine"
)

var specialtyKeywords = []struct {
	specialty string
	keywords  []string
}{
	{SpecialtyDermatology, []string{"acne", "eczema", "psoriasis", "skin", "rash", "dermat", "atopic"}},
	{SpecialtyPsychiatry, []string{"depression", "anxiety", "adhd", "bipolar", "schizophrenia", "mental", "psych"}},
	{SpecialtyNeurology, []string{"migraine", "headache", "epilepsy", "seizure", "neuropathy", "neuro", "alzheimer"}},
	{SpecialtyUrology, []string{"prostate", "bladder", "kidney", "incontinence", "uro", "urinary"}},
	{SpecialtyOphthalmology, []string{"glaucoma", "cataract", "macular", "vision", "eye", "ophthal"}},
	{SpecialtyVaccine, []string{"vaccine", "vax", "vaccination", "immunization"}},
	{SpecialtyRheumatology, []string{"arthritis", "rheumatoid", "lupus", "rheum"}},
	{SpecialtyGeneralMedicine, []string{"diabetes", "hypertension", "cholesterol", "covid", "general"}},
}

var nonWord = regexp.MustCompile(`[^a-z0-9.]+`)

// NormalizeCity maps location text to a city code. The full string is tried
// first, then its first word, then any alias appearing as a whole word or
// phrase. It returns "" when nothing matches.
func NormalizeCity(location string) string {
	text := strings.ToLower(strings.TrimSpace(location))
	if text == "" {
		return ""
	}
	for _, code := range cityCodes {
		if containsString(cityAliases[code], text) || strings.EqualFold(code, text) {
			return code
		}
	}
	words := strings.Fields(nonWord.ReplaceAllString(text, " "))
	if len(words) == 0 {
		return ""
	}
	first := strings.TrimSuffix(words[0], ",")
	for _, code := range cityCodes {
		if containsString(cityAliases[code], first) {
			return code
		}
	}
	padded := " " + strings.Join(words, " ") + " "
	for _, code := range cityCodes {
		for _, alias := range cityAliases[code] {
			// two-letter aliases ("no", "br") are too common inside sentences
			if len(alias) <= 2 {
				continue
			}
			if strings.Contains(padded, " "+alias+" ") {
				return code
			}
		}
	}
	return ""
}

// SpecialtyForCondition maps a medical condition to a site specialty, or ""
// when no keyword matches.
func SpecialtyForCondition(condition string) string {
	text := strings.ToLower(condition)
	if strings.TrimSpace(text) == "" {
		return ""
	}
	for _, entry := range specialtyKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(text, kw) {
				return entry.specialty
			}
		}
	}
	return ""
}

// Rank orders candidates for a specialty. Exact specialty matches come
// first; within a group the default site wins, then higher priority, then
// the lowest numeric site id.
func Rank(candidates []Mapping, specialty string) []Mapping {
	out := make([]Mapping, len(candidates))
	copy(out, candidates)
	want := strings.ToLower(strings.TrimSpace(specialty))
	matches := func(m Mapping) bool {
		return want != "" && strings.ToLower(strings.TrimSpace(m.Specialty)) == want
	}
	less := func(a, b Mapping) bool {
		if ma, mb := matches(a), matches(b); ma != mb {
			return ma
		}
		if a.IsDefault != b.IsDefault {
			return a.IsDefault
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return siteIDLess(a.SiteID, b.SiteID)
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func siteIDLess(a, b string) bool {
	na, errA := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	nb, errB := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
