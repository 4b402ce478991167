package compliance

import (
	"regexp"
	"strings"
)

// Keyword is a carrier-mandated control word found at the start of a reply.
type Keyword string

const (
	KeywordNone Keyword = ""
	KeywordStop Keyword = "stop"
	KeywordHelp Keyword = "help"
)

// Detector recognizes opt-out and help keywords in inbound patient texts.
// Only a leading keyword counts, so "I can't stop by Tuesday" is a reply,
// not an opt-out.
type Detector struct {
	stopRegex *regexp.Regexp
	helpRegex *regexp.Regexp
}

func NewDetector() *Detector {
	return &Detector{
		stopRegex: regexp.MustCompile(`(?i)^(?:please\s+)?(stop|stopall|unsubscribe|cancel|end|quit|revoke|opt[\s-]?out)\b`),
		helpRegex: regexp.MustCompile(`(?i)^(?:please\s+)?(help|info)\b`),
	}
}

// Classify returns the keyword that leads body, stop taking precedence.
func (d *Detector) Classify(body string) Keyword {
	switch {
	case d.IsStop(body):
		return KeywordStop
	case d.IsHelp(body):
		return KeywordHelp
	}
	return KeywordNone
}

func (d *Detector) IsStop(body string) bool {
	_, ok := d.StopKeyword(body)
	return ok
}

func (d *Detector) IsHelp(body string) bool {
	if d == nil || d.helpRegex == nil {
		return false
	}
	return d.helpRegex.MatchString(strings.TrimSpace(body))
}

// StopKeyword returns the matched opt-out word, lower-cased with separators
// removed ("Opt-Out" becomes "optout"), for the audit trail.
func (d *Detector) StopKeyword(body string) (string, bool) {
	if d == nil || d.stopRegex == nil {
		return "", false
	}
	m := d.stopRegex.FindStringSubmatch(strings.TrimSpace(body))
	if m == nil {
		return "", false
	}
	kw := strings.ToLower(m[1])
	kw = strings.NewReplacer(" ", "", "-", "", "\t", "").Replace(kw)
	return kw, true
}
