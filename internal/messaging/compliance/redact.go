package compliance

import (
	"regexp"
	"strings"
)

var (
	panCandidateRE = regexp.MustCompile(`(?:\d[ -]?){13,19}`)
	ssnRE          = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

// Redact masks identifiers patients sometimes text by mistake (card numbers
// and social security numbers) before a body is stored or logged. Only the
// last four digits survive. The bool reports whether anything was masked.
func Redact(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return text, false
	}
	out, ssn := redactSSN(text)
	out, pan := redactPAN(out)
	return out, ssn || pan
}

func redactSSN(text string) (string, bool) {
	found := false
	out := ssnRE.ReplaceAllStringFunc(text, func(m string) string {
		found = true
		return "[REDACTED_SSN_" + m[len(m)-4:] + "]"
	})
	return out, found
}

func redactPAN(text string) (string, bool) {
	matches := panCandidateRE.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text, false
	}
	var out strings.Builder
	out.Grow(len(text))
	last, redacted := 0, false
	for _, m := range matches {
		start, end := m[0], m[1]
		// the candidate pattern swallows a trailing separator
		for end > start && (text[end-1] == ' ' || text[end-1] == '-') {
			end--
		}
		digits := digitsOnly(text[start:end])
		if len(digits) < 13 || len(digits) > 19 || !luhnValid(digits) {
			continue
		}
		out.WriteString(text[last:start])
		out.WriteString("[REDACTED_CARD_" + digits[len(digits)-4:] + "]")
		last = end
		redacted = true
	}
	if !redacted {
		return text, false
	}
	out.WriteString(text[last:])
	return out.String(), true
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func luhnValid(digits string) bool {
	sum, alt := 0, false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if alt {
			if n *= 2; n > 9 {
				n -= 9
			}
		}
		sum += n
		alt = !alt
	}
	return sum%10 == 0
}
