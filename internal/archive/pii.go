package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"

	"github.com/wolfman30/trial-scheduling-engine/internal/messaging"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?1?[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}`)
	dobRe   = regexp.MustCompile(`\b(?:19|20)\d{2}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}/(?:19|20)\d{2}\b`)
)

// HashPhone returns the SHA-256 of the E.164 form of phone, so "(918)
// 555-0100" and "+19185550100" hash alike.
func HashPhone(phone string) string {
	normalized := messaging.NormalizeE164(phone)
	if normalized == "" {
		return ""
	}
	h := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(h[:])
}

// ScrubPII masks emails, phone numbers and dates that could be a birth date
// in free text stored alongside an archived batch.
func ScrubPII(text string) string {
	text = emailRe.ReplaceAllString(text, "[EMAIL]")
	text = dobRe.ReplaceAllString(text, "[DATE]")
	text = phoneRe.ReplaceAllString(text, "[PHONE]")
	return text
}

// scrubRows hashes phones and scrubs reasons in place.
func scrubRows(rows []RejectedRow) []RejectedRow {
	out := make([]RejectedRow, len(rows))
	for i, r := range rows {
		out[i] = RejectedRow{Line: r.Line, Reason: ScrubPII(r.Reason), Phone: HashPhone(r.Phone)}
	}
	return out
}
