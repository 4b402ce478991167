package reschedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/trial-scheduling-engine/internal/crio"
)

// InitialMessage opens the reschedule conversation.
func InitialMessage(r Request) string {
	name := firstName(r.PatientName)
	if r.CurrentAppointmentAt != nil {
		return fmt.Sprintf(
			"Hi %s, this is your research study team. We need to move your visit on %s. "+
				"Reply with any days or times that work for you and we'll send a few options. Reply STOP to opt out.",
			name, r.CurrentAppointmentAt.Format("Monday, January 2"),
		)
	}
	return fmt.Sprintf(
		"Hi %s, this is your research study team. We need to move your upcoming study visit. "+
			"Reply with any days or times that work for you and we'll send a few options. Reply STOP to opt out.",
		name,
	)
}

// OfferMessage lists the offered slots.
func OfferMessage(offer SlotOffer) string {
	var b strings.Builder
	b.WriteString("Here are the next open times:\n")
	for _, s := range offer.Slots {
		fmt.Fprintf(&b, "%d) %s\n", s.Option, s.Label)
	}
	b.WriteString(selectionHint(len(offer.Slots)))
	return b.String()
}

// SelectionPrompt re-asks for a choice after an unreadable reply.
func SelectionPrompt(n int) string {
	return "Sorry, I didn't catch that. " + selectionHint(n)
}

func selectionHint(n int) string {
	switch n {
	case 1:
		return "Reply 1 to book this time."
	case 2:
		return "Reply 1 or 2 to pick a time."
	}
	opts := make([]string, 0, n)
	for i := 1; i < n; i++ {
		opts = append(opts, strconv.Itoa(i))
	}
	return fmt.Sprintf("Reply %s or %d to pick a time.", strings.Join(opts, ", "), n)
}

// ConfirmationMessage is sent once the remote appointment moved.
func ConfirmationMessage(slot OfferedSlot) string {
	return fmt.Sprintf("You're all set. Your visit has been moved to %s. Reply STOP to opt out.", slot.Label)
}

const processingMessage = "Thanks, we're finishing your booking now and will text you to confirm."

func firstName(full string) string {
	if f := strings.Fields(full); len(f) > 0 {
		return f[0]
	}
	return "there"
}

var (
	optionRE = regexp.MustCompile(`(?i)\b(?:option|number|#)\s*(\d+)\b`)
	digitRE  = regexp.MustCompile(`\d+`)
	ordinals = map[string]int{"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5}
)

// ParseSelection reads a 1-based option out of a reply. Only options in
// [1, n] are accepted.
func ParseSelection(body string, n int) (int, bool) {
	text := strings.ToLower(strings.TrimSpace(body))
	if text == "" || n <= 0 {
		return 0, false
	}
	valid := func(v int) (int, bool) { return v, v >= 1 && v <= n }

	if v, err := strconv.Atoi(strings.Trim(text, ".!) ")); err == nil {
		return valid(v)
	}
	if m := optionRE.FindStringSubmatch(text); m != nil {
		v, _ := strconv.Atoi(m[1])
		return valid(v)
	}
	for _, w := range strings.FieldsFunc(text, func(r rune) bool { return r < 'a' || r > 'z' }) {
		if v, ok := ordinals[w]; ok {
			return valid(v)
		}
	}
	// A time such as "9:30" is not a selection.
	if strings.Contains(text, ":") {
		return 0, false
	}
	if m := digitRE.FindString(text); m != "" {
		v, _ := strconv.Atoi(m)
		return valid(v)
	}
	return 0, false
}

// Preferences narrows the slots offered to a patient.
type Preferences struct {
	TimeOfDay    string         `json:"time_of_day,omitempty"`
	ExcludedDays []time.Weekday `json:"excluded_days,omitempty"`
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
}

// ParsePreferences picks a time of day and excluded weekdays out of free text
// such as "mornings please, not Fridays".
func ParsePreferences(body string) Preferences {
	text := strings.ToLower(body)
	words := strings.FieldsFunc(text, func(r rune) bool { return (r < 'a' || r > 'z') && (r < '0' || r > '9') })
	has := func(set ...string) bool {
		for _, w := range words {
			for _, s := range set {
				if w == s {
					return true
				}
			}
		}
		return false
	}

	var p Preferences
	switch {
	case has("morning", "mornings", "am", "early") || strings.Contains(text, "before noon"):
		p.TimeOfDay = "morning"
	case has("afternoon", "afternoons", "pm", "lunch") || strings.Contains(text, "after lunch"):
		p.TimeOfDay = "afternoon"
	case has("evening", "evenings", "night") || strings.Contains(text, "after work"):
		p.TimeOfDay = "evening"
	}
	for i := 0; i+1 < len(words); i++ {
		if words[i] != "not" && words[i] != "no" {
			continue
		}
		day := strings.TrimSuffix(words[i+1], "s")
		if wd, ok := weekdays[day]; ok {
			p.ExcludedDays = append(p.ExcludedDays, wd)
		}
	}
	return p
}

// Allows reports whether a slot satisfies the preferences.
func (p Preferences) Allows(t time.Time) bool {
	for _, d := range p.ExcludedDays {
		if t.Weekday() == d {
			return false
		}
	}
	switch h := t.Hour(); p.TimeOfDay {
	case "morning":
		return h < 12
	case "afternoon":
		return h >= 12 && h < 17
	case "evening":
		return h >= 17
	}
	return true
}

// filterSlots applies the earliest date and preferences, keeping at most max
// slots. When preferences exclude everything the unfiltered list is used so
// the patient still gets options.
func filterSlots(slots []crio.Slot, earliest *time.Time, prefs Preferences, max int) []crio.Slot {
	var eligible []crio.Slot
	for _, s := range slots {
		if earliest != nil && s.StartsAt.Before(*earliest) {
			continue
		}
		eligible = append(eligible, s)
	}
	preferred := make([]crio.Slot, 0, len(eligible))
	for _, s := range eligible {
		if prefs.Allows(s.StartsAt) {
			preferred = append(preferred, s)
		}
	}
	if len(preferred) == 0 {
		preferred = eligible
	}
	if max > 0 && len(preferred) > max {
		preferred = preferred[:max]
	}
	return preferred
}
