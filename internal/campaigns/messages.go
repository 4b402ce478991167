package campaigns

import (
	"regexp"
	"strings"
)

var (
	negativeRE = regexp.MustCompile(`(?i)\b(not interested|no thanks|no thank you|remove me|unsubscribe|nope|no)\b`)
	positiveRE = regexp.MustCompile(`(?i)\b(yes|yeah|yep|sure|interested|tell me more|okay|ok|sounds good)\b`)
)

// ClassifyReply sorts a reply into interested, not_interested or unclear.
// Negative phrases win over positive ones, so "not interested" is negative.
func ClassifyReply(body string) string {
	switch {
	case negativeRE.MatchString(body):
		return ResponseNotInterested
	case positiveRE.MatchString(body):
		return ResponseInterested
	}
	return ResponseUnclear
}

func statusForResponse(response string) ContactStatus {
	switch response {
	case ResponseInterested:
		return ContactInterested
	case ResponseNotInterested:
		return ContactNotInterested
	}
	return ContactResponded
}

const optOutFooter = "Reply STOP to opt out."

// Render fills the campaign template for one contact. Supported
// placeholders: {first_name}, {last_name}, {trial_name}, {condition},
// {site_name}. An opt-out footer is appended when the template has none.
func Render(tpl string, c Campaign, ct Contact) string {
	first := strings.TrimSpace(ct.FirstName)
	if first == "" {
		first = "there"
	}
	out := strings.NewReplacer(
		"{first_name}", first,
		"{last_name}", strings.TrimSpace(ct.LastName),
		"{trial_name}", c.TrialName,
		"{condition}", c.Condition,
		"{site_name}", c.SiteName,
		"{location}", c.SiteName,
	).Replace(tpl)
	out = strings.TrimSpace(out)
	if !strings.Contains(strings.ToUpper(out), "STOP") {
		out += " " + optOutFooter
	}
	return out
}

func interestedReply(c Campaign) string {
	team := "the study team"
	if c.SiteName != "" {
		team = "the " + c.SiteName + " study team"
	}
	return "Great! Someone from " + team + " will reach out shortly with a few quick questions."
}

const (
	notInterestedReply = "Thanks for letting us know. We won't contact you about this study again."
	optOutReply        = "You've been unsubscribed and will not receive any more messages from us."
)
