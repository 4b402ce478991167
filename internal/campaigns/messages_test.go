package campaigns

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyReply(t *testing.T) {
	cases := map[string]string{
		"YES":                       ResponseInterested,
		"yeah tell me more":         ResponseInterested,
		"Sure, sounds good":         ResponseInterested,
		"not interested":            ResponseNotInterested,
		"No thanks":                 ResponseNotInterested,
		"nope":                      ResponseNotInterested,
		"what is this about?":       ResponseUnclear,
		"":                          ResponseUnclear,
		"I'm not interested, sorry": ResponseNotInterested,
	}
	for body, want := range cases {
		assert.Equal(t, want, ClassifyReply(body), body)
	}
}

func TestRender(t *testing.T) {
	c := Campaign{TrialName: "MIG-301", Condition: "migraine", SiteName: "Tulsa Research"}

	got := Render("Hi {first_name}, {site_name} has a {condition} study ({trial_name}).", c, Contact{FirstName: " Ann "})
	assert.Equal(t, "Hi Ann, Tulsa Research has a migraine study (MIG-301). Reply STOP to opt out.", got)

	got = Render("Hi {first_name}! Text STOP to end.", c, Contact{})
	assert.Equal(t, "Hi there! Text STOP to end.", got)
}

func TestStatusForResponse(t *testing.T) {
	assert.Equal(t, ContactInterested, statusForResponse(ResponseInterested))
	assert.Equal(t, ContactNotInterested, statusForResponse(ResponseNotInterested))
	assert.Equal(t, ContactResponded, statusForResponse(ResponseUnclear))
}
