package notify

import "github.com/wolfman30/trial-scheduling-engine/internal/messaging/templates"

// Template IDs accepted by Service.Send.
const (
	TemplateRescheduleEscalation    = "reschedule_escalation"
	TemplateAppointmentConfirmation = "appointment_confirmation"
)

type emailTemplate struct {
	subject string
	text    string
}

var emailTemplates = map[string]emailTemplate{
	TemplateRescheduleEscalation: {
		subject: "Reschedule needs a coordinator: {{.PatientName}}",
		text: `A reschedule request needs your attention.

Patient: {{.PatientName}}
Phone: {{.Phone}}
Site: {{.SiteName}}
Study: {{.StudyID}}
Visit: {{.VisitID}}
Current appointment: {{.CurrentAppointment}}
Reason: {{.Reason}}
Request ID: {{.RequestID}}

The patient has been told a coordinator will follow up.`,
	},
	TemplateAppointmentConfirmation: {
		subject: "Your study visit is confirmed for {{.When}}",
		text: `Hi {{.FirstName}},

Your visit with {{.SiteName}} is confirmed for {{.When}}.
{{if .Address}}
Address: {{.Address}}
{{end}}
If you need to change this time, reply to this email or call the study team.`,
	},
}

var emailSet = func() *templates.Set {
	sources := make(map[string]string, 2*len(emailTemplates))
	for id, t := range emailTemplates {
		sources[id+".subject"] = t.subject
		sources[id] = t.text
	}
	return templates.MustSet(sources)
}()
