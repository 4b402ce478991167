package crio

import (
	"encoding/json"
	"strings"
	"time"
)

// Credentials are the shared session tokens pushed by the dashboard login.
type Credentials struct {
	SessionToken string
	CSRFToken    string
}

// Demographics describes the patient to register remotely.
type Demographics struct {
	FirstName   string
	LastName    string
	Email       string
	Phone       string
	DateOfBirth time.Time
	Gender      string
}

// PatientRequest registers a patient at a site and enrolls them in a study.
type PatientRequest struct {
	SiteID     string
	StudyID    string
	ExternalID string
	Notes      string
	Patient    Demographics
}

// PatientResult is what the remote system assigned.
type PatientResult struct {
	PatientID string
	SubjectID string
}

// AppointmentRequest books a visit for an enrolled subject.
type AppointmentRequest struct {
	SiteID           string
	StudyID          string
	VisitID          string
	SubjectID        string
	CoordinatorEmail string
	StartsAt         time.Time
	DurationMinutes  int
}

// UpdateAppointmentRequest moves an existing remote appointment.
type UpdateAppointmentRequest struct {
	AppointmentID    string
	SiteID           string
	SubjectID        string
	VisitID          string
	CoordinatorEmail string
	StartsAt         time.Time
	Notes            string
}

// CalendarEvent is one entry from the site schedule feed.
type CalendarEvent struct {
	UserID        flexID `json:"userId"`
	IsAppointment bool   `json:"isAppointment"`
	Visit         string `json:"visit"`
	Name          string `json:"name"`
	Title         string `json:"title"`
	Start         string `json:"start"`
	End           string `json:"end"`
}

// Label returns the event name, falling back to the title.
func (e CalendarEvent) Label() string {
	if strings.TrimSpace(e.Name) != "" {
		return e.Name
	}
	return e.Title
}

type patientPayload struct {
	SiteID      string            `json:"siteId"`
	PatientInfo patientInfo       `json:"patientInfo"`
	Studies     []studyEnrollment `json:"studies"`
}

type patientInfo struct {
	ExternalID     string         `json:"externalId"`
	BirthDate      string         `json:"birthDate,omitempty"`
	Status         string         `json:"status"`
	Gender         string         `json:"gender,omitempty"`
	Sex            string         `json:"sex,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	DoNotCall      bool           `json:"doNotCall"`
	DoNotEmail     bool           `json:"doNotEmail"`
	DoNotText      bool           `json:"doNotText"`
	PatientContact patientContact `json:"patientContact"`
}

type patientContact struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Email       string `json:"email,omitempty"`
	CellPhone   string `json:"cellPhone,omitempty"`
	CountryCode string `json:"countryCode"`
}

type studyEnrollment struct {
	StudyID           string `json:"studyId"`
	SubjectStatus     string `json:"subjectStatus,omitempty"`
	RecruitmentStatus string `json:"recruitmentStatus,omitempty"`
	SubjectID         flexID `json:"subjectId,omitempty"`
}

type patientResponse struct {
	PatientID   flexID `json:"patientId"`
	ID          flexID `json:"id"`
	PatientInfo struct {
		PatientID flexID `json:"patientId"`
		ID        flexID `json:"id"`
	} `json:"patientInfo"`
	Studies []studyEnrollment `json:"studies"`
}

// resolve picks the patient id in the order the remote API populates it and
// the subject id from the enrollment matching studyID.
func (r patientResponse) resolve(studyID string) PatientResult {
	out := PatientResult{}
	for _, candidate := range []flexID{r.PatientInfo.PatientID, r.PatientID, r.ID, r.PatientInfo.ID} {
		if candidate != "" {
			out.PatientID = string(candidate)
			break
		}
	}
	for _, s := range r.Studies {
		if s.StudyID == studyID {
			out.SubjectID = string(s.SubjectID)
			break
		}
	}
	return out
}

type appointmentPayload struct {
	SiteID           string `json:"siteId"`
	StudyID          string `json:"studyId"`
	VisitID          string `json:"visitId"`
	PatientID        string `json:"patientId"`
	CoordinatorEmail string `json:"coordinatorEmail"`
	AppointmentDate  string `json:"appointmentDate"`
	Duration         int    `json:"duration"`
}

type appointmentResponse struct {
	AppointmentID          flexID `json:"appointmentId"`
	ID                     flexID `json:"id"`
	CalendarAppointmentKey flexID `json:"calendarAppointmentKey"`
}

func (r appointmentResponse) resolve() string {
	for _, candidate := range []flexID{r.AppointmentID, r.ID, r.CalendarAppointmentKey} {
		if candidate != "" {
			return string(candidate)
		}
	}
	return ""
}

type updateAppointmentPayload struct {
	SiteID        string `json:"siteId"`
	SubjectID     string `json:"subjectId"`
	StudyVisitID  string `json:"studyVisitId"`
	AppointmentID string `json:"appointmentId"`
	StartDate     string `json:"startDate"`
	EndDate       string `json:"endDate"`
	Calendar      string `json:"calendar"`
	Notes         string `json:"notes"`
}

type scheduleResponse struct {
	Success bool            `json:"success"`
	Data    []CalendarEvent `json:"data"`
}

// flexID accepts ids the remote API sends as either strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// FormatDate renders dates the way the remote API expects, e.g. 15-AUG-1990.
func FormatDate(t time.Time) string {
	return strings.ToUpper(t.Format("02-Jan-2006"))
}

// FormatDateTime renders e.g. 15-AUG-2025 09:00.
func FormatDateTime(t time.Time) string {
	return FormatDate(t) + " " + t.Format("15:04")
}
