package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/internal/campaigns"
	"github.com/wolfman30/trial-scheduling-engine/internal/conversations"
	httpmiddleware "github.com/wolfman30/trial-scheduling-engine/internal/http/middleware"
	"github.com/wolfman30/trial-scheduling-engine/internal/prescreening"
)

type fakePrescreening struct {
	progress    prescreening.Progress
	started     []prescreening.StartRequest
	validations []prescreening.Validation
	answerErr   error
}

func (f *fakePrescreening) Start(_ context.Context, req prescreening.StartRequest) (prescreening.Progress, error) {
	f.started = append(f.started, req)
	return f.progress, nil
}

func (f *fakePrescreening) Get(context.Context, uuid.UUID) (prescreening.Progress, error) {
	return f.progress, nil
}

func (f *fakePrescreening) SubmitAnswer(context.Context, uuid.UUID, string, string) (prescreening.Progress, error) {
	if f.answerErr != nil {
		return prescreening.Progress{}, f.answerErr
	}
	return f.progress, nil
}

func (f *fakePrescreening) ValidateAnswer(_ context.Context, v prescreening.Validation) (prescreening.Progress, error) {
	f.validations = append(f.validations, v)
	return f.progress, nil
}

func (f *fakePrescreening) Abandon(context.Context, uuid.UUID) (prescreening.Session, error) {
	return f.progress.Session, nil
}

func (f *fakePrescreening) PendingValidation(context.Context, int) ([]prescreening.Answer, error) {
	return nil, nil
}

type fakeFunnel struct {
	started   []uuid.UUID
	completed map[uuid.UUID]bool
	booked    []uuid.UUID
}

func (f *fakeFunnel) StartPrescreening(_ context.Context, contactID, _ uuid.UUID) (campaigns.Contact, error) {
	f.started = append(f.started, contactID)
	return campaigns.Contact{ID: contactID}, nil
}

func (f *fakeFunnel) CompletePrescreening(_ context.Context, contactID uuid.UUID, eligible bool) (campaigns.Contact, error) {
	if f.completed == nil {
		f.completed = map[uuid.UUID]bool{}
	}
	f.completed[contactID] = eligible
	return campaigns.Contact{ID: contactID}, nil
}

func (f *fakeFunnel) MarkBooked(_ context.Context, contactID uuid.UUID) (campaigns.Contact, error) {
	f.booked = append(f.booked, contactID)
	return campaigns.Contact{ID: contactID}, nil
}

func TestPrescreeningStart_LinksCampaignContact(t *testing.T) {
	engine := &fakePrescreening{}
	funnel := &fakeFunnel{}
	h := NewPrescreeningHandler(engine, funnel, nil)
	convo, contact := uuid.New(), uuid.New()

	body := `{"conversation_session_id":"` + convo.String() + `","trial_id":42,"condition":"asthma","campaign_contact_id":"` + contact.String() + `"}`
	rec := route(http.MethodPost, "/prescreening/sessions", h.Start, httptest.NewRequest(http.MethodPost, "/prescreening/sessions", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, engine.started, 1)
	assert.Equal(t, int64(42), engine.started[0].TrialID)
	assert.Equal(t, conversations.ChannelSMS, engine.started[0].Channel)
	assert.Equal(t, []uuid.UUID{contact}, funnel.started)
}

func TestPrescreeningAnswer_ClosedConversationIsGone(t *testing.T) {
	engine := &fakePrescreening{answerErr: apperr.Wrap("conversations: touch", apperr.ErrConversationClosed, nil)}
	h := NewPrescreeningHandler(engine, &fakeFunnel{}, nil)
	path := "/prescreening/sessions/" + uuid.NewString() + "/answers"

	rec := route(http.MethodPost, "/prescreening/sessions/{sessionID}/answers", h.Answer,
		httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"question_key":"age","answer":"34"}`)))
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestPrescreeningStart_RequiresIDs(t *testing.T) {
	h := NewPrescreeningHandler(&fakePrescreening{}, nil, nil)
	rec := route(http.MethodPost, "/prescreening/sessions", h.Start, httptest.NewRequest(http.MethodPost, "/prescreening/sessions", strings.NewReader(`{"condition":"asthma"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPrescreeningAnswer_CompletionAdvancesFunnel(t *testing.T) {
	engine := &fakePrescreening{progress: prescreening.Progress{
		Session: prescreening.Session{Status: prescreening.StatusCompleted},
		Verdict: prescreening.Verdict{Eligibility: prescreening.EligibilityEligible},
	}}
	funnel := &fakeFunnel{}
	h := NewPrescreeningHandler(engine, funnel, nil)
	contact := uuid.New()

	path := "/prescreening/sessions/" + uuid.NewString() + "/answers"
	body := `{"question_key":"age","answer":"34","campaign_contact_id":"` + contact.String() + `"}`
	rec := route(http.MethodPost, "/prescreening/sessions/{sessionID}/answers", h.Answer, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	eligible, ok := funnel.completed[contact]
	require.True(t, ok)
	assert.True(t, eligible)
}

func TestPrescreeningAnswer_InProgressLeavesFunnel(t *testing.T) {
	engine := &fakePrescreening{progress: prescreening.Progress{Session: prescreening.Session{Status: prescreening.StatusInProgress}}}
	funnel := &fakeFunnel{}
	h := NewPrescreeningHandler(engine, funnel, nil)

	path := "/prescreening/sessions/" + uuid.NewString() + "/answers"
	body := `{"question_key":"age","answer":"34","campaign_contact_id":"` + uuid.NewString() + `"}`
	rec := route(http.MethodPost, "/prescreening/sessions/{sessionID}/answers", h.Answer, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, funnel.completed)
}

func TestPrescreeningValidate_UsesCoordinatorIdentity(t *testing.T) {
	engine := &fakePrescreening{}
	h := NewPrescreeningHandler(engine, nil, nil)
	answerID := uuid.New()
	path := "/prescreening/answers/" + answerID.String() + "/validate"

	rec := route(http.MethodPost, "/prescreening/answers/{answerID}/validate", h.Validate, httptest.NewRequest(http.MethodPost, path, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, path, nil)
	req = req.WithContext(httpmiddleware.WithCoordinator(req.Context(), httpmiddleware.CoordinatorClaims{Email: "crc@site.org"}))
	rec = route(http.MethodPost, "/prescreening/answers/{answerID}/validate", h.Validate, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, engine.validations, 1)
	assert.Equal(t, answerID, engine.validations[0].AnswerID)
	assert.Equal(t, "crc@site.org", engine.validations[0].ValidatedBy)
	assert.Nil(t, engine.validations[0].Corrected)
}

func TestPrescreeningGet_BadID(t *testing.T) {
	h := NewPrescreeningHandler(&fakePrescreening{}, nil, nil)
	rec := route(http.MethodGet, "/prescreening/sessions/{sessionID}", h.Get, httptest.NewRequest(http.MethodGet, "/prescreening/sessions/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
