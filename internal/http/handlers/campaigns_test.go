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

	"github.com/wolfman30/trial-scheduling-engine/internal/campaigns"
)

type fakeCampaigns struct {
	created  []campaigns.Campaign
	added    []campaigns.Contact
	imported []byte
	trigger  campaigns.TriggerResult
	opts     []campaigns.TriggerOptions
}

func (f *fakeCampaigns) CreateCampaign(_ context.Context, c campaigns.Campaign) (campaigns.Campaign, error) {
	f.created = append(f.created, c)
	c.ID = uuid.New()
	c.Status = campaigns.StatusDraft
	return c, nil
}

func (f *fakeCampaigns) Get(_ context.Context, id uuid.UUID) (campaigns.Campaign, error) {
	return campaigns.Campaign{ID: id}, nil
}

func (f *fakeCampaigns) List(context.Context, campaigns.Status) ([]campaigns.Campaign, error) {
	return []campaigns.Campaign{{Name: "Asthma outreach"}}, nil
}

func (f *fakeCampaigns) Contacts(context.Context, uuid.UUID, campaigns.ContactStatus) ([]campaigns.Contact, error) {
	return nil, nil
}

func (f *fakeCampaigns) Update(_ context.Context, id uuid.UUID, u campaigns.CampaignUpdate) (campaigns.Campaign, error) {
	c := campaigns.Campaign{ID: id}
	if u.Name != nil {
		c.Name = *u.Name
	}
	return c, nil
}

func (f *fakeCampaigns) Delete(context.Context, uuid.UUID) error { return nil }

func (f *fakeCampaigns) Pause(_ context.Context, id uuid.UUID) (campaigns.Campaign, error) {
	return campaigns.Campaign{ID: id, Status: campaigns.StatusPaused}, nil
}

func (f *fakeCampaigns) Resume(_ context.Context, id uuid.UUID) (campaigns.Campaign, error) {
	return campaigns.Campaign{ID: id, Status: campaigns.StatusActive}, nil
}

func (f *fakeCampaigns) Complete(_ context.Context, id uuid.UUID) (campaigns.Campaign, error) {
	return campaigns.Campaign{ID: id, Status: campaigns.StatusCompleted}, nil
}

func (f *fakeCampaigns) AddContacts(_ context.Context, _ uuid.UUID, contacts []campaigns.Contact) (int, error) {
	f.added = append(f.added, contacts...)
	return len(contacts) - 1, nil
}

func (f *fakeCampaigns) ImportContactsCSV(_ context.Context, _ uuid.UUID, data []byte) (campaigns.ImportResult, error) {
	f.imported = data
	return campaigns.ImportResult{Added: 1}, nil
}

func (f *fakeCampaigns) Trigger(_ context.Context, _ uuid.UUID, opts campaigns.TriggerOptions) (campaigns.TriggerResult, error) {
	f.opts = append(f.opts, opts)
	return f.trigger, nil
}

func (f *fakeCampaigns) Stats(_ context.Context, id uuid.UUID) (campaigns.Stats, error) {
	return campaigns.Stats{Campaign: campaigns.Campaign{ID: id}, DeliveryRate: 0.5}, nil
}

func TestCampaignCreate_RecordsCreator(t *testing.T) {
	engine := &fakeCampaigns{}
	h := NewCampaignsHandler(engine, nil)

	req := asCoordinator(httptest.NewRequest(http.MethodPost, "/campaigns", strings.NewReader(`{"name":"Asthma outreach","condition":"asthma"}`)))
	rec := route(http.MethodPost, "/campaigns", h.Create, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, engine.created, 1)
	assert.Equal(t, "crc@site.org", engine.created[0].CreatedBy)
}

func TestCampaignList_RejectsUnknownStatus(t *testing.T) {
	h := NewCampaignsHandler(&fakeCampaigns{}, nil)
	rec := route(http.MethodGet, "/campaigns", h.List, httptest.NewRequest(http.MethodGet, "/campaigns?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = route(http.MethodGet, "/campaigns", h.List, httptest.NewRequest(http.MethodGet, "/campaigns?status=active", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCampaignAddContacts_JSON(t *testing.T) {
	engine := &fakeCampaigns{}
	h := NewCampaignsHandler(engine, nil)
	path := "/campaigns/" + uuid.NewString() + "/contacts"
	body := `{"contacts":[{"first_name":" Ann ","phone":"5551234567"},{"first_name":"Bo","phone":"bad"}]}`

	rec := route(http.MethodPost, "/campaigns/{campaignID}/contacts", h.AddContacts, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, engine.added, 2)
	assert.Equal(t, "Ann", engine.added[0].FirstName)
	out := decodeBody(t, rec)
	assert.EqualValues(t, 1, out["added"])
	assert.EqualValues(t, 1, out["skipped"])
}

func TestCampaignAddContacts_CSV(t *testing.T) {
	engine := &fakeCampaigns{}
	h := NewCampaignsHandler(engine, nil)
	path := "/campaigns/" + uuid.NewString() + "/contacts"
	csv := "first_name,last_name,phone\nAnn,Lee,5551234567\n"

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(csv))
	req.Header.Set("Content-Type", "text/csv; charset=utf-8")
	rec := route(http.MethodPost, "/campaigns/{campaignID}/contacts", h.AddContacts, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, csv, string(engine.imported))
}

func TestCampaignTrigger(t *testing.T) {
	engine := &fakeCampaigns{trigger: campaigns.TriggerResult{Deferred: true}}
	h := NewCampaignsHandler(engine, nil)
	path := "/campaigns/" + uuid.NewString() + "/trigger"

	rec := route(http.MethodPost, "/campaigns/{campaignID}/trigger", h.Trigger, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"test_mode":true}`)))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, engine.opts, 1)
	assert.True(t, engine.opts[0].TestMode)

	rec = route(http.MethodPost, "/campaigns/{campaignID}/trigger", h.Trigger, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"limit":-1}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCampaignPauseAndDelete(t *testing.T) {
	h := NewCampaignsHandler(&fakeCampaigns{}, nil)
	id := uuid.NewString()

	rec := route(http.MethodPost, "/campaigns/{campaignID}/pause", h.Pause, httptest.NewRequest(http.MethodPost, "/campaigns/"+id+"/pause", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paused", decodeBody(t, rec)["status"])

	rec = route(http.MethodDelete, "/campaigns/{campaignID}", h.Delete, httptest.NewRequest(http.MethodDelete, "/campaigns/"+id, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
