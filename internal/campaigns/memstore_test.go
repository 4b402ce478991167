package campaigns

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/internal/events"
)

// memStore mirrors PostgresStore: guarded contact updates with counters
// re-derived on every mutation.
type memStore struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]Campaign
	contacts  map[uuid.UUID]Contact
	order     []uuid.UUID
	optOuts   map[string]string
	outbox    []events.CanonicalEvent
	seq       int
}

func newMemStore() *memStore {
	return &memStore{
		campaigns: map[uuid.UUID]Campaign{},
		contacts:  map[uuid.UUID]Contact{},
		optOuts:   map[string]string{},
	}
}

func (s *memStore) CreateCampaign(_ context.Context, c Campaign) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Status = StatusDraft
	s.campaigns[c.ID] = c
	return c, nil
}

func (s *memStore) GetCampaign(_ context.Context, id uuid.UUID) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, apperr.Wrap("campaigns: get campaign", apperr.ErrNotFound, nil)
	}
	return c, nil
}

func (s *memStore) ListCampaigns(_ context.Context, status Status) ([]Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Campaign
	for _, c := range s.campaigns {
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memStore) UpdateCampaign(_ context.Context, id uuid.UUID, u CampaignUpdate) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, apperr.Wrap("campaigns: update campaign", apperr.ErrNotFound, nil)
	}
	if c.Status != StatusDraft && c.Status != StatusPaused {
		return Campaign{}, apperr.Wrap("campaigns: update campaign", apperr.ErrIllegalTransition, nil)
	}
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&c.Name, u.Name)
	set(&c.TrialName, u.TrialName)
	set(&c.Condition, u.Condition)
	set(&c.SiteID, u.SiteID)
	set(&c.SiteName, u.SiteName)
	set(&c.MessageTemplate, u.MessageTemplate)
	s.campaigns[id] = c
	return c, nil
}

func (s *memStore) SetStatus(_ context.Context, id uuid.UUID, to Status, from ...Status) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, apperr.Wrap("campaigns: set status", apperr.ErrNotFound, nil)
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			if to == StatusActive && c.StartedAt == nil {
				now := time.Now().UTC()
				c.StartedAt = &now
			}
			s.campaigns[id] = c
			return c, nil
		}
	}
	return Campaign{}, apperr.Wrap("campaigns: set status", apperr.ErrIllegalTransition, fmt.Errorf("campaign is %s", c.Status))
}

func (s *memStore) DeleteCampaign(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return apperr.Wrap("campaigns: delete campaign", apperr.ErrNotFound, nil)
	}
	if c.Status == StatusActive {
		return apperr.Wrap("campaigns: delete campaign", apperr.ErrIllegalTransition, nil)
	}
	delete(s.campaigns, id)
	for cid, ct := range s.contacts {
		if ct.CampaignID == id {
			delete(s.contacts, cid)
		}
	}
	return nil
}

func (s *memStore) AddContacts(_ context.Context, campaignID uuid.UUID, contacts []Contact) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[campaignID]; !ok {
		return 0, apperr.Wrap("campaigns: add contacts", apperr.ErrNotFound, nil)
	}
	added := 0
	for _, c := range contacts {
		dup := false
		for _, existing := range s.contacts {
			if existing.CampaignID == campaignID && existing.Phone == c.Phone {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		s.seq++
		c.CampaignID = campaignID
		c.Status = ContactPending
		c.CreatedAt = time.Date(2026, 1, 1, 0, 0, s.seq, 0, time.UTC)
		s.contacts[c.ID] = c
		s.order = append(s.order, c.ID)
		added++
	}
	s.recomputeLocked(campaignID)
	return added, nil
}

func (s *memStore) GetContact(_ context.Context, id uuid.UUID) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return Contact{}, apperr.Wrap("campaigns: get contact", apperr.ErrNotFound, nil)
	}
	return c, nil
}

func (s *memStore) ListContacts(_ context.Context, campaignID uuid.UUID, status ContactStatus) ([]Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(func(c Contact) bool {
		return c.CampaignID == campaignID && (status == "" || c.Status == status)
	}, 0), nil
}

func (s *memStore) PendingContacts(_ context.Context, campaignID uuid.UUID, limit int) ([]Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(func(c Contact) bool {
		return c.CampaignID == campaignID && c.Status == ContactPending
	}, limit), nil
}

func (s *memStore) filterLocked(keep func(Contact) bool, limit int) []Contact {
	var out []Contact
	for _, id := range s.order {
		c, ok := s.contacts[id]
		if !ok || !keep(c) {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (s *memStore) ContactByProviderMessage(_ context.Context, providerMessageID string) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.ProviderMessageID == providerMessageID {
			return c, nil
		}
	}
	return Contact{}, apperr.Wrap("campaigns: contact by message", apperr.ErrNotFound, nil)
}

func (s *memStore) EngagedByPhone(_ context.Context, phone string) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  Contact
		found bool
	)
	for _, c := range s.contacts {
		if c.Phone != phone || c.SentAt == nil || c.Status == ContactOptOut || c.Status == ContactError {
			continue
		}
		if !found || c.SentAt.After(*best.SentAt) {
			best, found = c, true
		}
	}
	if !found {
		return Contact{}, apperr.Wrap("campaigns: contact by phone", apperr.ErrNotFound, nil)
	}
	return best, nil
}

func (s *memStore) ApplyContact(_ context.Context, ch ContactChange) (Contact, error) {
	if !CanTransition(ch.From, ch.To) {
		return Contact{}, apperr.Wrap("campaigns: apply", apperr.ErrIllegalTransition, fmt.Errorf("%s -> %s", ch.From, ch.To))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[ch.ContactID]
	if !ok || c.Status != ch.From {
		return Contact{}, apperr.Wrap("campaigns: apply", apperr.ErrIllegalTransition, nil)
	}
	p := ch.Patch
	c.Status = ch.To
	setStr := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setStr(&c.ProviderMessageID, p.ProviderMessageID)
	setStr(&c.ResponseType, p.ResponseType)
	setStr(&c.LastResponse, p.LastResponse)
	setStr(&c.ErrorMessage, p.ErrorMessage)
	if p.ConversationSessionID != nil {
		c.ConversationSessionID = p.ConversationSessionID
	}
	fill := func(dst **time.Time, v *time.Time) {
		if *dst == nil && v != nil {
			t := *v
			*dst = &t
		}
	}
	fill(&c.SentAt, p.SentAt)
	fill(&c.DeliveredAt, p.DeliveredAt)
	fill(&c.RespondedAt, p.RespondedAt)
	s.contacts[c.ID] = c
	s.recomputeLocked(c.CampaignID)
	return c, nil
}

func (s *memStore) IsOptedOut(_ context.Context, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.optOuts[phone]
	return ok, nil
}

func (s *memStore) OptOut(_ context.Context, phone, source, keyword string, at time.Time) (OptOut, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := OptOut{Phone: phone, Keyword: keyword, Source: source}
	if _, ok := s.optOuts[phone]; !ok {
		s.optOuts[phone] = source
		res.New = true
	}
	touched := map[uuid.UUID]bool{}
	for _, id := range s.order {
		c, ok := s.contacts[id]
		if !ok || c.Phone != phone || c.Status == ContactOptOut {
			continue
		}
		c.Status = ContactOptOut
		if c.OptedOutAt == nil {
			t := at
			c.OptedOutAt = &t
		}
		s.contacts[id] = c
		touched[c.CampaignID] = true
		res.Contacts = append(res.Contacts, c)
		s.outbox = append(s.outbox, events.ContactOptedOutV1{
			CampaignID: c.CampaignID.String(),
			ContactID:  c.ID.String(),
			Phone:      phone,
			Keyword:    keyword,
			OccurredAt: at,
		})
	}
	for id := range touched {
		s.recomputeLocked(id)
	}
	return res, nil
}

func (s *memStore) StatusBreakdown(_ context.Context, campaignID uuid.UUID) (map[ContactStatus]int, map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStatus := map[ContactStatus]int{}
	byResponse := map[string]int{}
	for _, c := range s.contacts {
		if c.CampaignID != campaignID {
			continue
		}
		byStatus[c.Status]++
		if c.ResponseType != "" {
			byResponse[c.ResponseType]++
		}
	}
	return byStatus, byResponse, nil
}

func (s *memStore) recomputeLocked(id uuid.UUID) {
	c, ok := s.campaigns[id]
	if !ok {
		return
	}
	c.TotalContacts, c.SentCount, c.DeliveredCount, c.RespondedCount = 0, 0, 0, 0
	c.InterestedCount, c.NotInterestedCount, c.OptOutCount, c.BookedCount, c.ErrorCount = 0, 0, 0, 0, 0
	for _, ct := range s.contacts {
		if ct.CampaignID != id {
			continue
		}
		c.TotalContacts++
		if ct.SentAt != nil {
			c.SentCount++
		}
		if ct.DeliveredAt != nil {
			c.DeliveredCount++
		}
		if ct.RespondedAt != nil {
			c.RespondedCount++
		}
		switch ct.ResponseType {
		case ResponseInterested:
			c.InterestedCount++
		case ResponseNotInterested:
			c.NotInterestedCount++
		}
		switch ct.Status {
		case ContactOptOut:
			c.OptOutCount++
		case ContactBooked:
			c.BookedCount++
		case ContactError:
			c.ErrorCount++
		}
	}
	s.campaigns[id] = c
}
