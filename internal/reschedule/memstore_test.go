package reschedule

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

// memStore is an in-memory Store with the same guard and counter rules as
// PostgresStore.
type memStore struct {
	mu       sync.Mutex
	batches  map[uuid.UUID]Batch
	requests map[uuid.UUID]Request
	order    []uuid.UUID
	events   []Event
	history  map[uuid.UUID]History
	moves    []AppointmentMove
	outbox   []events.CanonicalEvent
	applyErr error
	now      func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		batches:  map[uuid.UUID]Batch{},
		requests: map[uuid.UUID]Request{},
		history:  map[uuid.UUID]History{},
		now:      time.Now,
	}
}

func (s *memStore) CreateBatch(_ context.Context, b Batch, reqs []Request) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.Status = BatchPending
	s.batches[b.ID] = b
	for _, r := range reqs {
		s.putLocked(r)
	}
	return s.recomputeLocked(b.ID), nil
}

func (s *memStore) CreateRequest(_ context.Context, r Request) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.requests {
		if existing.CurrentRemoteAppointmentID == r.CurrentRemoteAppointmentID && !existing.Status.Terminal() {
			return Request{}, apperr.Wrap("reschedule: create request", apperr.ErrConstraintViolation, nil)
		}
	}
	s.putLocked(r)
	return s.requests[r.ID], nil
}

func (s *memStore) putLocked(r Request) {
	r.CreatedAt = s.now()
	r.UpdatedAt = r.CreatedAt
	s.requests[r.ID] = r
	s.order = append(s.order, r.ID)
}

func (s *memStore) GetBatch(_ context.Context, id uuid.UUID) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return Batch{}, apperr.Wrap("reschedule: get batch", apperr.ErrNotFound, nil)
	}
	return b, nil
}

func (s *memStore) GetRequest(_ context.Context, id uuid.UUID) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return Request{}, apperr.Wrap("reschedule: get request", apperr.ErrNotFound, nil)
	}
	return r, nil
}

func (s *memStore) ListRequests(_ context.Context, batchID uuid.UUID) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, id := range s.order {
		r := s.requests[id]
		if r.BatchID != nil && *r.BatchID == batchID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, id := range s.order {
		r := s.requests[id]
		if r.Status != StatusPending || r.NextAttemptAt.After(now) {
			continue
		}
		r.NextAttemptAt = now.Add(lease)
		s.requests[id] = r
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) Stalled(_ context.Context, status Status, before time.Time, limit int) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, id := range s.order {
		r := s.requests[id]
		if r.Status == status && r.UpdatedAt.Before(before) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) OpenByPhone(_ context.Context, phone string, since time.Time) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []Request
	for _, r := range s.requests {
		if r.Phone != phone || !r.Status.Open() {
			continue
		}
		last := r.SMSSentAt
		if r.LastInboundAt != nil {
			last = r.LastInboundAt
		}
		if last == nil || last.Before(since) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return Request{}, apperr.Wrap("reschedule: open by phone", apperr.ErrNotFound, nil)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].SMSSentAt.After(*candidates[j].SMSSentAt) })
	return candidates[0], nil
}

func (s *memStore) LatestOffer(_ context.Context, id uuid.UUID) (SlotOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if offer, ok := s.events[i].Metadata.(SlotOffer); ok && s.events[i].RequestID == id {
			return offer, nil
		}
	}
	return SlotOffer{}, apperr.Wrap("reschedule: latest offer", apperr.ErrNotFound, nil)
}

func (s *memStore) Events(_ context.Context, id uuid.UUID) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.RequestID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) Apply(_ context.Context, c Change) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return Request{}, s.applyErr
	}
	if !CanTransition(c.From, c.To) {
		return Request{}, apperr.Wrap("reschedule: apply", apperr.ErrIllegalTransition, fmt.Errorf("%s -> %s", c.From, c.To))
	}
	r, ok := s.requests[c.RequestID]
	if !ok || r.Status != c.From {
		return Request{}, apperr.Wrap("reschedule: apply", apperr.ErrIllegalTransition, fmt.Errorf("request not in %s", c.From))
	}
	r.Status = c.To
	p := c.Patch
	if p.DispatchAttempts != nil {
		r.DispatchAttempts = *p.DispatchAttempts
	}
	if p.NextAttemptAt != nil {
		r.NextAttemptAt = *p.NextAttemptAt
	}
	if p.LastError != nil {
		r.LastError = *p.LastError
	}
	if p.ProviderMessageID != nil {
		r.ProviderMessageID = *p.ProviderMessageID
	}
	if p.SMSSentAt != nil {
		r.SMSSentAt = p.SMSSentAt
	}
	if p.LastInboundAt != nil {
		r.LastInboundAt = p.LastInboundAt
	}
	if p.EscalationReason != nil {
		r.EscalationReason = *p.EscalationReason
	}
	if p.SelectedSlotAt != nil {
		r.SelectedSlotAt = p.SelectedSlotAt
	}
	if p.NewRemoteAppointmentID != nil {
		r.NewRemoteAppointmentID = *p.NewRemoteAppointmentID
	}
	r.Escalated = r.Escalated || c.To == StatusEscalated
	r.UpdatedAt = s.now()
	s.requests[r.ID] = r

	s.events = append(s.events, Event{ID: int64(len(s.events) + 1), RequestID: r.ID, From: c.From, To: c.To, Metadata: c.Metadata, Provenance: c.Provenance, CreatedAt: r.UpdatedAt})
	if c.History != nil {
		if _, dup := s.history[r.ID]; !dup {
			s.history[r.ID] = *c.History
		}
	}
	if c.Move != nil {
		s.moves = append(s.moves, *c.Move)
	}
	if c.Outbox != nil {
		s.outbox = append(s.outbox, c.Outbox)
	}
	if r.BatchID != nil {
		s.recomputeLocked(*r.BatchID)
	}
	return r, nil
}

func (s *memStore) CancelBatch(_ context.Context, batchID uuid.UUID, c Cancellation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return 0, apperr.Wrap("reschedule: cancel batch", apperr.ErrNotFound, nil)
	}
	n := 0
	for _, id := range s.order {
		r := s.requests[id]
		if r.BatchID == nil || *r.BatchID != batchID || !CanTransition(r.Status, StatusCancelled) {
			continue
		}
		s.events = append(s.events, Event{RequestID: id, From: r.Status, To: StatusCancelled, Metadata: c})
		r.Status = StatusCancelled
		s.requests[id] = r
		n++
	}
	if b.Status == BatchPending || b.Status == BatchInProgress {
		b.Status = BatchCancelled
		s.batches[batchID] = b
	}
	s.recomputeLocked(batchID)
	return n, nil
}

func (s *memStore) recomputeLocked(batchID uuid.UUID) Batch {
	b := s.batches[batchID]
	var total, processed, successful, failed, remaining, escalated, touched int
	for _, r := range s.requests {
		if r.BatchID == nil || *r.BatchID != batchID {
			continue
		}
		total++
		if r.Status.Terminal() {
			processed++
		} else {
			remaining++
		}
		switch r.Status {
		case StatusCompleted:
			successful++
		case StatusFailed, StatusCancelled:
			failed++
		case StatusEscalated:
			failed++
			escalated++
		}
		if r.Status != StatusPending {
			touched++
		}
	}
	b.TotalPatients, b.ProcessedPatients, b.SuccessfulReschedules = total, processed, successful
	b.FailedReschedules, b.PendingPatients, b.EscalatedPatients = failed, remaining, escalated
	switch {
	case b.Status == BatchCancelled:
	case total > 0 && remaining == 0:
		b.Status = BatchCompleted
	case touched > 0:
		b.Status = BatchInProgress
	default:
		b.Status = BatchPending
	}
	s.batches[batchID] = b
	return b
}
