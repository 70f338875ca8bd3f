package leads

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded in-memory lead store for tests and local
// development. The single mutex makes every operation, including the claim,
// atomic by construction.
type MemoryStore struct {
	mu        sync.Mutex
	leads     map[string]Lead
	callbacks map[string]Callback
	tags      map[string]UpsellTag
	clock     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leads:     map[string]Lead{},
		callbacks: map[string]Callback{},
		tags:      map[string]UpsellTag{},
		clock:     time.Now,
	}
}

// Put inserts or replaces a lead. Test seeding helper.
func (s *MemoryStore) Put(l Lead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.clock().UTC()
	}
	s.leads[l.ID] = l
}

func (s *MemoryStore) GetLead(_ context.Context, id string) (Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return Lead{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) ClaimNextEligible(_ context.Context, repID string, now time.Time) (Lead, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]Lead, 0)
	for _, l := range s.leads {
		if !s.eligibleLocked(l, repID, now) {
			continue
		}
		candidates = append(candidates, l)
	}
	if len(candidates) == 0 {
		return Lead{}, false, nil
	}

	// oldest-eligible-first
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	l := candidates[0]
	l.Disposition = DispositionContacted
	l.RepID = repID
	l.UpdatedAt = now.UTC()
	s.leads[l.ID] = l
	return l, true, nil
}

func (s *MemoryStore) eligibleLocked(l Lead, repID string, now time.Time) bool {
	if l.Disposition == DispositionDNC {
		return false
	}
	if l.RepID != "" && l.RepID != repID {
		return false
	}
	switch l.Disposition {
	case DispositionNew:
		return true
	case DispositionCallback:
		for _, cb := range s.callbacks {
			if cb.LeadID == l.ID && cb.Status == CallbackStatusPending && !cb.ScheduledAt.After(now) {
				return true
			}
		}
	}
	return false
}

func (s *MemoryStore) SetDisposition(_ context.Context, leadID string, from, to Disposition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[leadID]
	if !ok {
		return ErrNotFound
	}
	if l.Disposition != from {
		return ErrConflict
	}
	if l.Disposition == DispositionDNC {
		// dnc is one-way regardless of what the caller expected.
		return ErrConflict
	}
	l.Disposition = to
	l.UpdatedAt = s.clock().UTC()
	s.leads[leadID] = l
	return nil
}

func (s *MemoryStore) MarkDNC(_ context.Context, leadID string) (Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[leadID]
	if !ok {
		return Lead{}, ErrNotFound
	}
	if l.Disposition == DispositionDNC {
		return l, nil
	}
	l.Disposition = DispositionDNC
	l.UpdatedAt = s.clock().UTC()
	s.leads[leadID] = l
	return l, nil
}

func (s *MemoryStore) TouchLastCall(_ context.Context, leadID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[leadID]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	l.LastCallAt = &t
	l.UpdatedAt = t
	s.leads[leadID] = l
	return nil
}

func (s *MemoryStore) GetCallback(_ context.Context, id string) (Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.callbacks[id]
	if !ok {
		return Callback{}, ErrNotFound
	}
	return cb, nil
}

func (s *MemoryStore) ScheduleCallback(_ context.Context, leadID string, at time.Time) (Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leads[leadID]; !ok {
		return Callback{}, ErrNotFound
	}
	cb := Callback{
		ID:          uuid.NewString(),
		LeadID:      leadID,
		ScheduledAt: at.UTC(),
		Status:      CallbackStatusPending,
		CreatedAt:   s.clock().UTC(),
	}
	s.callbacks[cb.ID] = cb
	return cb, nil
}

func (s *MemoryStore) CompleteCallback(_ context.Context, id string, now time.Time) (Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.callbacks[id]
	if !ok {
		return Callback{}, ErrNotFound
	}
	if cb.Status == CallbackStatusCompleted {
		return cb, nil
	}
	t := now.UTC()
	cb.Status = CallbackStatusCompleted
	cb.CompletedAt = &t
	s.callbacks[id] = cb
	return cb, nil
}

func (s *MemoryStore) AddUpsellTag(_ context.Context, leadID, label string) (UpsellTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leads[leadID]; !ok {
		return UpsellTag{}, ErrNotFound
	}
	tag := UpsellTag{
		ID:        uuid.NewString(),
		LeadID:    leadID,
		Label:     label,
		CreatedAt: s.clock().UTC(),
	}
	s.tags[tag.ID] = tag
	return tag, nil
}

func (s *MemoryStore) RemoveUpsellTag(_ context.Context, tagID string, now time.Time) (UpsellTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, ok := s.tags[tagID]
	if !ok {
		return UpsellTag{}, ErrNotFound
	}
	if tag.RemovedAt != nil {
		return tag, nil
	}
	t := now.UTC()
	tag.RemovedAt = &t
	s.tags[tagID] = tag
	return tag, nil
}

func (s *MemoryStore) ListUpsellTags(_ context.Context, leadID string) ([]UpsellTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UpsellTag, 0)
	for _, tag := range s.tags {
		if tag.LeadID == leadID {
			out = append(out, tag)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
