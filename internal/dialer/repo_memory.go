package dialer

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is a mutex-guarded in-memory session store for tests and local
// development. Version checks mirror the conditional-update behavior of the
// postgres repository.
type MemoryRepo struct {
	mu          sync.Mutex
	sessions    map[string]Session
	activeByRep map[string]string // repID -> session id
	calls       map[string]Call
	byProvider  map[string]string // provider call id -> call id
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		sessions:    map[string]Session{},
		activeByRep: map[string]string{},
		calls:       map[string]Call{},
		byProvider:  map[string]string{},
	}
}

func (r *MemoryRepo) CreateSession(_ context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.activeByRep[s.RepID]; ok {
		if existing := r.sessions[id]; !existing.Terminal() {
			return ErrConflict
		}
	}
	if _, ok := r.sessions[s.ID]; ok {
		return ErrConflict
	}
	s.Version = 1
	r.sessions[s.ID] = s
	if !s.Terminal() {
		r.activeByRep[s.RepID] = s.ID
	}
	return nil
}

func (r *MemoryRepo) GetSession(_ context.Context, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepo) GetActiveSessionByRep(_ context.Context, repID string) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.activeByRep[repID]
	if !ok {
		return Session{}, false, nil
	}
	s := r.sessions[id]
	if s.Terminal() {
		return Session{}, false, nil
	}
	return s, true, nil
}

func (r *MemoryRepo) UpdateSession(_ context.Context, s Session) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.sessions[s.ID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if stored.Version != s.Version {
		return Session{}, ErrConflict
	}
	s.Version++
	r.sessions[s.ID] = s
	if s.Terminal() {
		if r.activeByRep[s.RepID] == s.ID {
			delete(r.activeByRep, s.RepID)
		}
	}
	return s, nil
}

func (r *MemoryRepo) ListActiveSessions(_ context.Context) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.activeByRep))
	for _, id := range r.activeByRep {
		s := r.sessions[id]
		if !s.Terminal() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RepID < out[j].RepID })
	return out, nil
}

func (r *MemoryRepo) CreateCall(_ context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[c.ID]; ok {
		return ErrConflict
	}
	r.calls[c.ID] = c
	if c.ProviderCallID != "" {
		r.byProvider[c.ProviderCallID] = c.ID
	}
	return nil
}

func (r *MemoryRepo) GetCall(_ context.Context, id string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) GetCallByProviderID(_ context.Context, providerCallID string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byProvider[providerCallID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return r.calls[id], nil
}

func (r *MemoryRepo) UpdateCall(_ context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[c.ID]; !ok {
		return ErrNotFound
	}
	r.calls[c.ID] = c
	if c.ProviderCallID != "" {
		r.byProvider[c.ProviderCallID] = c.ID
	}
	return nil
}
