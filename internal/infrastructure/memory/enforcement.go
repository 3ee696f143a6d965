package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/enforcement"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

// EnforcementStore implements enforcement.Store. Records are kept after
// resolution; active indexes the single unresolved record per key.
type EnforcementStore struct {
	mu         sync.RWMutex
	records    map[uuid.UUID]*enforcement.State
	active     map[enforcement.Key]uuid.UUID
	violations map[uuid.UUID]int
}

func NewEnforcementStore() *EnforcementStore {
	return &EnforcementStore{
		records:    make(map[uuid.UUID]*enforcement.State),
		active:     make(map[enforcement.Key]uuid.UUID),
		violations: make(map[uuid.UUID]int),
	}
}

func copyState(s *enforcement.State) *enforcement.State {
	c := *s
	if s.HeldBid != nil {
		h := *s.HeldBid
		c.HeldBid = &h
	}
	return &c
}

func (s *EnforcementStore) Active(_ context.Context, key enforcement.Key) (*enforcement.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[key]
	if !ok {
		return nil, nil
	}
	return copyState(s.records[id]), nil
}

func (s *EnforcementStore) ActiveForSubject(_ context.Context, subject uuid.UUID) ([]*enforcement.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*enforcement.State
	for key, id := range s.active {
		if key.SubjectID == subject {
			out = append(out, copyState(s.records[id]))
		}
	}
	return out, nil
}

func (s *EnforcementStore) Get(_ context.Context, id uuid.UUID) (*enforcement.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.records[id]
	if !ok {
		return nil, errors.NewNotFoundError("enforcement record")
	}
	return copyState(st), nil
}

func (s *EnforcementStore) Create(_ context.Context, st *enforcement.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := st.Key()
	if _, ok := s.active[key]; ok {
		return errors.NewConflictError("subject already has an active enforcement record for this scope")
	}
	s.records[st.ID] = copyState(st)
	s.active[key] = st.ID
	return nil
}

func (s *EnforcementStore) Resolve(_ context.Context, id uuid.UUID, res enforcement.Resolution, by *uuid.UUID, at time.Time) (*enforcement.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.records[id]
	if !ok {
		return nil, errors.NewNotFoundError("enforcement record")
	}
	if err := st.Resolve(res, by, at); err != nil {
		return nil, err
	}
	if s.active[st.Key()] == id {
		delete(s.active, st.Key())
	}
	return copyState(st), nil
}

func (s *EnforcementStore) CountCreatedSince(_ context.Context, subject uuid.UUID, tier enforcement.Tier, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, st := range s.records {
		if st.SubjectID == subject && st.Tier == tier && !st.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *EnforcementStore) IncrementViolations(_ context.Context, subject uuid.UUID, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations[subject]++
	return s.violations[subject], nil
}

func (s *EnforcementStore) Violations(_ context.Context, subject uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.violations[subject], nil
}
