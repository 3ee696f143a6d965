package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
)

// GrantStore implements fraud.GrantStore. Revoked grants stay in the slice.
type GrantStore struct {
	mu     sync.RWMutex
	grants map[uuid.UUID][]fraud.Grant
}

func NewGrantStore() *GrantStore {
	return &GrantStore{grants: make(map[uuid.UUID][]fraud.Grant)}
}

func (s *GrantStore) SaveGrant(_ context.Context, g fraud.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.grants[g.SubjectID] {
		if existing.Active() && existing.Scope == g.Scope {
			return errors.NewConflictError("bypass grant already active")
		}
	}
	s.grants[g.SubjectID] = append(s.grants[g.SubjectID], g)
	return nil
}

func (s *GrantStore) RevokeGrant(_ context.Context, subject uuid.UUID, scope fraud.Scope, revokedBy uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	gs := s.grants[subject]
	for i := range gs {
		if gs[i].Active() && gs[i].Scope == scope {
			t := at.UTC()
			by := revokedBy
			gs[i].RevokedAt = &t
			gs[i].RevokedBy = &by
			return nil
		}
	}
	return errors.NewNotFoundError("bypass grant")
}

func (s *GrantStore) ActiveGrants(_ context.Context, subject uuid.UUID) (fraud.Grants, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out fraud.Grants
	for _, g := range s.grants[subject] {
		if g.Active() {
			out = append(out, g)
		}
	}
	return out, nil
}
