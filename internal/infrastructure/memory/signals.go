package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
)

// SignalStore implements fraud.SignalStore.
type SignalStore struct {
	mu      sync.RWMutex
	signals map[uuid.UUID]*fraud.Signal
}

func NewSignalStore() *SignalStore {
	return &SignalStore{signals: make(map[uuid.UUID]*fraud.Signal)}
}

func copySignal(s *fraud.Signal) *fraud.Signal {
	c := *s
	c.Evidence = make(map[string]interface{}, len(s.Evidence))
	for k, v := range s.Evidence {
		c.Evidence[k] = v
	}
	return &c
}

func (s *SignalStore) SaveSignals(_ context.Context, signals []*fraud.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sig := range signals {
		if _, exists := s.signals[sig.ID]; exists {
			return errors.NewConflictError("signal already recorded")
		}
	}
	for _, sig := range signals {
		s.signals[sig.ID] = copySignal(sig)
	}
	return nil
}

func (s *SignalStore) GetSignal(_ context.Context, id uuid.UUID) (*fraud.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.signals[id]
	if !ok {
		return nil, errors.ErrSignalNotFound
	}
	return copySignal(sig), nil
}

func (s *SignalStore) ListSignals(_ context.Context, f fraud.Filter) ([]*fraud.Signal, error) {
	s.mu.RLock()
	out := make([]*fraud.Signal, 0)
	for _, sig := range s.signals {
		if f.Matches(sig) {
			out = append(out, copySignal(sig))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *SignalStore) MarkReviewed(_ context.Context, id, reviewer uuid.UUID, at time.Time) (*fraud.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return nil, errors.ErrSignalNotFound
	}
	if err := sig.Review(reviewer, at); err != nil {
		return nil, err
	}
	return copySignal(sig), nil
}
