package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/financial"
)

// PaymentStore implements financial.PaymentRepository.
type PaymentStore struct {
	mu       sync.RWMutex
	payments map[uuid.UUID]financial.Payment
}

func NewPaymentStore() *PaymentStore {
	return &PaymentStore{payments: make(map[uuid.UUID]financial.Payment)}
}

func (s *PaymentStore) SavePayment(_ context.Context, p *financial.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.payments[p.ID]; exists {
		return errors.NewConflictError("payment already recorded")
	}
	s.payments[p.ID] = *p
	return nil
}

func (s *PaymentStore) UpdateStatus(_ context.Context, id uuid.UUID, status financial.PaymentStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return errors.NewNotFoundError("payment")
	}
	p.Status = status
	p.UpdatedAt = at.UTC()
	s.payments[id] = p
	return nil
}

func (s *PaymentStore) SubjectPayments(_ context.Context, subject uuid.UUID, since time.Time) ([]*financial.Payment, error) {
	return s.collect(func(p *financial.Payment) bool {
		return p.SubjectID == subject && !p.CreatedAt.Before(since)
	}, true), nil
}

func (s *PaymentStore) StalePending(_ context.Context, cutoff time.Time) ([]*financial.Payment, error) {
	return s.collect(func(p *financial.Payment) bool {
		return p.Status == financial.PaymentStatusPending && !p.CreatedAt.After(cutoff)
	}, false), nil
}

func (s *PaymentStore) collect(match func(*financial.Payment) bool, newestFirst bool) []*financial.Payment {
	s.mu.RLock()
	out := make([]*financial.Payment, 0)
	for _, p := range s.payments {
		p := p
		if match(&p) {
			out = append(out, &p)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
