package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/account"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

// AccountStore implements account.Directory.
type AccountStore struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]account.Account
}

func NewAccountStore() *AccountStore {
	return &AccountStore{accounts: make(map[uuid.UUID]account.Account)}
}

func (s *AccountStore) SaveAccount(_ context.Context, a *account.Account) error {
	if a == nil || a.ID == uuid.Nil {
		return errors.NewValidationError("INVALID_ACCOUNT", "account id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = *a
	return nil
}

func (s *AccountStore) GetAccount(_ context.Context, id uuid.UUID) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, errors.ErrAccountNotFound
	}
	return &a, nil
}
