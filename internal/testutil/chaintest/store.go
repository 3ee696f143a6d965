// Package chaintest edits chain records out of band so verification can be
// exercised against corrupted storage.
package chaintest

import (
	"context"
	"sync"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/ledger"
)

// Store wraps a ledger.Store and rewrites what it reads. Appends go to the
// wrapped store untouched.
type Store struct {
	ledger.Store

	mu      sync.Mutex
	edits   map[int64][]func(*ledger.Record)
	removed map[int64]bool
}

func NewStore(inner ledger.Store) *Store {
	return &Store{
		Store:   inner,
		edits:   make(map[int64][]func(*ledger.Record)),
		removed: make(map[int64]bool),
	}
}

// Tamper rewrites the record at sequence on every later read.
func (s *Store) Tamper(sequence int64, mutate func(r *ledger.Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits[sequence] = append(s.edits[sequence], mutate)
}

// Remove hides the record at sequence from Range.
func (s *Store) Remove(sequence int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed[sequence] = true
}

func (s *Store) Tail(ctx context.Context) (*ledger.Record, error) {
	r, err := s.Store.Tail(ctx)
	if err != nil || r == nil {
		return r, err
	}
	return s.edit(r), nil
}

func (s *Store) Range(ctx context.Context, from int64, limit int) ([]*ledger.Record, error) {
	out := make([]*ledger.Record, 0)
	for {
		page, err := s.Store.Range(ctx, from, limit)
		if err != nil {
			return nil, err
		}
		for _, r := range page {
			if s.isRemoved(r.Sequence) {
				continue
			}
			out = append(out, s.edit(r))
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
		if limit <= 0 || len(page) < limit {
			return out, nil
		}
		from = page[len(page)-1].Sequence + 1
	}
}

func (s *Store) isRemoved(sequence int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed[sequence]
}

func (s *Store) edit(r *ledger.Record) *ledger.Record {
	s.mu.Lock()
	edits := s.edits[r.Sequence]
	s.mu.Unlock()

	c := *r
	c.Payload = make(map[string]interface{}, len(r.Payload))
	for k, v := range r.Payload {
		c.Payload[k] = v
	}
	for _, mutate := range edits {
		mutate(&c)
	}
	return &c
}
