package memory

import (
	"context"
	"sync"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/ledger"
)

// LedgerStore implements ledger.Store over an append-only slice.
type LedgerStore struct {
	mu      sync.RWMutex
	records []*ledger.Record
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{}
}

func copyRecord(r *ledger.Record) *ledger.Record {
	c := *r
	c.Payload = make(map[string]interface{}, len(r.Payload))
	for k, v := range r.Payload {
		c.Payload[k] = v
	}
	return &c
}

func (s *LedgerStore) Tail(_ context.Context) (*ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return nil, nil
	}
	return copyRecord(s.records[len(s.records)-1]), nil
}

// Append accepts r only if it extends the current tail.
func (s *LedgerStore) Append(_ context.Context, r *ledger.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wantSeq, wantPrev := int64(1), ledger.GenesisHash
	if n := len(s.records); n > 0 {
		wantSeq = s.records[n-1].Sequence + 1
		wantPrev = s.records[n-1].RecordHash
	}
	if r.Sequence != wantSeq || r.PreviousHash != wantPrev {
		return errors.NewConflictError("record does not extend the chain tail").WithDetails(map[string]interface{}{
			"expected_sequence": wantSeq,
			"sequence":          r.Sequence,
		})
	}
	s.records = append(s.records, copyRecord(r))
	return nil
}

func (s *LedgerStore) Range(_ context.Context, from int64, limit int) ([]*ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ledger.Record, 0)
	for _, r := range s.records {
		if r.Sequence < from {
			continue
		}
		out = append(out, copyRecord(r))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Len is the number of stored records.
func (s *LedgerStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
