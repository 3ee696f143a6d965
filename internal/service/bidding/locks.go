package bidding

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

// auctionLocks is the per-auction critical section: a one-slot channel per
// auction id, dropped once nobody holds or waits on it.
type auctionLocks struct {
	mu    sync.Mutex
	slots map[uuid.UUID]*auctionSlot
}

type auctionSlot struct {
	ch   chan struct{}
	refs int
}

func newAuctionLocks() *auctionLocks {
	return &auctionLocks{slots: make(map[uuid.UUID]*auctionSlot)}
}

func (l *auctionLocks) acquire(ctx context.Context, auctionID uuid.UUID, timeout time.Duration) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[auctionID]
	if !ok {
		s = &auctionSlot{ch: make(chan struct{}, 1)}
		l.slots[auctionID] = s
	}
	s.refs++
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		return func() {
			<-s.ch
			l.unref(auctionID, s)
		}, nil
	case <-timer.C:
		l.unref(auctionID, s)
		return nil, errors.NewTransientError("auction", "timed out waiting for the auction section").
			WithDetails(map[string]interface{}{"resource": "auction", "auction_id": auctionID.String()})
	case <-ctx.Done():
		l.unref(auctionID, s)
		return nil, errors.NewTransientError("auction", "request cancelled while waiting for the auction section").WithCause(ctx.Err())
	}
}

func (l *auctionLocks) unref(auctionID uuid.UUID, s *auctionSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, auctionID)
	}
}

func (l *auctionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
