// Package memory holds in-process implementations of every store contract.
// They back the API when no database is configured and the service tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/bid"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

// AuctionStore implements bid.Repository and bid.History.
type AuctionStore struct {
	mu        sync.RWMutex
	auctions  map[uuid.UUID]*bid.Auction
	byAuction map[uuid.UUID][]bid.Event
	bySubject map[uuid.UUID][]bid.Event
}

func NewAuctionStore() *AuctionStore {
	return &AuctionStore{
		auctions:  make(map[uuid.UUID]*bid.Auction),
		byAuction: make(map[uuid.UUID][]bid.Event),
		bySubject: make(map[uuid.UUID][]bid.Event),
	}
}

func copyAuction(a *bid.Auction) *bid.Auction {
	c := *a
	if a.WinnerID != nil {
		w := *a.WinnerID
		c.WinnerID = &w
	}
	return &c
}

func (s *AuctionStore) GetAuction(_ context.Context, id uuid.UUID) (*bid.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, errors.ErrAuctionNotFound
	}
	return copyAuction(a), nil
}

func (s *AuctionStore) SaveAuction(_ context.Context, a *bid.Auction) error {
	if a == nil || a.ID == uuid.Nil {
		return errors.NewValidationError("INVALID_AUCTION", "auction id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auctions[a.ID] = copyAuction(a)
	return nil
}

// CommitBid applies ev only if the stored price still equals expectedPrice.
func (s *AuctionStore) CommitBid(_ context.Context, ev bid.Event, expectedPrice decimal.Decimal) (*bid.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[ev.AuctionID]
	if !ok {
		return nil, errors.ErrAuctionNotFound
	}
	if !a.CurrentPrice.Equal(expectedPrice) {
		return nil, errors.NewConflictError("auction price changed").WithDetails(map[string]interface{}{
			"expected_price": expectedPrice.String(),
			"current_price":  a.CurrentPrice.String(),
		})
	}
	a.Apply(ev)
	s.byAuction[ev.AuctionID] = append(s.byAuction[ev.AuctionID], ev)
	s.bySubject[ev.BidderID] = append(s.bySubject[ev.BidderID], ev)
	return copyAuction(a), nil
}

// CloseAuction completes the auction and records the highest bidder.
func (s *AuctionStore) CloseAuction(_ context.Context, id uuid.UUID) (*bid.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, errors.ErrAuctionNotFound
	}
	if a.Status != bid.AuctionStatusActive {
		return nil, errors.NewConflictError("auction is not active")
	}
	a.Status = bid.AuctionStatusCompleted
	if bids := s.byAuction[id]; len(bids) > 0 {
		w := bids[len(bids)-1].BidderID
		a.WinnerID = &w
	}
	return copyAuction(a), nil
}

func (s *AuctionStore) SubjectBids(_ context.Context, subject uuid.UUID, limit int) ([]bid.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.bySubject[subject]
	n := len(src)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]bid.Event, 0, n)
	for i := len(src) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, src[i])
	}
	return out, nil
}

func (s *AuctionStore) AuctionBids(_ context.Context, auctionID uuid.UUID) ([]bid.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]bid.Event(nil), s.byAuction[auctionID]...), nil
}

func (s *AuctionStore) SubjectBidCount(_ context.Context, subject uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySubject[subject]), nil
}

func (s *AuctionStore) SubjectWinCount(_ context.Context, subject uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wins := 0
	for _, a := range s.auctions {
		if a.WinnerID != nil && *a.WinnerID == subject {
			wins++
		}
	}
	return wins, nil
}

func (s *AuctionStore) SellerAffinity(_ context.Context, subject, seller uuid.UUID) (bid.SellerAffinity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var aff bid.SellerAffinity
	joined := make(map[uuid.UUID]struct{})
	for _, ev := range s.bySubject[subject] {
		a, ok := s.auctions[ev.AuctionID]
		if !ok || a.SellerID != seller {
			continue
		}
		aff.BidsOnSeller++
		joined[ev.AuctionID] = struct{}{}
	}
	for _, a := range s.auctions {
		if a.SellerID == seller {
			aff.SellerAuctions++
		}
	}
	aff.ParticipatedAuctions = len(joined)
	return aff, nil
}

func (s *AuctionStore) CoBidders(_ context.Context, subject, auctionID uuid.UUID) (map[uuid.UUID]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mine := s.auctionsOf(subject)
	out := make(map[uuid.UUID]int)
	for _, ev := range s.byAuction[auctionID] {
		other := ev.BidderID
		if other == subject {
			continue
		}
		if _, done := out[other]; done {
			continue
		}
		common := 0
		for id := range s.auctionsOf(other) {
			if _, ok := mine[id]; ok {
				common++
			}
		}
		out[other] = common
	}
	return out, nil
}

func (s *AuctionStore) auctionsOf(subject uuid.UUID) map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{})
	for _, ev := range s.bySubject[subject] {
		set[ev.AuctionID] = struct{}{}
	}
	return set
}

func (s *AuctionStore) Auctions(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*bid.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]*bid.Auction, len(ids))
	for _, id := range ids {
		if a, ok := s.auctions[id]; ok {
			out[id] = copyAuction(a)
		}
	}
	return out, nil
}

// ListAuctions returns every auction ordered by end time.
func (s *AuctionStore) ListAuctions(_ context.Context) ([]*bid.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*bid.Auction, 0, len(s.auctions))
	for _, a := range s.auctions {
		out = append(out, copyAuction(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out, nil
}
