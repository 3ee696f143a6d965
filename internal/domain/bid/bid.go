package bid

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

// Event is an accepted bid. It is created once, when the coordinator commits
// the bid, and never mutated afterwards.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	AuctionID uuid.UUID       `json:"auction_id"`
	BidderID  uuid.UUID       `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
	PlacedAt  time.Time       `json:"placed_at"`
}

func NewEvent(auctionID, bidderID uuid.UUID, amount decimal.Decimal, placedAt time.Time) Event {
	return Event{
		ID:        uuid.New(),
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		PlacedAt:  placedAt.UTC(),
	}
}

type Auction struct {
	ID           uuid.UUID       `json:"id"`
	SellerID     uuid.UUID       `json:"seller_id"`
	Title        string          `json:"title"`
	Status       AuctionStatus   `json:"status"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	MinIncrement decimal.Decimal `json:"min_increment"`
	BidCount     int             `json:"bid_count"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	WinnerID     *uuid.UUID      `json:"winner_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AuctionStatus int

const (
	AuctionStatusPending AuctionStatus = iota
	AuctionStatusActive
	AuctionStatusCompleted
	AuctionStatusCanceled
)

func (s AuctionStatus) String() string {
	switch s {
	case AuctionStatusPending:
		return "pending"
	case AuctionStatusActive:
		return "active"
	case AuctionStatusCompleted:
		return "completed"
	case AuctionStatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ParseAuctionStatus is the inverse of String. Unknown values map to pending.
func ParseAuctionStatus(s string) AuctionStatus {
	switch s {
	case "active":
		return AuctionStatusActive
	case "completed":
		return AuctionStatusCompleted
	case "canceled":
		return AuctionStatusCanceled
	default:
		return AuctionStatusPending
	}
}

func NewAuction(sellerID uuid.UUID, title string, startingPrice, minIncrement decimal.Decimal, start, end time.Time) (*Auction, error) {
	if sellerID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_SELLER", "seller id is required")
	}
	if startingPrice.IsNegative() {
		return nil, errors.NewValidationError("INVALID_PRICE", "starting price cannot be negative")
	}
	if !minIncrement.IsPositive() {
		return nil, errors.NewValidationError("INVALID_INCREMENT", "minimum increment must be positive")
	}
	if !end.After(start) {
		return nil, errors.NewValidationError("INVALID_SCHEDULE", "auction must end after it starts")
	}

	now := time.Now().UTC()
	return &Auction{
		ID:           uuid.New(),
		SellerID:     sellerID,
		Title:        title,
		Status:       AuctionStatusActive,
		CurrentPrice: startingPrice,
		MinIncrement: minIncrement,
		StartTime:    start.UTC(),
		EndTime:      end.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// MinimumNextBid is the lowest amount the next bid may carry.
func (a *Auction) MinimumNextBid() decimal.Decimal {
	return a.CurrentPrice.Add(a.MinIncrement)
}

// HasEnded reports whether the auction stopped accepting bids at now.
func (a *Auction) HasEnded(now time.Time) bool {
	return a.Status != AuctionStatusActive || !now.Before(a.EndTime)
}

func (a *Auction) Remaining(now time.Time) time.Duration {
	if !now.Before(a.EndTime) {
		return 0
	}
	return a.EndTime.Sub(now)
}

// InEndgame reports whether at most window remains before the auction ends.
func (a *Auction) InEndgame(now time.Time, window time.Duration) bool {
	return !a.HasEnded(now) && a.Remaining(now) <= window
}

// Progress returns how far through the auction at falls, clamped to [0, 1].
func (a *Auction) Progress(at time.Time) float64 {
	total := a.EndTime.Sub(a.StartTime)
	if total <= 0 {
		return 1
	}
	p := float64(at.Sub(a.StartTime)) / float64(total)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

// ValidateBid checks the domain rules a bid must satisfy before any fraud
// screening happens.
func (a *Auction) ValidateBid(amount decimal.Decimal, now time.Time) error {
	if now.Before(a.StartTime) {
		return errors.NewValidationError("AUCTION_NOT_STARTED", "auction has not started").
			WithDetails(map[string]interface{}{"start_time": a.StartTime})
	}
	if a.HasEnded(now) {
		return errors.NewValidationError("AUCTION_ENDED", "auction has ended").
			WithDetails(map[string]interface{}{"end_time": a.EndTime, "status": a.Status.String()})
	}
	minimum := a.MinimumNextBid()
	if amount.LessThan(minimum) {
		return errors.NewValidationError("BID_TOO_LOW", "bid is below the current price plus minimum increment").
			WithDetails(map[string]interface{}{
				"current_price": a.CurrentPrice.String(),
				"minimum_bid":   minimum.String(),
			})
	}
	return nil
}

// Apply advances price and bid count for an accepted bid.
func (a *Auction) Apply(ev Event) {
	a.CurrentPrice = ev.Amount
	a.BidCount++
	a.UpdatedAt = ev.PlacedAt
}
