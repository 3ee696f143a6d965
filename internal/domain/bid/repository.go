package bid

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository owns auction state. CommitBid is a compare-and-set on the
// current price so a stale writer can never overwrite a newer bid.
type Repository interface {
	GetAuction(ctx context.Context, id uuid.UUID) (*Auction, error)
	SaveAuction(ctx context.Context, auction *Auction) error
	CommitBid(ctx context.Context, ev Event, expectedPrice decimal.Decimal) (*Auction, error)
	CloseAuction(ctx context.Context, id uuid.UUID) (*Auction, error)
}

// SellerAffinity summarises how a bidder's activity concentrates on one
// seller's auctions.
type SellerAffinity struct {
	SellerAuctions       int `json:"seller_auctions"`
	ParticipatedAuctions int `json:"participated_auctions"`
	BidsOnSeller         int `json:"bids_on_seller"`
}

// History is the read side used by the detectors.
type History interface {
	// SubjectBids returns the subject's most recent accepted bids, newest first.
	SubjectBids(ctx context.Context, subject uuid.UUID, limit int) ([]Event, error)
	// AuctionBids returns every accepted bid on the auction, oldest first.
	AuctionBids(ctx context.Context, auctionID uuid.UUID) ([]Event, error)
	SubjectBidCount(ctx context.Context, subject uuid.UUID) (int, error)
	SubjectWinCount(ctx context.Context, subject uuid.UUID) (int, error)
	SellerAffinity(ctx context.Context, subject, sellerID uuid.UUID) (SellerAffinity, error)
	// CoBidders maps every other bidder on auctionID to the number of
	// auctions they share with subject.
	CoBidders(ctx context.Context, subject, auctionID uuid.UUID) (map[uuid.UUID]int, error)
	Auctions(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Auction, error)
}
