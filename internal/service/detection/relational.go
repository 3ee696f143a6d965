package detection

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
)

// SellerAffinity flags bidders who join most of one seller's auctions.
type SellerAffinity struct {
	cfg  RelationalConfig
	desc Descriptor
}

func NewSellerAffinity(cfg RelationalConfig) *SellerAffinity {
	return &SellerAffinity{cfg: cfg, desc: Descriptor{
		Kind:     fraud.KindSellerAffinity,
		Severity: fraud.SeverityHigh,
		Category: fraud.CategoryFraudDetection,
		Action:   fraud.ActionLog,
	}}
}

func (d *SellerAffinity) Descriptor() Descriptor { return d.desc }

func (d *SellerAffinity) Evaluate(ctx context.Context, ev *Evaluation) (*fraud.Signal, error) {
	if err := ev.requireBid(); err != nil {
		return nil, err
	}
	aff, err := ev.Bids.SellerAffinity(ctx, ev.SubjectID, ev.Auction.SellerID)
	if err != nil {
		return nil, err
	}
	if aff.SellerAuctions < d.cfg.AffinityMinAuctions {
		return nil, nil
	}
	r := ratio(aff.ParticipatedAuctions, aff.SellerAuctions)
	if r < d.cfg.AffinityRatio {
		return nil, nil
	}
	return newSignal(d.desc, ev, map[string]interface{}{
		"seller_id":             ev.Auction.SellerID.String(),
		"seller_auctions":       aff.SellerAuctions,
		"participated_auctions": aff.ParticipatedAuctions,
		"participation_ratio":   r,
		"threshold":             d.cfg.AffinityRatio,
	}, fmt.Sprintf("bid on %d of %d auctions by this seller", aff.ParticipatedAuctions, aff.SellerAuctions)), nil
}

// ShillBidding is the stricter affinity variant over bid counts.
type ShillBidding struct {
	cfg  RelationalConfig
	desc Descriptor
}

func NewShillBidding(cfg RelationalConfig) *ShillBidding {
	return &ShillBidding{cfg: cfg, desc: Descriptor{
		Kind:     fraud.KindShillBidding,
		Severity: fraud.SeverityCritical,
		Category: fraud.CategoryFraudDetection,
		Action:   fraud.ActionBlock,
	}}
}

func (d *ShillBidding) Descriptor() Descriptor { return d.desc }

func (d *ShillBidding) Evaluate(ctx context.Context, ev *Evaluation) (*fraud.Signal, error) {
	if err := ev.requireBid(); err != nil {
		return nil, err
	}
	total, err := ev.Bids.SubjectBidCount(ctx, ev.SubjectID)
	if err != nil {
		return nil, err
	}
	if total < d.cfg.ShillMinTotalBids {
		return nil, nil
	}
	aff, err := ev.Bids.SellerAffinity(ctx, ev.SubjectID, ev.Auction.SellerID)
	if err != nil {
		return nil, err
	}
	share := ratio(aff.BidsOnSeller, total)
	if aff.BidsOnSeller < d.cfg.ShillMinSellerBids || share < d.cfg.ShillShare {
		return nil, nil
	}
	return newSignal(d.desc, ev, map[string]interface{}{
		"seller_id":      ev.Auction.SellerID.String(),
		"total_bids":     total,
		"bids_on_seller": aff.BidsOnSeller,
		"share":          share,
		"threshold":      d.cfg.ShillShare,
	}, fmt.Sprintf("%d of %d bids target one seller", aff.BidsOnSeller, total)), nil
}

// CollusiveBidding looks for several co-bidders who keep showing up in the
// same auctions as the subject.
type CollusiveBidding struct {
	cfg  RelationalConfig
	desc Descriptor
}

func NewCollusiveBidding(cfg RelationalConfig) *CollusiveBidding {
	return &CollusiveBidding{cfg: cfg, desc: Descriptor{
		Kind:     fraud.KindCollusiveBidding,
		Severity: fraud.SeverityCritical,
		Category: fraud.CategoryFraudDetection,
		Action:   fraud.ActionBlock,
	}}
}

func (d *CollusiveBidding) Descriptor() Descriptor { return d.desc }

func (d *CollusiveBidding) Evaluate(ctx context.Context, ev *Evaluation) (*fraud.Signal, error) {
	if err := ev.requireBid(); err != nil {
		return nil, err
	}
	co, err := ev.Bids.CoBidders(ctx, ev.SubjectID, ev.Bid.AuctionID)
	if err != nil {
		return nil, err
	}

	pairs := make([]string, 0)
	for other, common := range co {
		if other == ev.SubjectID || other == uuid.Nil {
			continue
		}
		if common >= d.cfg.CollusionMinCommon {
			pairs = append(pairs, other.String())
		}
	}
	if len(pairs) < d.cfg.CollusionMinPairs {
		return nil, nil
	}
	sort.Strings(pairs)
	return newSignal(d.desc, ev, map[string]interface{}{
		"suspicious_pairs": len(pairs),
		"co_bidders":       pairs,
		"min_common":       d.cfg.CollusionMinCommon,
		"min_pairs":        d.cfg.CollusionMinPairs,
	}, fmt.Sprintf("%d co-bidders share at least %d auctions", len(pairs), d.cfg.CollusionMinCommon)), nil
}

// BidTimingAnomaly flags subjects who bid early in many auctions and rarely
// near the end, the usual shape of price pumping.
type BidTimingAnomaly struct {
	cfg  RelationalConfig
	desc Descriptor
}

func NewBidTimingAnomaly(cfg RelationalConfig) *BidTimingAnomaly {
	return &BidTimingAnomaly{cfg: cfg, desc: Descriptor{
		Kind:     fraud.KindBidTimingAnomaly,
		Severity: fraud.SeverityMedium,
		Category: fraud.CategoryFraudDetection,
		Action:   fraud.ActionLog,
	}}
}

func (d *BidTimingAnomaly) Descriptor() Descriptor { return d.desc }

func (d *BidTimingAnomaly) Evaluate(ctx context.Context, ev *Evaluation) (*fraud.Signal, error) {
	if err := ev.requireBid(); err != nil {
		return nil, err
	}
	recent, err := ev.Bids.SubjectBids(ctx, ev.SubjectID, d.cfg.TimingLookback)
	if err != nil {
		return nil, err
	}
	if len(recent) < d.cfg.TimingMinEarlyBids {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(recent))
	seen := make(map[uuid.UUID]struct{}, len(recent))
	for _, b := range recent {
		if _, ok := seen[b.AuctionID]; !ok {
			seen[b.AuctionID] = struct{}{}
			ids = append(ids, b.AuctionID)
		}
	}
	auctions, err := ev.Bids.Auctions(ctx, ids)
	if err != nil {
		return nil, err
	}

	early, late := 0, 0
	for _, b := range recent {
		a, ok := auctions[b.AuctionID]
		if !ok {
			continue
		}
		p := a.Progress(b.PlacedAt)
		switch {
		case p <= d.cfg.TimingEarlyProgress:
			early++
		case p >= d.cfg.TimingLateProgress:
			late++
		}
	}
	if early < d.cfg.TimingMinEarlyBids {
		return nil, nil
	}
	r := ratio(late, early)
	if r > d.cfg.TimingMaxLateRatio {
		return nil, nil
	}
	return newSignal(d.desc, ev, map[string]interface{}{
		"early_bids":       early,
		"late_bids":        late,
		"late_early_ratio": r,
		"max_ratio":        d.cfg.TimingMaxLateRatio,
	}, fmt.Sprintf("%d early bids against %d late bids", early, late)), nil
}
