package detection

import (
	"context"
	"fmt"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
)

// SelfBidding fires when the bidder sells the item. It fails closed: an
// evaluation error is treated as a block by the engine.
type SelfBidding struct {
	desc Descriptor
}

func NewSelfBidding() *SelfBidding {
	return &SelfBidding{desc: Descriptor{
		Kind:       fraud.KindSelfBidding,
		Severity:   fraud.SeverityCritical,
		Category:   fraud.CategorySelfBid,
		Action:     fraud.ActionBlock,
		FailClosed: true,
	}}
}

func (d *SelfBidding) Descriptor() Descriptor { return d.desc }

func (d *SelfBidding) Evaluate(ctx context.Context, ev *Evaluation) (*fraud.Signal, error) {
	if err := ev.requireBid(); err != nil {
		return nil, err
	}
	if ev.Auction.SellerID != ev.SubjectID {
		return nil, nil
	}
	return newSignal(d.desc, ev, map[string]interface{}{
		"seller_id": ev.Auction.SellerID.String(),
		"amount":    ev.Bid.Amount.String(),
	}, "seller bid on their own auction"), nil
}

// LowWinRatio flags bidders who bid often and almost never win.
type LowWinRatio struct {
	cfg  AccountConfig
	desc Descriptor
}

func NewLowWinRatio(cfg AccountConfig) *LowWinRatio {
	return &LowWinRatio{cfg: cfg, desc: Descriptor{
		Kind:     fraud.KindLowWinRatio,
		Severity: fraud.SeverityHigh,
		Category: fraud.CategoryFraudDetection,
		Action:   fraud.ActionLog,
	}}
}

func (d *LowWinRatio) Descriptor() Descriptor { return d.desc }

func (d *LowWinRatio) Evaluate(ctx context.Context, ev *Evaluation) (*fraud.Signal, error) {
	if err := ev.requireBid(); err != nil {
		return nil, err
	}
	bids, err := ev.Bids.SubjectBidCount(ctx, ev.SubjectID)
	if err != nil {
		return nil, err
	}
	if bids < d.cfg.LowWinMinBids {
		return nil, nil
	}
	wins, err := ev.Bids.SubjectWinCount(ctx, ev.SubjectID)
	if err != nil {
		return nil, err
	}
	r := ratio(wins, bids)
	if r > d.cfg.LowWinMaxRatio {
		return nil, nil
	}
	return newSignal(d.desc, ev, map[string]interface{}{
		"total_bids": bids,
		"wins":       wins,
		"win_ratio":  r,
		"max_ratio":  d.cfg.LowWinMaxRatio,
	}, fmt.Sprintf("%d wins from %d bids", wins, bids)), nil
}
