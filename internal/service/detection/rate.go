package detection

import (
	"context"
	"fmt"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
	"github.com/davidleathers/auction-integrity-backend/internal/service/velocity"
)

// RapidBidding counts the subject's attempts on one auction. The first rule
// that reaches its threshold fires.
type RapidBidding struct {
	tier  string
	rules []WindowRule
	desc  Descriptor
}

func NewRapidBidding(tier string, action fraud.Action, rules ...WindowRule) *RapidBidding {
	return &RapidBidding{
		tier:  tier,
		rules: rules,
		desc: Descriptor{
			Kind:     fraud.KindRapidBidding,
			Severity: fraud.SeverityHigh,
			Category: fraud.CategoryRapidBidding,
			Action:   action,
		},
	}
}

func (d *RapidBidding) Descriptor() Descriptor { return d.desc }

func (d *RapidBidding) Evaluate(ctx context.Context, ev *Evaluation) (*fraud.Signal, error) {
	if err := ev.requireBid(); err != nil {
		return nil, err
	}
	for _, rule := range d.rules {
		c, err := ev.Velocity.CountSince(ctx, velocity.Query{
			Subject:   ev.SubjectID,
			Scope:     velocity.ScopeAuction,
			AuctionID: ev.Bid.AuctionID,
			Window:    rule.Window,
			Now:       ev.Now,
		})
		if err != nil {
			return nil, err
		}
		threshold := ev.Threshold(rule.Threshold)
		if c.Events >= threshold {
			return newSignal(d.desc, ev, map[string]interface{}{
				"tier":           d.tier,
				"count":          c.Events,
				"window_seconds": rule.Window.Seconds(),
				"threshold":      threshold,
				"base_threshold": rule.Threshold,
				"endgame":        ev.Endgame(),
			}, fmt.Sprintf("%d bids on one auction within %s", c.Events, rule.Window)), nil
		}
	}
	return nil, nil
}

// GlobalRapidBidding counts attempts across every auction and requires a
// minimum spread of distinct auctions.
type GlobalRapidBidding struct {
	tier string
	rule GlobalRule
	desc Descriptor
}

func NewGlobalRapidBidding(tier string, action fraud.Action, rule GlobalRule) *GlobalRapidBidding {
	return &GlobalRapidBidding{
		tier: tier,
		rule: rule,
		desc: Descriptor{
			Kind:     fraud.KindGlobalRapidBidding,
			Severity: fraud.SeverityHigh,
			Category: fraud.CategoryRapidBidding,
			Action:   action,
			Global:   true,
		},
	}
}

func (d *GlobalRapidBidding) Descriptor() Descriptor { return d.desc }

func (d *GlobalRapidBidding) Evaluate(ctx context.Context, ev *Evaluation) (*fraud.Signal, error) {
	if err := ev.requireBid(); err != nil {
		return nil, err
	}
	c, err := ev.Velocity.CountSince(ctx, velocity.Query{
		Subject: ev.SubjectID,
		Scope:   velocity.ScopeGlobal,
		Window:  d.rule.Window,
		Now:     ev.Now,
	})
	if err != nil {
		return nil, err
	}
	threshold := ev.Threshold(d.rule.Bids)
	if c.Events < threshold || c.DistinctAuctions < d.rule.Auctions {
		return nil, nil
	}
	return newSignal(d.desc, ev, map[string]interface{}{
		"tier":               d.tier,
		"count":              c.Events,
		"distinct_auctions":  c.DistinctAuctions,
		"window_seconds":     d.rule.Window.Seconds(),
		"threshold":          threshold,
		"auctions_threshold": d.rule.Auctions,
		"endgame":            ev.Endgame(),
	}, fmt.Sprintf("%d bids across %d auctions within %s", c.Events, c.DistinctAuctions, d.rule.Window)), nil
}

// MinIncrementSpam counts the subject's bids that raise the price by no more
// than the minimum increment times tolerance, the current attempt included.
type MinIncrementSpam struct {
	cfg  MinIncrementConfig
	desc Descriptor
}

func NewMinIncrementSpam(cfg MinIncrementConfig) *MinIncrementSpam {
	return &MinIncrementSpam{
		cfg: cfg,
		desc: Descriptor{
			Kind:     fraud.KindMinIncrementSpam,
			Severity: fraud.SeverityMedium,
			Category: fraud.CategoryRapidBidding,
			Action:   fraud.ActionChallenge,
		},
	}
}

func (d *MinIncrementSpam) Descriptor() Descriptor { return d.desc }

func (d *MinIncrementSpam) Evaluate(ctx context.Context, ev *Evaluation) (*fraud.Signal, error) {
	if err := ev.requireBid(); err != nil {
		return nil, err
	}
	history, err := ev.Bids.AuctionBids(ctx, ev.Bid.AuctionID)
	if err != nil {
		return nil, err
	}

	limit := ev.Auction.MinIncrement.Mul(fromFloat(d.cfg.Tolerance))
	count := 0
	if ev.Bid.Amount.Sub(ev.Auction.CurrentPrice).LessThanOrEqual(limit) {
		count++
	}
	for i := 1; i < len(history); i++ {
		b := history[i]
		if b.BidderID != ev.SubjectID || !velocity.InWindow(b.PlacedAt, ev.Now, d.cfg.Window) {
			continue
		}
		if b.Amount.Sub(history[i-1].Amount).LessThanOrEqual(limit) {
			count++
		}
	}

	threshold := ev.Threshold(d.cfg.Count)
	if count < threshold {
		return nil, nil
	}
	return newSignal(d.desc, ev, map[string]interface{}{
		"count":          count,
		"window_seconds": d.cfg.Window.Seconds(),
		"threshold":      threshold,
		"max_increment":  limit.String(),
		"endgame":        ev.Endgame(),
	}, fmt.Sprintf("%d minimum-increment bids within %s", count, d.cfg.Window)), nil
}

// BidSniping only looks at the closing window of the auction being bid on:
// the subject's bids placed inside [end-window, end], this attempt included.
type BidSniping struct {
	cfg  SnipingConfig
	desc Descriptor
}

func NewBidSniping(cfg SnipingConfig) *BidSniping {
	return &BidSniping{
		cfg: cfg,
		desc: Descriptor{
			Kind:     fraud.KindBidSniping,
			Severity: fraud.SeverityMedium,
			Category: fraud.CategoryFraudDetection,
			Action:   fraud.ActionLog,
		},
	}
}

func (d *BidSniping) Descriptor() Descriptor { return d.desc }

func (d *BidSniping) Evaluate(ctx context.Context, ev *Evaluation) (*fraud.Signal, error) {
	if err := ev.requireBid(); err != nil {
		return nil, err
	}
	end := ev.Auction.EndTime
	if !velocity.InWindow(ev.Bid.PlacedAt, end, d.cfg.Window) {
		return nil, nil
	}

	history, err := ev.Bids.AuctionBids(ctx, ev.Bid.AuctionID)
	if err != nil {
		return nil, err
	}
	count := 1
	for _, b := range history {
		if b.BidderID == ev.SubjectID && velocity.InWindow(b.PlacedAt, end, d.cfg.Window) {
			count++
		}
	}
	threshold := ev.Threshold(d.cfg.Threshold)
	if count < threshold {
		return nil, nil
	}
	return newSignal(d.desc, ev, map[string]interface{}{
		"closing_window_bids": count,
		"window_seconds":      d.cfg.Window.Seconds(),
		"threshold":           threshold,
		"base_threshold":      d.cfg.Threshold,
		"seconds_remaining":   ev.Auction.Remaining(ev.Bid.PlacedAt).Seconds(),
	}, fmt.Sprintf("%d bids inside the final %s", count, d.cfg.Window)), nil
}
