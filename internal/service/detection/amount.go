package detection

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
)

// UnusualBidAmount fires when the bid is at least a multiple of the
// current price.
type UnusualBidAmount struct {
	multiplier decimal.Decimal
	desc       Descriptor
}

func NewUnusualBidAmount(multiplier float64) *UnusualBidAmount {
	return &UnusualBidAmount{
		multiplier: fromFloat(multiplier),
		desc: Descriptor{
			Kind:     fraud.KindUnusualBidAmount,
			Severity: fraud.SeverityMedium,
			Category: fraud.CategoryFraudDetection,
			Action:   fraud.ActionLog,
		},
	}
}

func (d *UnusualBidAmount) Descriptor() Descriptor { return d.desc }

func (d *UnusualBidAmount) Evaluate(ctx context.Context, ev *Evaluation) (*fraud.Signal, error) {
	if err := ev.requireBid(); err != nil {
		return nil, err
	}
	price := ev.Auction.CurrentPrice
	if !price.IsPositive() {
		return nil, nil
	}
	limit := price.Mul(d.multiplier)
	if ev.Bid.Amount.LessThan(limit) {
		return nil, nil
	}
	return newSignal(d.desc, ev, map[string]interface{}{
		"amount":        ev.Bid.Amount.String(),
		"current_price": price.String(),
		"ratio":         ev.Bid.Amount.Div(price).StringFixed(2),
		"multiplier":    d.multiplier.String(),
	}, fmt.Sprintf("bid is %sx the current price", ev.Bid.Amount.Div(price).StringFixed(2))), nil
}

// NewAccountHighValue blocks large bids from accounts younger than maxAge.
type NewAccountHighValue struct {
	cfg       AmountConfig
	threshold decimal.Decimal
	desc      Descriptor
}

func NewNewAccountHighValue(cfg AmountConfig) *NewAccountHighValue {
	return &NewAccountHighValue{
		cfg:       cfg,
		threshold: decimal.NewFromInt(cfg.NewAccountHighValue),
		desc: Descriptor{
			Kind:     fraud.KindNewAccountHighValue,
			Severity: fraud.SeverityHigh,
			Category: fraud.CategoryAccountAge,
			Action:   fraud.ActionBlock,
		},
	}
}

func (d *NewAccountHighValue) Descriptor() Descriptor { return d.desc }

func (d *NewAccountHighValue) Evaluate(ctx context.Context, ev *Evaluation) (*fraud.Signal, error) {
	if err := ev.requireBid(); err != nil {
		return nil, err
	}
	if ev.Account == nil {
		return nil, errors.ErrAccountNotFound
	}
	age := ev.Account.Age(ev.Now)
	if age >= d.cfg.NewAccountMaxAge || ev.Bid.Amount.LessThan(d.threshold) {
		return nil, nil
	}
	return newSignal(d.desc, ev, map[string]interface{}{
		"account_age_hours": math.Floor(age.Hours()*100) / 100,
		"max_age_hours":     d.cfg.NewAccountMaxAge.Hours(),
		"amount":            ev.Bid.Amount.String(),
		"threshold":         d.threshold.String(),
	}, "high value bid from a new account"), nil
}

// BidPatternAnomaly compares the bid with the mean of the subject's recent
// bids.
type BidPatternAnomaly struct {
	cfg        AmountConfig
	multiplier decimal.Decimal
	desc       Descriptor
}

func NewBidPatternAnomaly(cfg AmountConfig) *BidPatternAnomaly {
	return &BidPatternAnomaly{
		cfg:        cfg,
		multiplier: fromFloat(cfg.PatternMultiplier),
		desc: Descriptor{
			Kind:     fraud.KindBidPatternAnomaly,
			Severity: fraud.SeverityMedium,
			Category: fraud.CategoryFraudDetection,
			Action:   fraud.ActionLog,
		},
	}
}

func (d *BidPatternAnomaly) Descriptor() Descriptor { return d.desc }

func (d *BidPatternAnomaly) Evaluate(ctx context.Context, ev *Evaluation) (*fraud.Signal, error) {
	if err := ev.requireBid(); err != nil {
		return nil, err
	}
	recent, err := ev.Bids.SubjectBids(ctx, ev.SubjectID, d.cfg.PatternLookback)
	if err != nil {
		return nil, err
	}
	if len(recent) < d.cfg.PatternMinHistory {
		return nil, nil
	}

	sum := decimal.Zero
	for _, b := range recent {
		sum = sum.Add(b.Amount)
	}
	n := decimal.NewFromInt(int64(len(recent)))
	mean := sum.Div(n)
	if !mean.IsPositive() || ev.Bid.Amount.LessThan(mean.Mul(d.multiplier)) {
		return nil, nil
	}

	meanF := mean.InexactFloat64()
	variance := 0.0
	for _, b := range recent {
		diff := b.Amount.InexactFloat64() - meanF
		variance += diff * diff
	}
	stddev := math.Sqrt(variance / float64(len(recent)))
	evidence := map[string]interface{}{
		"amount":       ev.Bid.Amount.String(),
		"mean":         mean.StringFixed(2),
		"stddev":       math.Round(stddev*100) / 100,
		"history_size": len(recent),
		"multiplier":   d.multiplier.String(),
	}
	if stddev > 0 {
		evidence["z_score"] = math.Round((ev.Bid.Amount.InexactFloat64()-meanF)/stddev*100) / 100
	}
	return newSignal(d.desc, ev, evidence, "bid deviates from the subject's usual amounts"), nil
}
