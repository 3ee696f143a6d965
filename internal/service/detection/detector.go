package detection

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/account"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/bid"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/financial"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
	"github.com/davidleathers/auction-integrity-backend/internal/service/velocity"
)

// Descriptor describes a detector variant.
type Descriptor struct {
	Kind     fraud.Kind
	Severity fraud.Severity
	Category fraud.Category
	Action   fraud.Action
	// Global detectors bind enforcement to the subject's global record.
	Global bool
	// FailClosed turns an evaluation error into a blocking signal.
	FailClosed bool
}

// Detector is one heuristic. Evaluate returns nil when it does not fire.
// Detectors never write; everything they read comes through Evaluation.
type Detector interface {
	Descriptor() Descriptor
	Evaluate(ctx context.Context, ev *Evaluation) (*fraud.Signal, error)
}

// Evaluation is the input shared by all detectors for one attempt. Bid and
// Auction are set for bid screening, Payment for payment screening.
type Evaluation struct {
	SubjectID uuid.UUID
	Bid       *bid.Event
	Auction   *bid.Auction
	Payment   *financial.Payment
	Account   *account.Account
	Now       time.Time

	// ThresholdMultiplier scales rate thresholds; 1 outside the endgame.
	ThresholdMultiplier float64

	Velocity velocity.Tracker
	Bids     bid.History
	Payments financial.PaymentRepository
}

// Threshold applies the endgame multiplier to a rate threshold.
func (ev *Evaluation) Threshold(t int) int {
	return velocity.ScaleThreshold(t, ev.ThresholdMultiplier)
}

func (ev *Evaluation) Endgame() bool { return ev.ThresholdMultiplier > 1 }

func (ev *Evaluation) auctionID() *uuid.UUID {
	switch {
	case ev.Bid != nil:
		id := ev.Bid.AuctionID
		return &id
	case ev.Payment != nil && ev.Payment.AuctionID != nil:
		id := *ev.Payment.AuctionID
		return &id
	default:
		return nil
	}
}

func (ev *Evaluation) requireBid() error {
	if ev.Bid == nil || ev.Auction == nil {
		return errors.NewValidationError("MISSING_BID_CONTEXT", "bid and auction are required")
	}
	return nil
}

// newSignal stamps a signal with the detector's descriptor.
func newSignal(desc Descriptor, ev *Evaluation, evidence map[string]interface{}, description string) *fraud.Signal {
	s := fraud.NewSignal(desc.Kind, desc.Severity, ev.SubjectID, ev.auctionID(), evidence, description, ev.Now)
	s.Action = desc.Action
	s.Category = desc.Category
	s.Global = desc.Global
	return s
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func fromFloat(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }
