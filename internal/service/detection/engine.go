package detection

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/account"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/bid"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/financial"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
	"github.com/davidleathers/auction-integrity-backend/internal/service/velocity"
)

// Dependencies are the read models detectors consult.
type Dependencies struct {
	Velocity velocity.Tracker
	Bids     bid.History
	Payments financial.PaymentRepository
	Grants   fraud.GrantStore
	// Assessor is optional; nil means NoopAssessor.
	Assessor Assessor
	Logger   *zap.Logger
}

// Engine runs the detector set for one attempt and applies bypass
// suppression. It never mutates enforcement state.
type Engine struct {
	cfg      Config
	bid      []Detector
	payment  []Detector
	deps     Dependencies
	assessor Assessor
	logger   *zap.Logger
}

// NewEngine builds the default detector set from cfg.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Velocity == nil || deps.Bids == nil || deps.Grants == nil {
		return nil, errors.NewValidationError("INVALID_DEPENDENCIES", "velocity, bid history and grant store are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	assessor := deps.Assessor
	if assessor == nil {
		assessor = NoopAssessor{}
	}
	return &Engine{
		cfg:      cfg,
		bid:      BidDetectors(cfg),
		payment:  PaymentDetectors(cfg),
		deps:     deps,
		assessor: assessor,
		logger:   logger.Named("detection"),
	}, nil
}

// BidDetectors returns the detectors screened on every bid attempt. Self
// bidding runs first so its block is never masked.
func BidDetectors(cfg Config) []Detector {
	return []Detector{
		NewSelfBidding(),
		NewShillBidding(cfg.Relational),
		NewCollusiveBidding(cfg.Relational),
		NewNewAccountHighValue(cfg.Amount),
		NewRapidBidding("hard", fraud.ActionCooldown, cfg.Rapid.HardBurst, cfg.Rapid.HardSustained),
		NewGlobalRapidBidding("hard", fraud.ActionCooldown, cfg.Global.Hard),
		NewRapidBidding("soft", fraud.ActionChallenge, cfg.Rapid.SoftShort, cfg.Rapid.SoftLong),
		NewGlobalRapidBidding("soft", fraud.ActionChallenge, cfg.Global.Soft),
		NewMinIncrementSpam(cfg.MinIncrement),
		NewBidSniping(cfg.Sniping),
		NewUnusualBidAmount(cfg.Amount.UnusualMultiplier),
		NewLowWinRatio(cfg.Account),
		NewSellerAffinity(cfg.Relational),
		NewBidTimingAnomaly(cfg.Relational),
		NewBidPatternAnomaly(cfg.Amount),
	}
}

// PaymentDetectors returns the detectors screened when a payment is recorded.
func PaymentDetectors(cfg Config) []Detector {
	return []Detector{
		NewHighValuePayment(cfg.Amount.HighValuePayment),
		NewFailedPaymentPattern(cfg.Payment),
		NewMultiplePaymentMethods(cfg.Payment),
	}
}

// BidInput is one bid attempt to screen.
type BidInput struct {
	Bid     *bid.Event
	Auction *bid.Auction
	Account *account.Account
	Now     time.Time
}

// PaymentInput is one payment to screen.
type PaymentInput struct {
	Payment *financial.Payment
	Account *account.Account
	Now     time.Time
}

// Report is the outcome of one screening pass.
type Report struct {
	Signals    []*fraud.Signal
	Assessment *Assessment
	Endgame    bool
	// Degraded lists detectors whose evaluation failed and were skipped.
	Degraded []fraud.Kind
}

// Enforced returns the signals that enforcement acts on.
func (r *Report) Enforced() []*fraud.Signal {
	out := make([]*fraud.Signal, 0, len(r.Signals))
	for _, s := range r.Signals {
		if s.Enforced {
			out = append(out, s)
		}
	}
	return out
}

// Strongest returns the enforced signal with the highest action, ties broken
// by severity then detector order. Nil if nothing is enforced.
func (r *Report) Strongest() *fraud.Signal {
	var best *fraud.Signal
	for _, s := range r.Enforced() {
		if best == nil || s.Action > best.Action ||
			(s.Action == best.Action && s.Severity.Rank() > best.Severity.Rank()) {
			best = s
		}
	}
	return best
}

// Strongest enforced signal with the given action.
func (r *Report) StrongestWith(action fraud.Action) *fraud.Signal {
	var best *fraud.Signal
	for _, s := range r.Enforced() {
		if s.Action != action {
			continue
		}
		if best == nil || s.Severity.Rank() > best.Severity.Rank() {
			best = s
		}
	}
	return best
}

// Severity is the highest severity among every fired signal.
func (r *Report) Severity() fraud.Severity {
	var sev fraud.Severity
	for _, s := range r.Signals {
		sev = fraud.MaxSeverity(sev, s.Severity)
	}
	return sev
}

// Has reports whether a signal of the given kind fired.
func (r *Report) Has(kind fraud.Kind) bool {
	for _, s := range r.Signals {
		if s.Kind == kind {
			return true
		}
	}
	return false
}

// EvaluateBid screens a bid attempt. The attempt must already be recorded in
// the velocity tracker.
func (e *Engine) EvaluateBid(ctx context.Context, in BidInput) (*Report, error) {
	if in.Bid == nil {
		return nil, errors.NewValidationError("MISSING_BID_CONTEXT", "bid is required")
	}
	multiplier := 1.0
	if in.Auction != nil && in.Auction.InEndgame(in.Now, e.cfg.EndgameWindow) {
		multiplier = e.cfg.EndgameMultiplier
	}
	ev := &Evaluation{
		SubjectID:           in.Bid.BidderID,
		Bid:                 in.Bid,
		Auction:             in.Auction,
		Account:             in.Account,
		Now:                 in.Now,
		ThresholdMultiplier: multiplier,
		Velocity:            e.deps.Velocity,
		Bids:                e.deps.Bids,
		Payments:            e.deps.Payments,
	}
	report := e.run(ctx, ev, e.bid)
	report.Endgame = multiplier > 1
	return report, nil
}

// EvaluatePayment screens a payment before it is stored.
func (e *Engine) EvaluatePayment(ctx context.Context, in PaymentInput) (*Report, error) {
	if in.Payment == nil {
		return nil, errors.NewValidationError("MISSING_PAYMENT_CONTEXT", "payment is required")
	}
	if e.deps.Payments == nil {
		return nil, errors.NewInternalError("payment repository is not configured")
	}
	ev := &Evaluation{
		SubjectID:           in.Payment.SubjectID,
		Payment:             in.Payment,
		Account:             in.Account,
		Now:                 in.Now,
		ThresholdMultiplier: 1,
		Velocity:            e.deps.Velocity,
		Bids:                e.deps.Bids,
		Payments:            e.deps.Payments,
	}
	return e.run(ctx, ev, e.payment), nil
}

func (e *Engine) run(ctx context.Context, ev *Evaluation, detectors []Detector) *Report {
	report := &Report{}
	grants := e.grants(ctx, ev)

	for _, d := range detectors {
		desc := d.Descriptor()
		sig, err := d.Evaluate(ctx, ev)
		if err != nil {
			if !desc.FailClosed {
				e.logger.Warn("detector failed, treating as not fired",
					zap.String("kind", string(desc.Kind)),
					zap.String("subject_id", ev.SubjectID.String()),
					zap.Error(err))
				report.Degraded = append(report.Degraded, desc.Kind)
				continue
			}
			e.logger.Error("fail-closed detector errored, blocking",
				zap.String("kind", string(desc.Kind)),
				zap.String("subject_id", ev.SubjectID.String()),
				zap.Error(err))
			sig = newSignal(desc, ev, map[string]interface{}{
				"fail_closed": true,
				"error":       err.Error(),
			}, "check could not be completed")
		}
		if sig == nil {
			continue
		}
		e.suppress(sig, ev.Account, grants)
		report.Signals = append(report.Signals, sig)
	}

	if len(report.Signals) > 0 {
		report.Assessment = e.assess(ctx, ev, report)
	}
	return report
}

// suppress applies administrative exemption and bypass grants.
func (e *Engine) suppress(sig *fraud.Signal, acct *account.Account, grants fraud.Grants) {
	if acct != nil && acct.IsAdmin() && sig.Category != fraud.CategorySelfBid {
		sig.Suppress(fraud.ExemptionAdmin)
		return
	}
	if scope, ok := grants.Covering(sig.Category); ok {
		sig.Suppress(string(scope))
	}
}

// grants loads the subject's active bypass grants. A lookup failure means
// no bypass applies.
func (e *Engine) grants(ctx context.Context, ev *Evaluation) fraud.Grants {
	gs, err := e.deps.Grants.ActiveGrants(ctx, ev.SubjectID)
	if err != nil {
		e.logger.Warn("bypass lookup failed, enforcing without grants",
			zap.String("subject_id", ev.SubjectID.String()),
			zap.Error(err))
		return nil
	}
	return gs
}

// assess asks the composite assessor about the fired signals and appends
// its advisory signal.
func (e *Engine) assess(ctx context.Context, ev *Evaluation, report *Report) *Assessment {
	bundle := EvidenceBundle{
		SubjectID: ev.SubjectID,
		AuctionID: ev.auctionID(),
		Signals:   report.Signals,
		Heuristic: report.Severity(),
	}
	switch {
	case ev.Bid != nil:
		bundle.Amount = ev.Bid.Amount.String()
	case ev.Payment != nil:
		bundle.Amount = ev.Payment.Amount.String()
	}

	a, err := e.assessor.Assess(ctx, bundle)
	if err != nil || !a.Severity.Valid() {
		a = Assessment{Severity: bundle.Heuristic, Fallback: true}
	}

	desc := Descriptor{
		Kind:     fraud.KindAIAssessment,
		Severity: a.Severity,
		Category: fraud.CategoryFraudDetection,
		Action:   fraud.ActionLog,
	}
	sig := newSignal(desc, ev, map[string]interface{}{
		"heuristic_severity": string(bundle.Heuristic),
		"fallback":           a.Fallback,
		"signals":            len(bundle.Signals),
	}, a.Narrative)
	if sig.Description == "" {
		sig.Description = "composite assessment of fired signals"
	}
	e.suppress(sig, ev.Account, nil)
	report.Signals = append(report.Signals, sig)
	return &a
}
