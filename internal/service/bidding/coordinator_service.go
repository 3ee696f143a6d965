// Package bidding commits bids. The Coordinator is the only writer of
// auction price and bid count; every accepted bid is chained first.
package bidding

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/bid"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/enforcement"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/auction-integrity-backend/internal/metrics"
	"github.com/davidleathers/auction-integrity-backend/internal/service/detection"
	"github.com/davidleathers/auction-integrity-backend/internal/service/escalation"
)

const reasonChallengeExpired = "challenge_expired"

// Coordinator runs the bid pipeline under a per-auction critical section:
// validate, record velocity, screen, escalate, chain, commit.
type Coordinator struct {
	cfg     Config
	deps    Dependencies
	locks   *auctionLocks
	metrics *metrics.Registry
	tracer  trace.Tracer
	logger  *zap.Logger
	now     func() time.Time
}

func NewCoordinator(cfg Config, deps Dependencies) (*Coordinator, error) {
	if deps.Auctions == nil || deps.Accounts == nil || deps.Signals == nil || deps.Grants == nil ||
		deps.Velocity == nil || deps.Screener == nil || deps.Escalation == nil || deps.Chain == nil {
		return nil, errors.NewValidationError("INVALID_DEPENDENCIES", "coordinator is missing a required dependency")
	}
	if deps.Verifier == nil {
		return nil, errors.NewValidationError("INVALID_DEPENDENCIES", "a challenge verifier is required")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultConfig().LockTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{
		cfg:     cfg,
		deps:    deps,
		locks:   newAuctionLocks(),
		metrics: deps.Metrics,
		tracer:  telemetry.Tracer("auction-integrity/bidding"),
		logger:  logger.With(zap.String("component", "coordinator")),
		now:     clock,
	}, nil
}

// SubmitBid screens and, when allowed, commits one bid attempt.
func (c *Coordinator) SubmitBid(ctx context.Context, req SubmitBidRequest) (out *BidOutcome, err error) {
	started := time.Now()
	ctx, span := c.tracer.Start(ctx, "bidding.SubmitBid", trace.WithAttributes(
		attribute.String("auction.id", req.AuctionID.String()),
		attribute.String("bidder.id", req.BidderID.String()),
	))
	defer func() {
		status, reason := c.outcomeLabels(out, err)
		c.metrics.RecordBid(ctx, status, reason, time.Since(started))
		span.SetAttributes(attribute.String("bid.status", status))
		telemetry.RecordError(span, err)
		span.End()
	}()

	if req.AuctionID == uuid.Nil || req.BidderID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_REQUEST", "auction id and bidder id are required")
	}
	if !req.Amount.IsPositive() {
		return nil, errors.NewValidationError("INVALID_AMOUNT", "bid amount must be positive")
	}
	now := req.Timestamp
	if now.IsZero() {
		now = c.now()
	}
	now = now.UTC()

	release, err := c.locks.acquire(ctx, req.AuctionID, c.cfg.LockTimeout)
	if err != nil {
		c.metrics.RecordLockTimeout("auction")
		return nil, err
	}
	defer release()

	auction, err := c.deps.Auctions.GetAuction(ctx, req.AuctionID)
	if err != nil {
		return nil, err
	}
	if verr := auction.ValidateBid(req.Amount, now); verr != nil {
		return rejectedByValidation(verr), verr
	}

	acct, err := c.deps.Accounts.GetAccount(ctx, req.BidderID)
	if err != nil {
		return nil, err
	}

	if err := c.deps.Velocity.Record(ctx, req.BidderID, req.AuctionID, now); err != nil {
		c.logger.Error("velocity record failed, rejecting", zap.Error(err))
		return nil, errors.NewTransientError("velocity", "velocity tracking unavailable").WithCause(err)
	}

	candidate := bid.NewEvent(req.AuctionID, req.BidderID, req.Amount, now)
	attempt := escalation.Attempt{SubjectID: req.BidderID, AuctionID: req.AuctionID, Amount: req.Amount, At: now}
	decision, err := c.deps.Escalation.Decide(ctx, attempt, func(ctx context.Context) (*detection.Report, error) {
		return c.deps.Screener.EvaluateBid(ctx, detection.BidInput{
			Bid:     &candidate,
			Auction: auction,
			Account: acct,
			Now:     now,
		})
	})
	if err != nil {
		return nil, err
	}
	if decision.Report != nil {
		c.saveSignals(ctx, decision.Report.Signals)
	}

	switch decision.Verdict {
	case escalation.VerdictReject:
		return c.rejected(decision)
	case escalation.VerdictChallenge:
		return c.challenged(decision)
	}

	out, err = c.commit(ctx, auction, candidate)
	if out != nil && decision.Report != nil {
		out.Signals = decision.Report.Signals
	}
	return out, err
}

// commit chains the bid and then applies it. A failed apply is compensated
// with a bid_commit_reversed record so the chain never claims a bid the
// auction does not hold.
func (c *Coordinator) commit(ctx context.Context, auction *bid.Auction, ev bid.Event) (*BidOutcome, error) {
	rec, err := c.deps.Chain.Append(ctx, ledger.Entry{
		EventType: ledger.EventBidAccepted,
		SubjectID: ev.BidderID,
		Amount:    ev.Amount,
		Timestamp: ev.PlacedAt,
		Payload: map[string]interface{}{
			"bid_id":         ev.ID.String(),
			"auction_id":     ev.AuctionID.String(),
			"seller_id":      auction.SellerID.String(),
			"previous_price": auction.CurrentPrice.String(),
			"bid_count":      auction.BidCount + 1,
		},
	})
	if err != nil {
		return nil, err
	}

	updated, err := c.deps.Auctions.CommitBid(ctx, ev, auction.CurrentPrice)
	if err != nil {
		c.logger.Error("bid commit failed after chaining, reversing",
			zap.String("bid_id", ev.ID.String()),
			zap.Int64("sequence", rec.Sequence),
			zap.Error(err))
		if _, rerr := c.deps.Chain.Append(ctx, ledger.Entry{
			EventType: ledger.EventBidCommitReversed,
			SubjectID: ev.BidderID,
			Amount:    ev.Amount,
			Payload: map[string]interface{}{
				"bid_id":            ev.ID.String(),
				"auction_id":        ev.AuctionID.String(),
				"reversed_sequence": rec.Sequence,
				"reason":            err.Error(),
			},
		}); rerr != nil {
			c.logger.Error("failed to chain bid reversal",
				zap.String("bid_id", ev.ID.String()),
				zap.Error(rerr))
		}
		return nil, err
	}

	id := ev.ID
	price := updated.CurrentPrice
	c.logger.Info("bid accepted",
		zap.String("auction_id", ev.AuctionID.String()),
		zap.String("bidder_id", ev.BidderID.String()),
		zap.String("amount", ev.Amount.String()),
		zap.Int64("sequence", rec.Sequence))
	return &BidOutcome{
		Status:        StatusAccepted,
		BidID:         &id,
		NewPrice:      &price,
		BidCount:      updated.BidCount,
		ChainSequence: rec.Sequence,
	}, nil
}

func (c *Coordinator) rejected(d *escalation.Decision) (*BidOutcome, error) {
	out := &BidOutcome{
		Status:        StatusRejected,
		Reason:        d.Reason,
		Code:          "FRAUD_REJECTED",
		CooldownUntil: d.CooldownUntil(),
	}
	if d.Report != nil {
		out.Signals = d.Report.Signals
	}
	details := map[string]interface{}{"violations": d.Violations}
	if d.Signal != nil {
		details["signal_id"] = d.Signal.ID.String()
		details["severity"] = string(d.Signal.Severity)
	}
	if until := d.CooldownUntil(); until != nil {
		details["cooldown_until"] = until.UTC().Format(time.RFC3339)
	}
	return out, errors.NewFraudError(d.Reason, "bid rejected by fraud controls").WithDetails(details)
}

func (c *Coordinator) challenged(d *escalation.Decision) (*BidOutcome, error) {
	id := d.ChallengeID()
	out := &BidOutcome{
		Status:             StatusChallenged,
		Reason:             d.Reason,
		Code:               "CHALLENGE_REQUIRED",
		ChallengeID:        id,
		ChallengeExpiresAt: d.State.ChallengeExpiresAt,
	}
	if d.Report != nil {
		out.Signals = d.Report.Signals
	}
	var expires time.Time
	if d.State.ChallengeExpiresAt != nil {
		expires = *d.State.ChallengeExpiresAt
	}
	return out, errors.NewChallengeRequiredError(id.String(), expires, "complete the verification challenge to place this bid")
}

func rejectedByValidation(err error) *BidOutcome {
	return &BidOutcome{Status: StatusRejected, Reason: "validation", Code: errors.CodeOf(err)}
}

func (c *Coordinator) saveSignals(ctx context.Context, signals []*fraud.Signal) {
	if len(signals) == 0 {
		return
	}
	for _, s := range signals {
		c.metrics.RecordSignal(string(s.Kind), s.Enforced)
	}
	if err := c.deps.Signals.SaveSignals(ctx, signals); err != nil {
		c.logger.Error("failed to persist fraud signals", zap.Int("count", len(signals)), zap.Error(err))
	}
}

func (c *Coordinator) outcomeLabels(out *BidOutcome, err error) (string, string) {
	if out != nil {
		return string(out.Status), out.Reason
	}
	return "error", string(errors.TypeOf(err))
}

// ResolveChallenge settles a soft challenge. A valid proof re-enters the
// auction section and commits the held bid if it still clears the current
// price before the auction ends.
func (c *Coordinator) ResolveChallenge(ctx context.Context, challengeID uuid.UUID, proof string) (*BidOutcome, error) {
	ctx, span := c.tracer.Start(ctx, "bidding.ResolveChallenge",
		trace.WithAttributes(attribute.String("challenge.id", challengeID.String())))
	defer span.End()

	st, err := c.deps.Escalation.Challenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if st.HeldBid == nil {
		return nil, errors.NewInternalError("challenge has no held bid")
	}
	held := *st.HeldBid
	passed := c.deps.Verifier.Verify(challengeID, proof)

	release, err := c.locks.acquire(ctx, held.AuctionID, c.cfg.LockTimeout)
	if err != nil {
		c.metrics.RecordLockTimeout("auction")
		return nil, err
	}
	defer release()

	now := c.now().UTC()
	res, err := c.deps.Escalation.ResolveChallenge(ctx, challengeID, passed, now)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	switch res.Resolution {
	case enforcement.ResolutionEscalated:
		return &BidOutcome{Status: StatusRejected, Reason: escalation.ReasonSuspended, Code: "FRAUD_REJECTED"},
			errors.NewFraudError(escalation.ReasonSuspended, "the subject is suspended").WithDetails(map[string]interface{}{
				"violations": res.Violations,
				"suspended":  true,
			})
	case enforcement.ResolutionExpired:
		return &BidOutcome{Status: StatusRejected, Reason: reasonChallengeExpired, Code: "CHALLENGE_EXPIRED"},
			errors.NewValidationError("CHALLENGE_EXPIRED", "the challenge expired before it was completed")
	case enforcement.ResolutionFailed:
		reason := escalation.ReasonFailedChallenge
		if res.Suspended {
			reason = escalation.ReasonSuspended
		}
		return &BidOutcome{Status: StatusRejected, Reason: reason, Code: "FRAUD_REJECTED"},
			errors.NewFraudError(reason, "challenge verification failed").WithDetails(map[string]interface{}{
				"violations": res.Violations,
				"suspended":  res.Suspended,
			})
	}

	auction, err := c.deps.Auctions.GetAuction(ctx, held.AuctionID)
	if err != nil {
		return nil, err
	}
	if verr := auction.ValidateBid(held.Amount, now); verr != nil {
		return rejectedByValidation(verr), verr
	}
	return c.commit(ctx, auction, bid.NewEvent(held.AuctionID, st.SubjectID, held.Amount, now))
}
