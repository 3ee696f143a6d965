// Package escalation owns the enforcement state machine:
// none → soft_challenge_pending → hard_cooldown → suspended.
package escalation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/enforcement"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
	"github.com/davidleathers/auction-integrity-backend/internal/service/detection"
)

type Verdict string

const (
	VerdictAllow     Verdict = "allow"
	VerdictChallenge Verdict = "challenge"
	VerdictReject    Verdict = "reject"
)

// Rejection reasons that are not a detector kind.
const (
	ReasonSuspended       = "suspended"
	ReasonCooldownActive  = "cooldown_active"
	ReasonChallengePend   = "challenge_pending"
	ReasonRepeatedSoft    = "repeated_soft_challenges"
	ReasonFailedChallenge = "failed_challenge"
)

// Attempt is one bid attempt entering the state machine.
type Attempt struct {
	SubjectID uuid.UUID
	AuctionID uuid.UUID
	Amount    decimal.Decimal
	At        time.Time
}

// Screen runs fraud detection for the attempt. It is only invoked after the
// standing checks pass, while the subject is locked.
type Screen func(ctx context.Context) (*detection.Report, error)

// Decision is the outcome of one attempt.
type Decision struct {
	Verdict Verdict
	Reason  string
	// Signal is the enforced signal that drove a challenge or rejection.
	Signal *fraud.Signal
	// State is the record created or found for this decision.
	State      *enforcement.State
	Report     *detection.Report
	Violations int
}

func (d *Decision) Allowed() bool { return d.Verdict == VerdictAllow }

// ChallengeID is the id of the pending challenge record, if any.
func (d *Decision) ChallengeID() *uuid.UUID {
	if d.Verdict != VerdictChallenge || d.State == nil {
		return nil
	}
	id := d.State.ID
	return &id
}

func (d *Decision) CooldownUntil() *time.Time {
	if d.State == nil {
		return nil
	}
	return d.State.CooldownExpiresAt
}

// Engine serializes state transitions per subject.
type Engine struct {
	store  enforcement.Store
	policy enforcement.Policy
	locks  *subjectLocks
	logger *zap.Logger
}

func NewEngine(store enforcement.Store, policy enforcement.Policy, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.LockTimeout <= 0 {
		policy.LockTimeout = enforcement.DefaultPolicy().LockTimeout
	}
	return &Engine{
		store:  store,
		policy: policy,
		locks:  newSubjectLocks(),
		logger: logger.Named("escalation"),
	}
}

func (e *Engine) Policy() enforcement.Policy { return e.policy }

// Decide runs the standing checks, screens the attempt and applies the
// resulting transition. Store failures during the standing checks fail
// closed with a transient error.
func (e *Engine) Decide(ctx context.Context, a Attempt, screen Screen) (*Decision, error) {
	unlock, err := e.locks.acquire(ctx, a.SubjectID, e.policy.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	auctionID := a.AuctionID
	for _, key := range []enforcement.Key{
		enforcement.KeyFor(a.SubjectID, nil),
		enforcement.KeyFor(a.SubjectID, &auctionID),
	} {
		d, err := e.standing(ctx, key, a.At)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
	}

	report, err := screen(ctx)
	if err != nil {
		return nil, err
	}

	if sig := report.StrongestWith(fraud.ActionBlock); sig != nil {
		e.logger.Info("bid blocked",
			zap.String("subject_id", a.SubjectID.String()),
			zap.String("kind", string(sig.Kind)))
		return &Decision{Verdict: VerdictReject, Reason: string(sig.Kind), Signal: sig, Report: report}, nil
	}

	if sig := report.StrongestWith(fraud.ActionCooldown); sig != nil {
		d, err := e.violate(ctx, a, sig, string(sig.Kind), e.policy.CooldownFor)
		if err != nil {
			return nil, err
		}
		d.Report = report
		return d, nil
	}

	if sig := report.StrongestWith(fraud.ActionChallenge); sig != nil {
		d, err := e.challenge(ctx, a, sig)
		if err != nil {
			return nil, err
		}
		d.Report = report
		return d, nil
	}

	return &Decision{Verdict: VerdictAllow, Report: report}, nil
}

// standing checks the active record behind key. Elapsed cooldowns and
// expired challenges are resolved on the way.
func (e *Engine) standing(ctx context.Context, key enforcement.Key, now time.Time) (*Decision, error) {
	st, err := e.store.Active(ctx, key)
	if err != nil {
		e.logger.Error("enforcement lookup failed, rejecting", zap.String("subject_id", key.SubjectID.String()), zap.Error(err))
		return nil, errors.NewTransientError("enforcement", "enforcement state unavailable").WithCause(err)
	}
	if st == nil {
		return nil, nil
	}

	switch st.Tier {
	case enforcement.TierSuspended:
		return &Decision{Verdict: VerdictReject, Reason: ReasonSuspended, State: st, Violations: st.ViolationCount}, nil

	case enforcement.TierHardCooldown:
		if !st.CooldownElapsed(now) {
			return &Decision{Verdict: VerdictReject, Reason: ReasonCooldownActive, State: st, Violations: st.ViolationCount}, nil
		}
		if _, err := e.store.Resolve(ctx, st.ID, enforcement.ResolutionCooldownExpired, nil, now); err != nil {
			return nil, errors.NewTransientError("enforcement", "failed to expire cooldown").WithCause(err)
		}
		e.logger.Debug("cooldown expired", zap.String("subject_id", key.SubjectID.String()), zap.String("state_id", st.ID.String()))
		return nil, nil

	case enforcement.TierSoftChallenge:
		if !st.ChallengeExpired(now) {
			return &Decision{Verdict: VerdictChallenge, Reason: ReasonChallengePend, State: st, Violations: st.ViolationCount}, nil
		}
		if _, err := e.store.Resolve(ctx, st.ID, enforcement.ResolutionExpired, nil, now); err != nil {
			return nil, errors.NewTransientError("enforcement", "failed to expire challenge").WithCause(err)
		}
		return nil, nil
	}
	return nil, nil
}

// violate counts a violation and imposes a hard cooldown, or suspends the
// subject when the count reaches the limit.
func (e *Engine) violate(ctx context.Context, a Attempt, sig *fraud.Signal, reason string, cooldown func(int) time.Duration) (*Decision, error) {
	v, err := e.store.IncrementViolations(ctx, a.SubjectID, a.At)
	if err != nil {
		return nil, errors.NewTransientError("enforcement", "failed to record violation").WithCause(err)
	}

	if e.policy.ShouldSuspend(v) {
		st, err := e.suspend(ctx, a.SubjectID, reason, v, a.At)
		if err != nil {
			return nil, err
		}
		return &Decision{Verdict: VerdictReject, Reason: ReasonSuspended, Signal: sig, State: st, Violations: v}, nil
	}

	var scope *uuid.UUID
	if sig == nil || !sig.Global {
		id := a.AuctionID
		scope = &id
	}
	st := enforcement.NewHardCooldown(a.SubjectID, scope, reason, v, a.At, cooldown(v))
	if err := e.store.Create(ctx, st); err != nil {
		return nil, errors.Wrap(err, "failed to start cooldown")
	}
	e.logger.Info("hard cooldown imposed",
		zap.String("subject_id", a.SubjectID.String()),
		zap.String("reason", reason),
		zap.Int("violations", v),
		zap.Time("until", *st.CooldownExpiresAt))
	return &Decision{Verdict: VerdictReject, Reason: reason, Signal: sig, State: st, Violations: v}, nil
}

// suspend resolves every active record of the subject, per-auction ones
// included, and creates the suspension.
func (e *Engine) suspend(ctx context.Context, subject uuid.UUID, reason string, violations int, now time.Time) (*enforcement.State, error) {
	active, err := e.store.ActiveForSubject(ctx, subject)
	if err != nil {
		return nil, errors.NewTransientError("enforcement", "enforcement state unavailable").WithCause(err)
	}
	for _, current := range active {
		if current.Tier == enforcement.TierSuspended {
			return current, nil
		}
	}
	for _, current := range active {
		if _, err := e.store.Resolve(ctx, current.ID, enforcement.ResolutionEscalated, nil, now); err != nil {
			return nil, errors.Wrap(err, "failed to escalate active record")
		}
	}
	st := enforcement.NewSuspension(subject, reason, violations, now)
	if err := e.store.Create(ctx, st); err != nil {
		return nil, errors.Wrap(err, "failed to suspend subject")
	}
	e.logger.Warn("subject suspended",
		zap.String("subject_id", subject.String()),
		zap.String("reason", reason),
		zap.Int("violations", violations))
	return st, nil
}

func (e *Engine) challenge(ctx context.Context, a Attempt, sig *fraud.Signal) (*Decision, error) {
	since := a.At.Add(-e.policy.SoftRepeatWindow)
	recent, err := e.store.CountCreatedSince(ctx, a.SubjectID, enforcement.TierSoftChallenge, since)
	if err != nil {
		return nil, errors.NewTransientError("enforcement", "failed to count challenges").WithCause(err)
	}
	if recent >= e.policy.SoftRepeatLimit {
		return e.violate(ctx, a, sig, ReasonRepeatedSoft, e.policy.EscalatedCooldownFor)
	}

	v, err := e.store.Violations(ctx, a.SubjectID)
	if err != nil {
		return nil, errors.NewTransientError("enforcement", "failed to read violations").WithCause(err)
	}
	var scope *uuid.UUID
	if !sig.Global {
		id := a.AuctionID
		scope = &id
	}
	held := enforcement.HeldBid{AuctionID: a.AuctionID, Amount: a.Amount, AttemptedAt: a.At}
	st := enforcement.NewSoftChallenge(a.SubjectID, scope, string(sig.Kind), held, v, a.At, e.policy.ChallengeTTL)
	if err := e.store.Create(ctx, st); err != nil {
		return nil, errors.Wrap(err, "failed to issue challenge")
	}
	e.logger.Info("soft challenge issued",
		zap.String("subject_id", a.SubjectID.String()),
		zap.String("challenge_id", st.ID.String()),
		zap.String("kind", string(sig.Kind)))
	return &Decision{Verdict: VerdictChallenge, Reason: string(sig.Kind), Signal: sig, State: st, Violations: v}, nil
}

// ChallengeOutcome is the result of resolving a soft challenge.
type ChallengeOutcome struct {
	Resolution enforcement.Resolution
	State      *enforcement.State
	Violations int
	Suspended  bool
}

// Challenge returns a pending or resolved challenge record.
func (e *Engine) Challenge(ctx context.Context, id uuid.UUID) (*enforcement.State, error) {
	st, err := e.store.Get(ctx, id)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, errors.ErrChallengeNotFound
		}
		return nil, err
	}
	if st.Tier != enforcement.TierSoftChallenge {
		return nil, errors.ErrChallengeNotFound
	}
	return st, nil
}

// ResolveChallenge settles a pending challenge. A pass returns the held bid
// for the caller to revalidate and commit. A failure counts a violation. An
// expired challenge resolves without one. A suspended subject's challenge
// resolves as escalated whatever the proof.
func (e *Engine) ResolveChallenge(ctx context.Context, id uuid.UUID, passed bool, now time.Time) (*ChallengeOutcome, error) {
	st, err := e.Challenge(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := e.locks.acquire(ctx, st.SubjectID, e.policy.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock.
	if st, err = e.store.Get(ctx, id); err != nil {
		return nil, err
	}

	global, err := e.store.Active(ctx, enforcement.KeyFor(st.SubjectID, nil))
	if err != nil {
		e.logger.Error("enforcement lookup failed, rejecting", zap.String("subject_id", st.SubjectID.String()), zap.Error(err))
		return nil, errors.NewTransientError("enforcement", "enforcement state unavailable").WithCause(err)
	}
	if global != nil && global.Tier == enforcement.TierSuspended {
		resolved := st
		if st.ResolvedAt == nil {
			if resolved, err = e.store.Resolve(ctx, id, enforcement.ResolutionEscalated, nil, now); err != nil {
				return nil, err
			}
		}
		e.logger.Info("challenge refused for suspended subject",
			zap.String("subject_id", st.SubjectID.String()),
			zap.String("challenge_id", id.String()))
		return &ChallengeOutcome{
			Resolution: enforcement.ResolutionEscalated,
			State:      resolved,
			Violations: global.ViolationCount,
			Suspended:  true,
		}, nil
	}

	if st.ResolvedAt != nil {
		return nil, errors.NewConflictError("challenge already resolved").WithDetails(map[string]interface{}{
			"resolution": string(st.Resolution),
		})
	}

	if st.ChallengeExpired(now) {
		resolved, err := e.store.Resolve(ctx, id, enforcement.ResolutionExpired, nil, now)
		if err != nil {
			return nil, err
		}
		return &ChallengeOutcome{Resolution: enforcement.ResolutionExpired, State: resolved, Violations: st.ViolationCount}, nil
	}

	if passed {
		resolved, err := e.store.Resolve(ctx, id, enforcement.ResolutionPassed, nil, now)
		if err != nil {
			return nil, err
		}
		return &ChallengeOutcome{Resolution: enforcement.ResolutionPassed, State: resolved, Violations: st.ViolationCount}, nil
	}

	resolved, err := e.store.Resolve(ctx, id, enforcement.ResolutionFailed, nil, now)
	if err != nil {
		return nil, err
	}
	v, err := e.store.IncrementViolations(ctx, st.SubjectID, now)
	if err != nil {
		return nil, errors.NewTransientError("enforcement", "failed to record violation").WithCause(err)
	}
	out := &ChallengeOutcome{Resolution: enforcement.ResolutionFailed, State: resolved, Violations: v}
	if e.policy.ShouldSuspend(v) {
		if _, err := e.suspend(ctx, st.SubjectID, ReasonFailedChallenge, v, now); err != nil {
			return nil, err
		}
		out.Suspended = true
	}
	e.logger.Info("challenge failed",
		zap.String("subject_id", st.SubjectID.String()),
		zap.String("challenge_id", id.String()),
		zap.Int("violations", v))
	return out, nil
}

// ClearSuspension lifts a suspension. The lifetime violation count is kept.
func (e *Engine) ClearSuspension(ctx context.Context, subject, by uuid.UUID, now time.Time) (*enforcement.State, error) {
	unlock, err := e.locks.acquire(ctx, subject, e.policy.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := e.store.Active(ctx, enforcement.KeyFor(subject, nil))
	if err != nil {
		return nil, err
	}
	if st == nil || st.Tier != enforcement.TierSuspended {
		return nil, errors.NewValidationError("NOT_SUSPENDED", "subject is not suspended")
	}
	cleared, err := e.store.Resolve(ctx, st.ID, enforcement.ResolutionCleared, &by, now)
	if err != nil {
		return nil, err
	}
	e.logger.Info("suspension cleared",
		zap.String("subject_id", subject.String()),
		zap.String("cleared_by", by.String()))
	return cleared, nil
}

// Standing returns the subject's active records and lifetime violations.
func (e *Engine) Standing(ctx context.Context, subject uuid.UUID) ([]*enforcement.State, int, error) {
	states, err := e.store.ActiveForSubject(ctx, subject)
	if err != nil {
		return nil, 0, err
	}
	v, err := e.store.Violations(ctx, subject)
	if err != nil {
		return nil, 0, err
	}
	return states, v, nil
}
