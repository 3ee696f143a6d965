package bidding

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/enforcement"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/financial"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
	"github.com/davidleathers/auction-integrity-backend/internal/service/detection"
)

// GrantBypass records an administrative override for one scope.
func (c *Coordinator) GrantBypass(ctx context.Context, subject uuid.UUID, scope string, grantedBy uuid.UUID) (*fraud.Grant, error) {
	s, err := fraud.ParseScope(scope)
	if err != nil {
		return nil, err
	}
	if subject == uuid.Nil || grantedBy == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_REQUEST", "subject and granter are required")
	}
	g := fraud.Grant{
		SubjectID: subject,
		Scope:     s,
		GrantedBy: grantedBy,
		GrantedAt: c.now().UTC(),
	}
	if err := c.deps.Grants.SaveGrant(ctx, g); err != nil {
		return nil, err
	}
	c.logger.Info("bypass granted",
		zap.String("subject_id", subject.String()),
		zap.String("scope", string(s)),
		zap.String("granted_by", grantedBy.String()))
	return &g, nil
}

// RevokeBypass stamps revoked_at on the active grant; the row is kept.
func (c *Coordinator) RevokeBypass(ctx context.Context, subject uuid.UUID, scope string, revokedBy uuid.UUID) error {
	s, err := fraud.ParseScope(scope)
	if err != nil {
		return err
	}
	if err := c.deps.Grants.RevokeGrant(ctx, subject, s, revokedBy, c.now().UTC()); err != nil {
		return err
	}
	c.logger.Info("bypass revoked",
		zap.String("subject_id", subject.String()),
		zap.String("scope", string(s)),
		zap.String("revoked_by", revokedBy.String()))
	return nil
}

func (c *Coordinator) ClearSuspension(ctx context.Context, subject, clearedBy uuid.UUID) (*enforcement.State, error) {
	return c.deps.Escalation.ClearSuspension(ctx, subject, clearedBy, c.now().UTC())
}

// ListOpenSignals is the review feed. The filter status defaults to open.
func (c *Coordinator) ListOpenSignals(ctx context.Context, filter fraud.Filter) ([]*fraud.Signal, error) {
	if filter.Status == "" {
		filter.Status = fraud.StatusOpen
	}
	return c.deps.Signals.ListSignals(ctx, filter)
}

func (c *Coordinator) ReviewSignal(ctx context.Context, signalID, reviewer uuid.UUID) (*fraud.Signal, error) {
	return c.deps.Signals.MarkReviewed(ctx, signalID, reviewer, c.now().UTC())
}

// SubjectScore is the aggregate risk view of one subject.
type SubjectScore struct {
	SubjectID uuid.UUID `json:"subject_id"`
	detection.ScoreBreakdown
	Violations   int                  `json:"violations"`
	ActiveStates []*enforcement.State `json:"active_states"`
}

// FraudScore combines open signals, recent payment failures and account age.
func (c *Coordinator) FraudScore(ctx context.Context, subject uuid.UUID) (*SubjectScore, error) {
	now := c.now().UTC()
	acct, err := c.deps.Accounts.GetAccount(ctx, subject)
	if err != nil {
		return nil, err
	}
	signals, err := c.deps.Signals.ListSignals(ctx, fraud.Filter{SubjectID: &subject, Status: fraud.StatusOpen})
	if err != nil {
		return nil, err
	}
	var payments []*financial.Payment
	if c.deps.Payments != nil {
		if payments, err = c.deps.Payments.SubjectPayments(ctx, subject, now.Add(-detection.ScorePaymentLookback)); err != nil {
			return nil, err
		}
	}
	states, violations, err := c.deps.Escalation.Standing(ctx, subject)
	if err != nil {
		return nil, err
	}
	return &SubjectScore{
		SubjectID:      subject,
		ScoreBreakdown: detection.FraudScore(signals, payments, acct, now),
		Violations:     violations,
		ActiveStates:   states,
	}, nil
}
