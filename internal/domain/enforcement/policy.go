package enforcement

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Policy holds the escalation constants. LockTimeout bounds the wait for a
// subject's state before a transition.
type Policy struct {
	SuspendAfter         int           `koanf:"suspend_after"`
	CooldownBase         time.Duration `koanf:"cooldown_base"`
	CooldownStep         time.Duration `koanf:"cooldown_step"`
	CooldownMax          time.Duration `koanf:"cooldown_max"`
	ChallengeTTL         time.Duration `koanf:"challenge_ttl"`
	SoftRepeatLimit      int           `koanf:"soft_repeat_limit"`
	SoftRepeatWindow     time.Duration `koanf:"soft_repeat_window"`
	SoftEscalationFactor int           `koanf:"soft_escalation_factor"`
	LockTimeout          time.Duration `koanf:"lock_timeout"`
}

func DefaultPolicy() Policy {
	return Policy{
		SuspendAfter:         4,
		CooldownBase:         60 * time.Second,
		CooldownStep:         20 * time.Second,
		CooldownMax:          120 * time.Second,
		ChallengeTTL:         5 * time.Minute,
		SoftRepeatLimit:      2,
		SoftRepeatWindow:     time.Hour,
		SoftEscalationFactor: 2,
		LockTimeout:          2 * time.Second,
	}
}

// CooldownFor grows linearly with the violation count and is capped at
// CooldownMax.
func (p Policy) CooldownFor(violations int) time.Duration {
	if violations < 1 {
		violations = 1
	}
	d := p.CooldownBase + time.Duration(violations-1)*p.CooldownStep
	if d > p.CooldownMax {
		return p.CooldownMax
	}
	return d
}

// EscalatedCooldownFor is the cooldown imposed when repeated soft
// challenges are promoted to a hard cooldown.
func (p Policy) EscalatedCooldownFor(violations int) time.Duration {
	factor := p.SoftEscalationFactor
	if factor < 1 {
		factor = 1
	}
	return p.CooldownFor(violations) * time.Duration(factor)
}

func (p Policy) ShouldSuspend(violations int) bool {
	return violations >= p.SuspendAfter
}

// Store owns enforcement records and the per-subject violation counter.
type Store interface {
	// Active returns the unresolved record for the key, or nil.
	Active(ctx context.Context, key Key) (*State, error)
	// ActiveForSubject returns every unresolved record of the subject.
	ActiveForSubject(ctx context.Context, subject uuid.UUID) ([]*State, error)
	Get(ctx context.Context, id uuid.UUID) (*State, error)
	// Create inserts a record; a conflict error is returned when the key
	// already has an unresolved record.
	Create(ctx context.Context, s *State) error
	Resolve(ctx context.Context, id uuid.UUID, resolution Resolution, by *uuid.UUID, at time.Time) (*State, error)
	// CountCreatedSince counts records of tier created for the subject at or after since.
	CountCreatedSince(ctx context.Context, subject uuid.UUID, tier Tier, since time.Time) (int, error)
	// IncrementViolations bumps the lifetime counter and returns the new value.
	IncrementViolations(ctx context.Context, subject uuid.UUID, at time.Time) (int, error)
	Violations(ctx context.Context, subject uuid.UUID) (int, error)
}
