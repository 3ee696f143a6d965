package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

// Scope of a bypass grant
type Scope string

const (
	ScopeAccountAge     Scope = "account_age"
	ScopeRapidBidding   Scope = "rapid_bidding"
	ScopeFraudDetection Scope = "fraud_detection"
	ScopeAll            Scope = "all"
)

// ExemptionAdmin is recorded as SuppressedBy when an administrative
// account's signal is suppressed without a grant.
const ExemptionAdmin = "admin_exempt"

func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeAccountAge, ScopeRapidBidding, ScopeFraudDetection, ScopeAll:
		return Scope(s), nil
	default:
		return "", errors.NewValidationError("INVALID_BYPASS_SCOPE", fmt.Sprintf("unknown bypass scope %q", s))
	}
}

// Covers reports whether the scope suppresses enforcement for category.
func (s Scope) Covers(category Category) bool {
	if s == ScopeAll {
		return true
	}
	if category == CategorySelfBid {
		return false
	}
	return string(s) == string(category)
}

// Grant is an administrative override for one scope.
type Grant struct {
	SubjectID uuid.UUID  `json:"subject_id"`
	Scope     Scope      `json:"scope"`
	GrantedBy uuid.UUID  `json:"granted_by"`
	GrantedAt time.Time  `json:"granted_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	RevokedBy *uuid.UUID `json:"revoked_by,omitempty"`
}

func (g Grant) Active() bool { return g.RevokedAt == nil }

type Grants []Grant

// Covering returns the first active grant that covers category.
func (gs Grants) Covering(category Category) (Scope, bool) {
	for _, g := range gs {
		if g.Active() && g.Scope.Covers(category) {
			return g.Scope, true
		}
	}
	return "", false
}

// GrantStore persists bypass grants. Revoked grants are retained.
type GrantStore interface {
	// SaveGrant records a new active grant. Granting a scope that is
	// already active returns a conflict error.
	SaveGrant(ctx context.Context, g Grant) error
	RevokeGrant(ctx context.Context, subject uuid.UUID, scope Scope, revokedBy uuid.UUID, at time.Time) error
	ActiveGrants(ctx context.Context, subject uuid.UUID) (Grants, error)
}
