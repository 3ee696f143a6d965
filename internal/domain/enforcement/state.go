package enforcement

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

type Tier string

const (
	TierNone          Tier = "none"
	TierSoftChallenge Tier = "soft_challenge_pending"
	TierHardCooldown  Tier = "hard_cooldown"
	TierSuspended     Tier = "suspended"
)

// Resolution records how an enforcement record left its tier.
type Resolution string

const (
	ResolutionPassed          Resolution = "passed"
	ResolutionFailed          Resolution = "failed"
	ResolutionExpired         Resolution = "expired"
	ResolutionCooldownExpired Resolution = "cooldown_expired"
	ResolutionCleared         Resolution = "cleared"
	ResolutionEscalated       Resolution = "escalated"
)

// HeldBid is the attempt parked behind a soft challenge.
type HeldBid struct {
	AuctionID   uuid.UUID       `json:"auction_id"`
	Amount      decimal.Decimal `json:"amount"`
	AttemptedAt time.Time       `json:"attempted_at"`
}

// State is one enforcement record for a (subject, auction) pair. A nil
// AuctionID is the subject's global record. Records are never deleted;
// resolution stamps ResolvedAt and keeps the row.
type State struct {
	ID                 uuid.UUID  `json:"id"`
	SubjectID          uuid.UUID  `json:"subject_id"`
	AuctionID          *uuid.UUID `json:"auction_id,omitempty"`
	Tier               Tier       `json:"tier"`
	Reason             string     `json:"reason"`
	ViolationCount     int        `json:"violation_count"`
	HeldBid            *HeldBid   `json:"held_bid,omitempty"`
	ChallengeExpiresAt *time.Time `json:"challenge_expires_at,omitempty"`
	CooldownExpiresAt  *time.Time `json:"cooldown_expires_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	LastViolationAt    *time.Time `json:"last_violation_at,omitempty"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
	Resolution         Resolution `json:"resolution,omitempty"`
	ResolvedBy         *uuid.UUID `json:"resolved_by,omitempty"`
}

// Key addresses the at-most-one active record slot.
type Key struct {
	SubjectID uuid.UUID
	AuctionID uuid.UUID
}

func KeyFor(subject uuid.UUID, auctionID *uuid.UUID) Key {
	k := Key{SubjectID: subject}
	if auctionID != nil {
		k.AuctionID = *auctionID
	}
	return k
}

func (s *State) Key() Key { return KeyFor(s.SubjectID, s.AuctionID) }

func (s *State) Active() bool {
	return s.ResolvedAt == nil && s.Tier != TierNone
}

// CooldownElapsed reports whether a hard cooldown has run out at now.
func (s *State) CooldownElapsed(now time.Time) bool {
	return s.Tier == TierHardCooldown && s.CooldownExpiresAt != nil && !now.Before(*s.CooldownExpiresAt)
}

// ChallengeExpired reports whether a pending challenge can no longer be passed.
func (s *State) ChallengeExpired(now time.Time) bool {
	return s.Tier == TierSoftChallenge && s.ChallengeExpiresAt != nil && !now.Before(*s.ChallengeExpiresAt)
}

func (s *State) Resolve(resolution Resolution, by *uuid.UUID, at time.Time) error {
	if s.ResolvedAt != nil {
		return errors.NewConflictError("enforcement record already resolved")
	}
	if s.Tier == TierSuspended && resolution != ResolutionCleared {
		return errors.NewConflictError("suspension can only be cleared manually")
	}
	at = at.UTC()
	s.ResolvedAt = &at
	s.Resolution = resolution
	s.ResolvedBy = by
	return nil
}

func newState(subject uuid.UUID, auctionID *uuid.UUID, tier Tier, reason string, violations int, now time.Time) *State {
	now = now.UTC()
	return &State{
		ID:             uuid.New(),
		SubjectID:      subject,
		AuctionID:      auctionID,
		Tier:           tier,
		Reason:         reason,
		ViolationCount: violations,
		CreatedAt:      now,
	}
}

func NewSoftChallenge(subject uuid.UUID, auctionID *uuid.UUID, reason string, held HeldBid, violations int, now time.Time, ttl time.Duration) *State {
	s := newState(subject, auctionID, TierSoftChallenge, reason, violations, now)
	expires := s.CreatedAt.Add(ttl)
	s.ChallengeExpiresAt = &expires
	s.HeldBid = &held
	return s
}

func NewHardCooldown(subject uuid.UUID, auctionID *uuid.UUID, reason string, violations int, now time.Time, d time.Duration) *State {
	s := newState(subject, auctionID, TierHardCooldown, reason, violations, now)
	expires := s.CreatedAt.Add(d)
	s.CooldownExpiresAt = &expires
	s.LastViolationAt = &s.CreatedAt
	return s
}

// NewSuspension always binds to the subject's global record.
func NewSuspension(subject uuid.UUID, reason string, violations int, now time.Time) *State {
	s := newState(subject, nil, TierSuspended, reason, violations, now)
	s.LastViolationAt = &s.CreatedAt
	return s
}
