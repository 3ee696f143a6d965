package fraud

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

// Severity of a fired signal
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

func (s Severity) Valid() bool { return s.Rank() > 0 }

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Kind identifies the detector that produced a signal.
type Kind string

const (
	KindRapidBidding           Kind = "rapid_bidding"
	KindGlobalRapidBidding     Kind = "global_rapid_bidding"
	KindMinIncrementSpam       Kind = "min_increment_spam"
	KindBidSniping             Kind = "bid_sniping"
	KindUnusualBidAmount       Kind = "unusual_bid_amount"
	KindHighValuePayment       Kind = "high_value_payment"
	KindNewAccountHighValue    Kind = "new_account_high_value"
	KindLowWinRatio            Kind = "low_win_ratio"
	KindSelfBidding            Kind = "self_bidding"
	KindSellerAffinity         Kind = "seller_affinity"
	KindShillBidding           Kind = "shill_bidding"
	KindCollusiveBidding       Kind = "collusive_bidding"
	KindBidTimingAnomaly       Kind = "bid_timing_anomaly"
	KindBidPatternAnomaly      Kind = "bid_pattern_anomaly"
	KindFailedPaymentPattern   Kind = "failed_payment_pattern"
	KindMultiplePaymentMethods Kind = "multiple_payment_methods"
	KindAIAssessment           Kind = "ai_assessment"
)

// Action is what enforcement does with a signal that is not suppressed.
type Action int

const (
	// ActionLog records the signal and nothing else.
	ActionLog Action = iota
	// ActionChallenge holds the bid behind a soft challenge.
	ActionChallenge
	// ActionCooldown rejects the bid and starts a hard cooldown.
	ActionCooldown
	// ActionBlock rejects the bid without changing the enforcement tier.
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionLog:
		return "log"
	case ActionChallenge:
		return "challenge"
	case ActionCooldown:
		return "cooldown"
	case ActionBlock:
		return "block"
	default:
		return "unknown"
	}
}

// Category groups detectors for bypass purposes.
type Category string

const (
	CategoryAccountAge     Category = "account_age"
	CategoryRapidBidding   Category = "rapid_bidding"
	CategoryFraudDetection Category = "fraud_detection"
	// CategorySelfBid is only covered by an explicit "all" grant.
	CategorySelfBid Category = "self_bid"
)

type Status string

const (
	StatusOpen     Status = "open"
	StatusReviewed Status = "reviewed"
)

// Signal is a detector's fired evidence. Everything except the review
// fields is immutable once saved.
type Signal struct {
	ID        uuid.UUID  `json:"id"`
	Kind      Kind       `json:"kind"`
	Severity  Severity   `json:"severity"`
	Action    Action     `json:"-"`
	Category  Category   `json:"category"`
	SubjectID uuid.UUID  `json:"subject_id"`
	AuctionID *uuid.UUID `json:"auction_id,omitempty"`
	// Global is set for cross-auction detectors, whose enforcement binds
	// to the subject's global record rather than the auction's.
	Global      bool                   `json:"global"`
	Evidence    map[string]interface{} `json:"evidence"`
	Description string                 `json:"description"`
	// Enforced is false when a bypass or exemption suppressed the signal.
	Enforced     bool       `json:"enforced"`
	SuppressedBy string     `json:"suppressed_by,omitempty"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ReviewedBy   *uuid.UUID `json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
}

func NewSignal(kind Kind, severity Severity, subject uuid.UUID, auctionID *uuid.UUID, evidence map[string]interface{}, description string, at time.Time) *Signal {
	if evidence == nil {
		evidence = map[string]interface{}{}
	}
	return &Signal{
		ID:          uuid.New(),
		Kind:        kind,
		Severity:    severity,
		SubjectID:   subject,
		AuctionID:   auctionID,
		Evidence:    evidence,
		Description: description,
		Enforced:    true,
		Status:      StatusOpen,
		CreatedAt:   at.UTC(),
	}
}

// Suppress keeps the signal for audit but removes it from enforcement.
func (s *Signal) Suppress(by string) {
	s.Enforced = false
	s.SuppressedBy = by
}

// Review marks the signal reviewed. A signal is reviewed at most once.
func (s *Signal) Review(reviewer uuid.UUID, at time.Time) error {
	if s.Status == StatusReviewed {
		return errors.NewConflictError("signal already reviewed")
	}
	at = at.UTC()
	s.Status = StatusReviewed
	s.ReviewedBy = &reviewer
	s.ReviewedAt = &at
	return nil
}

// Filter selects signals for the review feed. Zero values match everything
// except Status, which defaults to open.
type Filter struct {
	SubjectID   *uuid.UUID
	AuctionID   *uuid.UUID
	Kinds       []Kind
	MinSeverity Severity
	Status      Status
	Since       time.Time
	Limit       int
}

func (f Filter) Matches(s *Signal) bool {
	status := f.Status
	if status == "" {
		status = StatusOpen
	}
	if s.Status != status {
		return false
	}
	if f.SubjectID != nil && s.SubjectID != *f.SubjectID {
		return false
	}
	if f.AuctionID != nil && (s.AuctionID == nil || *s.AuctionID != *f.AuctionID) {
		return false
	}
	if f.MinSeverity != "" && s.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if !f.Since.IsZero() && s.CreatedAt.Before(f.Since) {
		return false
	}
	if len(f.Kinds) > 0 {
		for _, k := range f.Kinds {
			if k == s.Kind {
				return true
			}
		}
		return false
	}
	return true
}

// SignalStore is the fraud alert ledger. ListSignals returns newest first.
type SignalStore interface {
	SaveSignals(ctx context.Context, signals []*Signal) error
	GetSignal(ctx context.Context, id uuid.UUID) (*Signal, error)
	ListSignals(ctx context.Context, filter Filter) ([]*Signal, error)
	MarkReviewed(ctx context.Context, id, reviewer uuid.UUID, at time.Time) (*Signal, error)
}
