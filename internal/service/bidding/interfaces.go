package bidding

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/account"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/bid"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/financial"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/metrics"
	"github.com/davidleathers/auction-integrity-backend/internal/service/detection"
	"github.com/davidleathers/auction-integrity-backend/internal/service/escalation"
	"github.com/davidleathers/auction-integrity-backend/internal/service/velocity"
)

// Chain is the part of the ledger service the coordinator appends through.
type Chain interface {
	Append(ctx context.Context, entry ledger.Entry) (*ledger.Record, error)
}

// Screener runs the bid detectors.
type Screener interface {
	EvaluateBid(ctx context.Context, in detection.BidInput) (*detection.Report, error)
}

// ChallengeVerifier checks the proof a bidder returns for a soft challenge.
type ChallengeVerifier interface {
	Verify(challengeID uuid.UUID, proof string) bool
}

// Dependencies wires the coordinator. Metrics and Clock are optional.
type Dependencies struct {
	Auctions   bid.Repository
	Accounts   account.Directory
	Signals    fraud.SignalStore
	Grants     fraud.GrantStore
	Payments   financial.PaymentRepository
	Velocity   velocity.Tracker
	Screener   Screener
	Escalation *escalation.Engine
	Chain      Chain
	Verifier   ChallengeVerifier
	Metrics    *metrics.Registry
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Config holds coordinator tuning.
type Config struct {
	// LockTimeout bounds the wait for the per-auction section.
	LockTimeout time.Duration `koanf:"lock_timeout"`
}

func DefaultConfig() Config {
	return Config{LockTimeout: 2 * time.Second}
}

// SubmitBidRequest is one bid attempt.
type SubmitBidRequest struct {
	AuctionID uuid.UUID       `json:"auction_id" validate:"required"`
	BidderID  uuid.UUID       `json:"bidder_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	// Timestamp defaults to the coordinator clock.
	Timestamp time.Time `json:"timestamp"`
}

type Status string

const (
	StatusAccepted   Status = "accepted"
	StatusChallenged Status = "challenged"
	StatusRejected   Status = "rejected"
)

// BidOutcome is returned for every attempt that reached a decision.
// Non-accepted outcomes come with a typed *errors.AppError.
type BidOutcome struct {
	Status             Status           `json:"status"`
	Reason             string           `json:"reason,omitempty"`
	Code               string           `json:"code,omitempty"`
	BidID              *uuid.UUID       `json:"bid_id,omitempty"`
	NewPrice           *decimal.Decimal `json:"new_price,omitempty"`
	BidCount           int              `json:"bid_count,omitempty"`
	ChallengeID        *uuid.UUID       `json:"challenge_id,omitempty"`
	ChallengeExpiresAt *time.Time       `json:"challenge_expires_at,omitempty"`
	CooldownUntil      *time.Time       `json:"cooldown_until,omitempty"`
	ChainSequence      int64            `json:"chain_sequence,omitempty"`
	Signals            []*fraud.Signal  `json:"-"`
}
