package financial

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentMethod is the instrument a payment was attempted with.
type PaymentMethod string

const (
	PaymentMethodCard        PaymentMethod = "card"
	PaymentMethodBank        PaymentMethod = "bank"
	PaymentMethodMobileMoney PaymentMethod = "mobile_money"
	PaymentMethodWallet      PaymentMethod = "wallet"
)

// PaymentStatus represents the settlement state reported by the gateway layer
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusSettled PaymentStatus = "settled"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Payment is a settlement attempt for a won auction.
type Payment struct {
	ID        uuid.UUID       `json:"id"`
	SubjectID uuid.UUID       `json:"subject_id"`
	AuctionID *uuid.UUID      `json:"auction_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Method    PaymentMethod   `json:"method"`
	Reference string          `json:"reference,omitempty"`
	Status    PaymentStatus   `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (p *Payment) IsStale(now time.Time, after time.Duration) bool {
	return p.Status == PaymentStatusPending && !now.Before(p.CreatedAt.Add(after))
}

// PaymentRepository stores payments fed by the settlement layer.
type PaymentRepository interface {
	SavePayment(ctx context.Context, p *Payment) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status PaymentStatus, at time.Time) error
	// SubjectPayments returns the subject's payments created at or after since, newest first.
	SubjectPayments(ctx context.Context, subject uuid.UUID, since time.Time) ([]*Payment, error)
	// StalePending returns pending payments created at or before cutoff.
	StalePending(ctx context.Context, cutoff time.Time) ([]*Payment, error)
}

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodBank, PaymentMethodMobileMoney, PaymentMethodWallet:
		return true
	}
	return false
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusSettled, PaymentStatusFailed:
		return true
	}
	return false
}
