package account

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Account struct {
	ID          uuid.UUID   `json:"id"`
	DisplayName string      `json:"display_name"`
	Type        AccountType `json:"type"`
	Status      Status      `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

type AccountType int

const (
	TypeBidder AccountType = iota
	TypeSeller
	TypeAdmin
)

func (t AccountType) String() string {
	switch t {
	case TypeBidder:
		return "bidder"
	case TypeSeller:
		return "seller"
	case TypeAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

func ParseAccountType(s string) AccountType {
	switch s {
	case "seller":
		return TypeSeller
	case "admin":
		return TypeAdmin
	default:
		return TypeBidder
	}
}

type Status int

const (
	StatusActive Status = iota
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func New(displayName string, accountType AccountType, createdAt time.Time) *Account {
	return &Account{
		ID:          uuid.New(),
		DisplayName: displayName,
		Type:        accountType,
		Status:      StatusActive,
		CreatedAt:   createdAt.UTC(),
	}
}

// Age is how long the account has existed at now.
func (a *Account) Age(now time.Time) time.Duration {
	if now.Before(a.CreatedAt) {
		return 0
	}
	return now.Sub(a.CreatedAt)
}

// IsAdmin reports administrative accounts, which are exempt from most
// enforcement by default.
func (a *Account) IsAdmin() bool {
	return a.Type == TypeAdmin
}

// Directory resolves account facts the core never writes.
type Directory interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
}
