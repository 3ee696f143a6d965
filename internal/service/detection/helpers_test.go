package detection

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/account"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/bid"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/financial"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
	"github.com/davidleathers/auction-integrity-backend/internal/service/velocity"
)

var start = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// historyStub is a fixed read model.
type historyStub struct {
	subjectBids []bid.Event
	auctionBids []bid.Event
	bidCount    int
	winCount    int
	affinity    bid.SellerAffinity
	coBidders   map[uuid.UUID]int
	auctions    map[uuid.UUID]*bid.Auction
	err         error
}

func (h *historyStub) SubjectBids(_ context.Context, _ uuid.UUID, limit int) ([]bid.Event, error) {
	if h.err != nil {
		return nil, h.err
	}
	if limit > 0 && len(h.subjectBids) > limit {
		return h.subjectBids[:limit], nil
	}
	return h.subjectBids, nil
}

func (h *historyStub) AuctionBids(context.Context, uuid.UUID) ([]bid.Event, error) {
	return h.auctionBids, h.err
}

func (h *historyStub) SubjectBidCount(context.Context, uuid.UUID) (int, error) {
	return h.bidCount, h.err
}

func (h *historyStub) SubjectWinCount(context.Context, uuid.UUID) (int, error) {
	return h.winCount, h.err
}

func (h *historyStub) SellerAffinity(context.Context, uuid.UUID, uuid.UUID) (bid.SellerAffinity, error) {
	return h.affinity, h.err
}

func (h *historyStub) CoBidders(context.Context, uuid.UUID, uuid.UUID) (map[uuid.UUID]int, error) {
	return h.coBidders, h.err
}

func (h *historyStub) Auctions(context.Context, []uuid.UUID) (map[uuid.UUID]*bid.Auction, error) {
	return h.auctions, h.err
}

type mockGrantStore struct {
	mock.Mock
}

func (m *mockGrantStore) SaveGrant(ctx context.Context, g fraud.Grant) error {
	return m.Called(ctx, g).Error(0)
}

func (m *mockGrantStore) RevokeGrant(ctx context.Context, subject uuid.UUID, scope fraud.Scope, revokedBy uuid.UUID, at time.Time) error {
	return m.Called(ctx, subject, scope, revokedBy, at).Error(0)
}

func (m *mockGrantStore) ActiveGrants(ctx context.Context, subject uuid.UUID) (fraud.Grants, error) {
	args := m.Called(ctx, subject)
	gs, _ := args.Get(0).(fraud.Grants)
	return gs, args.Error(1)
}

type paymentsStub struct {
	payments []*financial.Payment
}

func (p *paymentsStub) SavePayment(context.Context, *financial.Payment) error { return nil }

func (p *paymentsStub) UpdateStatus(context.Context, uuid.UUID, financial.PaymentStatus, time.Time) error {
	return nil
}

func (p *paymentsStub) SubjectPayments(_ context.Context, _ uuid.UUID, since time.Time) ([]*financial.Payment, error) {
	out := make([]*financial.Payment, 0, len(p.payments))
	for _, pm := range p.payments {
		if !pm.CreatedAt.Before(since) {
			out = append(out, pm)
		}
	}
	return out, nil
}

func (p *paymentsStub) StalePending(context.Context, time.Time) ([]*financial.Payment, error) {
	return nil, nil
}

func testAuction(t *testing.T, price int64, end time.Time) *bid.Auction {
	t.Helper()
	a, err := bid.NewAuction(uuid.New(), "lot", decimal.NewFromInt(price), decimal.NewFromInt(1000), start, end)
	require.NoError(t, err)
	return a
}

func oldAccount(now time.Time) *account.Account {
	return account.New("bidder", account.TypeBidder, now.Add(-365*24*time.Hour))
}

// recordAttempts records n attempts on auctionID spaced by step, ending at now.
func recordAttempts(t *testing.T, tr velocity.Tracker, subject, auctionID uuid.UUID, n int, step time.Duration, now time.Time) {
	t.Helper()
	for i := n - 1; i >= 0; i-- {
		require.NoError(t, tr.Record(context.Background(), subject, auctionID, now.Add(-time.Duration(i)*step)))
	}
}

func evaluation(tr velocity.Tracker, h bid.History, a *bid.Auction, acct *account.Account, amount int64, now time.Time) *Evaluation {
	ev := bid.NewEvent(a.ID, acct.ID, decimal.NewFromInt(amount), now)
	return &Evaluation{
		SubjectID:           acct.ID,
		Bid:                 &ev,
		Auction:             a,
		Account:             acct,
		Now:                 now,
		ThresholdMultiplier: 1,
		Velocity:            tr,
		Bids:                h,
	}
}
