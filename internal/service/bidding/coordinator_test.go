package bidding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/account"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/bid"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/enforcement"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/memory"
	"github.com/davidleathers/auction-integrity-backend/internal/service/detection"
	"github.com/davidleathers/auction-integrity-backend/internal/service/escalation"
	ledgersvc "github.com/davidleathers/auction-integrity-backend/internal/service/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/service/velocity"
)

var t0 = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	coord    *Coordinator
	auctions *memory.AuctionStore
	accounts *memory.AccountStore
	signals  *memory.SignalStore
	enforce  *memory.EnforcementStore
	chain    *memory.LedgerStore
	verifier *HMACVerifier
	seller   *account.Account
	auction  *bid.Auction

	mu  sync.Mutex
	now time.Time
}

func (h *harness) setNow(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = t
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func newHarness(t *testing.T, cfg Config, wrap func(bid.Repository) bid.Repository) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	h := &harness{
		auctions: memory.NewAuctionStore(),
		accounts: memory.NewAccountStore(),
		signals:  memory.NewSignalStore(),
		enforce:  memory.NewEnforcementStore(),
		chain:    memory.NewLedgerStore(),
		verifier: NewHMACVerifier("test-secret"),
		now:      t0,
	}
	grants := memory.NewGrantStore()
	payments := memory.NewPaymentStore()

	detCfg := detection.DefaultConfig()
	tracker := velocity.NewMemoryTracker(detCfg.MaxVelocityWindow(), logger)
	engine, err := detection.NewEngine(detCfg, detection.Dependencies{
		Velocity: tracker,
		Bids:     h.auctions,
		Payments: payments,
		Grants:   grants,
		Logger:   logger,
	})
	require.NoError(t, err)

	var repo bid.Repository = h.auctions
	if wrap != nil {
		repo = wrap(h.auctions)
	}

	h.coord, err = NewCoordinator(cfg, Dependencies{
		Auctions:   repo,
		Accounts:   h.accounts,
		Signals:    h.signals,
		Grants:     grants,
		Payments:   payments,
		Velocity:   tracker,
		Screener:   engine,
		Escalation: escalation.NewEngine(h.enforce, enforcement.DefaultPolicy(), logger),
		Chain:      ledgersvc.NewService(h.chain, ledgersvc.Config{}, logger, nil),
		Verifier:   h.verifier,
		Logger:     logger,
		Clock:      h.clock,
	})
	require.NoError(t, err)

	h.seller = h.newAccount(t, account.TypeSeller)
	h.auction, err = bid.NewAuction(h.seller.ID, "Vintage camera",
		decimal.NewFromInt(10000), decimal.NewFromInt(1000), t0.Add(-time.Hour), t0.Add(6*time.Hour))
	require.NoError(t, err)
	require.NoError(t, h.auctions.SaveAuction(context.Background(), h.auction))
	return h
}

func (h *harness) newAccount(t *testing.T, typ account.AccountType) *account.Account {
	t.Helper()
	a := account.New("acct", typ, t0.Add(-90*24*time.Hour))
	require.NoError(t, h.accounts.SaveAccount(context.Background(), a))
	return a
}

func (h *harness) submit(bidder uuid.UUID, amount int64, at time.Time) (*BidOutcome, error) {
	return h.coord.SubmitBid(context.Background(), SubmitBidRequest{
		AuctionID: h.auction.ID,
		BidderID:  bidder,
		Amount:    decimal.NewFromInt(amount),
		Timestamp: at,
	})
}

// placeRapid submits n bids 15s apart rising by 2000 each and returns the last outcome.
func (h *harness) placeRapid(t *testing.T, bidder uuid.UUID, n int) (*BidOutcome, error) {
	t.Helper()
	var out *BidOutcome
	var err error
	for i := 0; i < n; i++ {
		out, err = h.submit(bidder, int64(12000+2000*i), t0.Add(time.Duration(i)*15*time.Second))
		if i < n-1 {
			require.NoError(t, err, "bid %d", i+1)
		}
	}
	return out, err
}

func TestSubmitBidAccepted(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	bidder := h.newAccount(t, account.TypeBidder)

	out, err := h.submit(bidder.ID, 11000, t0)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, out.Status)
	assert.True(t, out.NewPrice.Equal(decimal.NewFromInt(11000)))
	assert.Equal(t, 1, out.BidCount)
	assert.Equal(t, int64(1), out.ChainSequence)

	records, err := h.chain.Range(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ledger.EventBidAccepted, records[0].EventType)
	assert.Equal(t, bidder.ID, records[0].SubjectID)
	assert.Equal(t, h.auction.ID.String(), records[0].Payload["auction_id"])
}

func TestSubmitBidDomainValidation(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	bidder := h.newAccount(t, account.TypeBidder)

	tests := []struct {
		name   string
		amount int64
		at     time.Time
		code   string
	}{
		{"below minimum increment", 10500, t0, "BID_TOO_LOW"},
		{"after end time", 20000, t0.Add(6 * time.Hour), "AUCTION_ENDED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := h.submit(bidder.ID, tt.amount, tt.at)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
			assert.Equal(t, StatusRejected, out.Status)
			assert.Equal(t, tt.code, out.Code)
		})
	}

	assert.Equal(t, 0, h.chain.Len())
	signals, err := h.signals.ListSignals(context.Background(), fraud.Filter{})
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestSubmitBidRejectsSelfBidding(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	out, err := h.submit(h.seller.ID, 11000, t0)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeFraud))
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, string(fraud.KindSelfBidding), out.Reason)
	assert.Equal(t, 0, h.chain.Len())

	a, err := h.auctions.GetAuction(context.Background(), h.auction.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, a.BidCount)

	score, err := h.coord.FraudScore(context.Background(), h.seller.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, score.OpenSignals)
	assert.Equal(t, 2, score.CriticalOpen)
	assert.Equal(t, 70, score.Score)
}

func TestConcurrentSamePriceSubmits(t *testing.T) {
	h := newHarness(t, Config{LockTimeout: 5 * time.Second}, nil)

	const n = 10
	bidders := make([]*account.Account, n)
	for i := range bidders {
		bidders[i] = h.newAccount(t, account.TypeBidder)
	}

	var wg sync.WaitGroup
	outcomes := make([]*BidOutcome, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = h.submit(bidders[i].ID, 11000, t0)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for i := 0; i < n; i++ {
		if errs[i] == nil {
			accepted++
			continue
		}
		assert.Equal(t, "BID_TOO_LOW", outcomes[i].Code)
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, h.chain.Len())

	a, err := h.auctions.GetAuction(context.Background(), h.auction.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, a.BidCount)
	assert.Equal(t, 0, h.coord.locks.size())
}

func TestSubmitBidLockTimeout(t *testing.T) {
	h := newHarness(t, Config{LockTimeout: 20 * time.Millisecond}, nil)
	bidder := h.newAccount(t, account.TypeBidder)

	release, err := h.coord.locks.acquire(context.Background(), h.auction.ID, time.Second)
	require.NoError(t, err)

	out, err := h.submit(bidder.ID, 11000, t0)
	release()

	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransient))
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, 0, h.chain.Len())
	assert.Equal(t, 0, h.coord.locks.size())
}

func TestSoftChallengeLifecycle(t *testing.T) {
	t.Run("passed challenge commits the held bid", func(t *testing.T) {
		h := newHarness(t, Config{}, nil)
		bidder := h.newAccount(t, account.TypeBidder)

		out, err := h.placeRapid(t, bidder.ID, 6)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeChallenge))
		assert.Equal(t, StatusChallenged, out.Status)
		assert.Equal(t, string(fraud.KindRapidBidding), out.Reason)
		require.NotNil(t, out.ChallengeID)
		assert.Equal(t, 5, h.chain.Len())

		h.setNow(t0.Add(2 * time.Minute))
		resolved, err := h.coord.ResolveChallenge(context.Background(), *out.ChallengeID, h.verifier.Token(*out.ChallengeID))
		require.NoError(t, err)
		assert.Equal(t, StatusAccepted, resolved.Status)
		assert.True(t, resolved.NewPrice.Equal(decimal.NewFromInt(22000)))
		assert.Equal(t, 6, resolved.BidCount)
		assert.Equal(t, 6, h.chain.Len())
	})

	t.Run("failed proof counts a violation", func(t *testing.T) {
		h := newHarness(t, Config{}, nil)
		bidder := h.newAccount(t, account.TypeBidder)

		out, err := h.placeRapid(t, bidder.ID, 6)
		require.Error(t, err)
		require.NotNil(t, out.ChallengeID)

		resolved, err := h.coord.ResolveChallenge(context.Background(), *out.ChallengeID, "deadbeef")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeFraud))
		assert.Equal(t, escalation.ReasonFailedChallenge, resolved.Reason)

		score, err := h.coord.FraudScore(context.Background(), bidder.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, score.Violations)
		assert.Equal(t, 5, h.chain.Len())
	})

	t.Run("expired challenge is rejected without a violation", func(t *testing.T) {
		h := newHarness(t, Config{}, nil)
		bidder := h.newAccount(t, account.TypeBidder)

		out, err := h.placeRapid(t, bidder.ID, 6)
		require.Error(t, err)
		require.NotNil(t, out.ChallengeID)

		h.setNow(t0.Add(75*time.Second + enforcement.DefaultPolicy().ChallengeTTL + time.Minute))
		resolved, err := h.coord.ResolveChallenge(context.Background(), *out.ChallengeID, h.verifier.Token(*out.ChallengeID))
		require.Error(t, err)
		assert.Equal(t, "CHALLENGE_EXPIRED", resolved.Code)

		score, err := h.coord.FraudScore(context.Background(), bidder.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, score.Violations)
	})

	t.Run("held bid outbid while pending is revalidated", func(t *testing.T) {
		h := newHarness(t, Config{}, nil)
		bidder := h.newAccount(t, account.TypeBidder)
		rival := h.newAccount(t, account.TypeBidder)

		out, err := h.placeRapid(t, bidder.ID, 6)
		require.Error(t, err)
		require.NotNil(t, out.ChallengeID)

		_, err = h.submit(rival.ID, 30000, t0.Add(90*time.Second))
		require.NoError(t, err)

		h.setNow(t0.Add(2 * time.Minute))
		resolved, err := h.coord.ResolveChallenge(context.Background(), *out.ChallengeID, h.verifier.Token(*out.ChallengeID))
		require.Error(t, err)
		assert.Equal(t, "BID_TOO_LOW", resolved.Code)
	})

	t.Run("suspension while pending rejects a valid proof", func(t *testing.T) {
		h := newHarness(t, Config{}, nil)
		bidder := h.newAccount(t, account.TypeBidder)

		out, err := h.placeRapid(t, bidder.ID, 6)
		require.Error(t, err)
		require.NotNil(t, out.ChallengeID)

		suspension := enforcement.NewSuspension(bidder.ID, string(fraud.KindRapidBidding), 4, t0.Add(80*time.Second))
		require.NoError(t, h.enforce.Create(context.Background(), suspension))

		h.setNow(t0.Add(2 * time.Minute))
		resolved, err := h.coord.ResolveChallenge(context.Background(), *out.ChallengeID, h.verifier.Token(*out.ChallengeID))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeFraud))
		assert.Equal(t, StatusRejected, resolved.Status)
		assert.Equal(t, escalation.ReasonSuspended, resolved.Reason)
		assert.Equal(t, 5, h.chain.Len(), "nothing is chained for a suspended subject")

		auction, err := h.auctions.GetAuction(context.Background(), h.auction.ID)
		require.NoError(t, err)
		assert.True(t, auction.CurrentPrice.Equal(decimal.NewFromInt(20000)))
	})

	t.Run("unknown challenge", func(t *testing.T) {
		h := newHarness(t, Config{}, nil)
		_, err := h.coord.ResolveChallenge(context.Background(), uuid.New(), "")
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	})
}

func TestRapidBiddingBypass(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	bidder := h.newAccount(t, account.TypeBidder)
	admin := h.newAccount(t, account.TypeAdmin)

	_, err := h.coord.GrantBypass(context.Background(), bidder.ID, "rapid_bidding", admin.ID)
	require.NoError(t, err)

	out, err := h.placeRapid(t, bidder.ID, 6)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, out.Status)

	var suppressed int
	for _, s := range out.Signals {
		if s.Kind == fraud.KindRapidBidding {
			assert.False(t, s.Enforced)
			assert.Equal(t, "rapid_bidding", s.SuppressedBy)
			suppressed++
		}
	}
	assert.Equal(t, 1, suppressed)

	require.NoError(t, h.coord.RevokeBypass(context.Background(), bidder.ID, "rapid_bidding", admin.ID))
	out, err = h.submit(bidder.ID, 30000, t0.Add(90*time.Second))
	require.Error(t, err)
	assert.Equal(t, StatusChallenged, out.Status)

	_, err = h.coord.GrantBypass(context.Background(), bidder.ID, "everything", admin.ID)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

// failingCommit chains fine but loses the price race on commit.
type failingCommit struct {
	bid.Repository
}

func (f failingCommit) CommitBid(context.Context, bid.Event, decimal.Decimal) (*bid.Auction, error) {
	return nil, errors.NewConflictError("auction price changed")
}

func TestCommitFailureIsReversedOnChain(t *testing.T) {
	h := newHarness(t, Config{}, func(r bid.Repository) bid.Repository { return failingCommit{r} })
	bidder := h.newAccount(t, account.TypeBidder)

	out, err := h.submit(bidder.ID, 11000, t0)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	records, err := h.chain.Range(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ledger.EventBidAccepted, records[0].EventType)
	assert.Equal(t, ledger.EventBidCommitReversed, records[1].EventType)
	assert.Equal(t, records[0].Payload["bid_id"], records[1].Payload["bid_id"])
}

func TestSignalReview(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	reviewer := h.newAccount(t, account.TypeAdmin)

	_, err := h.submit(h.seller.ID, 11000, t0)
	require.Error(t, err)

	open, err := h.coord.ListOpenSignals(context.Background(), fraud.Filter{Kinds: []fraud.Kind{fraud.KindSelfBidding}})
	require.NoError(t, err)
	require.Len(t, open, 1)

	reviewed, err := h.coord.ReviewSignal(context.Background(), open[0].ID, reviewer.ID)
	require.NoError(t, err)
	assert.Equal(t, fraud.StatusReviewed, reviewed.Status)

	open, err = h.coord.ListOpenSignals(context.Background(), fraud.Filter{Kinds: []fraud.Kind{fraud.KindSelfBidding}})
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = h.coord.ReviewSignal(context.Background(), reviewed.ID, reviewer.ID)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
}

func TestHMACVerifier(t *testing.T) {
	v := NewHMACVerifier("s3cret")
	id := uuid.New()

	assert.True(t, v.Verify(id, v.Token(id)))
	assert.False(t, v.Verify(uuid.New(), v.Token(id)))
	assert.False(t, v.Verify(id, "not-hex"))
	assert.False(t, NewHMACVerifier("").Verify(id, NewHMACVerifier("").Token(id)))
}
