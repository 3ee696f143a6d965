package database_test

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
	"github.com/davidleathers/auction-integrity-backend/internal/domain/financial"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/database"
	ledgersvc "github.com/davidleathers/auction-integrity-backend/internal/service/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/testutil"
)

var t0 = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

func TestPostgresRepositories(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	db := tdb.DB

	t.Run("chain", func(t *testing.T) { testChain(t, db) })
	t.Run("auctions", func(t *testing.T) {
		tdb.TruncateTables()
		testAuctions(t, db)
	})
	t.Run("enforcement", func(t *testing.T) {
		tdb.TruncateTables()
		testEnforcement(t, db)
	})
	t.Run("grants", func(t *testing.T) {
		tdb.TruncateTables()
		testGrants(t, db)
	})
	t.Run("signals", func(t *testing.T) {
		tdb.TruncateTables()
		testSignals(t, db)
	})
	t.Run("payments", func(t *testing.T) {
		tdb.TruncateTables()
		testPayments(t, tdb)
	})
}

func testChain(t *testing.T, db *database.DB) {
	ctx := testutil.TestContext(t)
	repo := database.NewChainRepository(db)
	svc := ledgersvc.NewService(repo, ledgersvc.Config{}, zaptest.NewLogger(t), nil)

	tail, err := repo.Tail(ctx)
	require.NoError(t, err)
	assert.Nil(t, tail)

	subject := uuid.New()
	payloads := []interface{}{
		map[string]interface{}{"auction_id": uuid.NewString(), "amount": "120.50"},
		map[string]interface{}{"ratio": 0.1, "count": 3, "nested": map[string]interface{}{"b": true, "a": []int{1, 2}}},
		nil,
	}
	for i, p := range payloads {
		_, err := svc.Append(ctx, ledger.Entry{
			EventType: ledger.EventBidAccepted,
			SubjectID: subject,
			Amount:    decimal.RequireFromString("120.50").Add(decimal.NewFromInt(int64(i))),
			Payload:   p,
			Timestamp: t0.Add(time.Duration(i) * 1500 * time.Nanosecond),
		})
		require.NoError(t, err)
	}

	records, err := repo.Range(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		hash, err := ledger.ComputeHash(r)
		require.NoError(t, err)
		assert.Equal(t, r.RecordHash, hash, "sequence %d must rehash after a round trip", r.Sequence)
	}

	page, err := repo.Range(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(2), page[0].Sequence)

	result, err := svc.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, int64(3), result.Checked)

	t.Run("fork is rejected", func(t *testing.T) {
		fork, err := ledger.NewRecord(ledger.Entry{EventType: ledger.EventBidAccepted, SubjectID: subject, Timestamp: t0}, 2, records[0].RecordHash)
		require.NoError(t, err)
		err = repo.Append(ctx, fork)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	})

	t.Run("rows are immutable", func(t *testing.T) {
		_, err := db.Pool().Exec(ctx, `UPDATE chain_records SET amount = 0 WHERE sequence = 1`)
		assert.Error(t, err)
		_, err = db.Pool().Exec(ctx, `DELETE FROM chain_records WHERE sequence = 3`)
		assert.Error(t, err)
	})

	t.Run("concurrent appends form one chain", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Append(ctx, ledger.Entry{EventType: ledger.EventPaymentSettled, SubjectID: subject, Amount: decimal.NewFromInt(5)})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		result, err := svc.VerifyChain(ctx)
		require.NoError(t, err)
		assert.True(t, result.OK)
		assert.Equal(t, int64(11), result.Checked)
	})
}

func testAuctions(t *testing.T, db *database.DB) {
	ctx := testutil.TestContext(t)
	repo := database.NewAuctionRepository(db)
	seller, alice, bob := uuid.New(), uuid.New(), uuid.New()

	a, err := bid.NewAuction(seller, "lamp", decimal.NewFromInt(100), decimal.RequireFromString("2.50"), t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, repo.SaveAuction(ctx, a))
	other, err := bid.NewAuction(seller, "chair", decimal.NewFromInt(10), decimal.NewFromInt(1), t0.Add(-time.Hour), t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, repo.SaveAuction(ctx, other))

	got, err := repo.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.MinIncrement.Equal(decimal.RequireFromString("2.50")))
	assert.Equal(t, bid.AuctionStatusActive, got.Status)

	_, err = repo.GetAuction(ctx, uuid.New())
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	ev1 := bid.NewEvent(a.ID, alice, decimal.RequireFromString("102.50"), t0)
	updated, err := repo.CommitBid(ctx, ev1, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, updated.CurrentPrice.Equal(ev1.Amount))
	assert.Equal(t, 1, updated.BidCount)

	_, err = repo.CommitBid(ctx, bid.NewEvent(a.ID, bob, decimal.NewFromInt(105), t0), decimal.NewFromInt(100))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	_, err = repo.CommitBid(ctx, bid.NewEvent(uuid.New(), bob, decimal.NewFromInt(105), t0), decimal.NewFromInt(100))
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	_, err = repo.CommitBid(ctx, bid.NewEvent(a.ID, bob, decimal.NewFromInt(110), t0.Add(time.Second)), ev1.Amount)
	require.NoError(t, err)
	_, err = repo.CommitBid(ctx, bid.NewEvent(other.ID, alice, decimal.NewFromInt(11), t0.Add(2*time.Second)), decimal.NewFromInt(10))
	require.NoError(t, err)
	_, err = repo.CommitBid(ctx, bid.NewEvent(other.ID, bob, decimal.NewFromInt(12), t0.Add(3*time.Second)), decimal.NewFromInt(11))
	require.NoError(t, err)

	recent, err := repo.SubjectBids(ctx, alice, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, other.ID, recent[0].AuctionID)

	all, err := repo.AuctionBids(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, alice, all[0].BidderID)

	count, err := repo.SubjectBidCount(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	aff, err := repo.SellerAffinity(ctx, alice, seller)
	require.NoError(t, err)
	assert.Equal(t, bid.SellerAffinity{SellerAuctions: 2, ParticipatedAuctions: 2, BidsOnSeller: 2}, aff)

	co, err := repo.CoBidders(ctx, alice, a.ID)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]int{bob: 2}, co)

	byID, err := repo.Auctions(ctx, []uuid.UUID{a.ID, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, byID, 1)

	closed, err := repo.CloseAuction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, bid.AuctionStatusCompleted, closed.Status)
	require.NotNil(t, closed.WinnerID)
	assert.Equal(t, bob, *closed.WinnerID)
	_, err = repo.CloseAuction(ctx, a.ID)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	wins, err := repo.SubjectWinCount(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 1, wins)

	list, err := repo.ListAuctions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
}

func testEnforcement(t *testing.T, db *database.DB) {
	ctx := testutil.TestContext(t)
	repo := database.NewEnforcementRepository(db)
	subject, auctionID := uuid.New(), uuid.New()

	held := enforcement.HeldBid{AuctionID: auctionID, Amount: decimal.RequireFromString("220.00"), AttemptedAt: t0}
	challenge := enforcement.NewSoftChallenge(subject, &auctionID, "rapid_bidding", held, 0, t0, 5*time.Minute)
	require.NoError(t, repo.Create(ctx, challenge))

	dup := enforcement.NewHardCooldown(subject, &auctionID, "rapid_bidding", 1, t0, time.Minute)
	err := repo.Create(ctx, dup)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	global := enforcement.NewHardCooldown(subject, nil, "global_rapid_bidding", 1, t0, time.Minute)
	require.NoError(t, repo.Create(ctx, global))

	active, err := repo.Active(ctx, enforcement.KeyFor(subject, &auctionID))
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, challenge.ID, active.ID)
	require.NotNil(t, active.HeldBid)
	assert.True(t, active.HeldBid.Amount.Equal(held.Amount))
	assert.True(t, active.ChallengeExpiresAt.Equal(t0.Add(5*time.Minute)))

	g, err := repo.Active(ctx, enforcement.KeyFor(subject, nil))
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, global.ID, g.ID)

	states, err := repo.ActiveForSubject(ctx, subject)
	require.NoError(t, err)
	assert.Len(t, states, 2)

	resolved, err := repo.Resolve(ctx, challenge.ID, enforcement.ResolutionPassed, nil, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, enforcement.ResolutionPassed, resolved.Resolution)
	_, err = repo.Resolve(ctx, challenge.ID, enforcement.ResolutionPassed, nil, t0.Add(time.Minute))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	empty, err := repo.Active(ctx, enforcement.KeyFor(subject, &auctionID))
	require.NoError(t, err)
	assert.Nil(t, empty)
	require.NoError(t, repo.Create(ctx, dup))

	n, err := repo.CountCreatedSince(ctx, subject, enforcement.TierHardCooldown, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = repo.Get(ctx, uuid.New())
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	v, err := repo.Violations(ctx, subject)
	require.NoError(t, err)
	assert.Zero(t, v)
	for want := 1; want <= 3; want++ {
		got, err := repo.IncrementViolations(ctx, subject, t0)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func testGrants(t *testing.T, db *database.DB) {
	ctx := testutil.TestContext(t)
	repo := database.NewGrantRepository(db)
	subject, admin := uuid.New(), uuid.New()

	grant := fraud.Grant{SubjectID: subject, Scope: fraud.ScopeRapidBidding, GrantedBy: admin, GrantedAt: t0}
	require.NoError(t, repo.SaveGrant(ctx, grant))
	assert.True(t, errors.IsType(repo.SaveGrant(ctx, grant), errors.ErrorTypeConflict))
	require.NoError(t, repo.SaveGrant(ctx, fraud.Grant{SubjectID: subject, Scope: fraud.ScopeAccountAge, GrantedBy: admin, GrantedAt: t0}))

	grants, err := repo.ActiveGrants(ctx, subject)
	require.NoError(t, err)
	assert.Len(t, grants, 2)

	require.NoError(t, repo.RevokeGrant(ctx, subject, fraud.ScopeRapidBidding, admin, t0.Add(time.Hour)))
	err = repo.RevokeGrant(ctx, subject, fraud.ScopeRapidBidding, admin, t0.Add(time.Hour))
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	grants, err = repo.ActiveGrants(ctx, subject)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, fraud.ScopeAccountAge, grants[0].Scope)
	require.NoError(t, repo.SaveGrant(ctx, grant))
}

func testSignals(t *testing.T, db *database.DB) {
	ctx := testutil.TestContext(t)
	repo := database.NewSignalRepository(db)
	subject, auctionID, reviewer := uuid.New(), uuid.New(), uuid.New()

	low := fraud.NewSignal(fraud.KindLowWinRatio, fraud.SeverityLow, subject, nil, map[string]interface{}{"ratio": 0.01}, "low win ratio", t0)
	high := fraud.NewSignal(fraud.KindRapidBidding, fraud.SeverityHigh, subject, &auctionID, map[string]interface{}{"count": 9}, "rapid", t0.Add(time.Second))
	high.Action = fraud.ActionCooldown
	high.Category = fraud.CategoryRapidBidding
	high.Suppress("rapid_bidding")
	require.NoError(t, repo.SaveSignals(ctx, []*fraud.Signal{low, high}))
	assert.True(t, errors.IsType(repo.SaveSignals(ctx, []*fraud.Signal{low}), errors.ErrorTypeConflict))

	got, err := repo.GetSignal(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, fraud.ActionCooldown, got.Action)
	assert.False(t, got.Enforced)
	assert.Equal(t, "rapid_bidding", got.SuppressedBy)
	assert.EqualValues(t, 9, got.Evidence["count"])

	feed, err := repo.ListSignals(ctx, fraud.Filter{SubjectID: &subject})
	require.NoError(t, err)
	require.Len(t, feed, 2)
	assert.Equal(t, high.ID, feed[0].ID)

	feed, err = repo.ListSignals(ctx, fraud.Filter{MinSeverity: fraud.SeverityMedium})
	require.NoError(t, err)
	require.Len(t, feed, 1)

	feed, err = repo.ListSignals(ctx, fraud.Filter{AuctionID: &auctionID, Kinds: []fraud.Kind{fraud.KindRapidBidding}, Since: t0, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, feed, 1)

	reviewed, err := repo.MarkReviewed(ctx, low.ID, reviewer, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, fraud.StatusReviewed, reviewed.Status)
	_, err = repo.MarkReviewed(ctx, low.ID, reviewer, t0.Add(time.Hour))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	_, err = repo.MarkReviewed(ctx, uuid.New(), reviewer, t0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	feed, err = repo.ListSignals(ctx, fraud.Filter{Status: fraud.StatusReviewed})
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, low.ID, feed[0].ID)
}

func testPayments(t *testing.T, tdb *testutil.TestDB) {
	ctx := context.Background()
	payments := database.NewPaymentRepository(tdb.DB)
	accounts := database.NewAccountRepository(tdb.DB)

	acc := account.New("carol", account.TypeBidder, t0.Add(-48*time.Hour))
	require.NoError(t, accounts.SaveAccount(ctx, acc))
	got, err := accounts.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "carol", got.DisplayName)
	assert.True(t, got.CreatedAt.Equal(acc.CreatedAt))
	_, err = accounts.GetAccount(ctx, uuid.New())
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	old := &financial.Payment{ID: uuid.New(), SubjectID: acc.ID, Amount: decimal.NewFromInt(500), Method: financial.PaymentMethodCard,
		Status: financial.PaymentStatusPending, CreatedAt: t0.Add(-2 * time.Hour), UpdatedAt: t0.Add(-2 * time.Hour)}
	fresh := &financial.Payment{ID: uuid.New(), SubjectID: acc.ID, AuctionID: testutil.Ptr(uuid.New()), Amount: decimal.NewFromInt(70),
		Method: financial.PaymentMethodWallet, Status: financial.PaymentStatusPending, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, payments.SavePayment(ctx, old))
	require.NoError(t, payments.SavePayment(ctx, fresh))
	assert.True(t, errors.IsType(payments.SavePayment(ctx, old), errors.ErrorTypeConflict))

	stale, err := payments.StalePending(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	require.NoError(t, payments.UpdateStatus(ctx, old.ID, financial.PaymentStatusFailed, t0))
	assert.True(t, errors.IsType(payments.UpdateStatus(ctx, uuid.New(), financial.PaymentStatusFailed, t0), errors.ErrorTypeNotFound))

	history, err := payments.SubjectPayments(ctx, acc.ID, t0.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, fresh.ID, history[0].ID)
	assert.Equal(t, financial.PaymentStatusFailed, history[1].Status)
	require.NotNil(t, history[0].AuctionID)

	tdb.AssertRowCount("payments", 2)
}
