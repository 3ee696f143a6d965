package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/enforcement"
	domainerrors "github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/memory"
	"github.com/davidleathers/auction-integrity-backend/internal/service/detection"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func signal(kind fraud.Kind, action fraud.Action, global bool) *fraud.Signal {
	s := fraud.NewSignal(kind, fraud.SeverityHigh, uuid.Nil, nil, nil, "", t0)
	s.Action = action
	s.Global = global
	return s
}

func screenWith(signals ...*fraud.Signal) Screen {
	return func(context.Context) (*detection.Report, error) {
		return &detection.Report{Signals: signals}, nil
	}
}

var clean = screenWith()

type fixture struct {
	engine  *Engine
	store   *memory.EnforcementStore
	subject uuid.UUID
	auction uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	store := memory.NewEnforcementStore()
	return &fixture{
		engine:  NewEngine(store, enforcement.DefaultPolicy(), zaptest.NewLogger(t)),
		store:   store,
		subject: uuid.New(),
		auction: uuid.New(),
	}
}

func (f *fixture) decide(t *testing.T, at time.Time, screen Screen) *Decision {
	t.Helper()
	d, err := f.engine.Decide(context.Background(), Attempt{SubjectID: f.subject, AuctionID: f.auction, Amount: decimal.NewFromInt(100), At: at}, screen)
	require.NoError(t, err)
	return d
}

func (f *fixture) violations(t *testing.T) int {
	t.Helper()
	v, err := f.store.Violations(context.Background(), f.subject)
	require.NoError(t, err)
	return v
}

func TestDecideAllowsCleanAttempt(t *testing.T) {
	f := newFixture(t)
	d := f.decide(t, t0, clean)
	assert.True(t, d.Allowed())
	assert.Nil(t, d.State)
}

func TestSoftChallengeLifecycle(t *testing.T) {
	f := newFixture(t)
	soft := screenWith(signal(fraud.KindRapidBidding, fraud.ActionChallenge, false))

	d := f.decide(t, t0, soft)
	require.Equal(t, VerdictChallenge, d.Verdict)
	require.NotNil(t, d.ChallengeID())
	first := *d.ChallengeID()
	assert.Equal(t, string(fraud.KindRapidBidding), d.Reason)
	require.NotNil(t, d.State.HeldBid)
	assert.True(t, d.State.HeldBid.Amount.Equal(decimal.NewFromInt(100)))

	screened := false
	d = f.decide(t, t0.Add(time.Minute), func(context.Context) (*detection.Report, error) {
		screened = true
		return &detection.Report{}, nil
	})
	assert.Equal(t, VerdictChallenge, d.Verdict)
	assert.Equal(t, ReasonChallengePend, d.Reason)
	assert.Equal(t, first, *d.ChallengeID(), "pending challenge is reused")
	assert.False(t, screened)

	d = f.decide(t, t0.Add(5*time.Minute), clean)
	assert.True(t, d.Allowed(), "challenge expired after its ttl")

	st, err := f.store.Get(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, enforcement.ResolutionExpired, st.Resolution)
	assert.Zero(t, f.violations(t))
}

func TestHardCooldownDurations(t *testing.T) {
	f := newFixture(t)
	hard := screenWith(signal(fraud.KindRapidBidding, fraud.ActionCooldown, false))

	at := t0
	for i, want := range []time.Duration{60 * time.Second, 80 * time.Second, 100 * time.Second} {
		d := f.decide(t, at, hard)
		require.Equal(t, VerdictReject, d.Verdict, "violation %d", i+1)
		require.NotNil(t, d.CooldownUntil())
		assert.Equal(t, want, d.CooldownUntil().Sub(at))
		assert.Equal(t, i+1, d.Violations)

		blocked := f.decide(t, d.CooldownUntil().Add(-time.Second), clean)
		assert.Equal(t, ReasonCooldownActive, blocked.Reason)

		at = *d.CooldownUntil()
		assert.True(t, f.decide(t, at, clean).Allowed(), "cooldown elapses at its expiry")
	}
	assert.Equal(t, 120*time.Second, f.engine.Policy().CooldownFor(9))
}

func TestFourthViolationSuspends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hard := screenWith(signal(fraud.KindRapidBidding, fraud.ActionCooldown, false))
	soft := screenWith(signal(fraud.KindMinIncrementSpam, fraud.ActionChallenge, false))

	// 1: failed challenge
	d := f.decide(t, t0, soft)
	out, err := f.engine.ResolveChallenge(ctx, *d.ChallengeID(), false, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, enforcement.ResolutionFailed, out.Resolution)
	assert.Equal(t, 1, out.Violations)

	// 2 and 3: hard cooldowns
	at := t0.Add(time.Minute)
	for i := 0; i < 2; i++ {
		d = f.decide(t, at, hard)
		require.Equal(t, ReasonCooldownActive, f.decide(t, at.Add(time.Second), clean).Reason)
		at = d.CooldownUntil().Add(time.Second)
	}
	assert.Equal(t, 3, f.violations(t))

	// 4: another failed challenge suspends
	d = f.decide(t, at, soft)
	require.Equal(t, VerdictChallenge, d.Verdict)
	out, err = f.engine.ResolveChallenge(ctx, *d.ChallengeID(), false, at.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, out.Suspended)
	assert.Equal(t, 4, out.Violations)

	for _, later := range []time.Duration{time.Minute, 24 * time.Hour, 30 * 24 * time.Hour} {
		d = f.decide(t, at.Add(later), func(context.Context) (*detection.Report, error) {
			t.Fatal("suspended subjects are never screened")
			return nil, nil
		})
		assert.Equal(t, VerdictReject, d.Verdict)
		assert.Equal(t, ReasonSuspended, d.Reason)
	}

	admin := uuid.New()
	cleared, err := f.engine.ClearSuspension(ctx, f.subject, admin, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, enforcement.ResolutionCleared, cleared.Resolution)
	assert.Equal(t, admin, *cleared.ResolvedBy)
	assert.True(t, f.decide(t, at.Add(2*time.Hour), clean).Allowed())
	assert.Equal(t, 4, f.violations(t), "clearance keeps the lifetime count")

	_, err = f.engine.ClearSuspension(ctx, f.subject, admin, at.Add(3*time.Hour))
	assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeValidation))
}

func TestHardViolationReachingLimitSuspends(t *testing.T) {
	f := newFixture(t)
	hard := screenWith(signal(fraud.KindGlobalRapidBidding, fraud.ActionCooldown, true))

	at := t0
	var d *Decision
	for i := 0; i < 4; i++ {
		d = f.decide(t, at, hard)
		if i < 3 {
			at = d.CooldownUntil().Add(time.Second)
		}
	}
	assert.Equal(t, ReasonSuspended, d.Reason)
	require.NotNil(t, d.State)
	assert.Equal(t, enforcement.TierSuspended, d.State.Tier)
	assert.Nil(t, d.State.AuctionID)
}

func TestBlockRejectsWithoutStateChange(t *testing.T) {
	f := newFixture(t)
	d := f.decide(t, t0, screenWith(
		signal(fraud.KindRapidBidding, fraud.ActionChallenge, false),
		signal(fraud.KindSelfBidding, fraud.ActionBlock, false),
	))
	assert.Equal(t, VerdictReject, d.Verdict)
	assert.Equal(t, string(fraud.KindSelfBidding), d.Reason)
	assert.Nil(t, d.State)
	assert.Zero(t, f.violations(t))

	active, _, err := f.engine.Standing(context.Background(), f.subject)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSuppressedSignalsAreIgnored(t *testing.T) {
	f := newFixture(t)
	sig := signal(fraud.KindSelfBidding, fraud.ActionBlock, false)
	sig.Suppress(string(fraud.ScopeAll))
	assert.True(t, f.decide(t, t0, screenWith(sig)).Allowed())
}

func TestRepeatedSoftChallengesEscalate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	soft := screenWith(signal(fraud.KindRapidBidding, fraud.ActionChallenge, false))

	at := t0
	for i := 0; i < 2; i++ {
		d := f.decide(t, at, soft)
		require.Equal(t, VerdictChallenge, d.Verdict)
		_, err := f.engine.ResolveChallenge(ctx, *d.ChallengeID(), true, at.Add(time.Second))
		require.NoError(t, err)
		at = at.Add(10 * time.Minute)
	}

	d := f.decide(t, at, soft)
	assert.Equal(t, VerdictReject, d.Verdict)
	assert.Equal(t, ReasonRepeatedSoft, d.Reason)
	require.NotNil(t, d.CooldownUntil())
	assert.Equal(t, 120*time.Second, d.CooldownUntil().Sub(at), "twice the first cooldown")
	assert.Equal(t, 1, d.Violations)

	// Outside the repeat window challenges start over.
	later := d.CooldownUntil().Add(2 * time.Hour)
	assert.Equal(t, VerdictChallenge, f.decide(t, later, soft).Verdict)
}

func TestGlobalSignalsBindGlobalRecord(t *testing.T) {
	f := newFixture(t)
	d := f.decide(t, t0, screenWith(signal(fraud.KindGlobalRapidBidding, fraud.ActionCooldown, true)))
	require.Equal(t, VerdictReject, d.Verdict)
	assert.Nil(t, d.State.AuctionID)

	f.auction = uuid.New()
	d = f.decide(t, t0.Add(time.Second), clean)
	assert.Equal(t, ReasonCooldownActive, d.Reason, "global cooldown applies to every auction")

	g := newFixture(t)
	d = g.decide(t, t0, screenWith(signal(fraud.KindRapidBidding, fraud.ActionCooldown, false)))
	require.NotNil(t, d.State.AuctionID)
	g.auction = uuid.New()
	assert.True(t, g.decide(t, t0.Add(time.Second), clean).Allowed(), "per-auction cooldown is scoped")
}

func TestResolveChallengeOutcomes(t *testing.T) {
	ctx := context.Background()
	soft := screenWith(signal(fraud.KindRapidBidding, fraud.ActionChallenge, false))

	t.Run("passed", func(t *testing.T) {
		f := newFixture(t)
		d := f.decide(t, t0, soft)
		out, err := f.engine.ResolveChallenge(ctx, *d.ChallengeID(), true, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, enforcement.ResolutionPassed, out.Resolution)
		assert.NotNil(t, out.State.HeldBid)
		assert.Zero(t, f.violations(t))

		_, err = f.engine.ResolveChallenge(ctx, *d.ChallengeID(), true, t0.Add(2*time.Minute))
		assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeConflict))
	})

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t)
		d := f.decide(t, t0, soft)
		out, err := f.engine.ResolveChallenge(ctx, *d.ChallengeID(), true, t0.Add(5*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, enforcement.ResolutionExpired, out.Resolution)
		assert.Zero(t, f.violations(t))
	})

	t.Run("unknown", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.ResolveChallenge(ctx, uuid.New(), true, t0)
		assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeNotFound))
	})

	t.Run("cooldown record is not a challenge", func(t *testing.T) {
		f := newFixture(t)
		d := f.decide(t, t0, screenWith(signal(fraud.KindRapidBidding, fraud.ActionCooldown, false)))
		_, err := f.engine.ResolveChallenge(ctx, d.State.ID, true, t0)
		assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeNotFound))
	})
}

type failingStore struct {
	*memory.EnforcementStore
}

func (failingStore) Active(context.Context, enforcement.Key) (*enforcement.State, error) {
	return nil, errors.New("connection reset")
}

func TestStoreFailureFailsClosed(t *testing.T) {
	e := NewEngine(failingStore{memory.NewEnforcementStore()}, enforcement.DefaultPolicy(), zaptest.NewLogger(t))
	_, err := e.Decide(context.Background(), Attempt{SubjectID: uuid.New(), AuctionID: uuid.New(), At: t0}, func(context.Context) (*detection.Report, error) {
		t.Fatal("screen must not run when standing is unknown")
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeTransient))
}

func TestDecideSerializesPerSubject(t *testing.T) {
	f := newFixture(t)
	hard := screenWith(signal(fraud.KindRapidBidding, fraud.ActionCooldown, false))

	var wg sync.WaitGroup
	verdicts := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.engine.Decide(context.Background(), Attempt{SubjectID: f.subject, AuctionID: f.auction, At: t0}, hard)
			if assert.NoError(t, err) {
				verdicts <- d.Reason
			}
		}()
	}
	wg.Wait()
	close(verdicts)

	counts := map[string]int{}
	for r := range verdicts {
		counts[r]++
	}
	assert.Equal(t, 1, counts[string(fraud.KindRapidBidding)], "only one attempt starts the cooldown")
	assert.Equal(t, 7, counts[ReasonCooldownActive])
	assert.Equal(t, 1, f.violations(t))
	assert.Zero(t, f.engine.locks.size())
}

func TestSubjectLockTimeout(t *testing.T) {
	policy := enforcement.DefaultPolicy()
	policy.LockTimeout = 20 * time.Millisecond
	e := NewEngine(memory.NewEnforcementStore(), policy, zaptest.NewLogger(t))
	subject := uuid.New()
	noScreen := func(context.Context) (*detection.Report, error) {
		t.Fatal("screen must not run without the subject lock")
		return nil, nil
	}

	release, err := e.locks.acquire(context.Background(), subject, time.Second)
	require.NoError(t, err)

	_, err = e.Decide(context.Background(), Attempt{SubjectID: subject, AuctionID: uuid.New(), At: t0}, noScreen)
	require.Error(t, err)
	assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeTransient))
	assert.True(t, domainerrors.IsRetryable(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.ClearSuspension(ctx, subject, uuid.New(), t0)
	assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeTransient))

	release()
	assert.Zero(t, e.locks.size())

	d, err := e.Decide(context.Background(), Attempt{SubjectID: subject, AuctionID: uuid.New(), At: t0}, clean)
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestSuspensionOverridesPendingChallenge(t *testing.T) {
	ctx := context.Background()
	soft := screenWith(signal(fraud.KindMinIncrementSpam, fraud.ActionChallenge, false))
	hard := screenWith(signal(fraud.KindRapidBidding, fraud.ActionCooldown, false))

	t.Run("suspension on another auction", func(t *testing.T) {
		f := newFixture(t)
		for i := 0; i < 3; i++ {
			_, err := f.store.IncrementViolations(ctx, f.subject, t0)
			require.NoError(t, err)
		}
		challenged := f.decide(t, t0, soft)
		require.Equal(t, VerdictChallenge, challenged.Verdict)

		f.auction = uuid.New()
		d := f.decide(t, t0.Add(time.Second), hard)
		require.Equal(t, ReasonSuspended, d.Reason)

		active, _, err := f.engine.Standing(ctx, f.subject)
		require.NoError(t, err)
		require.Len(t, active, 1, "suspension resolves per-auction records")
		assert.Equal(t, enforcement.TierSuspended, active[0].Tier)

		out, err := f.engine.ResolveChallenge(ctx, *challenged.ChallengeID(), true, t0.Add(2*time.Second))
		require.NoError(t, err)
		assert.True(t, out.Suspended)
		assert.Equal(t, enforcement.ResolutionEscalated, out.Resolution)
		assert.Equal(t, 4, f.violations(t))
	})

	t.Run("challenge still open", func(t *testing.T) {
		f := newFixture(t)
		challenged := f.decide(t, t0, soft)
		require.NoError(t, f.store.Create(ctx, enforcement.NewSuspension(f.subject, "manual", 0, t0.Add(time.Second))))

		out, err := f.engine.ResolveChallenge(ctx, *challenged.ChallengeID(), true, t0.Add(2*time.Second))
		require.NoError(t, err)
		assert.True(t, out.Suspended)
		assert.Equal(t, enforcement.ResolutionEscalated, out.Resolution)
		require.NotNil(t, out.State.ResolvedAt)
		assert.Equal(t, enforcement.ResolutionEscalated, out.State.Resolution)
	})

	t.Run("store failure", func(t *testing.T) {
		store := memory.NewEnforcementStore()
		f := newFixture(t)
		f.engine = NewEngine(store, enforcement.DefaultPolicy(), zaptest.NewLogger(t))
		challenged := f.decide(t, t0, soft)

		e := NewEngine(failingStore{store}, enforcement.DefaultPolicy(), zaptest.NewLogger(t))
		_, err := e.ResolveChallenge(ctx, *challenged.ChallengeID(), true, t0.Add(time.Second))
		assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeTransient))
	})
}
