package payments

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
	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/financial"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/memory"
	"github.com/davidleathers/auction-integrity-backend/internal/service/detection"
	ledgersvc "github.com/davidleathers/auction-integrity-backend/internal/service/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/service/velocity"
	"github.com/davidleathers/auction-integrity-backend/internal/testutil/chaintest"
)

var t0 = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	payments *memory.PaymentStore
	signals  *memory.SignalStore
	chain    *memory.LedgerStore
	corrupt  *chaintest.Store
	ledger   *ledgersvc.Service
	subject  *account.Account
	deps     Dependencies

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		payments: memory.NewPaymentStore(),
		signals:  memory.NewSignalStore(),
		chain:    memory.NewLedgerStore(),
		now:      t0,
	}
	accounts := memory.NewAccountStore()
	f.subject = account.New("buyer", account.TypeBidder, t0.Add(-60*24*time.Hour))
	require.NoError(t, accounts.SaveAccount(context.Background(), f.subject))

	cfg := detection.DefaultConfig()
	engine, err := detection.NewEngine(cfg, detection.Dependencies{
		Velocity: velocity.NewMemoryTracker(cfg.MaxVelocityWindow(), logger),
		Bids:     memory.NewAuctionStore(),
		Payments: f.payments,
		Grants:   memory.NewGrantStore(),
		Logger:   logger,
	})
	require.NoError(t, err)

	f.corrupt = chaintest.NewStore(f.chain)
	f.ledger = ledgersvc.NewService(f.corrupt, ledgersvc.Config{}, logger, nil)
	f.deps = Dependencies{
		Payments: f.payments,
		Accounts: accounts,
		Signals:  f.signals,
		Screener: engine,
		Chain:    f.ledger,
		Logger:   logger,
		Clock:    f.clock,
	}
	f.svc, err = NewService(Config{}, f.deps)
	require.NoError(t, err)
	return f
}

// rewire rebuilds the service with some dependencies swapped.
func (f *fixture) rewire(t *testing.T, swap func(d *Dependencies)) {
	t.Helper()
	deps := f.deps
	swap(&deps)
	svc, err := NewService(Config{}, deps)
	require.NoError(t, err)
	f.svc = svc
}

func (f *fixture) record(t *testing.T, amount int64, method financial.PaymentMethod, status financial.PaymentStatus) *PaymentResult {
	t.Helper()
	res, err := f.svc.RecordPayment(context.Background(), RecordPaymentRequest{
		SubjectID: f.subject.ID,
		Amount:    decimal.NewFromInt(amount),
		Method:    method,
		Status:    status,
		Timestamp: f.clock(),
	})
	require.NoError(t, err)
	return res
}

func kinds(signals []*fraud.Signal) []fraud.Kind {
	out := make([]fraud.Kind, 0, len(signals))
	for _, s := range signals {
		out = append(out, s.Kind)
	}
	return out
}

func TestRecordPaymentChainsTerminalStatuses(t *testing.T) {
	f := newFixture(t)

	settled := f.record(t, 25000, financial.PaymentMethodCard, financial.PaymentStatusSettled)
	assert.Equal(t, int64(1), settled.ChainSequence)
	assert.Empty(t, settled.Signals)

	pending := f.record(t, 25000, financial.PaymentMethodCard, financial.PaymentStatusPending)
	assert.Zero(t, pending.ChainSequence)

	failed := f.record(t, 25000, financial.PaymentMethodCard, financial.PaymentStatusFailed)
	assert.Equal(t, int64(2), failed.ChainSequence)

	records, err := f.chain.Range(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ledger.EventPaymentSettled, records[0].EventType)
	assert.Equal(t, ledger.EventPaymentFailed, records[1].EventType)
	assert.Equal(t, settled.Payment.ID.String(), records[0].Payload["payment_id"])
	assert.True(t, records[0].Amount.Equal(decimal.NewFromInt(25000)))
}

func TestRecordPaymentScreening(t *testing.T) {
	t.Run("high value", func(t *testing.T) {
		f := newFixture(t)
		res := f.record(t, 5_000_000, financial.PaymentMethodBank, financial.PaymentStatusSettled)
		assert.Contains(t, kinds(res.Signals), fraud.KindHighValuePayment)
		assert.Contains(t, kinds(res.Signals), fraud.KindAIAssessment)

		stored, err := f.signals.ListSignals(context.Background(), fraud.Filter{SubjectID: &f.subject.ID})
		require.NoError(t, err)
		assert.Len(t, stored, len(res.Signals))
	})

	t.Run("third failure in the window", func(t *testing.T) {
		f := newFixture(t)
		for i := 0; i < 2; i++ {
			res := f.record(t, 1000, financial.PaymentMethodCard, financial.PaymentStatusFailed)
			assert.NotContains(t, kinds(res.Signals), fraud.KindFailedPaymentPattern)
			f.advance(time.Hour)
		}
		res := f.record(t, 1000, financial.PaymentMethodCard, financial.PaymentStatusFailed)
		assert.Contains(t, kinds(res.Signals), fraud.KindFailedPaymentPattern)
	})

	t.Run("cycling payment methods", func(t *testing.T) {
		f := newFixture(t)
		f.record(t, 1000, financial.PaymentMethodCard, financial.PaymentStatusSettled)
		f.record(t, 1000, financial.PaymentMethodWallet, financial.PaymentStatusSettled)
		res := f.record(t, 1000, financial.PaymentMethodBank, financial.PaymentStatusSettled)
		assert.Contains(t, kinds(res.Signals), fraud.KindMultiplePaymentMethods)
		assert.NotZero(t, res.ChainSequence)
	})
}

func TestRecordPaymentValidation(t *testing.T) {
	f := newFixture(t)
	base := RecordPaymentRequest{
		SubjectID: f.subject.ID,
		Amount:    decimal.NewFromInt(100),
		Method:    financial.PaymentMethodCard,
		Status:    financial.PaymentStatusSettled,
	}

	tests := []struct {
		name   string
		mutate func(r *RecordPaymentRequest)
		code   string
	}{
		{"missing subject", func(r *RecordPaymentRequest) { r.SubjectID = uuid.Nil }, "MISSING_SUBJECT"},
		{"zero amount", func(r *RecordPaymentRequest) { r.Amount = decimal.Zero }, "INVALID_AMOUNT"},
		{"unknown method", func(r *RecordPaymentRequest) { r.Method = "cheque" }, "INVALID_PAYMENT_METHOD"},
		{"unknown status", func(r *RecordPaymentRequest) { r.Status = "refunded" }, "INVALID_PAYMENT_STATUS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := f.svc.RecordPayment(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}

	req := base
	req.SubjectID = uuid.New()
	_, err := f.svc.RecordPayment(context.Background(), req)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	assert.Equal(t, 0, f.chain.Len())
}

func TestReconcileFailsStalePending(t *testing.T) {
	f := newFixture(t)

	old := f.record(t, 1000, financial.PaymentMethodCard, financial.PaymentStatusPending)
	f.advance(50 * time.Minute)
	fresh := f.record(t, 1000, financial.PaymentMethodCard, financial.PaymentStatusPending)
	f.advance(15 * time.Minute)

	run, err := f.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, run.Checked)
	assert.Equal(t, []uuid.UUID{old.Payment.ID}, run.Failed)
	assert.Equal(t, int64(2), run.ChainSequence)

	records, err := f.chain.Range(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ledger.EventPaymentReconciliation, records[0].EventType)
	assert.Equal(t, old.Payment.ID.String(), records[0].Payload["payment_id"])
	assert.Equal(t, ledger.EventReconciliationRun, records[1].EventType)

	hist, err := f.payments.SubjectPayments(context.Background(), f.subject.ID, t0.Add(-time.Hour))
	require.NoError(t, err)
	statuses := map[uuid.UUID]financial.PaymentStatus{}
	for _, p := range hist {
		statuses[p.ID] = p.Status
	}
	assert.Equal(t, financial.PaymentStatusFailed, statuses[old.Payment.ID])
	assert.Equal(t, financial.PaymentStatusPending, statuses[fresh.Payment.ID])

	again, err := f.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Checked)
	assert.Empty(t, again.Failed)
}

func TestReconcileRefusedWhileHalted(t *testing.T) {
	f := newFixture(t)
	f.record(t, 1000, financial.PaymentMethodCard, financial.PaymentStatusSettled)
	f.record(t, 1000, financial.PaymentMethodCard, financial.PaymentStatusPending)
	f.corrupt.Tamper(1, func(r *ledger.Record) { r.Amount = decimal.NewFromInt(1) })

	_, err := f.ledger.VerifyChain(context.Background())
	require.Error(t, err)

	f.advance(2 * time.Hour)
	_, err = f.svc.Reconcile(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeIntegrity))
	assert.Equal(t, 1, f.chain.Len())
}

type refusingChain struct{ Chain }

func (refusingChain) Append(context.Context, ledger.Entry) (*ledger.Record, error) {
	return nil, errors.NewTransientError("chain", "append timed out")
}

type failingSave struct{ *memory.PaymentStore }

func (failingSave) SavePayment(context.Context, *financial.Payment) error {
	return errors.NewInternalError("payments table unavailable")
}

type failingUpdate struct{ *memory.PaymentStore }

func (failingUpdate) UpdateStatus(context.Context, uuid.UUID, financial.PaymentStatus, time.Time) error {
	return errors.NewInternalError("payments table unavailable")
}

func TestRecordPaymentChainsBeforeSaving(t *testing.T) {
	req := func(f *fixture, status financial.PaymentStatus) RecordPaymentRequest {
		return RecordPaymentRequest{
			SubjectID: f.subject.ID,
			Amount:    decimal.NewFromInt(2500),
			Method:    financial.PaymentMethodCard,
			Status:    status,
			Timestamp: f.clock(),
		}
	}

	t.Run("append failure stores nothing", func(t *testing.T) {
		f := newFixture(t)
		f.rewire(t, func(d *Dependencies) { d.Chain = refusingChain{f.ledger} })

		_, err := f.svc.RecordPayment(context.Background(), req(f, financial.PaymentStatusSettled))
		require.Error(t, err)
		assert.True(t, errors.IsRetryable(err))

		hist, err := f.payments.SubjectPayments(context.Background(), f.subject.ID, t0.Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, hist)
		assert.Equal(t, 0, f.chain.Len())
	})

	t.Run("save failure is reversed on the chain", func(t *testing.T) {
		f := newFixture(t)
		f.rewire(t, func(d *Dependencies) { d.Payments = failingSave{f.payments} })

		_, err := f.svc.RecordPayment(context.Background(), req(f, financial.PaymentStatusFailed))
		require.Error(t, err)

		records, err := f.chain.Range(context.Background(), 1, 0)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, ledger.EventPaymentFailed, records[0].EventType)
		assert.Equal(t, ledger.EventPaymentCommitReversed, records[1].EventType)
		assert.Equal(t, records[0].Payload["payment_id"], records[1].Payload["payment_id"])

		_, err = f.ledger.VerifyChain(context.Background())
		assert.NoError(t, err)
	})

	t.Run("pending save failure chains nothing", func(t *testing.T) {
		f := newFixture(t)
		f.rewire(t, func(d *Dependencies) { d.Payments = failingSave{f.payments} })

		_, err := f.svc.RecordPayment(context.Background(), req(f, financial.PaymentStatusPending))
		require.Error(t, err)
		assert.Equal(t, 0, f.chain.Len())
	})
}

func TestReconcileReversesFailedUpdate(t *testing.T) {
	f := newFixture(t)
	stale := f.record(t, 1000, financial.PaymentMethodCard, financial.PaymentStatusPending)
	f.advance(2 * time.Hour)

	f.rewire(t, func(d *Dependencies) { d.Payments = failingUpdate{f.payments} })
	run, err := f.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, run.Errors)
	assert.Empty(t, run.Failed)

	records, err := f.chain.Range(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, ledger.EventPaymentReconciliation, records[0].EventType)
	assert.Equal(t, ledger.EventPaymentCommitReversed, records[1].EventType)
	assert.Equal(t, stale.Payment.ID.String(), records[1].Payload["payment_id"])
	assert.Equal(t, ledger.EventReconciliationRun, records[2].EventType)

	pending, err := f.payments.StalePending(context.Background(), f.clock())
	require.NoError(t, err)
	require.Len(t, pending, 1, "payment stays pending for the next run")

	f.rewire(t, func(d *Dependencies) {})
	run, err = f.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{stale.Payment.ID}, run.Failed)
}
