package service

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/account"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/bid"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/enforcement"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/financial"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/config"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/memory"
	"github.com/davidleathers/auction-integrity-backend/internal/metrics"
	"github.com/davidleathers/auction-integrity-backend/internal/service/bidding"
	"github.com/davidleathers/auction-integrity-backend/internal/service/detection"
	"github.com/davidleathers/auction-integrity-backend/internal/service/escalation"
	"github.com/davidleathers/auction-integrity-backend/internal/service/jobs"
	ledgersvc "github.com/davidleathers/auction-integrity-backend/internal/service/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/service/payments"
	"github.com/davidleathers/auction-integrity-backend/internal/service/velocity"
)

// AuctionStore is the auction repository plus the history detectors read.
type AuctionStore interface {
	bid.Repository
	bid.History
}

// Stores holds one implementation of every persistence contract.
type Stores struct {
	Auctions    AuctionStore
	Accounts    account.Directory
	Signals     fraud.SignalStore
	Grants      fraud.GrantStore
	Enforcement enforcement.Store
	Payments    financial.PaymentRepository
	Chain       ledger.Store
	// Velocity defaults to an in-process tracker.
	Velocity velocity.Tracker
}

// MemoryStores returns in-process stores for every contract.
func MemoryStores() Stores {
	return Stores{
		Auctions:    memory.NewAuctionStore(),
		Accounts:    memory.NewAccountStore(),
		Signals:     memory.NewSignalStore(),
		Grants:      memory.NewGrantStore(),
		Enforcement: memory.NewEnforcementStore(),
		Payments:    memory.NewPaymentStore(),
		Chain:       memory.NewLedgerStore(),
	}
}

// Services is the wired service graph of the API process.
type Services struct {
	Detection   *detection.Engine
	Escalation  *escalation.Engine
	Ledger      *ledgersvc.Service
	Coordinator *bidding.Coordinator
	Payments    *payments.Service
	Scheduler   *jobs.Scheduler
}

// NewServices wires services over stores. The chain verification and payment
// reconciliation jobs are registered on the returned scheduler but not started.
func NewServices(cfg *config.Config, stores Stores, reg *metrics.Registry, logger *zap.Logger) (*Services, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tracker := stores.Velocity
	if tracker == nil {
		tracker = velocity.NewMemoryTracker(cfg.Detection.MaxVelocityWindow(), logger)
	}

	var assessor detection.Assessor
	if cfg.Detection.Assessor.URL != "" {
		inner := detection.NewHTTPAssessor(cfg.Detection.Assessor.URL, &http.Client{Timeout: cfg.Detection.Assessor.Timeout})
		assessor = detection.NewGuardedAssessor(inner, cfg.Detection.Assessor, logger)
	}

	engine, err := detection.NewEngine(cfg.Detection, detection.Dependencies{
		Velocity: tracker,
		Bids:     stores.Auctions,
		Payments: stores.Payments,
		Grants:   stores.Grants,
		Assessor: assessor,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	chain := ledgersvc.NewService(stores.Chain, cfg.Ledger, logger, reg)
	esc := escalation.NewEngine(stores.Enforcement, cfg.Bidding.Escalation, logger)

	coord, err := bidding.NewCoordinator(bidding.Config{LockTimeout: cfg.Bidding.LockTimeout}, bidding.Dependencies{
		Auctions:   stores.Auctions,
		Accounts:   stores.Accounts,
		Signals:    stores.Signals,
		Grants:     stores.Grants,
		Payments:   stores.Payments,
		Velocity:   tracker,
		Screener:   engine,
		Escalation: esc,
		Chain:      chain,
		Verifier:   bidding.NewHMACVerifier(cfg.Security.ChallengeSecret),
		Metrics:    reg,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	pay, err := payments.NewService(cfg.Payments, payments.Dependencies{
		Payments: stores.Payments,
		Accounts: stores.Accounts,
		Signals:  stores.Signals,
		Screener: engine,
		Chain:    chain,
		Metrics:  reg,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	sched := jobs.NewScheduler(cfg.Scheduler.Tick, cfg.Scheduler.RunTimeout, logger)
	if cfg.Ledger.VerifyInterval > 0 {
		sched.AddJob("chain_verification", cfg.Ledger.VerifyInterval, true, func(ctx context.Context) error {
			_, err := chain.VerifyChain(ctx)
			return err
		})
	}
	sched.AddJob("payment_reconciliation", pay.Config().ReconcileInterval, false, func(ctx context.Context) error {
		_, err := pay.Reconcile(ctx)
		return err
	})

	return &Services{
		Detection:   engine,
		Escalation:  esc,
		Ledger:      chain,
		Coordinator: coord,
		Payments:    pay,
		Scheduler:   sched,
	}, nil
}
