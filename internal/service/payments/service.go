// Package payments records settlement attempts fed by the payment layer,
// screens them for fraud patterns and reconciles payments left pending.
package payments

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/account"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/financial"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/auction-integrity-backend/internal/metrics"
	"github.com/davidleathers/auction-integrity-backend/internal/service/detection"
)

type Config struct {
	ReconcileInterval time.Duration `koanf:"reconcile_interval"`
	StaleAfter        time.Duration `koanf:"stale_after"`
}

func DefaultConfig() Config {
	return Config{
		ReconcileInterval: 10 * time.Minute,
		StaleAfter:        time.Hour,
	}
}

// Screener runs the payment detectors.
type Screener interface {
	EvaluatePayment(ctx context.Context, in detection.PaymentInput) (*detection.Report, error)
}

// Chain is the slice of the ledger service payments write to.
type Chain interface {
	Append(ctx context.Context, entry ledger.Entry) (*ledger.Record, error)
	Gate() error
}

type Dependencies struct {
	Payments financial.PaymentRepository
	Accounts account.Directory
	Signals  fraud.SignalStore
	Screener Screener
	Chain    Chain
	Metrics  *metrics.Registry
	Logger   *zap.Logger
	Clock    func() time.Time
}

type Service struct {
	cfg     Config
	deps    Dependencies
	logger  *zap.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer
	now     func() time.Time
}

func NewService(cfg Config, deps Dependencies) (*Service, error) {
	switch {
	case deps.Payments == nil:
		return nil, errors.NewInternalError("payment repository is required")
	case deps.Accounts == nil:
		return nil, errors.NewInternalError("account directory is required")
	case deps.Signals == nil:
		return nil, errors.NewInternalError("signal store is required")
	case deps.Screener == nil:
		return nil, errors.NewInternalError("payment screener is required")
	case deps.Chain == nil:
		return nil, errors.NewInternalError("chain is required")
	}
	def := DefaultConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.Named("payments"),
		metrics: deps.Metrics,
		tracer:  telemetry.Tracer("auction-integrity/payments"),
		now:     now,
	}, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// RecordPaymentRequest is a settlement attempt reported by the payment layer.
type RecordPaymentRequest struct {
	SubjectID uuid.UUID               `json:"subject_id" validate:"required"`
	AuctionID *uuid.UUID              `json:"auction_id,omitempty"`
	Amount    decimal.Decimal         `json:"amount"`
	Method    financial.PaymentMethod `json:"method" validate:"required,oneof=card bank mobile_money wallet"`
	Reference string                  `json:"reference,omitempty" validate:"max=128"`
	Status    financial.PaymentStatus `json:"status" validate:"required,oneof=pending settled failed"`
	Timestamp time.Time               `json:"timestamp"`
}

// PaymentResult is the stored payment plus what screening found.
type PaymentResult struct {
	Payment       *financial.Payment `json:"payment"`
	Signals       []*fraud.Signal    `json:"signals"`
	ChainSequence int64              `json:"chain_sequence,omitempty"`
}

// RecordPayment screens and stores a payment. Settled and failed payments
// get a chain record first; pending ones wait for reconciliation. Payment
// detectors are advisory and never refuse the record.
func (s *Service) RecordPayment(ctx context.Context, req RecordPaymentRequest) (*PaymentResult, error) {
	ctx, span := s.tracer.Start(ctx, "payments.RecordPayment",
		trace.WithAttributes(attribute.String("subject.id", req.SubjectID.String())))
	defer span.End()

	if err := validateRequest(req); err != nil {
		return nil, err
	}
	acct, err := s.deps.Accounts.GetAccount(ctx, req.SubjectID)
	if err != nil {
		return nil, err
	}

	at := req.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()
	p := &financial.Payment{
		ID:        uuid.New(),
		SubjectID: req.SubjectID,
		AuctionID: req.AuctionID,
		Amount:    req.Amount,
		Method:    req.Method,
		Reference: req.Reference,
		Status:    req.Status,
		CreatedAt: at,
		UpdatedAt: at,
	}

	report, err := s.deps.Screener.EvaluatePayment(ctx, detection.PaymentInput{Payment: p, Account: acct, Now: at})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if len(report.Signals) > 0 {
		for _, sig := range report.Signals {
			s.metrics.RecordSignal(string(sig.Kind), sig.Enforced)
		}
		if err := s.deps.Signals.SaveSignals(ctx, report.Signals); err != nil {
			s.logger.Error("failed to persist payment signals",
				zap.String("payment_id", p.ID.String()),
				zap.Int("signals", len(report.Signals)),
				zap.Error(err))
		}
	}

	// Terminal payments are chained before they are stored. A failed save is
	// reversed on the chain.
	result := &PaymentResult{Payment: p, Signals: report.Signals}
	ev, terminal := chainEvent(p.Status)
	if terminal {
		rec, err := s.deps.Chain.Append(ctx, ledger.Entry{
			EventType: ev,
			SubjectID: p.SubjectID,
			Amount:    p.Amount,
			Payload:   paymentPayload(p),
			Timestamp: at,
		})
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		result.ChainSequence = rec.Sequence
	}

	if err := s.deps.Payments.SavePayment(ctx, p); err != nil {
		telemetry.RecordError(span, err)
		if terminal {
			s.logger.Error("payment save failed after chaining, reversing",
				zap.String("payment_id", p.ID.String()),
				zap.Int64("sequence", result.ChainSequence),
				zap.Error(err))
			s.reverse(ctx, p, result.ChainSequence, err)
		}
		return nil, err
	}
	s.metrics.RecordPayment(string(p.Status))

	s.logger.Info("payment recorded",
		zap.String("payment_id", p.ID.String()),
		zap.String("subject_id", p.SubjectID.String()),
		zap.String("status", string(p.Status)),
		zap.Int("signals", len(report.Signals)))
	return result, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// requestCodes maps a failing request field to its error code and message.
var requestCodes = map[string][2]string{
	"SubjectID": {"MISSING_SUBJECT", "subject id is required"},
	"Method":    {"INVALID_PAYMENT_METHOD", "unknown payment method"},
	"Status":    {"INVALID_PAYMENT_STATUS", "unknown payment status"},
	"Reference": {"INVALID_REFERENCE", "reference must be at most 128 characters"},
}

func validateRequest(req RecordPaymentRequest) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !stderrors.As(err, &verrs) || len(verrs) == 0 {
			return errors.NewValidationError("INVALID_REQUEST", "payment failed validation").WithCause(err)
		}
		fe := verrs[0]
		code, ok := requestCodes[fe.StructField()]
		if !ok {
			code = [2]string{"INVALID_REQUEST", "payment failed validation"}
		}
		return errors.NewValidationError(code[0], code[1]).
			WithDetails(map[string]interface{}{"field": fe.Field(), "rule": fe.Tag()})
	}
	// decimal.Decimal is a struct, so the amount is checked by hand.
	if !req.Amount.IsPositive() {
		return errors.NewValidationError("INVALID_AMOUNT", "amount must be positive")
	}
	return nil
}

// reverse chains a compensating record for a payment that was chained but
// never stored.
func (s *Service) reverse(ctx context.Context, p *financial.Payment, sequence int64, cause error) {
	if _, err := s.deps.Chain.Append(ctx, ledger.Entry{
		EventType: ledger.EventPaymentCommitReversed,
		SubjectID: p.SubjectID,
		Amount:    p.Amount,
		Payload: map[string]interface{}{
			"payment_id":        p.ID.String(),
			"status":            string(p.Status),
			"reversed_sequence": sequence,
			"reason":            cause.Error(),
		},
	}); err != nil {
		s.logger.Error("failed to chain payment reversal",
			zap.String("payment_id", p.ID.String()),
			zap.Error(err))
	}
}

func chainEvent(status financial.PaymentStatus) (ledger.EventType, bool) {
	switch status {
	case financial.PaymentStatusSettled:
		return ledger.EventPaymentSettled, true
	case financial.PaymentStatusFailed:
		return ledger.EventPaymentFailed, true
	}
	return "", false
}

func paymentPayload(p *financial.Payment) map[string]interface{} {
	payload := map[string]interface{}{
		"payment_id": p.ID.String(),
		"method":     string(p.Method),
		"status":     string(p.Status),
	}
	if p.AuctionID != nil {
		payload["auction_id"] = p.AuctionID.String()
	}
	if p.Reference != "" {
		payload["reference"] = p.Reference
	}
	return payload
}
