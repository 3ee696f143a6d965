package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/financial"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/ledger"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/telemetry"
)

// ReconciliationRun summarises one pass over stale pending payments.
type ReconciliationRun struct {
	ID            uuid.UUID   `json:"id"`
	StartedAt     time.Time   `json:"started_at"`
	Cutoff        time.Time   `json:"cutoff"`
	Checked       int         `json:"checked"`
	Failed        []uuid.UUID `json:"failed"`
	Errors        int         `json:"errors"`
	ChainSequence int64       `json:"chain_sequence"`
}

// Reconcile fails every payment still pending after StaleAfter. It refuses
// to run while the chain integrity gate is halted.
func (s *Service) Reconcile(ctx context.Context) (*ReconciliationRun, error) {
	ctx, span := s.tracer.Start(ctx, "payments.Reconcile")
	defer span.End()

	if err := s.deps.Chain.Gate(); err != nil {
		s.logger.Warn("reconciliation refused, chain integrity gate is halted", zap.Error(err))
		return nil, err
	}

	now := s.now().UTC()
	run := &ReconciliationRun{
		ID:        uuid.New(),
		StartedAt: now,
		Cutoff:    now.Add(-s.cfg.StaleAfter),
		Failed:    make([]uuid.UUID, 0),
	}

	stale, err := s.deps.Payments.StalePending(ctx, run.Cutoff)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	run.Checked = len(stale)

	for _, p := range stale {
		if err := s.failStale(ctx, p, now); err != nil {
			run.Errors++
			s.logger.Error("failed to reconcile payment",
				zap.String("payment_id", p.ID.String()),
				zap.Error(err))
			continue
		}
		run.Failed = append(run.Failed, p.ID)
	}

	rec, err := s.deps.Chain.Append(ctx, ledger.Entry{
		EventType: ledger.EventReconciliationRun,
		Payload: map[string]interface{}{
			"run_id":  run.ID.String(),
			"cutoff":  run.Cutoff.Format(time.RFC3339Nano),
			"checked": run.Checked,
			"failed":  len(run.Failed),
			"errors":  run.Errors,
		},
		Timestamp: now,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	run.ChainSequence = rec.Sequence
	s.metrics.RecordReconciled(len(run.Failed))

	span.SetAttributes(
		attribute.Int("payments.checked", run.Checked),
		attribute.Int("payments.failed", len(run.Failed)))
	s.logger.Info("reconciliation run complete",
		zap.String("run_id", run.ID.String()),
		zap.Int("checked", run.Checked),
		zap.Int("failed", len(run.Failed)),
		zap.Int("errors", run.Errors))
	return run, nil
}

// failStale chains the reconciliation before flipping the payment. A failed
// update is reversed on the chain and the payment stays pending for the next
// run.
func (s *Service) failStale(ctx context.Context, p *financial.Payment, now time.Time) error {
	rec, err := s.deps.Chain.Append(ctx, ledger.Entry{
		EventType: ledger.EventPaymentReconciliation,
		SubjectID: p.SubjectID,
		Amount:    p.Amount,
		Payload: map[string]interface{}{
			"payment_id":      p.ID.String(),
			"previous_status": string(p.Status),
			"status":          string(financial.PaymentStatusFailed),
			"pending_seconds": int64(now.Sub(p.CreatedAt).Seconds()),
		},
		Timestamp: now,
	})
	if err != nil {
		return err
	}
	if err := s.deps.Payments.UpdateStatus(ctx, p.ID, financial.PaymentStatusFailed, now); err != nil {
		s.logger.Error("payment update failed after chaining, reversing",
			zap.String("payment_id", p.ID.String()),
			zap.Int64("sequence", rec.Sequence),
			zap.Error(err))
		s.reverse(ctx, p, rec.Sequence, err)
		return err
	}
	s.metrics.RecordPayment(string(financial.PaymentStatusFailed))
	return nil
}
