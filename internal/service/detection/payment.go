package detection

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/financial"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
)

func (ev *Evaluation) requirePayment() error {
	if ev.Payment == nil {
		return errors.NewValidationError("MISSING_PAYMENT_CONTEXT", "payment is required")
	}
	return nil
}

// HighValuePayment flags single payments at or above the configured amount.
type HighValuePayment struct {
	threshold decimal.Decimal
	desc      Descriptor
}

func NewHighValuePayment(threshold int64) *HighValuePayment {
	return &HighValuePayment{
		threshold: decimal.NewFromInt(threshold),
		desc: Descriptor{
			Kind:     fraud.KindHighValuePayment,
			Severity: fraud.SeverityMedium,
			Category: fraud.CategoryFraudDetection,
			Action:   fraud.ActionLog,
		},
	}
}

func (d *HighValuePayment) Descriptor() Descriptor { return d.desc }

func (d *HighValuePayment) Evaluate(ctx context.Context, ev *Evaluation) (*fraud.Signal, error) {
	if err := ev.requirePayment(); err != nil {
		return nil, err
	}
	if ev.Payment.Amount.LessThan(d.threshold) {
		return nil, nil
	}
	return newSignal(d.desc, ev, map[string]interface{}{
		"amount":    ev.Payment.Amount.String(),
		"threshold": d.threshold.String(),
		"method":    string(ev.Payment.Method),
	}, "payment above the high value threshold"), nil
}

// FailedPaymentPattern counts failed payments in the window, the current one
// included when it failed.
type FailedPaymentPattern struct {
	cfg  PaymentConfig
	desc Descriptor
}

func NewFailedPaymentPattern(cfg PaymentConfig) *FailedPaymentPattern {
	return &FailedPaymentPattern{cfg: cfg, desc: Descriptor{
		Kind:     fraud.KindFailedPaymentPattern,
		Severity: fraud.SeverityHigh,
		Category: fraud.CategoryFraudDetection,
		Action:   fraud.ActionLog,
	}}
}

func (d *FailedPaymentPattern) Descriptor() Descriptor { return d.desc }

func (d *FailedPaymentPattern) Evaluate(ctx context.Context, ev *Evaluation) (*fraud.Signal, error) {
	if err := ev.requirePayment(); err != nil {
		return nil, err
	}
	history, err := ev.Payments.SubjectPayments(ctx, ev.SubjectID, ev.Now.Add(-d.cfg.FailedWindow))
	if err != nil {
		return nil, err
	}
	failed := 0
	for _, p := range withCurrent(history, ev.Payment) {
		if p.Status == financial.PaymentStatusFailed {
			failed++
		}
	}
	if failed < d.cfg.FailedThreshold {
		return nil, nil
	}
	return newSignal(d.desc, ev, map[string]interface{}{
		"failed_payments": failed,
		"window_hours":    d.cfg.FailedWindow.Hours(),
		"threshold":       d.cfg.FailedThreshold,
	}, fmt.Sprintf("%d failed payments within %s", failed, d.cfg.FailedWindow)), nil
}

// MultiplePaymentMethods flags subjects cycling through instruments.
type MultiplePaymentMethods struct {
	cfg  PaymentConfig
	desc Descriptor
}

func NewMultiplePaymentMethods(cfg PaymentConfig) *MultiplePaymentMethods {
	return &MultiplePaymentMethods{cfg: cfg, desc: Descriptor{
		Kind:     fraud.KindMultiplePaymentMethods,
		Severity: fraud.SeverityMedium,
		Category: fraud.CategoryFraudDetection,
		Action:   fraud.ActionLog,
	}}
}

func (d *MultiplePaymentMethods) Descriptor() Descriptor { return d.desc }

func (d *MultiplePaymentMethods) Evaluate(ctx context.Context, ev *Evaluation) (*fraud.Signal, error) {
	if err := ev.requirePayment(); err != nil {
		return nil, err
	}
	history, err := ev.Payments.SubjectPayments(ctx, ev.SubjectID, ev.Now.Add(-d.cfg.MethodsWindow))
	if err != nil {
		return nil, err
	}
	methods := make(map[financial.PaymentMethod]struct{})
	for _, p := range withCurrent(history, ev.Payment) {
		methods[p.Method] = struct{}{}
	}
	if len(methods) < d.cfg.MethodsDistinct {
		return nil, nil
	}
	names := make([]string, 0, len(methods))
	for m := range methods {
		names = append(names, string(m))
	}
	sort.Strings(names)
	return newSignal(d.desc, ev, map[string]interface{}{
		"distinct_methods": len(methods),
		"methods":          names,
		"window_hours":     d.cfg.MethodsWindow.Hours(),
		"threshold":        d.cfg.MethodsDistinct,
	}, fmt.Sprintf("%d payment methods within %s", len(methods), d.cfg.MethodsWindow)), nil
}

// withCurrent appends the payment under evaluation unless history already
// holds it.
func withCurrent(history []*financial.Payment, current *financial.Payment) []*financial.Payment {
	for _, p := range history {
		if p.ID == current.ID {
			return history
		}
	}
	return append(history, current)
}
