package detection

import (
	"time"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/account"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/financial"
	"github.com/davidleathers/auction-integrity-backend/internal/domain/fraud"
)

const (
	scorePerSignal        = 10
	scorePerCritical      = 25
	scorePerFailedPayment = 5
	scoreNewAccount       = 20
	scoreMax              = 100

	ScorePaymentLookback = 30 * 24 * time.Hour
	scoreNewAccountAge   = 7 * 24 * time.Hour
)

// ScoreBreakdown explains a fraud score.
type ScoreBreakdown struct {
	Score          int  `json:"score"`
	OpenSignals    int  `json:"open_signals"`
	CriticalOpen   int  `json:"critical_open"`
	FailedPayments int  `json:"failed_payments"`
	NewAccount     bool `json:"new_account"`
}

// FraudScore rates a subject from 0 to 100. Reviewed signals and payments
// older than the lookback do not count.
func FraudScore(signals []*fraud.Signal, payments []*financial.Payment, acct *account.Account, now time.Time) ScoreBreakdown {
	var b ScoreBreakdown
	for _, s := range signals {
		if s.Status != fraud.StatusOpen {
			continue
		}
		b.OpenSignals++
		if s.Severity == fraud.SeverityCritical {
			b.CriticalOpen++
		}
	}
	cutoff := now.Add(-ScorePaymentLookback)
	for _, p := range payments {
		if p.Status == financial.PaymentStatusFailed && !p.CreatedAt.Before(cutoff) {
			b.FailedPayments++
		}
	}
	if acct != nil && acct.Age(now) < scoreNewAccountAge {
		b.NewAccount = true
	}

	score := b.OpenSignals*scorePerSignal + b.CriticalOpen*scorePerCritical + b.FailedPayments*scorePerFailedPayment
	if b.NewAccount {
		score += scoreNewAccount
	}
	if score > scoreMax {
		score = scoreMax
	}
	b.Score = score
	return b
}
