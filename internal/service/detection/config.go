package detection

import (
	"fmt"
	"time"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
)

// WindowRule fires when at least Threshold events fall inside Window.
type WindowRule struct {
	Window    time.Duration `koanf:"window"`
	Threshold int           `koanf:"threshold"`
}

// GlobalRule needs both the bid count and the distinct auction count.
type GlobalRule struct {
	Window   time.Duration `koanf:"window"`
	Bids     int           `koanf:"bids"`
	Auctions int           `koanf:"auctions"`
}

type RapidConfig struct {
	SoftShort     WindowRule `koanf:"soft_short"`
	SoftLong      WindowRule `koanf:"soft_long"`
	HardBurst     WindowRule `koanf:"hard_burst"`
	HardSustained WindowRule `koanf:"hard_sustained"`
}

type GlobalConfig struct {
	Soft GlobalRule `koanf:"soft"`
	Hard GlobalRule `koanf:"hard"`
}

type MinIncrementConfig struct {
	Window    time.Duration `koanf:"window"`
	Count     int           `koanf:"count"`
	Tolerance float64       `koanf:"tolerance"`
}

type SnipingConfig struct {
	Window    time.Duration `koanf:"window"`
	Threshold int           `koanf:"threshold"`
}

type AmountConfig struct {
	UnusualMultiplier   float64       `koanf:"unusual_multiplier"`
	HighValuePayment    int64         `koanf:"high_value_payment"`
	NewAccountMaxAge    time.Duration `koanf:"new_account_max_age"`
	NewAccountHighValue int64         `koanf:"new_account_high_value"`
	PatternMinHistory   int           `koanf:"pattern_min_history"`
	PatternLookback     int           `koanf:"pattern_lookback"`
	PatternMultiplier   float64       `koanf:"pattern_multiplier"`
}

type AccountConfig struct {
	LowWinMinBids  int     `koanf:"low_win_min_bids"`
	LowWinMaxRatio float64 `koanf:"low_win_max_ratio"`
}

type RelationalConfig struct {
	AffinityMinAuctions int     `koanf:"affinity_min_auctions"`
	AffinityRatio       float64 `koanf:"affinity_ratio"`
	ShillMinTotalBids   int     `koanf:"shill_min_total_bids"`
	ShillMinSellerBids  int     `koanf:"shill_min_seller_bids"`
	ShillShare          float64 `koanf:"shill_share"`
	CollusionMinCommon  int     `koanf:"collusion_min_common"`
	CollusionMinPairs   int     `koanf:"collusion_min_pairs"`
	TimingLookback      int     `koanf:"timing_lookback"`
	TimingEarlyProgress float64 `koanf:"timing_early_progress"`
	TimingLateProgress  float64 `koanf:"timing_late_progress"`
	TimingMinEarlyBids  int     `koanf:"timing_min_early_bids"`
	TimingMaxLateRatio  float64 `koanf:"timing_max_late_ratio"`
}

type PaymentConfig struct {
	FailedWindow    time.Duration `koanf:"failed_window"`
	FailedThreshold int           `koanf:"failed_threshold"`
	MethodsWindow   time.Duration `koanf:"methods_window"`
	MethodsDistinct int           `koanf:"methods_distinct"`
}

type AssessorConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
	// RatePerSecond and Burst throttle calls to the classifier.
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`
}

// Config carries every detector threshold.
type Config struct {
	EndgameWindow     time.Duration      `koanf:"endgame_window"`
	EndgameMultiplier float64            `koanf:"endgame_multiplier"`
	Rapid             RapidConfig        `koanf:"rapid"`
	Global            GlobalConfig       `koanf:"global"`
	MinIncrement      MinIncrementConfig `koanf:"min_increment"`
	Sniping           SnipingConfig      `koanf:"sniping"`
	Amount            AmountConfig       `koanf:"amount"`
	Account           AccountConfig      `koanf:"account"`
	Relational        RelationalConfig   `koanf:"relational"`
	Payment           PaymentConfig      `koanf:"payment"`
	Assessor          AssessorConfig     `koanf:"assessor"`
}

func DefaultConfig() Config {
	return Config{
		EndgameWindow:     2 * time.Minute,
		EndgameMultiplier: 1.5,
		Rapid: RapidConfig{
			SoftShort:     WindowRule{Window: 2 * time.Minute, Threshold: 6},
			SoftLong:      WindowRule{Window: 5 * time.Minute, Threshold: 10},
			HardBurst:     WindowRule{Window: 20 * time.Second, Threshold: 8},
			HardSustained: WindowRule{Window: 5 * time.Minute, Threshold: 20},
		},
		Global: GlobalConfig{
			Soft: GlobalRule{Window: 10 * time.Minute, Bids: 15, Auctions: 3},
			Hard: GlobalRule{Window: 30 * time.Minute, Bids: 30, Auctions: 5},
		},
		MinIncrement: MinIncrementConfig{Window: time.Minute, Count: 5, Tolerance: 1.1},
		Sniping:      SnipingConfig{Window: time.Minute, Threshold: 3},
		Amount: AmountConfig{
			UnusualMultiplier:   3,
			HighValuePayment:    5_000_000,
			NewAccountMaxAge:    7 * 24 * time.Hour,
			NewAccountHighValue: 1_000_000,
			PatternMinHistory:   5,
			PatternLookback:     20,
			PatternMultiplier:   3,
		},
		Account: AccountConfig{LowWinMinBids: 20, LowWinMaxRatio: 0.05},
		Relational: RelationalConfig{
			AffinityMinAuctions: 3,
			AffinityRatio:       0.5,
			ShillMinTotalBids:   10,
			ShillMinSellerBids:  5,
			ShillShare:          0.7,
			CollusionMinCommon:  3,
			CollusionMinPairs:   2,
			TimingLookback:      50,
			TimingEarlyProgress: 0.2,
			TimingLateProgress:  0.8,
			TimingMinEarlyBids:  5,
			TimingMaxLateRatio:  0.1,
		},
		Payment: PaymentConfig{
			FailedWindow:    7 * 24 * time.Hour,
			FailedThreshold: 3,
			MethodsWindow:   24 * time.Hour,
			MethodsDistinct: 3,
		},
		Assessor: AssessorConfig{Timeout: 2 * time.Second, RatePerSecond: 5, Burst: 10},
	}
}

// Validate rejects thresholds that would make a detector fire on nothing.
func (c Config) Validate() error {
	rules := map[string]WindowRule{
		"rapid.soft_short":     c.Rapid.SoftShort,
		"rapid.soft_long":      c.Rapid.SoftLong,
		"rapid.hard_burst":     c.Rapid.HardBurst,
		"rapid.hard_sustained": c.Rapid.HardSustained,
		"sniping":              {Window: c.Sniping.Window, Threshold: c.Sniping.Threshold},
		"min_increment":        {Window: c.MinIncrement.Window, Threshold: c.MinIncrement.Count},
	}
	for name, r := range rules {
		if r.Window <= 0 || r.Threshold <= 0 {
			return errors.NewValidationError("INVALID_DETECTION_CONFIG", fmt.Sprintf("%s needs a positive window and threshold", name))
		}
	}
	for name, g := range map[string]GlobalRule{"global.soft": c.Global.Soft, "global.hard": c.Global.Hard} {
		if g.Window <= 0 || g.Bids <= 0 || g.Auctions <= 0 {
			return errors.NewValidationError("INVALID_DETECTION_CONFIG", fmt.Sprintf("%s needs positive window, bids and auctions", name))
		}
	}
	if c.EndgameMultiplier < 1 {
		return errors.NewValidationError("INVALID_DETECTION_CONFIG", "endgame multiplier must be at least 1")
	}
	if c.Amount.UnusualMultiplier <= 0 || c.Amount.PatternMultiplier <= 0 || c.MinIncrement.Tolerance <= 0 {
		return errors.NewValidationError("INVALID_DETECTION_CONFIG", "multipliers must be positive")
	}
	if c.Payment.FailedThreshold <= 0 || c.Payment.MethodsDistinct <= 0 {
		return errors.NewValidationError("INVALID_DETECTION_CONFIG", "payment thresholds must be positive")
	}
	return nil
}

// MaxVelocityWindow is the longest window any rate detector reads.
func (c Config) MaxVelocityWindow() time.Duration {
	max := c.Global.Hard.Window
	for _, w := range []time.Duration{c.Global.Soft.Window, c.Rapid.SoftShort.Window, c.Rapid.SoftLong.Window, c.Rapid.HardBurst.Window, c.Rapid.HardSustained.Window} {
		if w > max {
			max = w
		}
	}
	return max
}
