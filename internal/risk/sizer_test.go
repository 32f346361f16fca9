package risk

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"confluence-sentry/pkg/types"
)

func testSizingConfig() types.SizingConfig {
	return types.SizingConfig{
		MaxRiskPerTradePct: 3,
		MaxBalancePct:      5,
		PlatformMin:        1,
		PlatformCap:        1000,
		MinWinRateSamples:  5,
	}
}

// tieredRound 与交易场所一致的步长：<10取整，<100取5的倍数，其余取10的倍数
func tieredRound(x float64) float64 {
	switch {
	case x < 10:
		return math.Round(x)
	case x < 100:
		return math.Round(x/5) * 5
	default:
		return math.Round(x/10) * 10
	}
}

func sizedSignal(confidence float64, volatility types.Volatility, level types.RiskLevel, strength types.SignalStrength) *types.Signal {
	s, _ := types.NewSignal(types.Signal{
		Instrument:       "BTC-USDT",
		Direction:        types.DirectionBuy,
		Confidence:       confidence,
		Strength:         strength,
		TechnicalDetails: types.TechnicalDetails{Volatility: volatility, DataQuality: types.QualityExcellent},
		RiskAssessment:   types.RiskAssessment{Level: level},
		CreatedAt:        testNow,
	})
	return s
}

func winningHistory(wins, losses int) types.RiskState {
	var state types.RiskState
	for i := 0; i < losses; i++ {
		state.Outcomes = append(state.Outcomes, outcome(fmt.Sprintf("l%d", i), types.ResultLoss, 1, 0, testNow.Add(-48*time.Hour)))
	}
	for i := 0; i < wins; i++ {
		state.Outcomes = append(state.Outcomes, outcome(fmt.Sprintf("w%d", i), types.ResultWin, 1, 0.8, testNow.Add(-47*time.Hour)))
	}
	return state
}

func TestSizeNearUpperClampOnSmallAccount(t *testing.T) {
	ps := NewPositionSizer(testSizingConfig())
	signal := sizedSignal(92, types.VolatilityLow, types.RiskLow, types.SignalVeryStrong)
	state := winningHistory(9, 1) // 90%

	amount, err := ps.Size(signal, state, 100, testNow, tieredRound)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if amount != 5 {
		t.Fatalf("expected amount at the 5%% clamp (5), got %v", amount)
	}
}

func TestSizeMultipliersApplyInSequence(t *testing.T) {
	ps := NewPositionSizer(testSizingConfig())
	// 1000 * 3% = 30; 0.9 (75) * 1.0 (medium) * 1.0 (no history) * 0.8 (high vol) * 0.7 (high risk) = 15.12
	signal := sizedSignal(75, types.VolatilityHigh, types.RiskHigh, types.SignalMedium)
	amount, err := ps.Size(signal, types.RiskState{}, 1000, testNow, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(amount-15.12) > 1e-9 {
		t.Fatalf("expected 15.12, got %v", amount)
	}

	rounded, _ := ps.Size(signal, types.RiskState{}, 1000, testNow, tieredRound)
	if rounded != 15 {
		t.Fatalf("expected rounding to 15, got %v", rounded)
	}
}

func TestSizeSameDayLossDecay(t *testing.T) {
	cfg := testSizingConfig()
	cfg.MinWinRateSamples = 50 // 排除胜率档位的影响
	ps := NewPositionSizer(cfg)
	signal := sizedSignal(80, types.VolatilityNormal, types.RiskMedium, types.SignalMedium)

	base, _ := ps.Size(signal, types.RiskState{}, 1000, testNow, nil)

	var twoLosses types.RiskState
	twoLosses.Outcomes = []types.OutcomeEntry{
		outcome("1", types.ResultLoss, 1, 0, testNow.Add(-2*time.Hour)),
		outcome("2", types.ResultLoss, 1, 0, testNow.Add(-time.Hour)),
	}
	decayed, _ := ps.Size(signal, twoLosses, 1000, testNow, nil)
	if math.Abs(decayed-base*0.8) > 1e-9 {
		t.Fatalf("expected 20%% decay, base=%v decayed=%v", base, decayed)
	}

	for i := 3; i < 9; i++ {
		twoLosses.Outcomes = append(twoLosses.Outcomes, outcome(fmt.Sprint(i), types.ResultLoss, 1, 0, testNow.Add(-time.Duration(i)*time.Minute)))
	}
	floored, _ := ps.Size(signal, twoLosses, 1000, testNow, nil)
	if math.Abs(floored-base*0.5) > 1e-9 {
		t.Fatalf("expected decay floor at 50%%, base=%v floored=%v", base, floored)
	}
}

func TestSizeInsufficientBalance(t *testing.T) {
	ps := NewPositionSizer(testSizingConfig())
	signal := sizedSignal(90, types.VolatilityNormal, types.RiskMedium, types.SignalStrong)

	for _, balance := range []float64{0, -5, 10} {
		if _, err := ps.Size(signal, types.RiskState{}, balance, testNow, tieredRound); !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("balance %v: expected ErrInsufficientBalance, got %v", balance, err)
		}
	}
}

func TestSizeBoundsProperty(t *testing.T) {
	ps := NewPositionSizer(testSizingConfig())
	rng := rand.New(rand.NewSource(99))
	vols := []types.Volatility{types.VolatilityLow, types.VolatilityNormal, types.VolatilityHigh, types.VolatilityExtreme}
	levels := []types.RiskLevel{types.RiskLow, types.RiskMedium, types.RiskHigh}
	strengths := []types.SignalStrength{types.SignalWeak, types.SignalMedium, types.SignalStrong, types.SignalVeryStrong}

	for i := 0; i < 5000; i++ {
		balance := rng.Float64() * 100000
		signal := sizedSignal(rng.Float64()*100, vols[rng.Intn(4)], levels[rng.Intn(3)], strengths[rng.Intn(4)])
		state := winningHistory(rng.Intn(10), rng.Intn(10))

		var round Rounder
		if rng.Intn(2) == 0 {
			round = tieredRound
		}

		amount, err := ps.Size(signal, state, balance, testNow, round)
		upper := math.Min(balance*0.05, 1000)
		if upper < 1 {
			if !errors.Is(err, ErrInsufficientBalance) {
				t.Fatalf("balance %v: expected ErrInsufficientBalance, got %v", balance, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if amount < 1 || amount > upper {
			t.Fatalf("amount %v outside [1, %v] for balance %v", amount, upper, balance)
		}
		if round != nil && tieredRound(amount) != amount {
			t.Fatalf("amount %v is not on the venue step for balance %v", amount, balance)
		}
	}
}

func TestSizeStaysOnVenueStep(t *testing.T) {
	tests := []struct {
		name    string
		cfg     types.SizingConfig
		balance float64
		want    float64
		wantErr error
	}{
		// 上限 58，最近步长点 60 越界，取 55
		{"upper bound between steps", types.SizingConfig{MaxRiskPerTradePct: 5, MaxBalancePct: 5, PlatformMin: 1, PlatformCap: 1000}, 1160, 55, nil},
		// 下限 12，取整得 10 低于下限，取 15
		{"lower bound between steps", types.SizingConfig{MaxRiskPerTradePct: 0.1, MaxBalancePct: 5, PlatformMin: 12, PlatformCap: 1000}, 400, 15, nil},
		// 区间 [12, 14] 内没有 5 的倍数
		{"no step in range", types.SizingConfig{MaxRiskPerTradePct: 3, MaxBalancePct: 5, PlatformMin: 12, PlatformCap: 14}, 1000, 0, ErrNoAmountStep},
	}
	signal := sizedSignal(95, types.VolatilityLow, types.RiskLow, types.SignalVeryStrong)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, err := NewPositionSizer(tt.cfg).Size(signal, types.RiskState{}, tt.balance, testNow, tieredRound)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if amount != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, amount)
			}
		})
	}
}
