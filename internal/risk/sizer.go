package risk

import (
	"errors"
	"math"
	"time"

	"confluence-sentry/pkg/types"
)

var (
	// ErrInsufficientBalance 余额不足以满足平台最小下单金额
	ErrInsufficientBalance = errors.New("balance too low for platform minimum")
	// ErrNoAmountStep 允许区间内没有符合交易场所步长的金额
	ErrNoAmountStep = errors.New("no venue amount step fits the allowed range")
)

// gridSearchSteps 在区间内二分查找取整边界的迭代次数
const gridSearchSteps = 64

// sizerWinRateWindow 胜率档位统计的最近交易数
const sizerWinRateWindow = 10

// Rounder 按交易场所的金额步长取整
type Rounder func(float64) float64

// PositionSizer 仓位计算
type PositionSizer struct {
	config types.SizingConfig
}

// NewPositionSizer 创建仓位计算器
func NewPositionSizer(config types.SizingConfig) *PositionSizer {
	return &PositionSizer{config: config}
}

// Bounds 当前余额下允许的金额区间
func (ps *PositionSizer) Bounds(balance float64) (lower, upper float64, err error) {
	lower = ps.config.PlatformMin
	upper = math.Min(balance*ps.config.MaxBalancePct/100, ps.config.PlatformCap)
	if balance <= 0 || upper < lower {
		return 0, 0, ErrInsufficientBalance
	}
	return lower, upper, nil
}

// Size 根据信号、风控状态和余额计算下单金额，各项系数依次相乘
func (ps *PositionSizer) Size(signal *types.Signal, state types.RiskState, balance float64, now time.Time, round Rounder) (float64, error) {
	lower, upper, err := ps.Bounds(balance)
	if err != nil {
		return 0, err
	}

	amount := balance * ps.config.MaxRiskPerTradePct / 100
	amount *= confidenceFactor(signal.Confidence)
	amount *= strengthFactor(signal.Strength)
	amount *= ps.winRateFactor(state)
	amount *= volatilityFactor(signal.TechnicalDetails.Volatility)
	amount *= riskLevelFactor(signal.RiskAssessment.Level)
	amount *= lossDecay(state.LossesSince(now.Add(-dayWindow)))

	amount = types.Clamp(amount, lower, upper)
	if round == nil {
		return amount, nil
	}
	fitted, ok := fitToStep(amount, lower, upper, round)
	if !ok {
		return 0, ErrNoAmountStep
	}
	return fitted, nil
}

// fitToStep 取整到交易场所步长，越界时改取区间内最近的步长点。round 需单调不减
func fitToStep(amount, lower, upper float64, round Rounder) (float64, bool) {
	v := round(amount)
	switch {
	case v > upper:
		// 不超过上限的最大步长点
		lo, hi := lower, amount
		if round(lo) > upper {
			return 0, false
		}
		for i := 0; i < gridSearchSteps; i++ {
			mid := (lo + hi) / 2
			if round(mid) <= upper {
				lo = mid
			} else {
				hi = mid
			}
		}
		v = round(lo)
	case v < lower:
		// 不低于下限的最小步长点
		lo, hi := amount, upper
		if round(hi) < lower {
			return 0, false
		}
		for i := 0; i < gridSearchSteps; i++ {
			mid := (lo + hi) / 2
			if round(mid) >= lower {
				hi = mid
			} else {
				lo = mid
			}
		}
		v = round(hi)
	}
	if v < lower || v > upper {
		return 0, false
	}
	return v, true
}

func confidenceFactor(confidence float64) float64 {
	switch {
	case confidence >= 90:
		return 1.2
	case confidence >= 85:
		return 1.1
	case confidence >= 80:
		return 1.0
	case confidence >= 75:
		return 0.9
	default:
		return 0.8
	}
}

func strengthFactor(s types.SignalStrength) float64 {
	switch s {
	case types.SignalVeryStrong:
		return 1.1
	case types.SignalStrong:
		return 1.05
	case types.SignalWeak:
		return 0.7
	default:
		return 1.0
	}
}

// winRateFactor 样本不足时不调整
func (ps *PositionSizer) winRateFactor(state types.RiskState) float64 {
	rate, samples := state.WinRate(sizerWinRateWindow)
	if samples == 0 || samples < ps.config.MinWinRateSamples {
		return 1.0
	}
	switch {
	case rate < 0.3:
		return 0.5
	case rate < 0.4:
		return 0.7
	case rate > 0.8:
		return 1.2
	case rate > 0.7:
		return 1.1
	default:
		return 1.0
	}
}

func volatilityFactor(v types.Volatility) float64 {
	switch v {
	case types.VolatilityHigh:
		return 0.8
	case types.VolatilityLow:
		return 1.1
	default:
		return 1.0
	}
}

func riskLevelFactor(level types.RiskLevel) float64 {
	switch level {
	case types.RiskHigh:
		return 0.7
	case types.RiskLow:
		return 1.1
	default:
		return 1.0
	}
}

// lossDecay 当日每亏损一次减少10%，最低50%
func lossDecay(losses int) float64 {
	return math.Max(0.5, 1-0.1*float64(losses))
}
