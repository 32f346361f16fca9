package signals

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"confluence-sentry/internal/analyzer"
	"confluence-sentry/pkg/types"
)

const (
	higherTrendBoost    = 1.5
	strongPatternScore  = 0.5
	predictorScale      = 5.0
	macdNearZeroPercent = 0.0005
	maxReasons          = 3
	insufficientData    = "insufficient data"
)

// DefaultWeights 周期权重，高周期权重更大
var DefaultWeights = map[types.Timeframe]float64{
	types.TF4H:  0.40,
	types.TF1H:  0.35,
	types.TF30M: 0.25,
	types.TF15M: 0.20,
	types.TF5M:  0.15,
	types.TF1M:  0.05,
}

// ConfluenceEngine 多周期共振评分
type ConfluenceEngine struct {
	timeframes      []types.Timeframe // 按权重降序
	weights         map[types.Timeframe]float64
	totalWeight     float64
	strengthFloor   float64
	predictorWeight float64
	analyzer        *analyzer.MarketAnalyzer
	now             func() time.Time
}

// NewConfluenceEngine 创建共振引擎，totalWeight 为所有配置周期的权重之和，不随缺失周期重新归一
func NewConfluenceEngine(timeframes []types.Timeframe, strengthFloor, predictorWeight float64, marketAnalyzer *analyzer.MarketAnalyzer) *ConfluenceEngine {
	if len(timeframes) == 0 {
		timeframes = types.AllTimeframes
	}

	ce := &ConfluenceEngine{
		weights:         make(map[types.Timeframe]float64, len(timeframes)),
		strengthFloor:   strengthFloor,
		predictorWeight: predictorWeight,
		analyzer:        marketAnalyzer,
		now:             time.Now,
	}
	for _, tf := range timeframes {
		w, ok := DefaultWeights[tf]
		if !ok {
			continue
		}
		if _, dup := ce.weights[tf]; dup {
			continue
		}
		ce.weights[tf] = w
		ce.totalWeight += w
		ce.timeframes = append(ce.timeframes, tf)
	}
	sort.SliceStable(ce.timeframes, func(i, j int) bool {
		return ce.weights[ce.timeframes[i]] > ce.weights[ce.timeframes[j]]
	})
	return ce
}

// reason 候选理由，side 为0表示不区分方向
type reason struct {
	side int
	text string
}

// Combine 将各周期的指标与形态合成为一个方向信号。prediction 可为空
func (ce *ConfluenceEngine) Combine(instrument string, features map[types.Timeframe]types.TimeframeFeatures, prediction *types.Prediction) *types.Signal {
	present := make([]types.Timeframe, 0, len(ce.timeframes))
	for _, tf := range ce.timeframes {
		if _, ok := features[tf]; ok {
			present = append(present, tf)
		}
	}

	cond := ce.analyzer.Assess(pick(features, present))

	if len(present) == 0 {
		return ce.build(types.Signal{
			Instrument: instrument,
			Direction:  types.DirectionNeutral,
			Confidence: 0,
			Reasons:    []string{insufficientData},
			TechnicalDetails: types.TechnicalDetails{
				Volatility:  cond.Volatility,
				DataQuality: cond.DataQuality,
			},
		})
	}

	higher := voteTrend(features, present[:min(2, len(present))])
	lower := voteTrend(features, present[max(0, len(present)-2):])

	var (
		weightedBull, weightedBear float64
		bullCount, bearCount       int
		rsiReasons, crossReasons   []reason
		patternReasons             []reason
	)

	for _, tf := range present {
		f := features[tf]
		ind := f.Indicators
		local := LocalScore(ind)

		contribution := math.Abs(local) * ce.weights[tf]
		if local != 0 && higher != types.TrendNeutral && int(sign(local)) == higher.Sign() {
			contribution *= higherTrendBoost
		}
		switch {
		case local > 0:
			weightedBull += contribution
			bullCount++
		case local < 0:
			weightedBear += contribution
			bearCount++
		}

		switch {
		case ind.RSI < 30:
			rsiReasons = append(rsiReasons, reason{1, fmt.Sprintf("RSI oversold on %s (%.1f)", tf, ind.RSI)})
		case ind.RSI > 70:
			rsiReasons = append(rsiReasons, reason{-1, fmt.Sprintf("RSI overbought on %s (%.1f)", tf, ind.RSI)})
		}
		if ind.EMACross != types.TrendNeutral && ind.EMACross != "" {
			crossReasons = append(crossReasons, reason{ind.EMACross.Sign(), fmt.Sprintf("EMA %s crossover on %s", ind.EMACross, tf)})
		}

		for _, p := range f.Patterns {
			if p.Strength != types.StrengthStrong {
				continue
			}
			switch p.Direction {
			case types.PatternBullish:
				weightedBull += strongPatternScore
				patternReasons = append(patternReasons, reason{1, fmt.Sprintf("strong %s on %s", p.Name, tf)})
			case types.PatternBearish:
				weightedBear += strongPatternScore
				patternReasons = append(patternReasons, reason{-1, fmt.Sprintf("strong %s on %s", p.Name, tf)})
			}
		}
	}

	var predictorReason []reason
	if prediction != nil && prediction.Direction.Tradable() && ce.predictorWeight > 0 {
		score := ce.predictorWeight * predictorScale * types.Clamp(prediction.Confidence, 0, 100) / 100
		side := 1
		if prediction.Direction == types.DirectionBuy {
			weightedBull += score
		} else {
			weightedBear += score
			side = -1
		}
		predictorReason = append(predictorReason, reason{side, fmt.Sprintf("predictor %s (%.0f%%)", prediction.Direction, prediction.Confidence)})
	}

	bullStrength := weightedBull / ce.totalWeight
	bearStrength := weightedBear / ce.totalWeight

	direction := types.DirectionNeutral
	switch {
	case bullStrength > bearStrength && bullStrength >= ce.strengthFloor:
		direction = types.DirectionBuy
	case bearStrength > bullStrength && bearStrength >= ce.strengthFloor:
		direction = types.DirectionSell
	}

	dirSign := 0
	agreeing := max(bullCount, bearCount)
	switch direction {
	case types.DirectionBuy:
		dirSign, agreeing = 1, bullCount
	case types.DirectionSell:
		dirSign, agreeing = -1, bearCount
	}
	alignment := float64(agreeing) / float64(len(present))

	var confidence float64
	if direction == types.DirectionNeutral {
		confidence = types.Clamp(50*math.Max(bullStrength, bearStrength)/ce.strengthFloor, 0, 50)
	} else {
		winning := math.Max(bullStrength, bearStrength)
		confidence = types.Clamp(65+10*winning, 30, 95)
		if higher.Sign() == dirSign && lower.Sign() == dirSign {
			confidence += 5
		}
		switch {
		case alignment > 0.8:
			confidence += 5
		case alignment < 0.5:
			confidence -= 10
		}
		switch cond.Volatility {
		case types.VolatilityHigh:
			confidence -= 5
		case types.VolatilityLow:
			confidence += 3
		}
		switch cond.DataQuality {
		case types.QualityPoor:
			confidence -= 10
		case types.QualityExcellent:
			confidence += 5
		}
		confidence = types.Clamp(confidence, 0, 100)
	}

	var alignmentReason []reason
	if alignment > 0.8 && dirSign != 0 {
		alignmentReason = append(alignmentReason, reason{dirSign, fmt.Sprintf("%d/%d timeframes aligned", agreeing, len(present))})
	}

	reasons := selectReasons(dirSign, rsiReasons, crossReasons, patternReasons, alignmentReason, predictorReason)
	if len(reasons) == 0 {
		if dirSign == 0 {
			reasons = []string{"no clear confluence"}
		} else {
			reasons = []string{fmt.Sprintf("weighted strength %.2f", math.Max(bullStrength, bearStrength))}
		}
	}

	signal := ce.build(types.Signal{
		Instrument: instrument,
		Direction:  direction,
		Confidence: confidence,
		Reasons:    reasons,
		TechnicalDetails: types.TechnicalDetails{
			BullishScore:       bullStrength,
			BearishScore:       bearStrength,
			TimeframeAlignment: alignment,
			Volatility:         cond.Volatility,
			DataQuality:        cond.DataQuality,
			Timeframes:         present,
		},
	})

	zap.L().Debug("🧮 共振评分完成",
		zap.String("instrument", instrument),
		zap.String("direction", string(signal.Direction)),
		zap.Float64("confidence", signal.Confidence),
		zap.Float64("bullish", bullStrength),
		zap.Float64("bearish", bearStrength),
		zap.Float64("alignment", alignment),
		zap.String("higher_trend", string(higher)),
		zap.String("lower_trend", string(lower)),
		zap.Int("timeframes", len(present)))

	return signal
}

// build 补全风险评估、强度分级与仓位建议后构造信号
func (ce *ConfluenceEngine) build(s types.Signal) *types.Signal {
	s.RiskAssessment = AssessRisk(s.Confidence, s.TechnicalDetails.Volatility, s.TechnicalDetails.DataQuality)
	s.Strength = StrengthTier(s.Confidence)
	s.PositionSizeHint = s.Confidence * (1 - s.RiskAssessment.Score/100)
	s.CreatedAt = ce.now()

	signal, err := types.NewSignal(s)
	if err != nil {
		// 输入均由引擎自身产生，出错说明实现有误
		zap.L().Error("❌ 构造信号失败", zap.String("instrument", s.Instrument), zap.Error(err))
		return &types.Signal{
			Instrument: s.Instrument,
			Direction:  types.DirectionNeutral,
			Reasons:    []string{insufficientData},
			CreatedAt:  s.CreatedAt,
		}
	}
	return signal
}

// LocalScore 单周期带符号得分
func LocalScore(ind types.IndicatorSet) float64 {
	score := 0.0

	// RSI 极值
	switch {
	case ind.RSI < 30:
		score += 2
	case ind.RSI > 70:
		score -= 2
	case ind.RSI < 40:
		score++
	case ind.RSI > 60:
		score--
	}

	// EMA 交叉优先于趋势
	if cross := ind.EMACross.Sign(); cross != 0 {
		score += 3 * float64(cross)
	} else {
		score += 2 * float64(ind.Trend.Sign())
	}

	// MACD 接近零轴时看柱状图方向
	if ind.LastClose > 0 && math.Abs(ind.MACD.Line) <= ind.LastClose*macdNearZeroPercent {
		score += 2 * sign(ind.MACD.Histogram())
	} else {
		score += sign(ind.MACD.Line)
	}

	return score
}

// AssessRisk 风险评分
func AssessRisk(confidence float64, volatility types.Volatility, quality types.DataQuality) types.RiskAssessment {
	score := 50.0

	switch {
	case confidence > 80:
		score -= 15
	case confidence < 65:
		score += 15
	}

	switch volatility {
	case types.VolatilityExtreme:
		score += 30
	case types.VolatilityHigh:
		score += 20
	case types.VolatilityLow:
		score += 10
	}

	switch quality {
	case types.QualityPoor:
		score += 25
	case types.QualityFair:
		score += 10
	case types.QualityGood:
		score -= 5
	case types.QualityExcellent:
		score -= 10
	}

	score = types.Clamp(score, 0, 100)

	level := types.RiskLow
	switch {
	case score > 70:
		level = types.RiskHigh
	case score > 40:
		level = types.RiskMedium
	}
	return types.RiskAssessment{Level: level, Score: score}
}

// StrengthTier 按置信度分级
func StrengthTier(confidence float64) types.SignalStrength {
	switch {
	case confidence > 85:
		return types.SignalVeryStrong
	case confidence > 75:
		return types.SignalStrong
	case confidence > 65:
		return types.SignalMedium
	default:
		return types.SignalWeak
	}
}

// voteTrend 对给定周期的趋势标签投票
func voteTrend(features map[types.Timeframe]types.TimeframeFeatures, tfs []types.Timeframe) types.Trend {
	total := 0
	for _, tf := range tfs {
		total += features[tf].Indicators.Trend.Sign()
	}
	return types.TrendFromSign(float64(total))
}

// selectReasons 按发现顺序保留与方向一致的理由，最多3条
func selectReasons(dirSign int, groups ...[]reason) []string {
	out := make([]string, 0, maxReasons)
	for _, group := range groups {
		for _, r := range group {
			if dirSign != 0 && r.side != 0 && r.side != dirSign {
				continue
			}
			out = append(out, r.text)
			if len(out) == maxReasons {
				return out
			}
		}
	}
	return out
}

func pick(features map[types.Timeframe]types.TimeframeFeatures, tfs []types.Timeframe) map[types.Timeframe]types.TimeframeFeatures {
	out := make(map[types.Timeframe]types.TimeframeFeatures, len(tfs))
	for _, tf := range tfs {
		out[tf] = features[tf]
	}
	return out
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
