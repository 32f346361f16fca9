package features

import (
	"math"

	"confluence-sentry/internal/strategy/indicators"
	"confluence-sentry/pkg/types"
)

const (
	rsiPeriod    = 14
	emaFast      = 9
	emaMid       = 21
	emaSlow      = 26
	macdFast     = 12
	macdSlow     = 26
	macdSignal   = 9
	atrPeriod    = 14
	trendEpsilon = 0.001  // 快线偏离中线0.1%以上才算趋势
	crossEpsilon = 0.0005 // 快中线距离0.05%以内视为即将交叉
)

// minCandles 各周期最少K线数量
var minCandles = map[types.Timeframe]int{
	types.TF1M:  60,
	types.TF5M:  50,
	types.TF15M: 40,
	types.TF30M: 40,
	types.TF1H:  35,
	types.TF4H:  35,
}

// MinCandles 指定周期需要的最少K线数量
func MinCandles(tf types.Timeframe) int {
	if n, ok := minCandles[tf]; ok {
		return n
	}
	return 60
}

// Extractor 特征提取器，纯函数，无副作用
type Extractor struct {
	rsi      *indicators.RSICalculator
	fast     *indicators.EMACalculator
	mid      *indicators.EMACalculator
	slow     *indicators.EMACalculator
	macd     *indicators.MACDCalculator
	atr      *indicators.ATRCalculator
	patterns *indicators.PatternDetector
}

// NewExtractor 创建特征提取器
func NewExtractor() *Extractor {
	return &Extractor{
		rsi:      indicators.NewRSICalculator(rsiPeriod),
		fast:     indicators.NewEMACalculator(emaFast),
		mid:      indicators.NewEMACalculator(emaMid),
		slow:     indicators.NewEMACalculator(emaSlow),
		macd:     indicators.NewMACDCalculator(macdFast, macdSlow, macdSignal),
		atr:      indicators.NewATRCalculator(atrPeriod),
		patterns: indicators.NewPatternDetector(),
	}
}

// Extract 计算每个周期的指标与形态。数据不足或不合法的周期直接省略
func (e *Extractor) Extract(candlesByTimeframe map[types.Timeframe][]types.Candle) map[types.Timeframe]types.TimeframeFeatures {
	out := make(map[types.Timeframe]types.TimeframeFeatures, len(candlesByTimeframe))
	for tf, candles := range candlesByTimeframe {
		if f, ok := e.ExtractTimeframe(tf, candles); ok {
			out[tf] = f
		}
	}
	return out
}

// ExtractTimeframe 计算单个周期的特征
func (e *Extractor) ExtractTimeframe(tf types.Timeframe, candles []types.Candle) (types.TimeframeFeatures, bool) {
	if len(candles) < MinCandles(tf) || !ValidSeries(candles) {
		return types.TimeframeFeatures{}, false
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	rsi, ok := e.rsi.Calculate(closes)
	if !ok {
		return types.TimeframeFeatures{}, false
	}
	fastSeries := e.fast.Series(closes)
	midSeries := e.mid.Series(closes)
	slowValue, ok := e.slow.Calculate(closes)
	if !ok || len(midSeries) < 2 {
		return types.TimeframeFeatures{}, false
	}
	macd, ok := e.macd.Calculate(closes)
	if !ok {
		return types.TimeframeFeatures{}, false
	}
	atr, ok := e.atr.Calculate(candles)
	if !ok {
		return types.TimeframeFeatures{}, false
	}

	fastNow, fastPrev := fastSeries[len(fastSeries)-1], fastSeries[len(fastSeries)-2]
	midNow, midPrev := midSeries[len(midSeries)-1], midSeries[len(midSeries)-2]

	set := types.IndicatorSet{
		RSI:       rsi,
		EMAFast:   fastNow,
		EMAMid:    midNow,
		EMASlow:   slowValue,
		MACD:      macd,
		ATR:       atr,
		Trend:     TrendLabel(fastNow, midNow),
		LastClose: closes[len(closes)-1],
		EMACross:  CrossDirection(fastNow-midNow, fastPrev-midPrev, midNow),
	}

	return types.TimeframeFeatures{
		Indicators: set,
		Patterns:   e.patterns.Detect(tf, candles),
		Candles:    len(candles),
	}, true
}

// TrendLabel 快线相对中线的偏离超过阈值才判定方向
func TrendLabel(fast, mid float64) types.Trend {
	if mid == 0 {
		return types.TrendNeutral
	}
	gap := (fast - mid) / mid
	switch {
	case gap > trendEpsilon:
		return types.TrendBullish
	case gap < -trendEpsilon:
		return types.TrendBearish
	default:
		return types.TrendNeutral
	}
}

// CrossDirection 判断快中线刚刚交叉或即将交叉的方向
func CrossDirection(gapNow, gapPrev, mid float64) types.Trend {
	if gapNow != 0 && gapPrev != 0 && (gapNow > 0) != (gapPrev > 0) {
		return types.TrendFromSign(gapNow)
	}
	if mid == 0 {
		return types.TrendNeutral
	}
	// 距离足够近且在收敛
	if math.Abs(gapNow)/mid <= crossEpsilon && math.Abs(gapNow) < math.Abs(gapPrev) {
		return types.TrendFromSign(gapNow - gapPrev)
	}
	return types.TrendNeutral
}

// ValidSeries 时间严格递增、价格为正、最高价不低于最低价
func ValidSeries(candles []types.Candle) bool {
	for i, c := range candles {
		if !c.Valid() {
			return false
		}
		if i > 0 && !c.Timestamp.After(candles[i-1].Timestamp) {
			return false
		}
	}
	return true
}
