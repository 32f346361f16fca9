package types

// Trend 趋势标签
type Trend string

const (
	TrendBullish Trend = "bullish"
	TrendBearish Trend = "bearish"
	TrendNeutral Trend = "neutral"
)

// Sign 看多为1，看空为-1，中性为0
func (t Trend) Sign() int {
	switch t {
	case TrendBullish:
		return 1
	case TrendBearish:
		return -1
	default:
		return 0
	}
}

// TrendFromSign 由符号得到趋势
func TrendFromSign(v float64) Trend {
	switch {
	case v > 0:
		return TrendBullish
	case v < 0:
		return TrendBearish
	default:
		return TrendNeutral
	}
}

// MACDData MACD指标数据
type MACDData struct {
	Line   float64 `json:"line"`   // 差离值 EMA12-EMA26
	Signal float64 `json:"signal"` // 信号线
}

// Histogram 柱状图
func (m MACDData) Histogram() float64 {
	return m.Line - m.Signal
}

// IndicatorSet 单个周期的指标集合，每轮重新计算，不持久化
type IndicatorSet struct {
	RSI     float64  `json:"rsi"`
	EMAFast float64  `json:"ema_fast"`
	EMAMid  float64  `json:"ema_mid"`
	EMASlow float64  `json:"ema_slow"`
	MACD    MACDData `json:"macd"`
	ATR     float64  `json:"atr"`
	Trend   Trend    `json:"trend"`

	LastClose float64 `json:"last_close"`
	// EMACross 快慢线刚刚交叉或即将交叉的方向，没有则为 neutral
	EMACross Trend `json:"ema_cross"`
}

// PatternDirection 形态方向
type PatternDirection string

const (
	PatternBullish  PatternDirection = "bullish"
	PatternBearish  PatternDirection = "bearish"
	PatternReversal PatternDirection = "reversal"
)

// PatternStrength 形态强度
type PatternStrength string

const (
	StrengthWeak   PatternStrength = "weak"
	StrengthMedium PatternStrength = "medium"
	StrengthStrong PatternStrength = "strong"
)

// PatternObservation K线形态观察结果
type PatternObservation struct {
	Name      string           `json:"name"`
	Direction PatternDirection `json:"direction"`
	Strength  PatternStrength  `json:"strength"`
	Timeframe Timeframe        `json:"timeframe"`
}

// TimeframeFeatures 单个周期的特征提取结果
type TimeframeFeatures struct {
	Indicators IndicatorSet         `json:"indicators"`
	Patterns   []PatternObservation `json:"patterns"`
	Candles    int                  `json:"candles"`
}
