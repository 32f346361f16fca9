package analyzer

import (
	"confluence-sentry/internal/strategy/indicators"
	"confluence-sentry/pkg/types"
)

// referenceTimeframe 波动率判定的入场周期
const referenceTimeframe = types.TF5M

// Conditions 市场状态
type Conditions struct {
	Volatility  types.Volatility  `json:"volatility"`
	DataQuality types.DataQuality `json:"data_quality"`
	ATRPercent  float64           `json:"atr_percent"`
	Reference   types.Timeframe   `json:"reference"`
}

// MarketAnalyzer 根据特征判定波动率与数据质量
type MarketAnalyzer struct {
	config types.AnalyzerConfig
}

// DefaultConfig ATR百分比默认阈值
func DefaultConfig() types.AnalyzerConfig {
	return types.AnalyzerConfig{LowVolatility: 0.05, HighVolatility: 0.5, ExtremeVolatility: 1.5}
}

// NewMarketAnalyzer 创建市场状态分析器，未配置阈值时使用默认值
func NewMarketAnalyzer(config types.AnalyzerConfig) *MarketAnalyzer {
	if config.ExtremeVolatility <= 0 || config.HighVolatility <= 0 {
		config = DefaultConfig()
	}
	return &MarketAnalyzer{config: config}
}

// Assess 评估当前市场状态
func (ma *MarketAnalyzer) Assess(features map[types.Timeframe]types.TimeframeFeatures) Conditions {
	cond := Conditions{
		Volatility:  types.VolatilityNormal,
		DataQuality: ClassifyDataQuality(len(features)),
	}

	ref, ok := pickReference(features)
	if !ok {
		return cond
	}

	set := features[ref].Indicators
	cond.Reference = ref
	cond.ATRPercent = indicators.CalculateATRNormalized(set.ATR, set.LastClose)
	cond.Volatility = ma.classifyVolatility(cond.ATRPercent)
	return cond
}

// classifyVolatility ATR占价格百分比分级
func (ma *MarketAnalyzer) classifyVolatility(atrPercent float64) types.Volatility {
	switch {
	case atrPercent >= ma.config.ExtremeVolatility:
		return types.VolatilityExtreme
	case atrPercent >= ma.config.HighVolatility:
		return types.VolatilityHigh
	case atrPercent < ma.config.LowVolatility:
		return types.VolatilityLow
	default:
		return types.VolatilityNormal
	}
}

// ClassifyDataQuality 按可用周期数量判定数据质量
func ClassifyDataQuality(timeframes int) types.DataQuality {
	switch {
	case timeframes >= 5:
		return types.QualityExcellent
	case timeframes == 4:
		return types.QualityGood
	case timeframes >= 2:
		return types.QualityFair
	default:
		return types.QualityPoor
	}
}

// pickReference 优先5分钟周期，否则取可用的最小周期
func pickReference(features map[types.Timeframe]types.TimeframeFeatures) (types.Timeframe, bool) {
	if _, ok := features[referenceTimeframe]; ok {
		return referenceTimeframe, true
	}
	for _, tf := range types.AllTimeframes {
		if _, ok := features[tf]; ok {
			return tf, true
		}
	}
	return "", false
}
