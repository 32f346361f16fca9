package indicators

import (
	"math"

	"confluence-sentry/pkg/types"
)

// ATRCalculator ATR指标计算器
type ATRCalculator struct {
	length int
}

// NewATRCalculator 创建ATR计算器
func NewATRCalculator(length int) *ATRCalculator {
	return &ATRCalculator{
		length: length,
	}
}

// Calculate 计算ATR值（最近length个真实波幅的均值）
func (ac *ATRCalculator) Calculate(candles []types.Candle) (float64, bool) {
	if len(candles) < ac.length+1 {
		return 0, false
	}

	// 计算真实波幅序列
	trValues := ac.calculateTrueRange(candles)
	if len(trValues) < ac.length {
		return 0, false
	}

	return ac.calculateSMA(trValues[len(trValues)-ac.length:]), true
}

// calculateTrueRange 计算真实波幅序列
func (ac *ATRCalculator) calculateTrueRange(candles []types.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}

	trValues := make([]float64, 0, len(candles)-1)

	for i := 1; i < len(candles); i++ {
		current := candles[i]
		previous := candles[i-1]

		// 真实波幅 = max(high-low, |high-prevClose|, |low-prevClose|)
		hl := current.High - current.Low
		hc := math.Abs(current.High - previous.Close)
		lc := math.Abs(current.Low - previous.Close)

		trValues = append(trValues, math.Max(hl, math.Max(hc, lc)))
	}

	return trValues
}

// calculateSMA 计算简单移动平均
func (ac *ATRCalculator) calculateSMA(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sum := 0.0
	for _, value := range values {
		sum += value
	}

	return sum / float64(len(values))
}

// CalculateATRNormalized 计算标准化ATR值（占价格百分比）
func CalculateATRNormalized(atrValue, currentPrice float64) float64 {
	if currentPrice == 0 {
		return 0
	}
	return (atrValue / currentPrice) * 100
}
