package indicators

import "confluence-sentry/pkg/types"

// MACDCalculator MACD计算器
type MACDCalculator struct {
	fast   *EMACalculator
	slow   *EMACalculator
	signal *EMACalculator
}

// NewMACDCalculator 创建MACD计算器
func NewMACDCalculator(fast, slow, signal int) *MACDCalculator {
	return &MACDCalculator{
		fast:   NewEMACalculator(fast),
		slow:   NewEMACalculator(slow),
		signal: NewEMACalculator(signal),
	}
}

// Calculate 计算最新MACD差离值与信号线
func (mc *MACDCalculator) Calculate(closes []float64) (types.MACDData, bool) {
	fastSeries := mc.fast.Series(closes)
	slowSeries := mc.slow.Series(closes)
	if len(slowSeries) == 0 || len(fastSeries) < len(slowSeries) {
		return types.MACDData{}, false
	}

	// 对齐两条均线，慢线起点更晚
	offset := len(fastSeries) - len(slowSeries)
	line := make([]float64, len(slowSeries))
	for i := range slowSeries {
		line[i] = fastSeries[i+offset] - slowSeries[i]
	}

	signalValue, ok := mc.signal.Calculate(line)
	if !ok {
		return types.MACDData{}, false
	}

	return types.MACDData{
		Line:   line[len(line)-1],
		Signal: signalValue,
	}, true
}
