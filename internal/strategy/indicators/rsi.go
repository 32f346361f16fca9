package indicators

// RSICalculator 相对强弱指标计算器（Wilder平滑）
type RSICalculator struct {
	period int
}

// NewRSICalculator 创建RSI计算器
func NewRSICalculator(period int) *RSICalculator {
	return &RSICalculator{period: period}
}

// Calculate 计算最新RSI值，需要至少 period+1 个收盘价
func (rc *RSICalculator) Calculate(closes []float64) (float64, bool) {
	if rc.period <= 0 || len(closes) < rc.period+1 {
		return 0, false
	}

	// 初始平均涨跌幅
	var gain, loss float64
	for i := 1; i <= rc.period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	avgGain := gain / float64(rc.period)
	avgLoss := loss / float64(rc.period)

	// Wilder平滑
	n := float64(rc.period)
	for i := rc.period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		up, down := 0.0, 0.0
		if change > 0 {
			up = change
		} else {
			down = -change
		}
		avgGain = (avgGain*(n-1) + up) / n
		avgLoss = (avgLoss*(n-1) + down) / n
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, true
		}
		return 100, true
	}

	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}
