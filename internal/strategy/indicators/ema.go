package indicators

// EMACalculator 指数移动平均计算器
type EMACalculator struct {
	period int
}

// NewEMACalculator 创建EMA计算器
func NewEMACalculator(period int) *EMACalculator {
	return &EMACalculator{period: period}
}

// Series 计算EMA序列，以前period个收盘价的简单均值作为种子。
// 返回值第 i 项对应 values[period-1+i]
func (ec *EMACalculator) Series(values []float64) []float64 {
	if ec.period <= 0 || len(values) < ec.period {
		return nil
	}

	seed := 0.0
	for _, v := range values[:ec.period] {
		seed += v
	}
	seed /= float64(ec.period)

	k := 2.0 / float64(ec.period+1)
	out := make([]float64, 0, len(values)-ec.period+1)
	out = append(out, seed)

	prev := seed
	for _, v := range values[ec.period:] {
		prev = (v-prev)*k + prev
		out = append(out, prev)
	}
	return out
}

// Calculate 最新EMA值
func (ec *EMACalculator) Calculate(values []float64) (float64, bool) {
	series := ec.Series(values)
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}
