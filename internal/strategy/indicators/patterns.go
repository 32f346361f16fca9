package indicators

import "confluence-sentry/pkg/types"

// PatternDetector K线形态识别，仅依赖最后1~2根K线的几何特征
type PatternDetector struct {
	dojiBodyRatio     float64 // 实体占振幅比例上限
	shadowRatio       float64 // 影线/实体倍数
	strongShadowRatio float64
	strongEngulfRatio float64
}

// NewPatternDetector 创建形态识别器
func NewPatternDetector() *PatternDetector {
	return &PatternDetector{
		dojiBodyRatio:     0.10,
		shadowRatio:       2.0,
		strongShadowRatio: 3.0,
		strongEngulfRatio: 1.5,
	}
}

// Detect 识别形态
func (pd *PatternDetector) Detect(tf types.Timeframe, candles []types.Candle) []types.PatternObservation {
	if len(candles) == 0 {
		return nil
	}

	var patterns []types.PatternObservation
	last := candles[len(candles)-1]

	isDoji := pd.isDoji(last)
	if isDoji {
		patterns = append(patterns, types.PatternObservation{
			Name:      "doji",
			Direction: types.PatternReversal,
			Strength:  types.StrengthWeak,
			Timeframe: tf,
		})
	}

	if len(candles) >= 2 {
		if p, ok := pd.detectEngulfing(candles[len(candles)-2], last); ok {
			p.Timeframe = tf
			patterns = append(patterns, p)
		}
	}

	// 十字星实体过小，影线倍数没有意义
	if !isDoji {
		if p, ok := pd.detectShadow(last); ok {
			p.Timeframe = tf
			patterns = append(patterns, p)
		}
	}

	return patterns
}

func (pd *PatternDetector) isDoji(c types.Candle) bool {
	r := c.Range()
	if r <= 0 {
		return false
	}
	return c.Body() <= r*pd.dojiBodyRatio
}

// detectEngulfing 吞没形态：当前实体完全包住前一根反向实体
func (pd *PatternDetector) detectEngulfing(prev, cur types.Candle) (types.PatternObservation, bool) {
	prevBody := prev.Body()
	curBody := cur.Body()
	if prevBody <= 0 || curBody <= 0 {
		return types.PatternObservation{}, false
	}

	strength := types.StrengthMedium
	if curBody >= prevBody*pd.strongEngulfRatio {
		strength = types.StrengthStrong
	}

	switch {
	case prev.IsBearish() && cur.IsBullish() && cur.Open <= prev.Close && cur.Close >= prev.Open:
		return types.PatternObservation{Name: "bullish_engulfing", Direction: types.PatternBullish, Strength: strength}, true
	case prev.IsBullish() && cur.IsBearish() && cur.Open >= prev.Close && cur.Close <= prev.Open:
		return types.PatternObservation{Name: "bearish_engulfing", Direction: types.PatternBearish, Strength: strength}, true
	}
	return types.PatternObservation{}, false
}

// detectShadow 锤子线（长下影）与上吊线（长上影）
func (pd *PatternDetector) detectShadow(c types.Candle) (types.PatternObservation, bool) {
	body := c.Body()
	if body <= 0 {
		return types.PatternObservation{}, false
	}

	top, bottom := c.Open, c.Close
	if c.Close > c.Open {
		top, bottom = c.Close, c.Open
	}
	upper := c.High - top
	lower := bottom - c.Low

	strengthFor := func(shadow float64) types.PatternStrength {
		if shadow >= body*pd.strongShadowRatio {
			return types.StrengthStrong
		}
		return types.StrengthMedium
	}

	switch {
	case lower >= body*pd.shadowRatio && lower > upper:
		return types.PatternObservation{Name: "hammer", Direction: types.PatternBullish, Strength: strengthFor(lower)}, true
	case upper >= body*pd.shadowRatio && upper > lower:
		return types.PatternObservation{Name: "hanging_man", Direction: types.PatternBearish, Strength: strengthFor(upper)}, true
	}
	return types.PatternObservation{}, false
}
