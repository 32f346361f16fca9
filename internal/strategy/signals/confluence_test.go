package signals

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"confluence-sentry/internal/analyzer"
	"confluence-sentry/pkg/types"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(predictorWeight float64) *ConfluenceEngine {
	ma := analyzer.NewMarketAnalyzer(types.AnalyzerConfig{LowVolatility: 0.05, HighVolatility: 0.5, ExtremeVolatility: 1.5})
	ce := NewConfluenceEngine(types.AllTimeframes, 1.8, predictorWeight, ma)
	ce.now = func() time.Time { return fixedNow }
	return ce
}

func bullishSet() types.IndicatorSet {
	return types.IndicatorSet{
		RSI:       22,
		EMAFast:   101,
		EMAMid:    100,
		EMASlow:   99,
		MACD:      types.MACDData{Line: 1, Signal: 0.5},
		ATR:       0.2,
		Trend:     types.TrendBullish,
		LastClose: 100,
		EMACross:  types.TrendBullish,
	}
}

func bearishSet() types.IndicatorSet {
	return types.IndicatorSet{
		RSI:       78,
		EMAFast:   99,
		EMAMid:    100,
		EMASlow:   101,
		MACD:      types.MACDData{Line: -1, Signal: -0.5},
		ATR:       0.2,
		Trend:     types.TrendBearish,
		LastClose: 100,
		EMACross:  types.TrendBearish,
	}
}

func TestCombineAllTimeframesBullish(t *testing.T) {
	ce := newTestEngine(0)
	features := make(map[types.Timeframe]types.TimeframeFeatures)
	for _, tf := range types.AllTimeframes {
		features[tf] = types.TimeframeFeatures{Indicators: bullishSet(), Candles: 100}
	}

	s := ce.Combine("BTC-USDT", features, nil)
	if s.Direction != types.DirectionBuy {
		t.Fatalf("expected BUY, got %s", s.Direction)
	}
	if s.Confidence < 85 {
		t.Fatalf("expected confidence >= 85, got %v", s.Confidence)
	}
	if s.TechnicalDetails.TimeframeAlignment != 1 {
		t.Fatalf("expected full alignment, got %v", s.TechnicalDetails.TimeframeAlignment)
	}
	if s.TechnicalDetails.DataQuality != types.QualityExcellent {
		t.Fatalf("expected excellent data quality, got %s", s.TechnicalDetails.DataQuality)
	}
	if len(s.Reasons) != 3 || s.Reasons[0] != "RSI oversold on 4H (22.0)" {
		t.Fatalf("unexpected reasons %v", s.Reasons)
	}
	if s.Strength != types.SignalVeryStrong {
		t.Fatalf("expected very_strong, got %s", s.Strength)
	}
	if !s.CreatedAt.Equal(fixedNow) {
		t.Fatalf("unexpected created at %v", s.CreatedAt)
	}
}

func TestCombineAllTimeframesBearish(t *testing.T) {
	ce := newTestEngine(0)
	features := make(map[types.Timeframe]types.TimeframeFeatures)
	for _, tf := range types.AllTimeframes {
		features[tf] = types.TimeframeFeatures{Indicators: bearishSet()}
	}
	s := ce.Combine("BTC-USDT", features, nil)
	if s.Direction != types.DirectionSell || s.Confidence < 85 {
		t.Fatalf("expected strong SELL, got %s %.1f", s.Direction, s.Confidence)
	}
}

func TestCombineLowTimeframesConflicting(t *testing.T) {
	ce := newTestEngine(0)
	s := ce.Combine("BTC-USDT", map[types.Timeframe]types.TimeframeFeatures{
		types.TF1M: {Indicators: bullishSet()},
		types.TF5M: {Indicators: bearishSet()},
	}, nil)

	if s.Direction != types.DirectionNeutral && s.Confidence >= 70 {
		t.Fatalf("expected NEUTRAL or low confidence, got %s %.1f", s.Direction, s.Confidence)
	}
	if s.TechnicalDetails.TimeframeAlignment > 0.5 {
		t.Fatalf("expected poor alignment, got %v", s.TechnicalDetails.TimeframeAlignment)
	}
}

func TestCombineNoData(t *testing.T) {
	ce := newTestEngine(0)
	for _, input := range []map[types.Timeframe]types.TimeframeFeatures{nil, {}} {
		s := ce.Combine("ETH-USDT", input, nil)
		if s.Direction != types.DirectionNeutral || s.Confidence != 0 {
			t.Fatalf("expected NEUTRAL/0, got %s %.1f", s.Direction, s.Confidence)
		}
		if !reflect.DeepEqual(s.Reasons, []string{"insufficient data"}) {
			t.Fatalf("unexpected reasons %v", s.Reasons)
		}
	}
}

func TestCombineMissingHigherTimeframesSuppressesStrength(t *testing.T) {
	ce := newTestEngine(0)
	all := make(map[types.Timeframe]types.TimeframeFeatures)
	low := make(map[types.Timeframe]types.TimeframeFeatures)
	for _, tf := range types.AllTimeframes {
		all[tf] = types.TimeframeFeatures{Indicators: bullishSet()}
		if tf == types.TF1M || tf == types.TF5M || tf == types.TF15M {
			low[tf] = types.TimeframeFeatures{Indicators: bullishSet()}
		}
	}
	full := ce.Combine("BTC-USDT", all, nil)
	partial := ce.Combine("BTC-USDT", low, nil)
	if partial.TechnicalDetails.BullishScore >= full.TechnicalDetails.BullishScore {
		t.Fatalf("missing timeframes must not be renormalized: %v >= %v",
			partial.TechnicalDetails.BullishScore, full.TechnicalDetails.BullishScore)
	}
}

func TestCombineDeterministic(t *testing.T) {
	ce := newTestEngine(0.3)
	features := map[types.Timeframe]types.TimeframeFeatures{
		types.TF4H:  {Indicators: bullishSet(), Patterns: []types.PatternObservation{{Name: "hammer", Direction: types.PatternBullish, Strength: types.StrengthStrong, Timeframe: types.TF4H}}},
		types.TF1H:  {Indicators: bearishSet()},
		types.TF15M: {Indicators: bullishSet()},
	}
	pred := &types.Prediction{Direction: types.DirectionBuy, Confidence: 70}

	first := ce.Combine("BTC-USDT", features, pred)
	for i := 0; i < 10; i++ {
		if next := ce.Combine("BTC-USDT", features, pred); !reflect.DeepEqual(first, next) {
			t.Fatalf("combine is not deterministic:\n%+v\n%+v", first, next)
		}
	}
}

func TestCombineConfidenceBoundsProperty(t *testing.T) {
	ce := newTestEngine(0.5)
	rng := rand.New(rand.NewSource(7))
	trends := []types.Trend{types.TrendBullish, types.TrendBearish, types.TrendNeutral}
	strengths := []types.PatternStrength{types.StrengthWeak, types.StrengthMedium, types.StrengthStrong}
	directions := []types.PatternDirection{types.PatternBullish, types.PatternBearish, types.PatternReversal}

	for i := 0; i < 2000; i++ {
		features := make(map[types.Timeframe]types.TimeframeFeatures)
		for _, tf := range types.AllTimeframes {
			if rng.Intn(3) == 0 {
				continue
			}
			close := 10 + rng.Float64()*1000
			f := types.TimeframeFeatures{
				Indicators: types.IndicatorSet{
					RSI:       rng.Float64() * 100,
					MACD:      types.MACDData{Line: rng.NormFloat64(), Signal: rng.NormFloat64()},
					ATR:       rng.Float64() * close * 0.03,
					Trend:     trends[rng.Intn(3)],
					EMACross:  trends[rng.Intn(3)],
					LastClose: close,
				},
			}
			for j := rng.Intn(4); j > 0; j-- {
				f.Patterns = append(f.Patterns, types.PatternObservation{
					Name:      "p",
					Direction: directions[rng.Intn(3)],
					Strength:  strengths[rng.Intn(3)],
					Timeframe: tf,
				})
			}
			features[tf] = f
		}

		var pred *types.Prediction
		if rng.Intn(2) == 0 {
			pred = &types.Prediction{Direction: types.DirectionSell, Confidence: rng.Float64() * 120}
		}

		s := ce.Combine("X", features, pred)
		if s.Confidence < 0 || s.Confidence > 100 {
			t.Fatalf("confidence out of range: %v", s.Confidence)
		}
		switch s.Direction {
		case types.DirectionBuy, types.DirectionSell, types.DirectionNeutral:
		default:
			t.Fatalf("unexpected direction %q", s.Direction)
		}
		if len(features) == 0 && s.Direction != types.DirectionNeutral {
			t.Fatalf("empty input must be NEUTRAL")
		}
		if len(s.Reasons) == 0 || len(s.Reasons) > 3 {
			t.Fatalf("unexpected reasons count %d", len(s.Reasons))
		}
		if s.PositionSizeHint < 0 || s.PositionSizeHint > 100 {
			t.Fatalf("position size hint out of range: %v", s.PositionSizeHint)
		}
	}
}

func TestPredictorIsOneContributor(t *testing.T) {
	ce := newTestEngine(0.3)
	features := map[types.Timeframe]types.TimeframeFeatures{
		types.TF4H: {Indicators: bearishSet()},
		types.TF1H: {Indicators: bearishSet()},
	}

	without := ce.Combine("BTC-USDT", features, nil)
	with := ce.Combine("BTC-USDT", features, &types.Prediction{Direction: types.DirectionBuy, Confidence: 100})

	if with.TechnicalDetails.BullishScore <= without.TechnicalDetails.BullishScore {
		t.Fatalf("predictor should add to bullish score")
	}
	// 预测只作为加权项之一，不能覆盖多周期结论
	if with.Direction == types.DirectionBuy {
		t.Fatalf("predictor must not override bearish confluence")
	}
}

func TestLocalScore(t *testing.T) {
	tests := []struct {
		name string
		set  types.IndicatorSet
		want float64
	}{
		{"strong bullish", bullishSet(), 2 + 3 + 1},
		{"strong bearish", bearishSet(), -2 - 3 - 1},
		{
			name: "mild rsi trend and macd near zero",
			set: types.IndicatorSet{
				RSI: 38, Trend: types.TrendBullish, EMACross: types.TrendNeutral,
				MACD: types.MACDData{Line: 0.01, Signal: 0.03}, LastClose: 100,
			},
			want: 1 + 2 - 2,
		},
		{
			name: "neutral",
			set:  types.IndicatorSet{RSI: 50, Trend: types.TrendNeutral, LastClose: 100},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LocalScore(tt.set); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAssessRiskAndStrength(t *testing.T) {
	tests := []struct {
		confidence float64
		volatility types.Volatility
		quality    types.DataQuality
		score      float64
		level      types.RiskLevel
	}{
		{90, types.VolatilityNormal, types.QualityExcellent, 25, types.RiskLow},
		{70, types.VolatilityHigh, types.QualityFair, 80, types.RiskHigh},
		{60, types.VolatilityLow, types.QualityGood, 70, types.RiskMedium},
		{50, types.VolatilityExtreme, types.QualityPoor, 100, types.RiskHigh},
	}
	for _, tt := range tests {
		got := AssessRisk(tt.confidence, tt.volatility, tt.quality)
		if got.Score != tt.score || got.Level != tt.level {
			t.Fatalf("AssessRisk(%v,%s,%s)=%+v, want %v/%s", tt.confidence, tt.volatility, tt.quality, got, tt.score, tt.level)
		}
	}

	tiers := map[float64]types.SignalStrength{
		90: types.SignalVeryStrong,
		80: types.SignalStrong,
		70: types.SignalMedium,
		65: types.SignalWeak,
	}
	for conf, want := range tiers {
		if got := StrengthTier(conf); got != want {
			t.Fatalf("StrengthTier(%v)=%s, want %s", conf, got, want)
		}
	}
}

func TestStrongPatternAddsHalfPoint(t *testing.T) {
	ce := newTestEngine(0)
	plain := map[types.Timeframe]types.TimeframeFeatures{
		types.TF4H: {Indicators: bullishSet(), Candles: 100},
	}
	withPattern := map[types.Timeframe]types.TimeframeFeatures{
		types.TF4H: {Indicators: bullishSet(), Candles: 100, Patterns: []types.PatternObservation{
			{Name: "hammer", Direction: types.PatternBullish, Strength: types.StrengthStrong, Timeframe: types.TF4H},
			{Name: "doji", Direction: types.PatternBullish, Strength: types.StrengthWeak, Timeframe: types.TF4H},
		}},
	}

	base := ce.Combine("BTC-USDT", plain, nil).TechnicalDetails
	boosted := ce.Combine("BTC-USDT", withPattern, nil).TechnicalDetails

	want := 0.5 / ce.totalWeight
	if got := boosted.BullishScore - base.BullishScore; math.Abs(got-want) > 1e-9 {
		t.Fatalf("strong pattern should add %.6f to bullish score, got %.6f", want, got)
	}
	if boosted.BearishScore != base.BearishScore {
		t.Fatalf("bullish pattern must not touch bearish score: %v vs %v", boosted.BearishScore, base.BearishScore)
	}
}

func TestHigherTrendAgreementBoost(t *testing.T) {
	ce := newTestEngine(0)

	// EMA交叉优先于趋势，两组的单周期得分相同，只有高周期趋势不同
	agreeing := bullishSet()
	disagreeing := bullishSet()
	disagreeing.Trend = types.TrendBearish
	if LocalScore(agreeing) != LocalScore(disagreeing) {
		t.Fatalf("local scores should match: %v vs %v", LocalScore(agreeing), LocalScore(disagreeing))
	}

	with := ce.Combine("BTC-USDT", map[types.Timeframe]types.TimeframeFeatures{
		types.TF4H: {Indicators: agreeing, Candles: 100},
	}, nil).TechnicalDetails
	without := ce.Combine("BTC-USDT", map[types.Timeframe]types.TimeframeFeatures{
		types.TF4H: {Indicators: disagreeing, Candles: 100},
	}, nil).TechnicalDetails

	base := LocalScore(agreeing) * DefaultWeights[types.TF4H] / ce.totalWeight
	if math.Abs(without.BullishScore-base) > 1e-9 {
		t.Fatalf("disagreeing trend should not be boosted: want %.6f got %.6f", base, without.BullishScore)
	}
	if math.Abs(with.BullishScore-1.5*base) > 1e-9 {
		t.Fatalf("agreeing trend should be boosted 1.5x: want %.6f got %.6f", 1.5*base, with.BullishScore)
	}
}
