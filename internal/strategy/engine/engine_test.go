package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"confluence-sentry/internal/analyzer"
	"confluence-sentry/internal/execution"
	"confluence-sentry/internal/predictor"
	"confluence-sentry/internal/risk"
	"confluence-sentry/internal/venue"
	"confluence-sentry/pkg/types"
)

type mapSource map[types.Timeframe][]types.Candle

func (m mapSource) Candles(ctx context.Context, instrument string, tf types.Timeframe) ([]types.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if instrument != "BTC-USDT" {
		return nil, nil
	}
	series, ok := m[tf]
	if !ok {
		return nil, errors.New("no data")
	}
	return series, nil
}

func (m mapSource) LastPrice(instrument string) (float64, bool) {
	series := m[types.TF5M]
	if len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1].Close, true
}

type failingPredictor struct{ calls atomic.Int32 }

func (f *failingPredictor) Predict(ctx context.Context, instrument string, candles map[types.Timeframe][]types.Candle, feats map[types.Timeframe]types.TimeframeFeatures, market predictor.MarketContext) (*types.Prediction, error) {
	f.calls.Add(1)
	return nil, errors.New("model offline")
}

type countingRecorder struct{ n int }

func (c *countingRecorder) RecordSignal(*types.Signal) { c.n++ }

func rising(tf types.Timeframe, n int) []types.Candle {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]types.Candle, n)
	price := 100.0
	for i := range out {
		open := price
		price += 0.4
		out[i] = types.Candle{
			Timestamp: base.Add(time.Duration(i) * tf.Duration()),
			Open:      open,
			High:      price + 0.3,
			Low:       open - 0.3,
			Close:     price,
			Volume:    10,
		}
	}
	return out
}

func newTestEngine(t *testing.T, src mapSource, autoExecute bool, pred Predictor) (*Engine, *risk.Store, *countingRecorder) {
	t.Helper()
	store := risk.NewStore(types.RiskConfig{
		MaxTradesPerHour: 5, MaxTradesPerDay: 20, MaxConsecutiveLosses: 3, MaxDailyLosses: 5,
		BalanceProtectionPct: 10, WinRateWindow: 5, EmergencyLossWindow: 5, EmergencyLossTrigger: 3,
		OutcomeHistoryLimit: 100,
	}, nil)
	v := venue.NewPaperVenue(types.VenueConfig{PaperBalance: 1000, PaperPayoutPct: 85}, src)
	sizer := risk.NewPositionSizer(types.SizingConfig{MaxRiskPerTradePct: 3, MaxBalancePct: 5, PlatformMin: 1, PlatformCap: 1000})
	machine := execution.NewMachine(types.ExecutionConfig{
		MaxSignalAge: 2 * time.Minute, TradeDuration: time.Minute, AttemptsPerInput: 1,
		AttemptTimeout: time.Second, PlacementCeiling: 2 * time.Second,
		VerifyTimeout: 100 * time.Millisecond, VerifyPollInterval: 10 * time.Millisecond,
	}, 60, store, sizer, v, execution.NewJournal(10, nil))

	rec := &countingRecorder{}
	e, err := New(types.EngineConfig{
		Timeframes:    []string{"1M", "5M", "15M", "30M", "1H", "4H"},
		AutoExecute:   autoExecute,
		MinConfidence: 60,
		StrengthFloor: 1.8,
	}, Deps{
		Candles:         src,
		Analyzer:        analyzer.NewMarketAnalyzer(types.AnalyzerConfig{LowVolatility: 0.05, HighVolatility: 0.5, ExtremeVolatility: 1.5}),
		Predictor:       pred,
		PredictorWeight: 0.3,
		Machine:         machine,
		Store:           store,
		Recorder:        rec,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, store, rec
}

func TestRunCycleWithoutDataIsNeutral(t *testing.T) {
	e, _, rec := newTestEngine(t, mapSource{}, true, nil)

	signal, err := e.RunCycle(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if signal.Direction != types.DirectionNeutral || signal.Confidence != 0 {
		t.Fatalf("expected neutral zero-confidence signal, got %+v", signal)
	}
	if rec.n != 1 {
		t.Fatalf("signal not recorded")
	}
	if got := e.GetStats()["executions"].(int64); got != 0 {
		t.Fatalf("neutral signal must not execute, got %d", got)
	}
	if latest, ok := e.LatestSignal("BTC-USDT"); !ok || latest != signal {
		t.Fatalf("latest signal not kept")
	}
}

func TestRunCyclePredictorFailureIsIgnored(t *testing.T) {
	src := mapSource{}
	for _, tf := range types.AllTimeframes {
		src[tf] = rising(tf, 120)
	}
	pred := &failingPredictor{}
	e, _, _ := newTestEngine(t, src, false, pred)

	signal, err := e.RunCycle(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if pred.calls.Load() != 1 {
		t.Fatalf("predictor should be consulted once, got %d", pred.calls.Load())
	}
	if len(signal.TechnicalDetails.Timeframes) == 0 {
		t.Fatalf("expected timeframes to contribute, got %+v", signal.TechnicalDetails)
	}
	if signal.Confidence < 0 || signal.Confidence > 100 {
		t.Fatalf("confidence out of bounds: %v", signal.Confidence)
	}
}

func TestRunCycleHonoursCancellation(t *testing.T) {
	e, _, _ := newTestEngine(t, mapSource{types.TF5M: rising(types.TF5M, 60)}, false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.RunCycle(ctx, "BTC-USDT"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestEmergencyStopBlocksExecution(t *testing.T) {
	e, _, _ := newTestEngine(t, mapSource{types.TF5M: rising(types.TF5M, 60)}, false, nil)

	if err := e.SetEmergencyStop(true); err != nil {
		t.Fatalf("set stop: %v", err)
	}
	if !e.RiskState().EmergencyStop {
		t.Fatalf("snapshot must reflect the stop")
	}

	signal, _ := types.NewSignal(types.Signal{Instrument: "BTC-USDT", Direction: types.DirectionBuy, Confidence: 90})
	res := e.ExecuteIfAdmitted(context.Background(), signal)
	if res.State != execution.StateAborted || res.Reason.Code != string(risk.CodeEmergencyStop) {
		t.Fatalf("expected emergency stop abort, got %+v", res)
	}

	if err := e.SetEmergencyStop(false); err != nil {
		t.Fatalf("clear stop: %v", err)
	}
	if e.RiskState().EmergencyStop {
		t.Fatalf("stop should be cleared")
	}
}

func TestParseTimeframes(t *testing.T) {
	if _, err := ParseTimeframes([]string{"5M", "1D"}); err == nil {
		t.Fatalf("expected error for unsupported timeframe")
	}
	tfs, err := ParseTimeframes(nil)
	if err != nil || len(tfs) != len(types.AllTimeframes) {
		t.Fatalf("empty config should select all timeframes, got %v %v", tfs, err)
	}
}

func TestNewWithoutAnalyzerUsesDefaultThresholds(t *testing.T) {
	src := mapSource{}
	for _, tf := range types.AllTimeframes {
		src[tf] = rising(tf, 120)
	}
	base, _, _ := newTestEngine(t, src, false, nil)

	e, err := New(base.config, Deps{Candles: src, Machine: base.deps.Machine, Store: base.deps.Store})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	signal, err := e.RunCycle(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if signal.TechnicalDetails.Volatility == types.VolatilityExtreme {
		t.Fatalf("steady trend must not be classified extreme without an explicit analyzer")
	}
}
