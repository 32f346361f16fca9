package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"confluence-sentry/internal/analyzer"
	"confluence-sentry/internal/execution"
	"confluence-sentry/internal/metrics"
	"confluence-sentry/internal/predictor"
	"confluence-sentry/internal/risk"
	"confluence-sentry/internal/strategy/features"
	"confluence-sentry/internal/strategy/signals"
	"confluence-sentry/pkg/types"
)

const stopPersistTimeout = 5 * time.Second

// CandleSource 行情数据来源，缺失周期返回空切片
type CandleSource interface {
	Candles(ctx context.Context, instrument string, tf types.Timeframe) ([]types.Candle, error)
}

// Predictor 外部预测服务
type Predictor interface {
	Predict(ctx context.Context, instrument string, candles map[types.Timeframe][]types.Candle, features map[types.Timeframe]types.TimeframeFeatures, market predictor.MarketContext) (*types.Prediction, error)
}

// SignalSink 信号落库
type SignalSink interface {
	SaveSignal(ctx context.Context, signal *types.Signal) error
}

// SignalRecorder 信号统计，例如性能监控器
type SignalRecorder interface {
	RecordSignal(signal *types.Signal)
}

// Notifier 信号与紧急停止通知
type Notifier interface {
	Signal(signal *types.Signal)
	EmergencyStop(message string)
}

// Deps 引擎依赖，Predictor、SignalSink、Recorder、Notifier 可为空
type Deps struct {
	Candles         CandleSource
	Analyzer        *analyzer.MarketAnalyzer
	Predictor       Predictor
	PredictorWeight float64
	Machine         *execution.Machine
	Store           *risk.Store
	SignalSink      SignalSink
	Recorder        SignalRecorder
	Notifier        Notifier
}

// Engine 多周期共振引擎：拉取K线 → 提取特征 → 共振评分 → 风控执行
type Engine struct {
	config     types.EngineConfig
	timeframes []types.Timeframe
	deps       Deps
	extractor  *features.Extractor
	confluence *signals.ConfluenceEngine

	latestMu sync.RWMutex
	latest   map[string]*types.Signal

	cycles     atomic.Int64
	signals    atomic.Int64
	executions atomic.Int64
}

// New 创建引擎
func New(config types.EngineConfig, deps Deps) (*Engine, error) {
	if deps.Candles == nil || deps.Machine == nil || deps.Store == nil {
		return nil, errors.New("engine requires candles, machine and store")
	}
	if deps.Analyzer == nil {
		deps.Analyzer = analyzer.NewMarketAnalyzer(analyzer.DefaultConfig())
	}

	timeframes, err := ParseTimeframes(config.Timeframes)
	if err != nil {
		return nil, err
	}

	weight := deps.PredictorWeight
	if deps.Predictor == nil {
		weight = 0
	}

	return &Engine{
		config:     config,
		timeframes: timeframes,
		deps:       deps,
		extractor:  features.NewExtractor(),
		confluence: signals.NewConfluenceEngine(timeframes, config.StrengthFloor, weight, deps.Analyzer),
		latest:     make(map[string]*types.Signal),
	}, nil
}

// ParseTimeframes 解析配置中的周期
func ParseTimeframes(raw []string) ([]types.Timeframe, error) {
	out := make([]types.Timeframe, 0, len(raw))
	for _, s := range raw {
		tf, ok := types.ParseTimeframe(s)
		if !ok {
			return nil, fmt.Errorf("unknown timeframe %q", s)
		}
		out = append(out, tf)
	}
	if len(out) == 0 {
		out = append(out, types.AllTimeframes...)
	}
	return out, nil
}

// Timeframes 参与分析的周期
func (e *Engine) Timeframes() []types.Timeframe {
	return append([]types.Timeframe(nil), e.timeframes...)
}

// Instruments 跟踪的品种
func (e *Engine) Instruments() []string {
	return append([]string(nil), e.config.Instruments...)
}

// RunCycle 对一个品种完成一轮分析。开启自动执行时，达到置信度门槛的信号会进入执行状态机
func (e *Engine) RunCycle(ctx context.Context, instrument string) (*types.Signal, error) {
	e.cycles.Add(1)

	candles := make(map[types.Timeframe][]types.Candle, len(e.timeframes))
	for _, tf := range e.timeframes {
		series, err := e.deps.Candles.Candles(ctx, instrument, tf)
		if err != nil {
			if ctx.Err() != nil {
				metrics.RecordCycleError(instrument, "cancelled")
				return nil, ctx.Err()
			}
			// 单个周期缺失不影响其他周期
			zap.L().Debug("获取K线失败，跳过该周期",
				zap.String("instrument", instrument),
				zap.String("timeframe", string(tf)),
				zap.Error(err))
			continue
		}
		if len(series) > 0 {
			candles[tf] = series
		}
	}

	feats := e.extractor.Extract(candles)
	prediction := e.predict(ctx, instrument, candles, feats)

	signal := e.confluence.Combine(instrument, feats, prediction)
	if signal == nil {
		metrics.RecordCycleError(instrument, "no_signal")
		return nil, fmt.Errorf("no signal for %s", instrument)
	}
	e.signals.Add(1)
	metrics.RecordCycle(instrument, string(signal.Direction), signal.Confidence, len(feats))

	e.latestMu.Lock()
	e.latest[instrument] = signal
	e.latestMu.Unlock()

	if e.deps.Recorder != nil {
		e.deps.Recorder.RecordSignal(signal)
	}
	if e.deps.SignalSink != nil && signal.Actionable() {
		if err := e.deps.SignalSink.SaveSignal(ctx, signal); err != nil {
			zap.L().Warn("⚠️ 信号落库失败", zap.String("instrument", instrument), zap.Error(err))
		}
	}

	qualified := signal.Actionable() && signal.Confidence >= e.config.MinConfidence
	if qualified {
		zap.L().Info("🎯 发现共振信号",
			zap.String("instrument", instrument),
			zap.String("direction", string(signal.Direction)),
			zap.Float64("confidence", signal.Confidence),
			zap.String("strength", string(signal.Strength)),
			zap.Strings("reasons", signal.Reasons))
		if e.deps.Notifier != nil {
			e.deps.Notifier.Signal(signal)
		}
	}

	if e.config.AutoExecute && qualified {
		e.ExecuteIfAdmitted(ctx, signal)
	}
	return signal, nil
}

// predict 调用预测服务，失败时记录后忽略
func (e *Engine) predict(ctx context.Context, instrument string, candles map[types.Timeframe][]types.Candle, feats map[types.Timeframe]types.TimeframeFeatures) *types.Prediction {
	if e.deps.Predictor == nil || len(feats) == 0 {
		return nil
	}

	cond := e.deps.Analyzer.Assess(feats)
	market := predictor.MarketContext{
		DataQuality: string(cond.DataQuality),
		Volatility:  string(cond.Volatility),
	}
	// 取最高周期的趋势作为整体趋势
	for i := len(e.timeframes) - 1; i >= 0; i-- {
		if f, ok := feats[e.timeframes[i]]; ok {
			market.Trend = string(f.Indicators.Trend)
			break
		}
	}

	p, err := e.deps.Predictor.Predict(ctx, instrument, candles, feats, market)
	if err != nil {
		metrics.RecordCycleError(instrument, "predictor")
		zap.L().Warn("⚠️ 预测服务调用失败，仅使用技术面", zap.String("instrument", instrument), zap.Error(err))
		return nil
	}
	return p
}

// ExecuteIfAdmitted 将信号交给执行状态机
func (e *Engine) ExecuteIfAdmitted(ctx context.Context, signal *types.Signal) execution.Result {
	e.executions.Add(1)
	return e.deps.Machine.Execute(ctx, signal)
}

// RiskState 风控状态快照
func (e *Engine) RiskState() risk.Snapshot {
	return e.deps.Store.Snapshot()
}

// SetEmergencyStop 开启或解除紧急停止，开启时取消进行中的下单
func (e *Engine) SetEmergencyStop(stop bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), stopPersistTimeout)
	defer cancel()

	err := e.deps.Store.SetEmergencyStop(ctx, stop)
	metrics.SetEmergencyStop(e.deps.Store.Snapshot().EmergencyStop)
	return err
}

// LatestSignal 品种最近一次的分析结果
func (e *Engine) LatestSignal(instrument string) (*types.Signal, bool) {
	e.latestMu.RLock()
	defer e.latestMu.RUnlock()
	s, ok := e.latest[instrument]
	return s, ok
}

// WatchEmergencyStop 监听紧急停止（手动或自动触发）并发送通知，直到 ctx 结束
func (e *Engine) WatchEmergencyStop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.deps.Store.StopSignal():
		}

		snap := e.deps.Store.Snapshot()
		metrics.SetEmergencyStop(true)
		zap.L().Warn("🚨 紧急停止生效，暂停所有下单", zap.Int("consecutive_losses", snap.ConsecutiveLosses))
		if e.deps.Notifier != nil {
			e.deps.Notifier.EmergencyStop(fmt.Sprintf("连续亏损 %d 笔，24小时内亏损 %d 笔",
				snap.ConsecutiveLosses, snap.LossesSince(time.Now().Add(-24*time.Hour))))
		}

		// 等待解除后再继续监听
		for e.deps.Store.Snapshot().EmergencyStop {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
		metrics.SetEmergencyStop(false)
		zap.L().Info("✅ 紧急停止已解除")
	}
}

// GetStats 获取统计信息
func (e *Engine) GetStats() map[string]interface{} {
	tfs := make([]string, len(e.timeframes))
	for i, tf := range e.timeframes {
		tfs[i] = string(tf)
	}
	return map[string]interface{}{
		"cycles":       e.cycles.Load(),
		"signals":      e.signals.Load(),
		"executions":   e.executions.Load(),
		"instruments":  e.config.Instruments,
		"timeframes":   tfs,
		"auto_execute": e.config.AutoExecute,
	}
}
