package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"confluence-sentry/internal/strategy/database"
	"confluence-sentry/pkg/types"
)

// TradeSource 交易记录来源，通常是执行模块的交易日志
type TradeSource interface {
	List() []types.TradeRecord
}

// PerformanceMonitor 交易表现监控器
type PerformanceMonitor struct {
	trades    TradeSource
	dbManager *database.Manager
	interval  time.Duration

	mu      sync.Mutex
	started time.Time
	signals map[string]*signalCounter
	now     func() time.Time
}

type signalCounter struct {
	total, buy, sell, neutral int
	confidenceSum             float64
	last                      time.Time
}

// PerformanceMetrics 性能指标
type PerformanceMetrics struct {
	StartTime       time.Time                     `json:"start_time"`
	TotalSignals    int                           `json:"total_signals"`
	SignalFrequency float64                       `json:"signal_frequency"` // 信号/小时
	Trades          int                           `json:"trades"`
	Pending         int                           `json:"pending"`
	Wins            int                           `json:"wins"`
	Losses          int                           `json:"losses"`
	WinRate         float64                       `json:"win_rate"`
	NetPayout       float64                       `json:"net_payout"`
	Instruments     map[string]*InstrumentMetrics `json:"instruments"`
	GeneratedAt     time.Time                     `json:"generated_at"`
}

// InstrumentMetrics 单个品种的表现
type InstrumentMetrics struct {
	Instrument    string    `json:"instrument"`
	Signals       int       `json:"signals"`
	BuySignals    int       `json:"buy_signals"`
	SellSignals   int       `json:"sell_signals"`
	AvgConfidence float64   `json:"avg_confidence"`
	LastSignal    time.Time `json:"last_signal"`
	Trades        int       `json:"trades"`
	Pending       int       `json:"pending"`
	Wins          int       `json:"wins"`
	Losses        int       `json:"losses"`
	WinRate       float64   `json:"win_rate"`
	NetPayout     float64   `json:"net_payout"`
}

// NewPerformanceMonitor 创建性能监控器，dbManager 可为空
func NewPerformanceMonitor(trades TradeSource, dbManager *database.Manager, interval time.Duration) *PerformanceMonitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &PerformanceMonitor{
		trades:    trades,
		dbManager: dbManager,
		interval:  interval,
		started:   time.Now(),
		signals:   make(map[string]*signalCounter),
		now:       time.Now,
	}
}

// RecordSignal 记录一次分析产生的信号
func (pm *PerformanceMonitor) RecordSignal(signal *types.Signal) {
	if signal == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	c := pm.signals[signal.Instrument]
	if c == nil {
		c = &signalCounter{}
		pm.signals[signal.Instrument] = c
	}
	c.total++
	switch signal.Direction {
	case types.DirectionBuy:
		c.buy++
	case types.DirectionSell:
		c.sell++
	default:
		c.neutral++
	}
	c.confidenceSum += signal.Confidence
	c.last = signal.CreatedAt
}

// Run 定时输出性能报告，直到 ctx 结束
func (pm *PerformanceMonitor) Run(ctx context.Context) {
	zap.L().Info("📊 启动交易表现监控器", zap.Duration("interval", pm.interval))

	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("🛑 停止交易表现监控器")
			return
		case <-ticker.C:
			pm.generateReport()
		}
	}
}

// GetMetrics 汇总当前性能指标
func (pm *PerformanceMonitor) GetMetrics() *PerformanceMetrics {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	now := pm.now()
	m := &PerformanceMetrics{
		StartTime:   pm.started,
		Instruments: make(map[string]*InstrumentMetrics),
		GeneratedAt: now,
	}
	get := func(inst string) *InstrumentMetrics {
		im := m.Instruments[inst]
		if im == nil {
			im = &InstrumentMetrics{Instrument: inst}
			m.Instruments[inst] = im
		}
		return im
	}

	for inst, c := range pm.signals {
		im := get(inst)
		im.Signals = c.total
		im.BuySignals = c.buy
		im.SellSignals = c.sell
		im.LastSignal = c.last
		if c.total > 0 {
			im.AvgConfidence = c.confidenceSum / float64(c.total)
		}
		m.TotalSignals += c.total
	}

	if pm.trades != nil {
		for _, rec := range pm.trades.List() {
			im := get(rec.Instrument)
			im.Trades++
			m.Trades++
			switch rec.Result {
			case types.ResultWin:
				im.Wins++
				m.Wins++
			case types.ResultLoss:
				im.Losses++
				m.Losses++
			default:
				im.Pending++
				m.Pending++
			}
			pnl := rec.Outcome().NetPnL()
			im.NetPayout += pnl
			m.NetPayout += pnl
		}
	}

	for _, im := range m.Instruments {
		im.WinRate = winRate(im.Wins, im.Losses)
	}
	m.WinRate = winRate(m.Wins, m.Losses)

	if hours := now.Sub(pm.started).Hours(); hours > 0 {
		m.SignalFrequency = float64(m.TotalSignals) / hours
	}
	return m
}

func winRate(wins, losses int) float64 {
	if wins+losses == 0 {
		return 0
	}
	return float64(wins) / float64(wins+losses)
}

// generateReport 生成性能报告
func (pm *PerformanceMonitor) generateReport() {
	m := pm.GetMetrics()

	zap.L().Info("📈 交易表现报告",
		zap.Duration("run_time", m.GeneratedAt.Sub(m.StartTime)),
		zap.Int("total_signals", m.TotalSignals),
		zap.Float64("signal_frequency", m.SignalFrequency),
		zap.Int("trades", m.Trades),
		zap.Int("pending", m.Pending),
		zap.Float64("win_rate", m.WinRate),
		zap.Float64("net_payout", m.NetPayout))

	for _, im := range m.sorted() {
		zap.L().Info("📊 品种表现",
			zap.String("instrument", im.Instrument),
			zap.Int("signals", im.Signals),
			zap.Float64("avg_confidence", im.AvgConfidence),
			zap.Int("trades", im.Trades),
			zap.Int("wins", im.Wins),
			zap.Int("losses", im.Losses),
			zap.Float64("net_payout", im.NetPayout))
	}
}

func (m *PerformanceMetrics) sorted() []*InstrumentMetrics {
	out := make([]*InstrumentMetrics, 0, len(m.Instruments))
	for _, im := range m.Instruments {
		out = append(out, im)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// GetMetricsJSON 获取JSON格式的性能指标
func (pm *PerformanceMonitor) GetMetricsJSON() (string, error) {
	data, err := json.MarshalIndent(pm.GetMetrics(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DailyReport 日报告
type DailyReport struct {
	Instrument string    `json:"instrument"`
	Date       time.Time `json:"date"`
	Trades     int       `json:"trades"`
	Wins       int       `json:"wins"`
	Losses     int       `json:"losses"`
	WinRate    float64   `json:"win_rate"`
	NetPayout  float64   `json:"net_payout"`
}

// GetDailyReport 从数据库读取今日表现，未配置数据库时返回错误
func (pm *PerformanceMonitor) GetDailyReport(ctx context.Context, instrument string) (*DailyReport, error) {
	if pm.dbManager == nil {
		return nil, fmt.Errorf("数据库未启用")
	}
	performances, err := pm.dbManager.GetDailyPerformance(ctx, instrument, 1)
	if err != nil {
		return nil, err
	}

	report := &DailyReport{
		Instrument: instrument,
		Date:       pm.now().Truncate(24 * time.Hour),
	}
	if len(performances) == 0 {
		return report, nil
	}

	perf := performances[0]
	report.Date = perf.Date
	report.Trades = perf.Trades
	report.Wins = perf.Wins
	report.Losses = perf.Losses
	report.NetPayout = perf.NetPayout
	report.WinRate = winRate(perf.Wins, perf.Losses)
	return report, nil
}

// PrintFormattedReport 打印格式化报告
func (pm *PerformanceMonitor) PrintFormattedReport() {
	m := pm.GetMetrics()

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("📈 多周期共振策略表现报告")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("🕐 运行时间: %s\n", m.GeneratedAt.Sub(m.StartTime).Truncate(time.Second))
	fmt.Printf("🎯 信号数: %d (%.2f信号/小时)\n", m.TotalSignals, m.SignalFrequency)
	fmt.Printf("📝 交易数: %d 未结算: %d\n", m.Trades, m.Pending)
	fmt.Printf("✅ 胜率: %.1f%% (%d胜 %d负)\n", m.WinRate*100, m.Wins, m.Losses)
	fmt.Printf("💰 净盈亏: %+.2f\n", m.NetPayout)
	fmt.Println(strings.Repeat("-", 80))

	for _, im := range m.sorted() {
		fmt.Printf("💹 %s: %d信号 %d交易 胜率%.1f%% 净盈亏%+.2f\n",
			im.Instrument, im.Signals, im.Trades, im.WinRate*100, im.NetPayout)
	}

	fmt.Println(strings.Repeat("=", 80) + "\n")
}
