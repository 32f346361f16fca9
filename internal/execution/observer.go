package execution

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"confluence-sentry/internal/metrics"
	"confluence-sentry/internal/risk"
	"confluence-sentry/internal/venue"
	"confluence-sentry/pkg/types"
)

// Observer 结果观察者：轮询交易场所结算，同时接受外部上报
type Observer struct {
	journal  *Journal
	store    *risk.Store
	source   venue.OutcomeSource
	interval time.Duration
	listener Listener
	now      func() time.Time
}

// NewObserver 创建结果观察者，source 为空时只接受外部上报
func NewObserver(journal *Journal, store *risk.Store, source venue.OutcomeSource, interval time.Duration) *Observer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Observer{
		journal:  journal,
		store:    store,
		source:   source,
		interval: interval,
		now:      time.Now,
	}
}

// SetListener 设置结算回调
func (o *Observer) SetListener(l Listener) {
	o.listener = l
}

// Run 定时轮询未结算交易，直到 ctx 结束
func (o *Observer) Run(ctx context.Context) {
	if o.source == nil {
		zap.L().Info("ℹ️ 交易场所不支持结算查询，仅接受外部上报")
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	zap.L().Info("👀 结果观察者已启动", zap.Duration("interval", o.interval))
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("👀 结果观察者已停止")
			return
		case <-ticker.C:
			o.Poll(ctx)
		}
	}
}

// Poll 查询一轮未结算交易
func (o *Observer) Poll(ctx context.Context) {
	if o.source == nil {
		return
	}
	for _, rec := range o.journal.Pending() {
		if rec.Ticket == "" {
			continue
		}
		s, err := o.source.Settle(ctx, rec.Ticket)
		if err != nil {
			zap.L().Debug("查询结算失败", zap.String("trade_id", rec.ID), zap.Error(err))
			continue
		}
		if !s.Result.Closed() {
			continue
		}
		if _, err := o.Report(ctx, rec.ID, s.Result, s.Payout); err != nil && !errors.Is(err, ErrAlreadyClosed) {
			zap.L().Warn("⚠️ 结算记录失败", zap.String("trade_id", rec.ID), zap.Error(err))
		}
	}
}

// Report 写入交易结果并更新风控状态，每笔交易只生效一次
func (o *Observer) Report(ctx context.Context, id string, result types.TradeResult, payout float64) (types.TradeRecord, error) {
	rec, err := o.journal.Close(ctx, id, result, payout, o.now())
	if err != nil {
		return types.TradeRecord{}, err
	}

	outcome := rec.Outcome()
	metrics.RecordOutcome(string(rec.Result), outcome.NetPnL())
	if err := o.store.RecordOutcome(ctx, outcome); err != nil {
		zap.L().Error("❌ 风控状态更新失败", zap.String("trade_id", rec.ID), zap.Error(err))
	}
	snap := o.store.Snapshot()
	metrics.SetConsecutiveLosses(snap.ConsecutiveLosses)
	metrics.SetEmergencyStop(snap.EmergencyStop)

	zap.L().Info("🏁 交易已结算",
		zap.String("trade_id", rec.ID),
		zap.String("instrument", rec.Instrument),
		zap.String("result", string(rec.Result)),
		zap.Float64("pnl", outcome.NetPnL()),
		zap.Int("consecutive_losses", snap.ConsecutiveLosses))

	if o.listener != nil {
		o.listener.TradeClosed(rec)
	}
	return rec, nil
}
