package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"confluence-sentry/internal/metrics"
	"confluence-sentry/pkg/types"
)

var (
	// ErrUnknownTrade 交易不在日志中（未创建或已被淘汰）
	ErrUnknownTrade = errors.New("unknown trade")
	// ErrAlreadyClosed 交易已结算，结果只能写入一次
	ErrAlreadyClosed = errors.New("trade already closed")
)

// TradeSink 交易记录的外部落地，例如数据库
type TradeSink interface {
	SaveTrade(ctx context.Context, record types.TradeRecord) error
}

// Journal 交易日志，按下单顺序保留最近 limit 笔
type Journal struct {
	mu      sync.Mutex
	records []types.TradeRecord
	limit   int
	sink    TradeSink
}

// NewJournal 创建交易日志，sink 可为空
func NewJournal(limit int, sink TradeSink) *Journal {
	if limit <= 0 {
		limit = 100
	}
	return &Journal{limit: limit, sink: sink}
}

// Add 追加一笔新交易，超过上限时优先淘汰最早的已结算记录
func (j *Journal) Add(ctx context.Context, record types.TradeRecord) {
	j.mu.Lock()
	j.records = append(j.records, record)
	var evicted []types.TradeRecord
	for len(j.records) > j.limit {
		evicted = append(evicted, j.evictLocked())
	}
	j.mu.Unlock()

	for _, rec := range evicted {
		if rec.Result.Closed() {
			continue
		}
		// 未结算记录被淘汰后，结果将无法写回风控状态
		metrics.RecordPendingEvicted()
		zap.L().Warn("⚠️ 交易日志已满，淘汰未结算交易",
			zap.String("trade_id", rec.ID),
			zap.String("instrument", rec.Instrument),
			zap.Int("limit", j.limit))
	}

	j.persist(ctx, record)
}

// evictLocked 移除最早的已结算记录，全部未结算时移除最早的一条
func (j *Journal) evictLocked() types.TradeRecord {
	idx := 0
	for i, rec := range j.records {
		if rec.Result.Closed() {
			idx = i
			break
		}
	}
	removed := j.records[idx]
	j.records = append(j.records[:idx:idx], j.records[idx+1:]...)
	return removed
}

// Close 写入结算结果，每笔交易只能成功一次
func (j *Journal) Close(ctx context.Context, id string, result types.TradeResult, payout float64, closedAt time.Time) (types.TradeRecord, error) {
	if !result.Closed() {
		return types.TradeRecord{}, errors.New("close requires a win or loss result")
	}

	j.mu.Lock()
	idx := j.indexLocked(id)
	if idx < 0 {
		j.mu.Unlock()
		return types.TradeRecord{}, ErrUnknownTrade
	}
	rec := &j.records[idx]
	if rec.Result.Closed() {
		j.mu.Unlock()
		return types.TradeRecord{}, ErrAlreadyClosed
	}
	rec.Result = result
	rec.Payout = payout
	if result == types.ResultLoss {
		rec.Payout = 0
	}
	rec.ClosedAt = closedAt
	closed := *rec
	j.mu.Unlock()

	j.persist(ctx, closed)
	return closed, nil
}

// Get 按ID查询
func (j *Journal) Get(id string) (types.TradeRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if idx := j.indexLocked(id); idx >= 0 {
		return j.records[idx], true
	}
	return types.TradeRecord{}, false
}

// List 全部记录，最新的在前
func (j *Journal) List() []types.TradeRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]types.TradeRecord, len(j.records))
	for i, rec := range j.records {
		out[len(out)-1-i] = rec
	}
	return out
}

// Pending 尚未结算的记录，按下单顺序
func (j *Journal) Pending() []types.TradeRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []types.TradeRecord
	for _, rec := range j.records {
		if !rec.Result.Closed() {
			out = append(out, rec)
		}
	}
	return out
}

func (j *Journal) indexLocked(id string) int {
	for i := len(j.records) - 1; i >= 0; i-- {
		if j.records[i].ID == id {
			return i
		}
	}
	return -1
}

func (j *Journal) persist(ctx context.Context, record types.TradeRecord) {
	if j.sink == nil {
		return
	}
	if err := j.sink.SaveTrade(ctx, record); err != nil {
		zap.L().Warn("⚠️ 交易记录落库失败", zap.String("id", record.ID), zap.Error(err))
	}
}
