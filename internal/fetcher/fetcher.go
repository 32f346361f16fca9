package fetcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"confluence-sentry/internal/storage"
	"confluence-sentry/pkg/types"
)

// refreshLimit 定时补数据时每个周期拉取的K线数
const refreshLimit = 10

// CandleFetcher REST K线来源
type CandleFetcher interface {
	FetchCandles(ctx context.Context, instrument string, tf types.Timeframe, limit int) ([]types.Candle, error)
}

// DataFetcher 数据获取器：启动时预热K线缓存，之后定时补齐缺口
type DataFetcher struct {
	storage      *storage.CandleStore
	source       CandleFetcher
	instruments  []string
	timeframes   []types.Timeframe
	historyLimit int
	interval     time.Duration
	limiter      *rate.Limiter
	retryDelay   time.Duration
}

func NewDataFetcher(store *storage.CandleStore, source CandleFetcher, instruments []string, timeframes []types.Timeframe, historyLimit int, interval time.Duration) *DataFetcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &DataFetcher{
		storage:      store,
		source:       source,
		instruments:  instruments,
		timeframes:   timeframes,
		historyLimit: historyLimit,
		interval:     interval,
		// OKX 行情接口限速 20次/2s
		limiter:    rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		retryDelay: time.Second,
	}
}

// Warmup 为每个品种每个周期拉取完整历史
func (f *DataFetcher) Warmup(ctx context.Context) error {
	zap.L().Info("🚀 预热K线缓存",
		zap.Strings("instruments", f.instruments),
		zap.Int("timeframes", len(f.timeframes)),
		zap.Int("limit", f.historyLimit))

	failed := 0
	for _, inst := range f.instruments {
		for _, tf := range f.timeframes {
			if err := f.fetchAndStore(ctx, inst, tf, f.historyLimit); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failed++
				zap.L().Error("❌ 预热K线失败",
					zap.String("instrument", inst),
					zap.String("timeframe", string(tf)),
					zap.Error(err))
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("warmup: %d series failed", failed)
	}
	zap.L().Info("✅ K线缓存预热完成")
	return nil
}

func (f *DataFetcher) Start(ctx context.Context) {
	zap.L().Info("🚀 数据获取器启动", zap.Duration("interval", f.interval))

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("📴 数据获取器已停止")
			return
		case <-ticker.C:
			f.refresh(ctx)
		}
	}
}

// refresh 已有足够历史的序列只补最近几根，否则重新拉取完整历史
func (f *DataFetcher) refresh(ctx context.Context) {
	for _, inst := range f.instruments {
		for _, tf := range f.timeframes {
			limit := refreshLimit
			if f.storage.Length(inst, tf) < f.historyLimit {
				limit = f.historyLimit
			}
			if err := f.fetchAndStore(ctx, inst, tf, limit); err != nil && ctx.Err() == nil {
				zap.L().Warn("⚠️ 补充K线失败",
					zap.String("instrument", inst),
					zap.String("timeframe", string(tf)),
					zap.Error(err))
			}
		}
	}
}

// fetchAndStore 最多重试3次
func (f *DataFetcher) fetchAndStore(ctx context.Context, inst string, tf types.Timeframe, limit int) error {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			zap.L().Info("🔄 重试获取K线", zap.String("instrument", inst), zap.Int("attempt", attempt))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * f.retryDelay):
			}
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}

		candles, err := f.source.FetchCandles(ctx, inst, tf, limit)
		if err != nil {
			lastErr = fmt.Errorf("第%d次尝试: %w", attempt, err)
			continue
		}
		f.storage.Merge(inst, tf, candles)
		zap.L().Debug("✅ K线已写入缓存",
			zap.String("instrument", inst),
			zap.String("timeframe", string(tf)),
			zap.Int("count", len(candles)))
		return nil
	}
	return lastErr
}
