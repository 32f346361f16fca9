package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"confluence-sentry/pkg/types"
)

// DefaultCandleCapacity 每个品种每个周期保留的K线数量
const DefaultCandleCapacity = 200

// CandleQueue 按时间升序保存K线的滚动窗口，同一时间戳只保留最新一根
type CandleQueue struct {
	data     []types.Candle
	capacity int
	mutex    sync.RWMutex
}

func NewCandleQueue(capacity int) *CandleQueue {
	if capacity <= 0 {
		capacity = DefaultCandleCapacity
	}
	return &CandleQueue{
		data:     make([]types.Candle, 0, capacity),
		capacity: capacity,
	}
}

// Upsert 插入或替换一根K线，保持升序与容量
func (cq *CandleQueue) Upsert(c types.Candle) {
	cq.mutex.Lock()
	defer cq.mutex.Unlock()

	n := len(cq.data)
	switch {
	case n == 0 || c.Timestamp.After(cq.data[n-1].Timestamp):
		cq.data = append(cq.data, c)
	case c.Timestamp.Equal(cq.data[n-1].Timestamp):
		cq.data[n-1] = c
	default:
		i := sort.Search(n, func(i int) bool { return !cq.data[i].Timestamp.Before(c.Timestamp) })
		if i < n && cq.data[i].Timestamp.Equal(c.Timestamp) {
			cq.data[i] = c
			return
		}
		cq.data = append(cq.data, types.Candle{})
		copy(cq.data[i+1:], cq.data[i:])
		cq.data[i] = c
	}

	if over := len(cq.data) - cq.capacity; over > 0 {
		cq.data = append(cq.data[:0:0], cq.data[over:]...)
	}
}

// Snapshot 返回副本
func (cq *CandleQueue) Snapshot() []types.Candle {
	cq.mutex.RLock()
	defer cq.mutex.RUnlock()
	return append([]types.Candle(nil), cq.data...)
}

func (cq *CandleQueue) GetLatest() *types.Candle {
	cq.mutex.RLock()
	defer cq.mutex.RUnlock()

	if len(cq.data) == 0 {
		return nil
	}
	latest := cq.data[len(cq.data)-1]
	return &latest
}

func (cq *CandleQueue) Length() int {
	cq.mutex.RLock()
	defer cq.mutex.RUnlock()
	return len(cq.data)
}

type seriesKey struct {
	instrument string
	timeframe  types.Timeframe
}

// CandleStore 多品种多周期K线缓存，可选异步备份到Redis
type CandleStore struct {
	series      map[seriesKey]*CandleQueue
	mutex       sync.RWMutex
	capacity    int
	redisClient *redis.Client
}

// NewCandleStore 创建K线缓存，redisClient 为空时为纯内存模式
func NewCandleStore(capacity int, redisClient *redis.Client) *CandleStore {
	if capacity <= 0 {
		capacity = DefaultCandleCapacity
	}
	return &CandleStore{
		series:      make(map[seriesKey]*CandleQueue),
		capacity:    capacity,
		redisClient: redisClient,
	}
}

func (cs *CandleStore) queue(instrument string, tf types.Timeframe) *CandleQueue {
	key := seriesKey{instrument: instrument, timeframe: tf}

	cs.mutex.RLock()
	q := cs.series[key]
	cs.mutex.RUnlock()
	if q != nil {
		return q
	}

	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	if q = cs.series[key]; q == nil {
		q = NewCandleQueue(cs.capacity)
		cs.series[key] = q
	}
	return q
}

// Upsert 写入推送流中的K线，非法K线直接丢弃
func (cs *CandleStore) Upsert(update types.CandleUpdate) {
	if !update.Candle.Valid() {
		zap.L().Debug("丢弃非法K线",
			zap.String("instrument", update.Instrument),
			zap.String("timeframe", string(update.Timeframe)))
		return
	}
	cs.queue(update.Instrument, update.Timeframe).Upsert(update.Candle)

	if cs.redisClient != nil && update.Confirmed {
		go cs.backupToRedis(update.Instrument, update.Timeframe, update.Candle)
	}
}

// Merge 合并历史K线（REST补数据）
func (cs *CandleStore) Merge(instrument string, tf types.Timeframe, candles []types.Candle) {
	q := cs.queue(instrument, tf)
	for _, c := range candles {
		if c.Valid() {
			q.Upsert(c)
		}
	}
}

// Candles 返回某品种某周期的K线，按时间升序
func (cs *CandleStore) Candles(ctx context.Context, instrument string, tf types.Timeframe) ([]types.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cs.mutex.RLock()
	q := cs.series[seriesKey{instrument: instrument, timeframe: tf}]
	cs.mutex.RUnlock()
	if q == nil {
		return nil, nil
	}
	return q.Snapshot(), nil
}

// Length 已缓存的K线数量
func (cs *CandleStore) Length(instrument string, tf types.Timeframe) int {
	cs.mutex.RLock()
	q := cs.series[seriesKey{instrument: instrument, timeframe: tf}]
	cs.mutex.RUnlock()
	if q == nil {
		return 0
	}
	return q.Length()
}

// LastPrice 该品种最新收盘价，取时间最新的一根
func (cs *CandleStore) LastPrice(instrument string) (float64, bool) {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()

	var latest *types.Candle
	for key, q := range cs.series {
		if key.instrument != instrument {
			continue
		}
		if c := q.GetLatest(); c != nil && (latest == nil || c.Timestamp.After(latest.Timestamp)) {
			latest = c
		}
	}
	if latest == nil {
		return 0, false
	}
	return latest.Close, true
}

// Restore 从Redis恢复K线
func (cs *CandleStore) Restore(ctx context.Context, instrument string, tf types.Timeframe) (int, error) {
	if cs.redisClient == nil {
		return 0, nil
	}
	members, err := cs.redisClient.ZRange(ctx, candleKey(instrument, tf), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("restore candles %s %s: %w", instrument, tf, err)
	}

	candles := make([]types.Candle, 0, len(members))
	for _, m := range members {
		var c types.Candle
		if err := json.Unmarshal([]byte(m), &c); err != nil {
			continue
		}
		candles = append(candles, c)
	}
	cs.Merge(instrument, tf, candles)
	return len(candles), nil
}

// GetStats 缓存统计信息
func (cs *CandleStore) GetStats() map[string]interface{} {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()

	counts := make(map[string]int, len(cs.series))
	for key, q := range cs.series {
		counts[key.instrument+":"+string(key.timeframe)] = q.Length()
	}
	return map[string]interface{}{
		"redis_enabled": cs.redisClient != nil,
		"series":        counts,
	}
}

// backupToRedis 已收盘K线按时间戳写入有序集合，只保留最近 capacity 根
func (cs *CandleStore) backupToRedis(instrument string, tf types.Timeframe, c types.Candle) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	value, err := json.Marshal(c)
	if err != nil {
		zap.L().Warn("序列化K线失败", zap.Error(err))
		return
	}

	key := candleKey(instrument, tf)
	score := float64(c.Timestamp.Unix())
	pipe := cs.redisClient.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, fmt.Sprintf("%.0f", score), fmt.Sprintf("%.0f", score))
	pipe.ZAdd(ctx, key, &redis.Z{Score: score, Member: value})
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-cs.capacity-1))
	pipe.Expire(ctx, key, 50*tf.Duration()+24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		zap.L().Warn("Redis备份K线失败",
			zap.String("instrument", instrument),
			zap.String("timeframe", string(tf)),
			zap.Error(err))
	}
}

func candleKey(instrument string, tf types.Timeframe) string {
	return fmt.Sprintf("sentry:candles:%s:%s", instrument, tf)
}
