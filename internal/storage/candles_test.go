package storage

import (
	"context"
	"testing"
	"time"

	"confluence-sentry/pkg/types"
)

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func candleAt(i int, close float64) types.Candle {
	return types.Candle{
		Timestamp: base.Add(time.Duration(i) * time.Minute),
		Open:      close,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Volume:    10,
	}
}

func TestCandleQueueUpsertKeepsOrder(t *testing.T) {
	q := NewCandleQueue(5)
	for _, i := range []int{2, 0, 1, 4, 3} {
		q.Upsert(candleAt(i, 100+float64(i)))
	}
	q.Upsert(candleAt(4, 200)) // 更新未收盘K线

	got := q.Snapshot()
	if len(got) != 5 {
		t.Fatalf("expected 5 candles, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Fatalf("candles not strictly ascending at %d", i)
		}
	}
	if got[4].Close != 200 {
		t.Fatalf("expected latest candle replaced, got %v", got[4].Close)
	}
}

func TestCandleQueueCapacity(t *testing.T) {
	q := NewCandleQueue(3)
	for i := 0; i < 10; i++ {
		q.Upsert(candleAt(i, 100))
	}
	got := q.Snapshot()
	if len(got) != 3 || !got[0].Timestamp.Equal(candleAt(7, 0).Timestamp) {
		t.Fatalf("expected last 3 candles, got %+v", got)
	}
}

func TestCandleStoreSeriesAndLastPrice(t *testing.T) {
	cs := NewCandleStore(50, nil)
	ctx := context.Background()

	cs.Merge("BTC-USDT", types.TF5M, []types.Candle{candleAt(0, 100), candleAt(5, 101)})
	cs.Upsert(types.CandleUpdate{Instrument: "BTC-USDT", Timeframe: types.TF1M, Candle: candleAt(6, 102), Confirmed: false})
	cs.Upsert(types.CandleUpdate{Instrument: "BTC-USDT", Timeframe: types.TF1M, Candle: types.Candle{Timestamp: base, Open: 1, High: 0.5, Low: 1, Close: 1}})

	if n := cs.Length("BTC-USDT", types.TF1M); n != 1 {
		t.Fatalf("invalid candle must be dropped, got %d", n)
	}
	if price, ok := cs.LastPrice("BTC-USDT"); !ok || price != 102 {
		t.Fatalf("expected last price 102, got %v %v", price, ok)
	}
	if _, ok := cs.LastPrice("ETH-USDT"); ok {
		t.Fatalf("unknown instrument must have no price")
	}

	got, err := cs.Candles(ctx, "BTC-USDT", types.TF5M)
	if err != nil || len(got) != 2 {
		t.Fatalf("unexpected candles %v %v", got, err)
	}
	got[0].Close = -1
	again, _ := cs.Candles(ctx, "BTC-USDT", types.TF5M)
	if again[0].Close != 100 {
		t.Fatalf("returned slice must be a copy")
	}

	if missing, err := cs.Candles(ctx, "BTC-USDT", types.TF4H); err != nil || missing != nil {
		t.Fatalf("missing series should be empty, got %v %v", missing, err)
	}
}

func TestDecodeRiskState(t *testing.T) {
	state, err := decodeRiskState([]byte(`{"consecutive_losses":2,"emergency_stop":true,"trades":[{"id":"a","instrument":"BTC-USDT","direction":"BUY","amount":5}]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.ConsecutiveLosses != 2 || !state.EmergencyStop || len(state.Trades) != 1 {
		t.Fatalf("unexpected state %+v", state)
	}
	if _, err := decodeRiskState([]byte("not json")); err == nil {
		t.Fatalf("expected decode error")
	}
}
