package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"confluence-sentry/pkg/types"
)

type flakyPersister struct {
	MemoryPersister
	loadErr error
	saveErr error
	saves   int32
}

func (f *flakyPersister) Load(ctx context.Context) (*types.RiskState, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.MemoryPersister.Load(ctx)
}

func (f *flakyPersister) Save(ctx context.Context, state types.RiskState) error {
	atomic.AddInt32(&f.saves, 1)
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.MemoryPersister.Save(ctx, state)
}

func newTestStore(p Persister) *Store {
	s := NewStore(testRiskConfig(), p)
	s.now = func() time.Time { return testNow }
	return s
}

func TestStoreReserveAndRelease(t *testing.T) {
	s := newTestStore(nil)
	signal := testSignal(types.VolatilityNormal)

	if d := s.AdmitAndReserve(signal, 1000); !d.Allowed {
		t.Fatalf("first admission should pass, got %+v", d)
	}
	if d := s.AdmitAndReserve(signal, 1000); d.Code != CodeInstrumentBusy {
		t.Fatalf("expected INSTRUMENT_BUSY while reserved, got %s", d.Code)
	}
	if snap := s.Snapshot(); len(snap.InFlight) != 1 || snap.InFlight[0] != "BTC-USDT" {
		t.Fatalf("unexpected in-flight set %v", snap.InFlight)
	}

	s.Release("BTC-USDT")
	if d := s.AdmitAndReserve(signal, 1000); !d.Allowed {
		t.Fatalf("admission after release should pass, got %+v", d)
	}
}

func TestStoreRecordPlacementRequiresReservation(t *testing.T) {
	s := newTestStore(nil)
	entry := types.TradeEntry{ID: "t1", Instrument: "BTC-USDT", Direction: types.DirectionBuy, Amount: 5, PlacedAt: testNow}

	if err := s.RecordPlacement(context.Background(), entry); !errors.Is(err, ErrNotReserved) {
		t.Fatalf("expected ErrNotReserved, got %v", err)
	}

	s.AdmitAndReserve(testSignal(types.VolatilityNormal), 1000)
	if err := s.RecordPlacement(context.Background(), entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Trades) != 1 || !snap.LastTradeAt.Equal(testNow) {
		t.Fatalf("placement not recorded: %+v", snap.RiskState)
	}
	if snap.DirectionStreak.Direction != types.DirectionBuy || snap.DirectionStreak.Count != 1 {
		t.Fatalf("unexpected streak %+v", snap.DirectionStreak)
	}

	// 同一品种在最小间隔内再次准入被拒
	s.Release("BTC-USDT")
	if d := s.AdmitAndReserve(testSignal(types.VolatilityNormal), 1000); d.Code != CodeMinInterval {
		t.Fatalf("expected MIN_INTERVAL after placement, got %s", d.Code)
	}
}

func TestStoreAutoEmergencyStop(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	stop := s.StopSignal()

	results := []types.TradeResult{types.ResultLoss, types.ResultWin, types.ResultLoss, types.ResultLoss}
	for i, r := range results {
		if err := s.RecordOutcome(ctx, outcome(fmt.Sprint(i), r, 1, 0.8, testNow.Add(time.Duration(i-10)*time.Minute))); err != nil {
			t.Fatalf("record outcome: %v", err)
		}
	}

	snap := s.Snapshot()
	if !snap.EmergencyStop {
		t.Fatalf("expected emergency stop after 3 losses in last 5")
	}
	if snap.ConsecutiveLosses != 2 {
		t.Fatalf("expected 2 consecutive losses, got %d", snap.ConsecutiveLosses)
	}
	select {
	case <-stop:
	default:
		t.Fatalf("stop signal should be closed")
	}

	if d := s.AdmitAndReserve(testSignal(types.VolatilityNormal), 1000); d.Code != CodeEmergencyStop {
		t.Fatalf("expected EMERGENCY_STOP, got %s", d.Code)
	}

	if err := s.SetEmergencyStop(ctx, false); err != nil {
		t.Fatalf("clear emergency stop: %v", err)
	}
	select {
	case <-s.StopSignal():
		t.Fatalf("fresh stop signal must be open after clearing")
	default:
	}
}

func TestStoreOutcomeDeduplicated(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	o := outcome("dup", types.ResultLoss, 1, 0, testNow.Add(-time.Hour))

	for i := 0; i < 3; i++ {
		if err := s.RecordOutcome(ctx, o); err != nil {
			t.Fatalf("record outcome: %v", err)
		}
	}
	snap := s.Snapshot()
	if len(snap.Outcomes) != 1 || snap.ConsecutiveLosses != 1 {
		t.Fatalf("duplicate outcome applied twice: %+v", snap.RiskState)
	}

	pending := outcome("p", types.ResultPending, 1, 0, testNow)
	if err := s.RecordOutcome(ctx, pending); err == nil {
		t.Fatalf("pending outcome must be rejected")
	}
}

func TestStoreLoadFailureFailsClosed(t *testing.T) {
	p := &flakyPersister{loadErr: errors.New("redis down")}
	s := newTestStore(p)

	if err := s.Load(context.Background()); err == nil {
		t.Fatalf("expected load error")
	}
	if d := s.AdmitAndReserve(testSignal(types.VolatilityNormal), 1000); d.Code != CodeStateInconsistent {
		t.Fatalf("expected STATE_INCONSISTENT, got %s", d.Code)
	}

	p.loadErr = nil
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if d := s.AdmitAndReserve(testSignal(types.VolatilityNormal), 1000); !d.Allowed {
		t.Fatalf("expected admission after successful reload, got %+v", d)
	}
}

func TestStoreSaveFailureFailsClosed(t *testing.T) {
	p := &flakyPersister{saveErr: errors.New("disk full")}
	s := newTestStore(p)
	ctx := context.Background()

	if err := s.RecordOutcome(ctx, outcome("1", types.ResultWin, 1, 0.8, testNow.Add(-time.Hour))); err == nil {
		t.Fatalf("expected persist error")
	}
	if !s.Snapshot().Inconsistent {
		t.Fatalf("snapshot should report inconsistency")
	}
	if d := s.AdmitAndReserve(testSignal(types.VolatilityNormal), 1000); d.Code != CodeStateInconsistent {
		t.Fatalf("expected STATE_INCONSISTENT, got %s", d.Code)
	}

	p.saveErr = nil
	if err := s.RecordOutcome(ctx, outcome("2", types.ResultWin, 1, 0.8, testNow.Add(-30*time.Minute))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Snapshot().Inconsistent {
		t.Fatalf("successful save should clear inconsistency")
	}
}

func TestStoreLoadRestoresState(t *testing.T) {
	p := NewMemoryPersister()
	first := newTestStore(p)
	ctx := context.Background()

	first.AdmitAndReserve(testSignal(types.VolatilityNormal), 1000)
	if err := first.RecordPlacement(ctx, types.TradeEntry{ID: "a", Instrument: "BTC-USDT", Direction: types.DirectionSell, Amount: 3, PlacedAt: testNow.Add(-time.Minute)}); err != nil {
		t.Fatalf("record placement: %v", err)
	}
	if err := first.SetEmergencyStop(ctx, true); err != nil {
		t.Fatalf("set emergency stop: %v", err)
	}

	second := newTestStore(p)
	if err := second.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap := second.Snapshot()
	if len(snap.Trades) != 1 || !snap.EmergencyStop {
		t.Fatalf("state not restored: %+v", snap.RiskState)
	}
	if len(snap.InFlight) != 0 {
		t.Fatalf("reservations must not survive a restart")
	}
	select {
	case <-second.StopSignal():
	default:
		t.Fatalf("restored emergency stop should close the stop signal")
	}
}

func TestStoreConcurrentAdmissionReservesOnce(t *testing.T) {
	s := newTestStore(nil)
	signal := testSignal(types.VolatilityNormal)

	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := s.AdmitAndReserve(signal, 1000); d.Allowed {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	if allowed != 1 {
		t.Fatalf("expected exactly one reservation, got %d", allowed)
	}
}

func TestStorePrunesExpiredTrades(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()

	s.AdmitAndReserve(testSignal(types.VolatilityNormal), 1000)
	if err := s.RecordPlacement(ctx, types.TradeEntry{ID: "old", Instrument: "BTC-USDT", Direction: types.DirectionBuy, Amount: 1, PlacedAt: testNow.Add(-25 * time.Hour)}); err != nil {
		t.Fatalf("record placement: %v", err)
	}
	if n := len(s.Snapshot().Trades); n != 0 {
		t.Fatalf("expected trade older than 24h to be pruned, got %d", n)
	}
}

func signalFor(instrument string) *types.Signal {
	s := testSignal(types.VolatilityNormal)
	s.Instrument = instrument
	return s
}

func TestStoreReservationsCountTowardLimits(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *types.RiskConfig)
		want   ReasonCode
	}{
		{"hourly cap", func(c *types.RiskConfig) { c.MinInterval = 0; c.MaxTradesPerHour = 1 }, CodeHourlyLimit},
		{"daily cap", func(c *types.RiskConfig) { c.MinInterval = 0; c.MaxTradesPerDay = 1 }, CodeDailyLimit},
		{"min interval", func(c *types.RiskConfig) {}, CodeMinInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testRiskConfig()
			tt.mutate(&cfg)
			s := NewStore(cfg, nil)
			s.now = func() time.Time { return testNow }

			if d := s.AdmitAndReserve(signalFor("BTC-USDT"), 1000); !d.Allowed {
				t.Fatalf("first instrument should pass, got %+v", d)
			}
			if d := s.AdmitAndReserve(signalFor("ETH-USDT"), 1000); d.Code != tt.want {
				t.Fatalf("expected %s while BTC-USDT is reserved, got %s", tt.want, d.Code)
			}

			s.Release("BTC-USDT")
			if d := s.AdmitAndReserve(signalFor("ETH-USDT"), 1000); !d.Allowed {
				t.Fatalf("released reservation should no longer count, got %+v", d)
			}
		})
	}
}

func TestStorePlacedReservationCountedOnce(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MinInterval = 0
	cfg.MaxTradesPerHour = 2
	s := NewStore(cfg, nil)
	s.now = func() time.Time { return testNow }
	ctx := context.Background()

	s.AdmitAndReserve(signalFor("BTC-USDT"), 1000)
	if err := s.RecordPlacement(ctx, types.TradeEntry{ID: "t1", Instrument: "BTC-USDT", Direction: types.DirectionBuy, Amount: 1, PlacedAt: testNow}); err != nil {
		t.Fatalf("record placement: %v", err)
	}
	if d := s.AdmitAndReserve(signalFor("ETH-USDT"), 1000); !d.Allowed {
		t.Fatalf("placed trade should be counted once, got %+v", d)
	}
	if d := s.AdmitAndReserve(signalFor("SOL-USDT"), 1000); d.Code != CodeHourlyLimit {
		t.Fatalf("expected HOURLY_LIMIT with one placed and one reserved, got %s", d.Code)
	}
}

func TestStoreConcurrentAdmissionRespectsHourlyCap(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MinInterval = 0
	cfg.MaxTradesPerHour = 1
	s := NewStore(cfg, nil)
	s.now = func() time.Time { return testNow }

	instruments := []string{"BTC-USDT", "ETH-USDT", "SOL-USDT", "XRP-USDT", "DOGE-USDT", "LTC-USDT"}
	var allowed int32
	var wg sync.WaitGroup
	for _, inst := range instruments {
		wg.Add(1)
		go func(inst string) {
			defer wg.Done()
			if d := s.AdmitAndReserve(signalFor(inst), 1000); d.Allowed {
				atomic.AddInt32(&allowed, 1)
			}
		}(inst)
	}
	wg.Wait()

	if allowed != 1 {
		t.Fatalf("expected one admission across instruments under an hourly cap of 1, got %d", allowed)
	}
}
