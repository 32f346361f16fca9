package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"confluence-sentry/pkg/types"
)

const persistTimeout = 3 * time.Second

// ErrNotReserved 提交下单前必须先通过准入并占用品种
var ErrNotReserved = errors.New("instrument is not reserved")

// Persister 风控状态持久化
type Persister interface {
	// Load 没有历史状态时返回 nil, nil
	Load(ctx context.Context) (*types.RiskState, error)
	Save(ctx context.Context, state types.RiskState) error
}

// Snapshot 风控状态快照
type Snapshot struct {
	types.RiskState
	InFlight []string `json:"in_flight"`
}

// reservation 品种占用，下单记录写入前按一笔交易计入频率限制
type reservation struct {
	at     time.Time
	placed bool
}

// Store 进程内唯一的风控状态持有者，所有读写在同一把锁下串行
type Store struct {
	mu         sync.Mutex
	state      types.RiskState
	inFlight   map[string]*reservation
	loadFailed bool
	saveFailed bool
	stopCh     chan struct{}

	config    types.RiskConfig
	admission *AdmissionController
	persister Persister
	now       func() time.Time
}

// NewStore 创建风控状态存储
func NewStore(config types.RiskConfig, persister Persister) *Store {
	if persister == nil {
		persister = NewMemoryPersister()
	}
	return &Store{
		inFlight:  make(map[string]*reservation),
		stopCh:    make(chan struct{}),
		config:    config,
		admission: NewAdmissionController(config),
		persister: persister,
		now:       time.Now,
	}
}

// Load 从持久化恢复状态。失败时进入不一致状态，拒绝所有准入直到重新加载成功
func (s *Store) Load(ctx context.Context) error {
	loaded, err := s.persister.Load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.loadFailed = true
		zap.L().Error("❌ 加载风控状态失败，暂停交易", zap.Error(err))
		return fmt.Errorf("load risk state: %w", err)
	}

	s.loadFailed = false
	if loaded != nil {
		s.state = loaded.Clone()
		s.state.Inconsistent = false
		s.prune(s.now())
	}
	if s.state.EmergencyStop {
		s.closeStopLocked()
	}

	zap.L().Info("✅ 风控状态已加载",
		zap.Int("trades", len(s.state.Trades)),
		zap.Int("outcomes", len(s.state.Outcomes)),
		zap.Int("consecutive_losses", s.state.ConsecutiveLosses),
		zap.Bool("emergency_stop", s.state.EmergencyStop))
	return nil
}

// Snapshot 返回状态副本
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.state.Clone()
	state.Inconsistent = s.inconsistentLocked()

	inFlight := make([]string, 0, len(s.inFlight))
	for inst := range s.inFlight {
		inFlight = append(inFlight, inst)
	}
	sort.Strings(inFlight)

	return Snapshot{RiskState: state, InFlight: inFlight}
}

// AdmitAndReserve 准入判断与品种占用在同一把锁下完成
func (s *Store) AdmitAndReserve(signal *types.Signal, balance float64) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.prune(now)

	state := s.withReservationsLocked(now)
	state.Inconsistent = s.inconsistentLocked()
	_, busy := s.inFlight[signal.Instrument]

	decision := s.admission.Admit(AdmissionInput{
		Signal:   signal,
		State:    state,
		Balance:  balance,
		Now:      now,
		InFlight: busy,
	})
	if decision.Allowed {
		s.inFlight[signal.Instrument] = &reservation{at: now}
	}
	return decision
}

// withReservationsLocked 把尚未写入下单记录的占用视为此刻的一笔交易，
// 保证并发准入时频率限制与最小间隔对所有品种生效
func (s *Store) withReservationsLocked(now time.Time) types.RiskState {
	state := s.state
	pending := 0
	for _, r := range s.inFlight {
		if !r.placed {
			pending++
		}
	}
	if pending == 0 {
		return state
	}

	state.Trades = append(make([]types.TradeEntry, 0, len(s.state.Trades)+pending), s.state.Trades...)
	for inst, r := range s.inFlight {
		if r.placed {
			continue
		}
		state.Trades = append(state.Trades, types.TradeEntry{Instrument: inst, PlacedAt: now})
	}
	state.LastTradeAt = now
	return state
}

// Release 释放品种占用，执行到达终态时调用
func (s *Store) Release(instrument string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, instrument)
}

// RecordPlacement 记录一次已下单交易
func (s *Store) RecordPlacement(ctx context.Context, entry types.TradeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.inFlight[entry.Instrument]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotReserved, entry.Instrument)
	}
	r.placed = true

	s.state.Trades = append(s.state.Trades, entry)
	if entry.PlacedAt.After(s.state.LastTradeAt) {
		s.state.LastTradeAt = entry.PlacedAt
	}
	if s.state.DirectionStreak.Direction == entry.Direction {
		s.state.DirectionStreak.Count++
	} else {
		s.state.DirectionStreak = types.DirectionStreak{Direction: entry.Direction, Count: 1}
	}
	s.prune(s.now())

	return s.persistLocked(ctx)
}

// RecordOutcome 记录交易结果，更新连亏、最近亏损时间，必要时自动触发紧急停止
func (s *Store) RecordOutcome(ctx context.Context, outcome types.OutcomeEntry) error {
	if !outcome.Result.Closed() {
		return fmt.Errorf("outcome %s is not closed: %s", outcome.ID, outcome.Result)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.state.Outcomes {
		if o.ID == outcome.ID {
			return nil
		}
	}

	s.state.Outcomes = append(s.state.Outcomes, outcome)
	if limit := s.config.OutcomeHistoryLimit; limit > 0 && len(s.state.Outcomes) > limit {
		s.state.Outcomes = append([]types.OutcomeEntry(nil), s.state.Outcomes[len(s.state.Outcomes)-limit:]...)
	}

	if outcome.Result == types.ResultLoss {
		s.state.ConsecutiveLosses++
		if outcome.ClosedAt.After(s.state.LastLossAt) {
			s.state.LastLossAt = outcome.ClosedAt
		}
	} else {
		s.state.ConsecutiveLosses = 0
	}

	window, trigger := s.config.EmergencyLossWindow, s.config.EmergencyLossTrigger
	if !s.state.EmergencyStop && trigger > 0 {
		if losses := s.state.LossesInLast(window); losses >= trigger {
			s.state.EmergencyStop = true
			s.closeStopLocked()
			zap.L().Warn("🚨 近期亏损过多，自动触发紧急停止",
				zap.Int("losses", losses),
				zap.Int("window", window))
		}
	}
	s.prune(s.now())

	return s.persistLocked(ctx)
}

// SetEmergencyStop 设置紧急停止。开启时通知所有进行中的下单取消
func (s *Store) SetEmergencyStop(ctx context.Context, stop bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.EmergencyStop == stop {
		return nil
	}
	s.state.EmergencyStop = stop
	if stop {
		s.closeStopLocked()
	} else {
		s.stopCh = make(chan struct{})
	}
	zap.L().Warn("🛑 紧急停止状态变更", zap.Bool("emergency_stop", stop))

	return s.persistLocked(ctx)
}

// StopSignal 紧急停止开启时关闭的通道
func (s *Store) StopSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh
}

func (s *Store) closeStopLocked() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

func (s *Store) inconsistentLocked() bool {
	return s.loadFailed || s.saveFailed
}

// prune 按滑动窗口丢弃过期的下单记录
func (s *Store) prune(now time.Time) {
	cutoff := now.Add(-dayWindow)
	start := 0
	for start < len(s.state.Trades) && !s.state.Trades[start].PlacedAt.After(cutoff) {
		start++
	}
	if start > 0 {
		s.state.Trades = append([]types.TradeEntry(nil), s.state.Trades[start:]...)
	}
}

// persistLocked 每次变更后落盘，失败时进入不一致状态
func (s *Store) persistLocked(ctx context.Context) error {
	s.state.UpdatedAt = s.now()

	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if err := s.persister.Save(ctx, s.state.Clone()); err != nil {
		s.saveFailed = true
		zap.L().Error("❌ 风控状态持久化失败，暂停交易", zap.Error(err))
		return fmt.Errorf("persist risk state: %w", err)
	}
	s.saveFailed = false
	return nil
}

// MemoryPersister 纯内存持久化，未配置Redis时使用
type MemoryPersister struct {
	mu    sync.Mutex
	state *types.RiskState
}

// NewMemoryPersister 创建内存持久化
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

func (m *MemoryPersister) Load(ctx context.Context) (*types.RiskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	state := m.state.Clone()
	return &state, nil
}

func (m *MemoryPersister) Save(ctx context.Context, state types.RiskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cloned := state.Clone()
	m.state = &cloned
	return nil
}
