package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"confluence-sentry/internal/metrics"
	"confluence-sentry/internal/risk"
	"confluence-sentry/internal/venue"
	"confluence-sentry/pkg/types"
)

// State 执行状态
type State string

const (
	StateIdle            State = "Idle"
	StateValidating      State = "Validating"
	StateAdmitting       State = "Admitting"
	StateSizing          State = "Sizing"
	StatePlacing         State = "Placing"
	StateVerifying       State = "Verifying"
	StateAwaitingOutcome State = "AwaitingOutcome"
	StateClosed          State = "Closed"
	StateAborted         State = "Aborted" // 下单前终止
	StateFailed          State = "Failed"  // 下单或确认阶段失败
)

// 执行阶段的原因代码，准入拒绝直接沿用 risk.ReasonCode
const (
	CodeInvalidSignal       = "INVALID_SIGNAL"
	CodeSignalConsumed      = "SIGNAL_CONSUMED"
	CodeStaleSignal         = "STALE_SIGNAL"
	CodeInvalidDirection    = "INVALID_DIRECTION"
	CodeLowConfidence       = "LOW_CONFIDENCE"
	CodeBalanceUnavailable  = "BALANCE_UNAVAILABLE"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeNoAmountStep        = "NO_AMOUNT_STEP"
	CodePlacementFailed     = "PLACEMENT_FAILED"
	CodePlacementTimeout    = "PLACEMENT_TIMEOUT"
	CodeCancelled           = "CANCELLED"
	CodeVenueError          = "VENUE_ERROR"
	CodePlaced              = "PLACED"
)

// Reason 机器可读的代码加人类可读的说明
type Reason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result 一次执行的结果与状态轨迹
type Result struct {
	State    State              `json:"state"`
	Reason   Reason             `json:"reason"`
	Trace    []State            `json:"trace"`
	Decision *risk.Decision     `json:"decision,omitempty"`
	Amount   float64            `json:"amount,omitempty"`
	Record   *types.TradeRecord `json:"record,omitempty"`
}

// Listener 交易事件回调
type Listener interface {
	TradePlaced(record types.TradeRecord)
	TradeClosed(record types.TradeRecord)
}

// Machine 执行状态机：校验 → 准入 → 仓位 → 下单 → 确认 → 等待结果
type Machine struct {
	cfg           types.ExecutionConfig
	minConfidence float64
	store         *risk.Store
	sizer         *risk.PositionSizer
	venue         venue.Venue
	journal       *Journal
	listener      Listener

	// 已进入执行的信号，按信号创建时间保留到过期
	consumedMu sync.Mutex
	consumed   map[string]time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewMachine 创建执行状态机
func NewMachine(cfg types.ExecutionConfig, minConfidence float64, store *risk.Store, sizer *risk.PositionSizer, v venue.Venue, journal *Journal) *Machine {
	return &Machine{
		cfg:           cfg,
		minConfidence: minConfidence,
		store:         store,
		sizer:         sizer,
		venue:         v,
		journal:       journal,
		consumed:      make(map[string]time.Time),
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

// SetListener 设置交易事件回调
func (m *Machine) SetListener(l Listener) {
	m.listener = l
}

// run 单次执行的状态轨迹
type run struct {
	result Result
}

func (r *run) enter(s State) {
	r.result.State = s
	r.result.Trace = append(r.result.Trace, s)
}

func (r *run) finish(s State, code, message string) Result {
	r.enter(s)
	r.result.Reason = Reason{Code: code, Message: message}
	return r.result
}

// Execute 执行一个信号，返回时处于 AwaitingOutcome、Aborted 或 Failed
func (m *Machine) Execute(ctx context.Context, signal *types.Signal) Result {
	r := &run{}
	r.enter(StateIdle)

	res := m.execute(ctx, r, signal)

	instrument := ""
	if signal != nil {
		instrument = signal.Instrument
	}
	metrics.RecordExecution(string(res.State), res.Reason.Code)
	if res.State == StateAwaitingOutcome {
		zap.L().Info("✅ 下单完成，等待结果",
			zap.String("instrument", instrument),
			zap.String("trade_id", res.Record.ID),
			zap.Float64("amount", res.Amount),
			zap.String("verification", string(res.Record.Verification)))
	} else {
		zap.L().Warn("⛔ 执行终止",
			zap.String("instrument", instrument),
			zap.String("state", string(res.State)),
			zap.String("code", res.Reason.Code),
			zap.String("message", res.Reason.Message))
	}
	return res
}

func (m *Machine) execute(ctx context.Context, r *run, signal *types.Signal) Result {
	r.enter(StateValidating)
	if code, msg, ok := m.validate(signal); !ok {
		return r.finish(StateAborted, code, msg)
	}
	if !m.claim(signal) {
		return r.finish(StateAborted, CodeSignalConsumed, fmt.Sprintf("signal %s has already been executed", signal.ID))
	}

	r.enter(StateAdmitting)
	balance, err := m.venue.Balance(ctx)
	if err != nil {
		return r.finish(StateAborted, CodeBalanceUnavailable, fmt.Sprintf("read venue balance: %v", err))
	}
	metrics.SetVenueBalance(balance)

	decision := m.store.AdmitAndReserve(signal, balance)
	metrics.RecordAdmission(string(decision.Code))
	r.result.Decision = &decision
	if !decision.Allowed {
		return r.finish(StateAborted, string(decision.Code), decision.Message)
	}
	defer m.store.Release(signal.Instrument)

	r.enter(StateSizing)
	snapshot := m.store.Snapshot()
	amount, err := m.sizer.Size(signal, snapshot.RiskState, balance, m.now(), m.venue.RoundAmount)
	if errors.Is(err, risk.ErrNoAmountStep) {
		return r.finish(StateAborted, CodeNoAmountStep, err.Error())
	}
	if err != nil {
		return r.finish(StateAborted, CodeInsufficientBalance, err.Error())
	}
	r.result.Amount = amount

	r.enter(StatePlacing)
	started := time.Now()
	ticket, reason, ok := m.place(ctx, signal, amount)
	metrics.RecordPlacementLatency(time.Since(started))
	if !ok {
		return r.finish(StateFailed, reason.Code, reason.Message)
	}

	r.enter(StateVerifying)
	verification, reason, ok := m.verify(ctx, ticket)
	if !ok {
		return r.finish(StateFailed, reason.Code, reason.Message)
	}

	record := types.TradeRecord{
		ID:           uuid.New().String(),
		Instrument:   signal.Instrument,
		Direction:    signal.Direction,
		Amount:       amount,
		Venue:        m.venue.Name(),
		Ticket:       ticket,
		Duration:     m.cfg.TradeDuration,
		Signal:       *signal,
		PlacedAt:     m.now(),
		Verification: verification,
		Result:       types.ResultPending,
	}
	// 已经下单，持久化失败只影响后续准入
	if err := m.store.RecordPlacement(ctx, record.Entry()); err != nil {
		zap.L().Error("❌ 记录下单失败", zap.String("trade_id", record.ID), zap.Error(err))
	}
	if m.journal != nil {
		m.journal.Add(ctx, record)
	}
	if m.listener != nil {
		m.listener.TradePlaced(record)
	}

	r.result.Record = &record
	return r.finish(StateAwaitingOutcome, CodePlaced, fmt.Sprintf("placed %s %.2f, %s", record.Direction, amount, verification))
}

func (m *Machine) validate(signal *types.Signal) (string, string, bool) {
	if signal == nil {
		return CodeInvalidSignal, "signal is missing", false
	}
	if signal.ID == "" {
		return CodeInvalidSignal, "signal has no id", false
	}
	if age := signal.Age(m.now()); age > m.cfg.MaxSignalAge {
		return CodeStaleSignal, fmt.Sprintf("signal is %s old, limit %s", age.Round(time.Second), m.cfg.MaxSignalAge), false
	}
	if !signal.Direction.Tradable() {
		return CodeInvalidDirection, fmt.Sprintf("direction %s is not tradable", signal.Direction), false
	}
	if signal.Confidence < m.minConfidence {
		return CodeLowConfidence, fmt.Sprintf("confidence %.1f below minimum %.1f", signal.Confidence, m.minConfidence), false
	}
	return "", "", true
}

// claim 每个信号只能进入执行一次，无论结果如何
func (m *Machine) claim(signal *types.Signal) bool {
	m.consumedMu.Lock()
	defer m.consumedMu.Unlock()

	now := m.now()
	// 超过最大信号年龄的记录可以丢弃，过期信号在校验阶段已被拒绝
	for id, createdAt := range m.consumed {
		if now.Sub(createdAt) > m.cfg.MaxSignalAge {
			delete(m.consumed, id)
		}
	}
	if _, ok := m.consumed[signal.ID]; ok {
		return false
	}
	m.consumed[signal.ID] = signal.CreatedAt
	return true
}

// place 在总时限内完成设置时长、金额与下单，紧急停止会取消进行中的下单
func (m *Machine) place(ctx context.Context, signal *types.Signal, amount float64) (string, Reason, bool) {
	placeCtx, cancel := context.WithTimeout(ctx, m.cfg.PlacementCeiling)
	defer cancel()

	var stopped atomic.Bool
	stop := m.store.StopSignal()
	go func() {
		select {
		case <-stop:
			stopped.Store(true)
			cancel()
		case <-placeCtx.Done():
		}
	}()

	instrument := signal.Instrument
	durCtx, durCancel := context.WithTimeout(placeCtx, m.cfg.AttemptTimeout)
	err := m.venue.SetDuration(durCtx, instrument, m.cfg.TradeDuration)
	durCancel()
	metrics.RecordVenueAttempt("set_duration", venue.StrategyPrimary.String(), err)
	if err != nil {
		zap.L().Warn("⚠️ 设置交易时长失败，继续下单", zap.String("instrument", instrument), zap.Error(err))
	}

	var ticket string
	err = m.retry(placeCtx, "set_amount", func(ctx context.Context, s venue.InputStrategy) error {
		return m.venue.SetAmount(ctx, instrument, amount, s)
	})
	if err == nil {
		err = m.retry(placeCtx, "place", func(ctx context.Context, s venue.InputStrategy) error {
			t, err := m.venue.PlaceDirectional(ctx, instrument, signal.Direction, s)
			if err == nil {
				ticket = t
			}
			return err
		})
	}
	if err == nil {
		return ticket, Reason{}, true
	}

	switch {
	case stopped.Load():
		return "", Reason{Code: CodeCancelled, Message: "cancelled by emergency stop"}, false
	case ctx.Err() != nil:
		return "", Reason{Code: CodeCancelled, Message: fmt.Sprintf("cancelled: %v", ctx.Err())}, false
	case errors.Is(placeCtx.Err(), context.DeadlineExceeded):
		return "", Reason{Code: CodePlacementTimeout, Message: fmt.Sprintf("placement exceeded %s: %v", m.cfg.PlacementCeiling, err)}, false
	default:
		return "", Reason{Code: CodePlacementFailed, Message: err.Error()}, false
	}
}

// retry 每种输入方式尝试 AttemptsPerInput 次，先主方式后备用方式
func (m *Machine) retry(ctx context.Context, step string, fn func(context.Context, venue.InputStrategy) error) error {
	strategies := []venue.InputStrategy{venue.StrategyPrimary, venue.StrategyAlternate}
	attempts := max(m.cfg.AttemptsPerInput, 1)

	var lastErr error
	for si, strategy := range strategies {
		for i := 1; i <= attempts; i++ {
			if err := ctx.Err(); err != nil {
				if lastErr == nil {
					lastErr = err
				}
				return lastErr
			}

			attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
			err := fn(attemptCtx, strategy)
			cancel()
			metrics.RecordVenueAttempt(step, strategy.String(), err)
			if err == nil {
				return nil
			}
			lastErr = err
			zap.L().Warn("🔁 交易场所操作失败，准备重试",
				zap.String("step", step),
				zap.String("strategy", strategy.String()),
				zap.Int("attempt", i),
				zap.Error(err))

			if si == len(strategies)-1 && i == attempts {
				break
			}
			if err := m.sleep(ctx, m.cfg.RetryBackoff); err != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

// verify 轮询确认；出现错误提示判定失败，超时没有任何反馈按成功处理并标记为 assumed
func (m *Machine) verify(ctx context.Context, ticket string) (types.Verification, Reason, bool) {
	verifyCtx, cancel := context.WithTimeout(ctx, m.cfg.VerifyTimeout)
	defer cancel()

	for {
		conf, err := m.venue.PollConfirmation(verifyCtx, ticket)
		switch {
		case err != nil:
			zap.L().Debug("确认轮询失败", zap.String("ticket", ticket), zap.Error(err))
		case conf.ErrorText != "":
			return "", Reason{Code: CodeVenueError, Message: conf.ErrorText}, false
		case conf.Confirmed:
			return types.VerificationConfirmed, Reason{}, true
		}

		if err := m.sleep(verifyCtx, m.cfg.VerifyPollInterval); err != nil {
			zap.L().Warn("⚠️ 未收到下单确认，按成功处理", zap.String("ticket", ticket))
			return types.VerificationAssumed, Reason{}, true
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
