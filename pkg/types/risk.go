package types

import "time"

// TradeResult 交易结果
type TradeResult string

const (
	ResultPending TradeResult = "pending"
	ResultWin     TradeResult = "win"
	ResultLoss    TradeResult = "loss"
)

// Closed 是否已出结果
func (r TradeResult) Closed() bool {
	return r == ResultWin || r == ResultLoss
}

// TradeEntry 下单记录（用于频率窗口统计）
type TradeEntry struct {
	ID         string    `json:"id"`
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction"`
	Amount     float64   `json:"amount"`
	PlacedAt   time.Time `json:"placed_at"`
}

// OutcomeEntry 已结算交易
type OutcomeEntry struct {
	ID         string      `json:"id"`
	Instrument string      `json:"instrument"`
	Direction  Direction   `json:"direction"`
	Amount     float64     `json:"amount"`
	Payout     float64     `json:"payout"` // 盈利金额（不含本金）
	Result     TradeResult `json:"result"`
	ClosedAt   time.Time   `json:"closed_at"`
}

// NetPnL 净盈亏：盈利为收益，亏损为投入金额
func (o OutcomeEntry) NetPnL() float64 {
	switch o.Result {
	case ResultWin:
		return o.Payout
	case ResultLoss:
		return -o.Amount
	default:
		return 0
	}
}

// DirectionStreak 连续同方向下单计数
type DirectionStreak struct {
	Direction Direction `json:"direction"`
	Count     int       `json:"count"`
}

// RiskState 进程级风控状态，由 risk.Store 唯一持有
type RiskState struct {
	Trades            []TradeEntry    `json:"trades"`
	Outcomes          []OutcomeEntry  `json:"outcomes"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	DirectionStreak   DirectionStreak `json:"direction_streak"`
	LastTradeAt       time.Time       `json:"last_trade_at"`
	LastLossAt        time.Time       `json:"last_loss_at"`
	EmergencyStop     bool            `json:"emergency_stop"`
	UpdatedAt         time.Time       `json:"updated_at"`

	// Inconsistent 状态加载或持久化失败，不落盘
	Inconsistent bool `json:"-"`
}

// Clone 深拷贝
func (s RiskState) Clone() RiskState {
	out := s
	out.Trades = append([]TradeEntry(nil), s.Trades...)
	out.Outcomes = append([]OutcomeEntry(nil), s.Outcomes...)
	return out
}

// TradesSince 窗口内的下单数
func (s RiskState) TradesSince(cutoff time.Time) int {
	n := 0
	for _, t := range s.Trades {
		if t.PlacedAt.After(cutoff) {
			n++
		}
	}
	return n
}

// LossesSince 窗口内的亏损次数
func (s RiskState) LossesSince(cutoff time.Time) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Result == ResultLoss && o.ClosedAt.After(cutoff) {
			n++
		}
	}
	return n
}

// RealizedLossSince 窗口内已实现的净亏损（正数），盈利时为0
func (s RiskState) RealizedLossSince(cutoff time.Time) float64 {
	pnl := 0.0
	for _, o := range s.Outcomes {
		if o.ClosedAt.After(cutoff) {
			pnl += o.NetPnL()
		}
	}
	if pnl >= 0 {
		return 0
	}
	return -pnl
}

// LastOutcomes 最近 n 笔已结算交易，按时间顺序
func (s RiskState) LastOutcomes(n int) []OutcomeEntry {
	if n <= 0 || len(s.Outcomes) == 0 {
		return nil
	}
	if n > len(s.Outcomes) {
		n = len(s.Outcomes)
	}
	return s.Outcomes[len(s.Outcomes)-n:]
}

// WinRate 最近 n 笔的胜率，返回胜率与样本数
func (s RiskState) WinRate(n int) (float64, int) {
	recent := s.LastOutcomes(n)
	if len(recent) == 0 {
		return 0, 0
	}
	wins := 0
	for _, o := range recent {
		if o.Result == ResultWin {
			wins++
		}
	}
	return float64(wins) / float64(len(recent)), len(recent)
}

// LossesInLast 最近 n 笔中的亏损次数
func (s RiskState) LossesInLast(n int) int {
	losses := 0
	for _, o := range s.LastOutcomes(n) {
		if o.Result == ResultLoss {
			losses++
		}
	}
	return losses
}
