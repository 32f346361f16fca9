package types

import "time"

// Verification 下单确认方式
type Verification string

const (
	VerificationConfirmed Verification = "confirmed"
	// VerificationAssumed 既没有确认也没有错误提示，按低置信度成功处理
	VerificationAssumed Verification = "assumed"
)

// TradeRecord 交易记录，下单时创建，出结果时关闭一次
type TradeRecord struct {
	ID           string        `json:"id"`
	Instrument   string        `json:"instrument"`
	Direction    Direction     `json:"direction"`
	Amount       float64       `json:"amount"`
	Venue        string        `json:"venue"`
	Ticket       string        `json:"ticket"` // 交易场所返回的下单凭证
	Duration     time.Duration `json:"duration"`
	Signal       Signal        `json:"signal"`
	PlacedAt     time.Time     `json:"placed_at"`
	Verification Verification  `json:"verification"`
	Result       TradeResult   `json:"result"`
	Payout       float64       `json:"payout"`
	ClosedAt     time.Time     `json:"closed_at,omitempty"`
}

// Outcome 转换为风控结算记录
func (r TradeRecord) Outcome() OutcomeEntry {
	return OutcomeEntry{
		ID:         r.ID,
		Instrument: r.Instrument,
		Direction:  r.Direction,
		Amount:     r.Amount,
		Payout:     r.Payout,
		Result:     r.Result,
		ClosedAt:   r.ClosedAt,
	}
}

// Entry 转换为风控下单记录
func (r TradeRecord) Entry() TradeEntry {
	return TradeEntry{
		ID:         r.ID,
		Instrument: r.Instrument,
		Direction:  r.Direction,
		Amount:     r.Amount,
		PlacedAt:   r.PlacedAt,
	}
}
