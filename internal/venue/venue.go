package venue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"confluence-sentry/pkg/types"
)

var (
	// ErrUnknownTicket 交易场所查不到该下单凭证
	ErrUnknownTicket = errors.New("unknown ticket")
	// ErrNoPrice 缺少最新价格，无法下单或结算
	ErrNoPrice = errors.New("no price available")
)

// InputStrategy 输入方式，主方式失败后改用备用方式
type InputStrategy int

const (
	StrategyPrimary InputStrategy = iota
	StrategyAlternate
)

func (s InputStrategy) String() string {
	if s == StrategyAlternate {
		return "alternate"
	}
	return "primary"
}

// Confirmation 下单确认轮询结果。两者皆空表示场所没有给出任何反馈
type Confirmation struct {
	Confirmed bool   `json:"confirmed"`
	ErrorText string `json:"error,omitempty"`
}

// Settlement 交易结算结果，Result 为 pending 表示尚未到期
type Settlement struct {
	Result types.TradeResult `json:"result"`
	Payout float64           `json:"payout"`
}

// Venue 交易场所，所有阻塞调用都接受 context
type Venue interface {
	Name() string
	SetDuration(ctx context.Context, instrument string, d time.Duration) error
	SetAmount(ctx context.Context, instrument string, amount float64, strategy InputStrategy) error
	// PlaceDirectional 按方向下单，返回用于确认与结算的凭证
	PlaceDirectional(ctx context.Context, instrument string, direction types.Direction, strategy InputStrategy) (string, error)
	PollConfirmation(ctx context.Context, ticket string) (Confirmation, error)
	RoundAmount(amount float64) float64
	Balance(ctx context.Context) (float64, error)
}

// OutcomeSource 可查询到期结果的交易场所
type OutcomeSource interface {
	Settle(ctx context.Context, ticket string) (Settlement, error)
}

// PriceSource 最新价格来源
type PriceSource interface {
	LastPrice(instrument string) (float64, bool)
}

// RoundTiered 金额步长：10以下取整，100以下取5的倍数，其余取10的倍数
func RoundTiered(amount float64) float64 {
	switch {
	case amount < 10:
		return math.Round(amount)
	case amount < 100:
		return math.Round(amount/5) * 5
	default:
		return math.Round(amount/10) * 10
	}
}

// New 根据配置创建交易场所
func New(cfg types.VenueConfig, prices PriceSource) (Venue, error) {
	switch cfg.Type {
	case "", "paper":
		return NewPaperVenue(cfg, prices), nil
	case "bridge":
		return NewBridgeVenue(cfg, 0), nil
	default:
		return nil, fmt.Errorf("unsupported venue type: %s", cfg.Type)
	}
}
