package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"confluence-sentry/pkg/types"
)

// paperTicket 模拟下单，记录入场价与到期时间
type paperTicket struct {
	instrument string
	direction  types.Direction
	amount     float64
	entryPrice float64
	expiresAt  time.Time
	settled    *Settlement
}

// paperInput 下单前设置的金额与时长
type paperInput struct {
	amount   float64
	duration time.Duration
}

// PaperVenue 纯内存模拟交易场所，到期后按最新价格判定输赢
type PaperVenue struct {
	mu        sync.Mutex
	balance   float64
	payoutPct float64
	inputs    map[string]paperInput
	tickets   map[string]*paperTicket
	prices    PriceSource
	now       func() time.Time
}

// NewPaperVenue 创建模拟交易场所
func NewPaperVenue(cfg types.VenueConfig, prices PriceSource) *PaperVenue {
	return &PaperVenue{
		balance:   cfg.PaperBalance,
		payoutPct: cfg.PaperPayoutPct,
		inputs:    make(map[string]paperInput),
		tickets:   make(map[string]*paperTicket),
		prices:    prices,
		now:       time.Now,
	}
}

func (p *PaperVenue) Name() string { return "paper" }

func (p *PaperVenue) SetDuration(ctx context.Context, instrument string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("invalid duration: %s", d)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	in := p.inputs[instrument]
	in.duration = d
	p.inputs[instrument] = in
	return nil
}

func (p *PaperVenue) SetAmount(ctx context.Context, instrument string, amount float64, strategy InputStrategy) error {
	if amount <= 0 {
		return fmt.Errorf("invalid amount: %.2f", amount)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if amount > p.balance {
		return fmt.Errorf("amount %.2f exceeds balance %.2f", amount, p.balance)
	}
	in := p.inputs[instrument]
	in.amount = amount
	p.inputs[instrument] = in
	return nil
}

func (p *PaperVenue) PlaceDirectional(ctx context.Context, instrument string, direction types.Direction, strategy InputStrategy) (string, error) {
	if !direction.Tradable() {
		return "", fmt.Errorf("invalid direction: %s", direction)
	}
	price, ok := p.lastPrice(instrument)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoPrice, instrument)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	in, ok := p.inputs[instrument]
	if !ok || in.amount <= 0 {
		return "", fmt.Errorf("amount not set for %s", instrument)
	}
	if in.duration <= 0 {
		in.duration = time.Minute
	}

	id := uuid.New().String()
	p.tickets[id] = &paperTicket{
		instrument: instrument,
		direction:  direction,
		amount:     in.amount,
		entryPrice: price,
		expiresAt:  p.now().Add(in.duration),
	}
	p.balance -= in.amount
	delete(p.inputs, instrument)

	zap.L().Info("📝 模拟下单",
		zap.String("ticket", id),
		zap.String("instrument", instrument),
		zap.String("direction", string(direction)),
		zap.Float64("amount", in.amount),
		zap.Float64("entry_price", price))
	return id, nil
}

func (p *PaperVenue) PollConfirmation(ctx context.Context, ticket string) (Confirmation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tickets[ticket]; !ok {
		return Confirmation{}, fmt.Errorf("%w: %s", ErrUnknownTicket, ticket)
	}
	return Confirmation{Confirmed: true}, nil
}

func (p *PaperVenue) RoundAmount(amount float64) float64 {
	return RoundTiered(amount)
}

func (p *PaperVenue) Balance(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

// Settle 到期后按最新价格结算，价格不变视为亏损
func (p *PaperVenue) Settle(ctx context.Context, ticket string) (Settlement, error) {
	p.mu.Lock()
	t, ok := p.tickets[ticket]
	if !ok {
		p.mu.Unlock()
		return Settlement{}, fmt.Errorf("%w: %s", ErrUnknownTicket, ticket)
	}
	if t.settled != nil {
		s := *t.settled
		p.mu.Unlock()
		return s, nil
	}
	if p.now().Before(t.expiresAt) {
		p.mu.Unlock()
		return Settlement{Result: types.ResultPending}, nil
	}
	instrument := t.instrument
	p.mu.Unlock()

	price, ok := p.lastPrice(instrument)
	if !ok {
		return Settlement{}, fmt.Errorf("%w: %s", ErrNoPrice, instrument)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if t.settled != nil {
		return *t.settled, nil
	}

	won := (t.direction == types.DirectionBuy && price > t.entryPrice) ||
		(t.direction == types.DirectionSell && price < t.entryPrice)
	s := Settlement{Result: types.ResultLoss}
	if won {
		s = Settlement{Result: types.ResultWin, Payout: t.amount * p.payoutPct / 100}
		p.balance += t.amount + s.Payout
	}
	t.settled = &s
	return s, nil
}

func (p *PaperVenue) lastPrice(instrument string) (float64, bool) {
	if p.prices == nil {
		return 0, false
	}
	price, ok := p.prices.LastPrice(instrument)
	return price, ok && price > 0
}
