package types

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Direction 交易方向
type Direction string

const (
	DirectionBuy     Direction = "BUY"
	DirectionSell    Direction = "SELL"
	DirectionNeutral Direction = "NEUTRAL"
)

// Opposite 反方向，中性保持不变
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionBuy:
		return DirectionSell
	case DirectionSell:
		return DirectionBuy
	default:
		return DirectionNeutral
	}
}

// Tradable 是否为可下单方向
func (d Direction) Tradable() bool {
	return d == DirectionBuy || d == DirectionSell
}

// DirectionFromTrend 趋势转换为方向
func DirectionFromTrend(t Trend) Direction {
	switch t {
	case TrendBullish:
		return DirectionBuy
	case TrendBearish:
		return DirectionSell
	default:
		return DirectionNeutral
	}
}

// Volatility 波动率等级
type Volatility string

const (
	VolatilityLow     Volatility = "low"
	VolatilityNormal  Volatility = "normal"
	VolatilityHigh    Volatility = "high"
	VolatilityExtreme Volatility = "extreme"
)

// DataQuality 数据质量等级
type DataQuality string

const (
	QualityPoor      DataQuality = "poor"
	QualityFair      DataQuality = "fair"
	QualityGood      DataQuality = "good"
	QualityExcellent DataQuality = "excellent"
)

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// SignalStrength 信号强度分级
type SignalStrength string

const (
	SignalWeak       SignalStrength = "weak"
	SignalMedium     SignalStrength = "medium"
	SignalStrong     SignalStrength = "strong"
	SignalVeryStrong SignalStrength = "very_strong"
)

// TechnicalDetails 信号的技术面细节
type TechnicalDetails struct {
	BullishScore       float64     `json:"bullish_score"`
	BearishScore       float64     `json:"bearish_score"`
	TimeframeAlignment float64     `json:"timeframe_alignment"` // [0,1]
	Volatility         Volatility  `json:"volatility"`
	DataQuality        DataQuality `json:"data_quality"`
	Timeframes         []Timeframe `json:"timeframes"` // 参与计算的周期
}

// RiskAssessment 风险评估
type RiskAssessment struct {
	Level RiskLevel `json:"level"`
	Score float64   `json:"score"`
}

// Signal 多周期共振信号，只能通过 NewSignal 构造，构造后不再修改
type Signal struct {
	ID               string           `json:"id"`
	Instrument       string           `json:"instrument"`
	Direction        Direction        `json:"direction"`
	Confidence       float64          `json:"confidence"`
	Reasons          []string         `json:"reasons"`
	TechnicalDetails TechnicalDetails `json:"technical_details"`
	RiskAssessment   RiskAssessment   `json:"risk_assessment"`
	PositionSizeHint float64          `json:"position_size_hint"` // 仓位建议百分比 [0,100]
	Strength         SignalStrength   `json:"strength"`
	CreatedAt        time.Time        `json:"created_at"`
}

var (
	ErrInvalidDirection  = errors.New("invalid signal direction")
	ErrInvalidConfidence = errors.New("invalid signal confidence")
	ErrMissingInstrument = errors.New("signal instrument is empty")
)

// NewSignal 校验并构造信号，数值字段被限制在合法区间内
func NewSignal(s Signal) (*Signal, error) {
	if s.Instrument == "" {
		return nil, ErrMissingInstrument
	}
	switch s.Direction {
	case DirectionBuy, DirectionSell, DirectionNeutral:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDirection, s.Direction)
	}
	if math.IsNaN(s.Confidence) || math.IsInf(s.Confidence, 0) {
		return nil, ErrInvalidConfidence
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	s.Confidence = Clamp(s.Confidence, 0, 100)
	s.PositionSizeHint = Clamp(s.PositionSizeHint, 0, 100)
	s.TechnicalDetails.TimeframeAlignment = Clamp(s.TechnicalDetails.TimeframeAlignment, 0, 1)
	s.RiskAssessment.Score = Clamp(s.RiskAssessment.Score, 0, 100)

	if s.TechnicalDetails.Volatility == "" {
		s.TechnicalDetails.Volatility = VolatilityNormal
	}
	if s.TechnicalDetails.DataQuality == "" {
		s.TechnicalDetails.DataQuality = QualityPoor
	}
	if s.RiskAssessment.Level == "" {
		s.RiskAssessment.Level = RiskMedium
	}
	if s.Strength == "" {
		s.Strength = SignalWeak
	}

	// 复制切片，避免调用方后续修改
	s.Reasons = append([]string(nil), s.Reasons...)
	s.TechnicalDetails.Timeframes = append([]Timeframe(nil), s.TechnicalDetails.Timeframes...)

	return &s, nil
}

// Age 信号年龄
func (s *Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Actionable 是否为可交易信号
func (s *Signal) Actionable() bool {
	return s != nil && s.Direction.Tradable()
}

// Clamp 限制数值区间
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
