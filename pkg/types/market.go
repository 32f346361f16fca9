package types

import (
	"strings"
	"time"
)

// Timeframe K线聚合周期
type Timeframe string

const (
	TF1M  Timeframe = "1M"
	TF5M  Timeframe = "5M"
	TF15M Timeframe = "15M"
	TF30M Timeframe = "30M"
	TF1H  Timeframe = "1H"
	TF4H  Timeframe = "4H"
)

// AllTimeframes 支持的全部周期（由小到大）
var AllTimeframes = []Timeframe{TF1M, TF5M, TF15M, TF30M, TF1H, TF4H}

// ParseTimeframe 解析周期字符串，兼容 OKX 的 bar 写法（1m、1H 等）
func ParseTimeframe(s string) (Timeframe, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "1M":
		return TF1M, true
	case "5M":
		return TF5M, true
	case "15M":
		return TF15M, true
	case "30M":
		return TF30M, true
	case "1H":
		return TF1H, true
	case "4H":
		return TF4H, true
	default:
		return "", false
	}
}

// Duration 单根K线的时长
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1M:
		return time.Minute
	case TF5M:
		return 5 * time.Minute
	case TF15M:
		return 15 * time.Minute
	case TF30M:
		return 30 * time.Minute
	case TF1H:
		return time.Hour
	case TF4H:
		return 4 * time.Hour
	default:
		return 0
	}
}

// OKXBar OKX接口使用的 bar 参数
func (tf Timeframe) OKXBar() string {
	switch tf {
	case TF1M:
		return "1m"
	case TF5M:
		return "5m"
	case TF15M:
		return "15m"
	case TF30M:
		return "30m"
	case TF1H:
		return "1H"
	case TF4H:
		return "4H"
	default:
		return string(tf)
	}
}

// Candle K线数据，一经生成不再修改
type Candle struct {
	Timestamp time.Time `json:"timestamp"` // 开盘时间
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Body 实体大小
func (c Candle) Body() float64 {
	if c.Close > c.Open {
		return c.Close - c.Open
	}
	return c.Open - c.Close
}

// Range 最高最低价差
func (c Candle) Range() float64 {
	return c.High - c.Low
}

// IsBullish 阳线
func (c Candle) IsBullish() bool {
	return c.Close > c.Open
}

// IsBearish 阴线
func (c Candle) IsBearish() bool {
	return c.Close < c.Open
}

// Valid 基本价格合法性检查
func (c Candle) Valid() bool {
	if c.Timestamp.IsZero() {
		return false
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 || c.Volume < 0 {
		return false
	}
	if c.High < c.Low {
		return false
	}
	return c.High >= c.Open && c.High >= c.Close && c.Low <= c.Open && c.Low <= c.Close
}

// CandleUpdate 推送流中的一根K线（可能是未收盘的K线）
type CandleUpdate struct {
	Instrument string
	Timeframe  Timeframe
	Candle     Candle
	Confirmed  bool
}
