package risk

import (
	"fmt"
	"math"
	"time"

	"confluence-sentry/pkg/types"
)

// ReasonCode 准入结果代码
type ReasonCode string

const (
	CodeAllowed           ReasonCode = "ALLOWED"
	CodeStateInconsistent ReasonCode = "STATE_INCONSISTENT"
	CodeEmergencyStop     ReasonCode = "EMERGENCY_STOP"
	CodeInstrumentBusy    ReasonCode = "INSTRUMENT_BUSY"
	CodeMinInterval       ReasonCode = "MIN_INTERVAL"
	CodeHourlyLimit       ReasonCode = "HOURLY_LIMIT"
	CodeDailyLimit        ReasonCode = "DAILY_LIMIT"
	CodeConsecutiveLosses ReasonCode = "CONSECUTIVE_LOSSES"
	CodeDailyLossLimit    ReasonCode = "DAILY_LOSS_LIMIT"
	CodeCooldownActive    ReasonCode = "COOLDOWN_ACTIVE"
	CodeBalanceProtection ReasonCode = "BALANCE_PROTECTION"
	CodeLowWinRate        ReasonCode = "LOW_WIN_RATE"
	CodeExtremeVolatility ReasonCode = "EXTREME_VOLATILITY"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// Decision 准入结果
type Decision struct {
	Allowed bool                   `json:"allowed"`
	Code    ReasonCode             `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// AdmissionInput 准入判断所需的全部输入
type AdmissionInput struct {
	Signal   *types.Signal
	State    types.RiskState
	Balance  float64
	Now      time.Time
	InFlight bool // 该品种已有进行中的下单
}

// AdmissionController 准入控制，按顺序检查，第一个失败即返回
type AdmissionController struct {
	config types.RiskConfig
}

// NewAdmissionController 创建准入控制器
func NewAdmissionController(config types.RiskConfig) *AdmissionController {
	return &AdmissionController{config: config}
}

// Admit 判断信号是否允许进入执行。所有计数均由滑动窗口过滤得到
func (ac *AdmissionController) Admit(in AdmissionInput) Decision {
	state := in.State
	now := in.Now
	cfg := ac.config

	if state.Inconsistent {
		return reject(CodeStateInconsistent, "risk state could not be loaded or persisted, trading is blocked", nil)
	}
	if state.EmergencyStop {
		return reject(CodeEmergencyStop, "emergency stop is active", nil)
	}
	if in.InFlight {
		return reject(CodeInstrumentBusy, "a placement for this instrument is already in progress", map[string]interface{}{
			"instrument": instrumentOf(in.Signal),
		})
	}

	if !state.LastTradeAt.IsZero() && cfg.MinInterval > 0 {
		if elapsed := now.Sub(state.LastTradeAt); elapsed < cfg.MinInterval {
			remaining := remainingSeconds(cfg.MinInterval - elapsed)
			return reject(CodeMinInterval, fmt.Sprintf("minimum interval between trades not reached, %ds remaining", remaining), map[string]interface{}{
				"remaining_seconds": remaining,
			})
		}
	}

	tradesHour := state.TradesSince(now.Add(-hourWindow))
	if tradesHour >= cfg.MaxTradesPerHour {
		return reject(CodeHourlyLimit, fmt.Sprintf("hourly trade limit reached (%d/%d)", tradesHour, cfg.MaxTradesPerHour), map[string]interface{}{
			"trades_last_hour": tradesHour,
			"limit":            cfg.MaxTradesPerHour,
		})
	}
	tradesDay := state.TradesSince(now.Add(-dayWindow))
	if tradesDay >= cfg.MaxTradesPerDay {
		return reject(CodeDailyLimit, fmt.Sprintf("daily trade limit reached (%d/%d)", tradesDay, cfg.MaxTradesPerDay), map[string]interface{}{
			"trades_last_24h": tradesDay,
			"limit":           cfg.MaxTradesPerDay,
		})
	}

	if state.ConsecutiveLosses >= cfg.MaxConsecutiveLosses {
		return reject(CodeConsecutiveLosses, fmt.Sprintf("%d consecutive losses", state.ConsecutiveLosses), map[string]interface{}{
			"consecutive_losses": state.ConsecutiveLosses,
			"limit":              cfg.MaxConsecutiveLosses,
		})
	}

	lossesDay := state.LossesSince(now.Add(-dayWindow))
	if lossesDay >= cfg.MaxDailyLosses {
		return reject(CodeDailyLossLimit, fmt.Sprintf("daily loss limit reached (%d/%d)", lossesDay, cfg.MaxDailyLosses), map[string]interface{}{
			"losses_last_24h": lossesDay,
			"limit":           cfg.MaxDailyLosses,
		})
	}

	if !state.LastLossAt.IsZero() && cfg.CooldownAfterLoss > 0 {
		if elapsed := now.Sub(state.LastLossAt); elapsed < cfg.CooldownAfterLoss {
			remaining := remainingSeconds(cfg.CooldownAfterLoss - elapsed)
			return reject(CodeCooldownActive, fmt.Sprintf("cooling down after loss, %ds remaining", remaining), map[string]interface{}{
				"remaining_seconds": remaining,
			})
		}
	}

	realized := state.RealizedLossSince(now.Add(-dayWindow))
	if limit := in.Balance * cfg.BalanceProtectionPct / 100; realized > limit {
		return reject(CodeBalanceProtection, fmt.Sprintf("realized loss %.2f exceeds %.0f%% of balance", realized, cfg.BalanceProtectionPct), map[string]interface{}{
			"realized_loss": realized,
			"limit":         limit,
			"balance":       in.Balance,
		})
	}

	// 样本不足一个窗口时不判断胜率
	winRate, samples := state.WinRate(cfg.WinRateWindow)
	if samples >= cfg.WinRateWindow && winRate < cfg.MinWinRate {
		return reject(CodeLowWinRate, fmt.Sprintf("win rate %.0f%% over last %d trades is below %.0f%%", winRate*100, samples, cfg.MinWinRate*100), map[string]interface{}{
			"win_rate": winRate,
			"samples":  samples,
		})
	}

	if in.Signal != nil && in.Signal.TechnicalDetails.Volatility == types.VolatilityExtreme {
		return reject(CodeExtremeVolatility, "market volatility is extreme", nil)
	}

	return Decision{
		Allowed: true,
		Code:    CodeAllowed,
		Message: "admitted",
		Details: map[string]interface{}{
			"trades_last_hour":   tradesHour,
			"trades_last_24h":    tradesDay,
			"losses_last_24h":    lossesDay,
			"consecutive_losses": state.ConsecutiveLosses,
			"realized_loss_24h":  realized,
			"win_rate":           winRate,
			"win_rate_samples":   samples,
		},
	}
}

func reject(code ReasonCode, message string, details map[string]interface{}) Decision {
	return Decision{Allowed: false, Code: code, Message: message, Details: details}
}

func remainingSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func instrumentOf(s *types.Signal) string {
	if s == nil {
		return ""
	}
	return s.Instrument
}
