package notifier

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"confluence-sentry/pkg/types"
)

// AlertKind 通知类型
type AlertKind string

const (
	AlertSignal        AlertKind = "signal"
	AlertTradePlaced   AlertKind = "trade_placed"
	AlertTradeClosed   AlertKind = "trade_closed"
	AlertEmergencyStop AlertKind = "emergency_stop"
)

// Alert 一条通知
type Alert struct {
	Kind      AlertKind
	Signal    *types.Signal
	Trade     *types.TradeRecord
	Message   string
	AlertTime time.Time
}

// Title 通知标题
func (a *Alert) Title() string {
	switch a.Kind {
	case AlertSignal:
		return fmt.Sprintf("📡 共振信号 %s %s", a.Signal.Instrument, a.Signal.Direction)
	case AlertTradePlaced:
		return fmt.Sprintf("📝 已下单 %s %s", a.Trade.Instrument, a.Trade.Direction)
	case AlertTradeClosed:
		if a.Trade.Result == types.ResultWin {
			return fmt.Sprintf("✅ 盈利 %s +%.2f", a.Trade.Instrument, a.Trade.Payout)
		}
		return fmt.Sprintf("❌ 亏损 %s -%.2f", a.Trade.Instrument, a.Trade.Amount)
	case AlertEmergencyStop:
		return "🚨 紧急停止已触发"
	default:
		return "通知"
	}
}

// Lines 通知正文，按行组织，各渠道自行排版
func (a *Alert) Lines() []string {
	var lines []string
	switch a.Kind {
	case AlertSignal:
		s := a.Signal
		lines = append(lines,
			fmt.Sprintf("品种: %s", s.Instrument),
			fmt.Sprintf("方向: %s", s.Direction),
			fmt.Sprintf("置信度: %.1f (%s)", s.Confidence, s.Strength),
			fmt.Sprintf("周期一致性: %.0f%%", s.TechnicalDetails.TimeframeAlignment*100),
			fmt.Sprintf("波动率: %s  风险: %s", s.TechnicalDetails.Volatility, s.RiskAssessment.Level),
		)
		for _, r := range s.Reasons {
			lines = append(lines, "• "+r)
		}
	case AlertTradePlaced, AlertTradeClosed:
		t := a.Trade
		lines = append(lines,
			fmt.Sprintf("品种: %s", t.Instrument),
			fmt.Sprintf("方向: %s", t.Direction),
			fmt.Sprintf("金额: %.2f", t.Amount),
			fmt.Sprintf("周期: %s", formatDuration(t.Duration)),
			fmt.Sprintf("置信度: %.1f", t.Signal.Confidence),
			fmt.Sprintf("交易场所: %s", t.Venue),
		)
		if a.Kind == AlertTradePlaced {
			lines = append(lines, fmt.Sprintf("确认方式: %s", t.Verification))
		} else {
			lines = append(lines, fmt.Sprintf("结果: %s  净盈亏: %+.2f", t.Result, t.Outcome().NetPnL()))
		}
	}
	if a.Message != "" {
		lines = append(lines, a.Message)
	}
	return lines
}

// NewSignalAlert 信号通知
func NewSignalAlert(signal *types.Signal) *Alert {
	return &Alert{Kind: AlertSignal, Signal: signal, AlertTime: time.Now()}
}

// NewTradeAlert 下单或结算通知
func NewTradeAlert(kind AlertKind, record types.TradeRecord) *Alert {
	return &Alert{Kind: kind, Trade: &record, AlertTime: time.Now()}
}

// NewEmergencyStopAlert 紧急停止通知
func NewEmergencyStopAlert(message string) *Alert {
	return &Alert{Kind: AlertEmergencyStop, Message: message, AlertTime: time.Now()}
}

// safePadding 安全地计算填充空格数量，避免负数
func safePadding(content string, totalWidth int) int {
	// 使用utf8.RuneCountInString计算实际显示字符数，而不是字节数
	padding := totalWidth - utf8.RuneCountInString(content) - 4
	if padding < 0 {
		padding = 0
	}
	return padding
}

// formatDuration 格式化时间周期为中文描述
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0f秒", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%.0f分钟", d.Minutes())
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%.1f小时", d.Hours())
	}
	return fmt.Sprintf("%.1f天", d.Hours()/24)
}

// buildTradingURL 根据交易对生成行情链接
func buildTradingURL(instrument string) string {
	return fmt.Sprintf("https://www.okx.com/trade-spot/%s", strings.ToLower(instrument))
}

// Interface 通知接口
type Interface interface {
	SendAlert(alert *Alert) error
	SendBatchAlerts(alerts []*Alert) error
}

// New 按配置选择通知渠道：钉钉 > PushPlus > 控制台
func New(dingTalk types.DingTalkConfig, pushPlus types.PushPlusConfig) Interface {
	if dingTalk.WebhookURL != "" {
		return NewDingTalkNotifier(dingTalk.WebhookURL, dingTalk.Secret)
	}
	if pushPlus.UserToken != "" {
		return NewPushPlusNotifier(pushPlus.UserToken, pushPlus.To)
	}
	return NewConsoleNotifier()
}

// ConsoleNotifier 控制台通知器
type ConsoleNotifier struct{}

func NewConsoleNotifier() *ConsoleNotifier {
	return &ConsoleNotifier{}
}

func (cn *ConsoleNotifier) SendAlert(alert *Alert) error {
	fmt.Print(cn.render(alert))
	return nil
}

func (cn *ConsoleNotifier) SendBatchAlerts(alerts []*Alert) error {
	for _, alert := range alerts {
		if err := cn.SendAlert(alert); err != nil {
			return err
		}
	}
	return nil
}

// render 生成带边框的控制台输出
func (cn *ConsoleNotifier) render(alert *Alert) string {
	const width = 60
	var b strings.Builder

	b.WriteString("\n╔" + strings.Repeat("═", width) + "╗\n")
	title := alert.Title()
	b.WriteString(fmt.Sprintf("║ %s%s ║\n", title, strings.Repeat(" ", safePadding(title, width))))
	b.WriteString("║" + strings.Repeat(" ", width) + "║\n")
	for _, line := range alert.Lines() {
		b.WriteString(fmt.Sprintf("║ %s%s ║\n", line, strings.Repeat(" ", safePadding(line, width))))
	}
	ts := "时间: " + alert.AlertTime.Format("2006-01-02 15:04:05")
	b.WriteString(fmt.Sprintf("║ %s%s ║\n", ts, strings.Repeat(" ", safePadding(ts, width))))
	b.WriteString("╚" + strings.Repeat("═", width) + "╝\n")
	return b.String()
}

// TradeNotifier 将交易事件转为通知，异步发送，不阻塞执行流程
type TradeNotifier struct {
	n Interface
}

// NewTradeNotifier 创建交易事件通知适配器
func NewTradeNotifier(n Interface) *TradeNotifier {
	return &TradeNotifier{n: n}
}

// TradePlaced 下单成功
func (t *TradeNotifier) TradePlaced(record types.TradeRecord) {
	t.dispatch(NewTradeAlert(AlertTradePlaced, record))
}

// TradeClosed 交易结算
func (t *TradeNotifier) TradeClosed(record types.TradeRecord) {
	t.dispatch(NewTradeAlert(AlertTradeClosed, record))
}

// EmergencyStop 紧急停止
func (t *TradeNotifier) EmergencyStop(message string) {
	t.dispatch(NewEmergencyStopAlert(message))
}

// Signal 共振信号
func (t *TradeNotifier) Signal(signal *types.Signal) {
	if signal == nil {
		return
	}
	t.dispatch(NewSignalAlert(signal))
}

func (t *TradeNotifier) dispatch(alert *Alert) {
	go func() {
		if err := t.n.SendAlert(alert); err != nil {
			zap.L().Error("❌ 发送通知失败", zap.String("kind", string(alert.Kind)), zap.Error(err))
		}
	}()
}
