package notifier

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DingTalkNotifier 钉钉通知器
type DingTalkNotifier struct {
	webhookURL string
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

// DingTalkMessage 钉钉消息结构
type DingTalkMessage struct {
	MsgType  string            `json:"msgtype"`
	Markdown *DingTalkMarkdown `json:"markdown,omitempty"`
	At       *DingTalkAt       `json:"at,omitempty"`
}

type DingTalkMarkdown struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type DingTalkAt struct {
	AtAll bool `json:"isAtAll"`
}

// DingTalkResponse 钉钉API响应
type DingTalkResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func NewDingTalkNotifier(webhookURL, secret string) Interface {
	if webhookURL == "" {
		zap.L().Info("🔧 未配置钉钉Webhook URL，使用控制台输出模式")
		return NewConsoleNotifier()
	}

	if secret != "" {
		zap.L().Info("✅ 已配置钉钉通知服务（含加签验证）")
	} else {
		zap.L().Warn("⚠️ 钉钉通知已配置，但未设置secret（建议配置加签验证）")
	}

	return &DingTalkNotifier{
		webhookURL: webhookURL,
		secret:     secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

func (dtn *DingTalkNotifier) SendAlert(alert *Alert) error {
	return dtn.sendDingTalkMessage(alert.Title(), dtn.buildMarkdownContent(alert))
}

func (dtn *DingTalkNotifier) SendBatchAlerts(alerts []*Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	if len(alerts) == 1 {
		return dtn.SendAlert(alerts[0])
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("## 📋 批量通知 - %d条\n\n", len(alerts)))
	for _, alert := range alerts {
		b.WriteString(dtn.buildMarkdownContent(alert))
		b.WriteString("\n---\n\n")
	}
	return dtn.sendDingTalkMessage(fmt.Sprintf("批量通知 %d条", len(alerts)), b.String())
}

// generateSignature 加签：timestamp + "\n" + secret 做 HmacSHA256 后 base64
func (dtn *DingTalkNotifier) generateSignature(timestamp int64) string {
	stringToSign := fmt.Sprintf("%d\n%s", timestamp, dtn.secret)
	h := hmac.New(sha256.New, []byte(dtn.secret))
	h.Write([]byte(stringToSign))
	return url.QueryEscape(base64.StdEncoding.EncodeToString(h.Sum(nil)))
}

// buildSignedURL 构建带签名的URL
func (dtn *DingTalkNotifier) buildSignedURL() string {
	if dtn.secret == "" {
		return dtn.webhookURL
	}
	timestamp := dtn.now().UnixMilli()
	separator := "&"
	if !strings.Contains(dtn.webhookURL, "?") {
		separator = "?"
	}
	return fmt.Sprintf("%s%stimestamp=%d&sign=%s",
		dtn.webhookURL, separator, timestamp, dtn.generateSignature(timestamp))
}

func (dtn *DingTalkNotifier) buildMarkdownContent(alert *Alert) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("### %s\n\n", alert.Title()))
	for _, line := range alert.Lines() {
		b.WriteString("- " + line + "\n")
	}
	if instrument := alertInstrument(alert); instrument != "" {
		b.WriteString(fmt.Sprintf("\n[查看 %s 行情](%s)\n", instrument, buildTradingURL(instrument)))
	}
	b.WriteString(fmt.Sprintf("\n> %s\n", alert.AlertTime.Format("2006-01-02 15:04:05")))
	return b.String()
}

// sendDingTalkMessage 发送钉钉消息
func (dtn *DingTalkNotifier) sendDingTalkMessage(title, content string) error {
	message := &DingTalkMessage{
		MsgType: "markdown",
		Markdown: &DingTalkMarkdown{
			Title: title,
			Text:  content,
		},
		At: &DingTalkAt{
			AtAll: false, // 不@所有人，避免过度打扰
		},
	}

	jsonData, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	resp, err := dtn.httpClient.Post(dtn.buildSignedURL(), "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	var dingResp DingTalkResponse
	if err := json.NewDecoder(resp.Body).Decode(&dingResp); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	if dingResp.ErrCode != 0 {
		return fmt.Errorf("钉钉API错误 [%d]: %s", dingResp.ErrCode, dingResp.ErrMsg)
	}
	return nil
}

func alertInstrument(alert *Alert) string {
	switch {
	case alert.Trade != nil:
		return alert.Trade.Instrument
	case alert.Signal != nil:
		return alert.Signal.Instrument
	default:
		return ""
	}
}
