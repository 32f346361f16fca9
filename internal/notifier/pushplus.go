package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const pushPlusEndpoint = "http://www.pushplus.plus/send"

// PushPlusNotifier PushPlus通知器
type PushPlusNotifier struct {
	userToken  string
	to         string // 好友令牌，多人用逗号分隔
	endpoint   string
	httpClient *http.Client
}

type PushPlusRequest struct {
	Token    string `json:"token"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Template string `json:"template"`
	To       string `json:"to,omitempty"`
}

type PushPlusResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data string `json:"data"`
}

func NewPushPlusNotifier(userToken, to string) Interface {
	if userToken == "" {
		zap.L().Info("🔧 未配置PushPlus User Token，使用控制台输出模式")
		return NewConsoleNotifier()
	}

	if to != "" {
		fmt.Printf("✅ 已配置PushPlus通知服务（包含好友推送: %s）\n", to)
	} else {
		zap.L().Info("✅ 已配置PushPlus通知服务")
	}

	return &PushPlusNotifier{
		userToken: userToken,
		to:        to,
		endpoint:  pushPlusEndpoint,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (ppn *PushPlusNotifier) SendAlert(alert *Alert) error {
	return ppn.sendPushPlusMessage(alert.Title(), ppn.buildHTMLContent(alert))
}

func (ppn *PushPlusNotifier) SendBatchAlerts(alerts []*Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	if len(alerts) == 1 {
		return ppn.SendAlert(alerts[0])
	}

	var b strings.Builder
	for _, alert := range alerts {
		b.WriteString(ppn.buildHTMLContent(alert))
		b.WriteString("<hr/>")
	}
	return ppn.sendPushPlusMessage(fmt.Sprintf("📋 批量通知 - %d条", len(alerts)), b.String())
}

func (ppn *PushPlusNotifier) buildHTMLContent(alert *Alert) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("<h3>%s</h3><ul>", html.EscapeString(alert.Title())))
	for _, line := range alert.Lines() {
		b.WriteString("<li>" + html.EscapeString(line) + "</li>")
	}
	b.WriteString("</ul>")
	if instrument := alertInstrument(alert); instrument != "" {
		b.WriteString(fmt.Sprintf(`<p><a href="%s">查看 %s 行情</a></p>`, buildTradingURL(instrument), html.EscapeString(instrument)))
	}
	b.WriteString(fmt.Sprintf("<p><small>%s</small></p>", alert.AlertTime.Format("2006-01-02 15:04:05")))
	return b.String()
}

func (ppn *PushPlusNotifier) sendPushPlusMessage(title, content string) error {
	reqData := PushPlusRequest{
		Token:    ppn.userToken,
		Title:    title,
		Content:  content,
		Template: "html",
		To:       ppn.to,
	}

	jsonData, err := json.Marshal(reqData)
	if err != nil {
		return fmt.Errorf("序列化请求数据失败: %w", err)
	}

	resp, err := ppn.httpClient.Post(ppn.endpoint, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	var pushResp PushPlusResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	if pushResp.Code != 200 {
		return fmt.Errorf("PushPlus API错误: %s", pushResp.Msg)
	}
	return nil
}
