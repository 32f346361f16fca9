package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"confluence-sentry/pkg/types"
)

const (
	defaultBaseURL = "https://www.okx.com/api/v5/market"
	// maxLimit OKX candles 接口单次最多返回300根
	maxLimit = 300
)

// HistoryKlineFetcher 通过OKX REST接口获取K线
type HistoryKlineFetcher struct {
	baseURL    string
	httpClient *http.Client
}

// OKXHistoryKlineResponse OKX K线接口响应
type OKXHistoryKlineResponse struct {
	Code string     `json:"code"`
	Msg  string     `json:"msg"`
	Data [][]string `json:"data"`
}

// NewHistoryKlineFetcher 创建K线获取器
func NewHistoryKlineFetcher(network types.NetworkConfig) *HistoryKlineFetcher {
	timeout := network.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{
		Timeout: timeout,
	}

	// 设置代理
	if network.Proxy != "" {
		proxyURL, err := url.Parse(network.Proxy)
		if err == nil {
			client.Transport = &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			}
		} else {
			zap.L().Warn("⚠️ 代理地址格式错误", zap.Error(err))
		}
	}

	return &HistoryKlineFetcher{
		baseURL:    defaultBaseURL,
		httpClient: client,
	}
}

// FetchCandles 获取最近 limit 根K线，按时间升序返回
func (h *HistoryKlineFetcher) FetchCandles(ctx context.Context, instrument string, tf types.Timeframe, limit int) ([]types.Candle, error) {
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}

	q := url.Values{}
	q.Set("instId", instrument)
	q.Set("bar", tf.OKXBar())
	q.Set("limit", strconv.Itoa(limit))
	requestURL := fmt.Sprintf("%s/candles?%s", h.baseURL, q.Encode())

	zap.L().Debug("📊 获取K线数据",
		zap.String("instrument", instrument),
		zap.String("timeframe", string(tf)),
		zap.Int("limit", limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("User-Agent", "Confluence-Sentry/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP响应错误: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var okxResponse OKXHistoryKlineResponse
	if err := json.Unmarshal(body, &okxResponse); err != nil {
		return nil, fmt.Errorf("解析JSON失败: %w", err)
	}
	if okxResponse.Code != "0" {
		return nil, fmt.Errorf("OKX API返回错误: code=%s, msg=%s", okxResponse.Code, okxResponse.Msg)
	}

	candles := make([]types.Candle, 0, len(okxResponse.Data))
	for _, data := range okxResponse.Data {
		c, err := ParseOKXCandle(data)
		if err != nil {
			zap.L().Warn("解析K线数据失败", zap.Error(err))
			continue
		}
		candles = append(candles, c)
	}

	// OKX返回的数据是从新到旧排序，需要反转为从旧到新
	reverseCandles(candles)
	return candles, nil
}

// ParseOKXCandle 解析OKX K线数组：[ts, o, h, l, c, vol, ...]
func ParseOKXCandle(data []string) (types.Candle, error) {
	if len(data) < 5 {
		return types.Candle{}, fmt.Errorf("K线数据格式不正确: %v", data)
	}

	ms, err := strconv.ParseInt(data[0], 10, 64)
	if err != nil {
		return types.Candle{}, fmt.Errorf("解析时间戳失败: %w", err)
	}

	prices := make([]float64, 4)
	for i := range prices {
		prices[i], err = strconv.ParseFloat(data[i+1], 64)
		if err != nil {
			return types.Candle{}, fmt.Errorf("解析价格失败: %w", err)
		}
	}

	// 指数K线没有成交量
	volume := 0.0
	if len(data) > 5 && data[5] != "" {
		if volume, err = strconv.ParseFloat(data[5], 64); err != nil {
			return types.Candle{}, fmt.Errorf("解析成交量失败: %w", err)
		}
	}

	return types.Candle{
		Timestamp: time.UnixMilli(ms).UTC(),
		Open:      prices[0],
		High:      prices[1],
		Low:       prices[2],
		Close:     prices[3],
		Volume:    volume,
	}, nil
}

// CandleConfirmed K线数组的收盘标记（第9列），缺失时视为已收盘
func CandleConfirmed(data []string) bool {
	if len(data) < 9 {
		return true
	}
	return data[8] == "1"
}

// reverseCandles 反转K线数组（从新到旧 → 从旧到新）
func reverseCandles(candles []types.Candle) {
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
}
