package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"confluence-sentry/pkg/types"
)

// maxCandlesPerTimeframe 每个周期随请求发送的最近K线数
const maxCandlesPerTimeframe = 50

// MarketContext 市场状态摘要
type MarketContext struct {
	DataQuality string `json:"dataQuality"`
	Volatility  string `json:"volatility"`
	Trend       string `json:"trend"`
	Volume      string `json:"volume"`
}

type candleData struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

type timeframeData struct {
	Candles    []candleData       `json:"candles"`
	Indicators types.IndicatorSet `json:"indicators"`
	Trend      string             `json:"trend"`
	Volatility string             `json:"volatility"`
	LastPrice  float64            `json:"lastPrice"`
}

type pattern struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Strength  string `json:"strength"`
	Timeframe string `json:"timeframe"`
}

// Request /predict 请求体
type Request struct {
	Symbol     string                   `json:"symbol"`
	Platform   string                   `json:"platform"`
	Timestamp  int64                    `json:"timestamp"`
	Timeframes map[string]timeframeData `json:"timeframes"`
	Patterns   []pattern                `json:"patterns"`
	Context    MarketContext            `json:"context"`
}

// Response /predict 响应体
type Response struct {
	Prediction     string  `json:"prediction"` // UP, DOWN, NEUTRAL
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
	Risk           string  `json:"risk"`
	ModelVersion   string  `json:"model_version"`
	SignalStrength string  `json:"signal_strength"`
}

// Client 外部预测服务客户端
type Client struct {
	baseURL string
	hc      *http.Client
	now     func() time.Time
}

// NewClient 创建预测服务客户端
func NewClient(cfg types.PredictorConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		hc:      &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// BuildRequest 将K线与特征转换为预测服务的输入，只包含已提取出特征的周期
func (c *Client) BuildRequest(instrument string, candlesByTimeframe map[types.Timeframe][]types.Candle, features map[types.Timeframe]types.TimeframeFeatures, market MarketContext) Request {
	req := Request{
		Symbol:     instrument,
		Platform:   "okx",
		Timestamp:  c.now().UnixMilli(),
		Timeframes: make(map[string]timeframeData, len(features)),
		Context:    market,
	}

	for tf, f := range features {
		candles := candlesByTimeframe[tf]
		if len(candles) > maxCandlesPerTimeframe {
			candles = candles[len(candles)-maxCandlesPerTimeframe:]
		}
		data := timeframeData{
			Candles:    make([]candleData, len(candles)),
			Indicators: f.Indicators,
			Trend:      string(f.Indicators.Trend),
			Volatility: market.Volatility,
			LastPrice:  f.Indicators.LastClose,
		}
		for i, cd := range candles {
			data.Candles[i] = candleData{
				Timestamp: cd.Timestamp.UnixMilli(),
				Open:      cd.Open,
				High:      cd.High,
				Low:       cd.Low,
				Close:     cd.Close,
				Volume:    cd.Volume,
			}
		}
		req.Timeframes[string(tf)] = data

		for _, p := range f.Patterns {
			req.Patterns = append(req.Patterns, pattern{
				Name:      p.Name,
				Type:      string(p.Direction),
				Strength:  string(p.Strength),
				Timeframe: string(p.Timeframe),
			})
		}
	}
	return req
}

// Predict 调用 /predict
func (c *Client) Predict(ctx context.Context, instrument string, candles map[types.Timeframe][]types.Candle, features map[types.Timeframe]types.TimeframeFeatures, market MarketContext) (*types.Prediction, error) {
	body, err := json.Marshal(c.BuildRequest(instrument, candles, features, market))
	if err != nil {
		return nil, fmt.Errorf("marshal predict request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("predict %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode predict response: %w", err)
	}
	return out.toPrediction()
}

func (r Response) toPrediction() (*types.Prediction, error) {
	var dir types.Direction
	switch strings.ToUpper(r.Prediction) {
	case "UP", "BUY":
		dir = types.DirectionBuy
	case "DOWN", "SELL":
		dir = types.DirectionSell
	case "NEUTRAL":
		dir = types.DirectionNeutral
	default:
		return nil, fmt.Errorf("unknown prediction %q", r.Prediction)
	}
	return &types.Prediction{
		Direction:  dir,
		Confidence: types.Clamp(r.Confidence, 0, 100),
		Reason:     r.Reason,
		Model:      r.ModelVersion,
	}, nil
}
