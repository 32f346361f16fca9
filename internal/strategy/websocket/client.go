package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"confluence-sentry/internal/strategy/fetcher"
	"confluence-sentry/pkg/types"
)

// Client OKX K线推送客户端，支持多品种多周期
type Client struct {
	endpoint      string
	proxy         string
	conn          *websocket.Conn
	mu            sync.RWMutex
	writeMu       sync.Mutex
	isConnected   bool
	reconnectChan chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
	candleChan    chan types.CandleUpdate
	config        types.WebSocketConfig
	subscriptions []subscriptionArg
}

type subscriptionArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// OKXKlineResponse OKX K线推送
type OKXKlineResponse struct {
	Event string          `json:"event"`
	Msg   string          `json:"msg"`
	Arg   subscriptionArg `json:"arg"`
	Data  [][]string      `json:"data"`
}

// OKXSubscription OKX订阅消息
type OKXSubscription struct {
	Op   string            `json:"op"`
	Args []subscriptionArg `json:"args"`
}

// NewClient 创建新的WebSocket客户端
func NewClient(proxy string, config types.WebSocketConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		endpoint:      config.OKXEndpoint,
		proxy:         proxy,
		reconnectChan: make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		candleChan:    make(chan types.CandleUpdate, 1000), // 缓冲1000根K线
		config:        config,
	}
}

// Connect 建立WebSocket连接，已有订阅会在连接后重新发送
func (c *Client) Connect() error {
	dialer := *websocket.DefaultDialer
	if c.proxy != "" {
		proxyURL, err := url.Parse(c.proxy)
		if err != nil {
			return fmt.Errorf("解析代理URL失败: %w", err)
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("WebSocket连接失败: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.isConnected = true
	subs := append([]subscriptionArg(nil), c.subscriptions...)
	c.mu.Unlock()

	zap.L().Info("✅ WebSocket连接建立成功",
		zap.String("endpoint", c.endpoint),
		zap.String("proxy", c.proxy))

	if len(subs) > 0 {
		return c.send(OKXSubscription{Op: "subscribe", Args: subs})
	}
	return nil
}

// Subscribe 订阅品种在各周期上的K线
func (c *Client) Subscribe(instruments []string, timeframes []types.Timeframe) error {
	var args []subscriptionArg
	for _, inst := range instruments {
		for _, tf := range timeframes {
			args = append(args, subscriptionArg{Channel: channelFor(tf), InstID: inst})
		}
	}

	c.mu.Lock()
	c.subscriptions = append(c.subscriptions, args...)
	c.mu.Unlock()

	if err := c.send(OKXSubscription{Op: "subscribe", Args: args}); err != nil {
		return err
	}

	zap.L().Info("📊 已订阅K线数据",
		zap.Strings("instruments", instruments),
		zap.Int("timeframes", len(timeframes)))
	return nil
}

func (c *Client) send(v interface{}) error {
	c.mu.RLock()
	conn := c.conn
	connected := c.isConnected
	c.mu.RUnlock()

	if !connected || conn == nil {
		return fmt.Errorf("WebSocket未连接")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("发送消息失败: %w", err)
	}
	return nil
}

// StartReading 开始读取WebSocket数据
func (c *Client) StartReading() {
	go c.readLoop()
	go c.reconnectLoop()
	go c.pingLoop()
}

// readLoop 读取数据循环
func (c *Client) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("WebSocket读取panic", zap.Any("error", r))
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			zap.L().Error("WebSocket读取消息失败", zap.Error(err))
			c.handleDisconnect(conn)
			continue
		}

		// OKX 心跳回复
		if string(message) == "pong" {
			continue
		}
		if err := c.parseCandleData(message); err != nil {
			zap.L().Warn("解析K线数据失败", zap.Error(err))
		}
	}
}

// parseCandleData 解析K线推送并写入通道
func (c *Client) parseCandleData(message []byte) error {
	var response OKXKlineResponse
	if err := json.Unmarshal(message, &response); err != nil {
		return err
	}

	if response.Event == "error" {
		return fmt.Errorf("OKX返回错误: %s", response.Msg)
	}
	tf, ok := timeframeFromChannel(response.Arg.Channel)
	if !ok {
		return nil // 忽略非K线数据
	}

	for _, data := range response.Data {
		candle, err := fetcher.ParseOKXCandle(data)
		if err != nil {
			zap.L().Warn("解析单条K线数据失败", zap.Error(err))
			continue
		}

		update := types.CandleUpdate{
			Instrument: response.Arg.InstID,
			Timeframe:  tf,
			Candle:     candle,
			Confirmed:  fetcher.CandleConfirmed(data),
		}
		select {
		case c.candleChan <- update:
		default:
			zap.L().Warn("K线数据通道满，丢弃数据", zap.String("instrument", update.Instrument))
		}
	}
	return nil
}

// reconnectLoop 重连循环
func (c *Client) reconnectLoop() {
	reconnectAttempts := 0

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.reconnectChan:
		}

		for {
			reconnectAttempts++
			if c.config.MaxReconnectAttempts > 0 && reconnectAttempts > c.config.MaxReconnectAttempts {
				zap.L().Error("达到最大重连次数，停止重连",
					zap.Int("max_attempts", c.config.MaxReconnectAttempts))
				return
			}

			zap.L().Info("尝试重连WebSocket",
				zap.Int("attempt", reconnectAttempts),
				zap.Int("max_attempts", c.config.MaxReconnectAttempts))

			err := c.Connect()
			if err == nil {
				// 重连成功，重置重连次数
				reconnectAttempts = 0
				zap.L().Info("WebSocket重连成功")
				break
			}
			zap.L().Error("重连失败", zap.Error(err))

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.config.ReconnectInterval):
			}
		}
	}
}

// pingLoop 心跳循环，OKX 要求发送文本 ping
func (c *Client) pingLoop() {
	interval := c.config.PingInterval
	if interval <= 0 {
		interval = 25 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			isConnected := c.isConnected
			c.mu.RUnlock()

			if !isConnected || conn == nil {
				continue
			}

			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			c.writeMu.Unlock()
			if err != nil {
				zap.L().Error("发送心跳失败", zap.Error(err))
				c.handleDisconnect(conn)
			}
		}
	}
}

// handleDisconnect 处理断线，只处理当前连接
func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != conn {
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.isConnected = false

	// 触发重连
	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

// GetCandleChannel 获取K线数据通道
func (c *Client) GetCandleChannel() <-chan types.CandleUpdate {
	return c.candleChan
}

// Close 关闭WebSocket连接
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		c.isConnected = false
		return err
	}

	return nil
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}
