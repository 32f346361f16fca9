package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"confluence-sentry/pkg/types"
)

const defaultBridgeTimeout = 10 * time.Second

// BridgeVenue 通过本地HTTP桥接服务操作交易场所，请求按配置限速
type BridgeVenue struct {
	base    string
	hc      *http.Client
	limiter *rate.Limiter
}

// NewBridgeVenue 创建桥接交易场所，timeout 为0时使用默认值
func NewBridgeVenue(cfg types.VenueConfig, timeout time.Duration) *BridgeVenue {
	if timeout <= 0 {
		timeout = defaultBridgeTimeout
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &BridgeVenue{
		base:    strings.TrimRight(strings.TrimSpace(cfg.BridgeURL), "/"),
		hc:      &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (b *BridgeVenue) Name() string { return "bridge" }

func (b *BridgeVenue) SetDuration(ctx context.Context, instrument string, d time.Duration) error {
	body := map[string]interface{}{"instrument": instrument, "seconds": int(d.Seconds())}
	return b.do(ctx, http.MethodPost, "/duration", body, nil)
}

func (b *BridgeVenue) SetAmount(ctx context.Context, instrument string, amount float64, strategy InputStrategy) error {
	body := map[string]interface{}{"instrument": instrument, "amount": amount, "strategy": strategy.String()}
	return b.do(ctx, http.MethodPost, "/amount", body, nil)
}

func (b *BridgeVenue) PlaceDirectional(ctx context.Context, instrument string, direction types.Direction, strategy InputStrategy) (string, error) {
	body := map[string]interface{}{"instrument": instrument, "direction": string(direction), "strategy": strategy.String()}
	var out struct {
		Ticket string `json:"ticket"`
	}
	if err := b.do(ctx, http.MethodPost, "/place", body, &out); err != nil {
		return "", err
	}
	if out.Ticket == "" {
		return "", fmt.Errorf("bridge returned empty ticket")
	}
	return out.Ticket, nil
}

func (b *BridgeVenue) PollConfirmation(ctx context.Context, ticket string) (Confirmation, error) {
	var out Confirmation
	err := b.do(ctx, http.MethodGet, "/confirmation/"+url.PathEscape(ticket), nil, &out)
	return out, err
}

func (b *BridgeVenue) RoundAmount(amount float64) float64 {
	return RoundTiered(amount)
}

func (b *BridgeVenue) Balance(ctx context.Context) (float64, error) {
	var out struct {
		Balance float64 `json:"balance"`
	}
	if err := b.do(ctx, http.MethodGet, "/balance", nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// Settle 查询到期结果
func (b *BridgeVenue) Settle(ctx context.Context, ticket string) (Settlement, error) {
	var out Settlement
	if err := b.do(ctx, http.MethodGet, "/outcome/"+url.PathEscape(ticket), nil, &out); err != nil {
		return Settlement{}, err
	}
	switch out.Result {
	case types.ResultWin, types.ResultLoss, types.ResultPending:
		return out, nil
	case "":
		return Settlement{Result: types.ResultPending}, nil
	default:
		return Settlement{}, fmt.Errorf("bridge returned unknown result %q", out.Result)
	}
}

func (b *BridgeVenue) do(ctx context.Context, method, path string, in, out interface{}) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.base+path, body)
	if err != nil {
		return fmt.Errorf("new request %s: %w", path, err)
	}
	req.Header.Set("User-Agent", "confluence-sentry/bridge")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.hc.Do(req)
	if err != nil {
		return fmt.Errorf("bridge %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && (strings.HasPrefix(path, "/confirmation/") || strings.HasPrefix(path, "/outcome/")) {
		return fmt.Errorf("%w: %s", ErrUnknownTicket, path)
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("bridge %s %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
