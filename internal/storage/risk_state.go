package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"confluence-sentry/pkg/types"
)

const defaultRiskStateKey = "sentry:risk_state"

// NewRedisClient 连接Redis，未配置或连接失败时返回 nil，调用方退回纯内存模式
func NewRedisClient(cfg types.RedisConfig) *redis.Client {
	if cfg.URL == "" {
		zap.L().Info("🔧 未配置Redis，使用纯内存模式")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		zap.L().Warn("⚠️ Redis连接失败，使用纯内存模式", zap.Error(err))
		_ = client.Close()
		return nil
	}
	zap.L().Info("✅ Redis连接成功", zap.String("addr", cfg.URL))
	return client
}

// RiskStatePersister 风控状态以JSON整体写入一个Redis key
type RiskStatePersister struct {
	client *redis.Client
	key    string
}

// NewRiskStatePersister 创建Redis风控状态持久化
func NewRiskStatePersister(client *redis.Client, key string) *RiskStatePersister {
	if key == "" {
		key = defaultRiskStateKey
	}
	return &RiskStatePersister{client: client, key: key}
}

// Load 没有历史状态时返回 nil, nil
func (p *RiskStatePersister) Load(ctx context.Context) (*types.RiskState, error) {
	data, err := p.client.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", p.key, err)
	}
	return decodeRiskState(data)
}

// Save 整体覆盖写入，不设置过期时间
func (p *RiskStatePersister) Save(ctx context.Context, state types.RiskState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal risk state: %w", err)
	}
	if err := p.client.Set(ctx, p.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", p.key, err)
	}
	return nil
}

func decodeRiskState(data []byte) (*types.RiskState, error) {
	var state types.RiskState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode risk state: %w", err)
	}
	return &state, nil
}
