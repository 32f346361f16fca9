package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"confluence-sentry/pkg/types"
)

var validate = validator.New()

// Load 加载配置
func Load() (*types.Config, error) {
	// .env 不存在时忽略，保证无文件也能启动
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	// 设置默认值
	setDefaults(v)

	// 读取环境变量，如 SENTRY_ENGINE_AUTO_EXECUTE=true
	v.SetEnvPrefix("sentry")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 优先尝试读取本地配置文件
	v.SetConfigName("config.local")
	if err := v.ReadInConfig(); err != nil {
		// 如果本地配置文件不存在，尝试读取默认配置文件
		v.SetConfigName("config")
		if err := v.ReadInConfig(); err != nil {
			var configFileNotFoundError viper.ConfigFileNotFoundError
			if !errors.As(err, &configFileNotFoundError) {
				return nil, err
			}
		}
	}

	var config types.Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := Validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate 校验配置项
func Validate(config *types.Config) error {
	if err := validate.Struct(config); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			msgs := make([]string, 0, len(validationErrors))
			for _, e := range validationErrors {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s' (%s)", e.Namespace(), e.Tag(), e.Param()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, tf := range config.Engine.Timeframes {
		if _, ok := types.ParseTimeframe(tf); !ok {
			return fmt.Errorf("invalid config: unknown timeframe %q", tf)
		}
	}
	return nil
}

// Defaults 返回只包含默认值的配置，测试和示例使用
func Defaults() *types.Config {
	v := viper.New()
	setDefaults(v)
	var config types.Config
	_ = v.Unmarshal(&config)
	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_path", "logs")
	v.SetDefault("log.max_size", 200)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.compress", false)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "sentry:risk_state")

	v.SetDefault("dingtalk.webhook_url", "")
	v.SetDefault("dingtalk.secret", "")
	v.SetDefault("pushplus.user_token", "")
	v.SetDefault("pushplus.to", "")

	v.SetDefault("network.proxy", "")
	v.SetDefault("network.timeout", 30*time.Second)

	v.SetDefault("database.mysql.host", "")
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.mysql.username", "root")
	v.SetDefault("database.mysql.password", "")
	v.SetDefault("database.mysql.database", "confluence_sentry")
	v.SetDefault("database.mysql.max_idle_conns", 10)
	v.SetDefault("database.mysql.max_open_conns", 100)

	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.okx_endpoint", "wss://ws.okx.com:8443/ws/v5/business")
	v.SetDefault("websocket.reconnect_interval", 5*time.Second)
	v.SetDefault("websocket.ping_interval", 20*time.Second)
	v.SetDefault("websocket.max_reconnect_attempts", 10)

	v.SetDefault("engine.instruments", []string{"BTC-USDT", "ETH-USDT"})
	v.SetDefault("engine.timeframes", []string{"1M", "5M", "15M", "30M", "1H", "4H"})
	v.SetDefault("engine.cycle_interval", 45*time.Second)
	v.SetDefault("engine.cycle_timeout", 30*time.Second)
	v.SetDefault("engine.history_limit", 100)
	v.SetDefault("engine.auto_execute", false)
	v.SetDefault("engine.min_confidence", 75.0)
	v.SetDefault("engine.strength_floor", 1.8)

	v.SetDefault("analyzer.low_volatility", 0.05)
	v.SetDefault("analyzer.high_volatility", 0.5)
	v.SetDefault("analyzer.extreme_volatility", 1.5)

	v.SetDefault("risk.min_interval", 2*time.Minute)
	v.SetDefault("risk.max_trades_per_hour", 5)
	v.SetDefault("risk.max_trades_per_day", 20)
	v.SetDefault("risk.max_consecutive_losses", 2)
	v.SetDefault("risk.max_daily_losses", 5)
	v.SetDefault("risk.cooldown_after_loss", 5*time.Minute)
	v.SetDefault("risk.balance_protection_pct", 10.0)
	v.SetDefault("risk.win_rate_window", 5)
	v.SetDefault("risk.min_win_rate", 0.2)
	v.SetDefault("risk.emergency_loss_window", 5)
	v.SetDefault("risk.emergency_loss_trigger", 3)
	v.SetDefault("risk.outcome_history_limit", 100)

	v.SetDefault("sizing.max_risk_per_trade_pct", 3.0)
	v.SetDefault("sizing.max_balance_pct", 5.0)
	v.SetDefault("sizing.platform_min", 1.0)
	v.SetDefault("sizing.platform_cap", 1000.0)
	v.SetDefault("sizing.min_win_rate_samples", 5)

	v.SetDefault("execution.max_signal_age", 120*time.Second)
	v.SetDefault("execution.trade_duration", 5*time.Minute)
	v.SetDefault("execution.attempts_per_input", 3)
	v.SetDefault("execution.retry_backoff", 700*time.Millisecond)
	v.SetDefault("execution.attempt_timeout", 3*time.Second)
	v.SetDefault("execution.placement_ceiling", 20*time.Second)
	v.SetDefault("execution.verify_timeout", 4*time.Second)
	v.SetDefault("execution.verify_poll_interval", 250*time.Millisecond)
	v.SetDefault("execution.journal_size", 100)
	v.SetDefault("execution.outcome_poll", 5*time.Second)

	v.SetDefault("venue.type", "paper")
	v.SetDefault("venue.bridge_url", "")
	v.SetDefault("venue.rate_limit", 5.0)
	v.SetDefault("venue.rate_burst", 5)
	v.SetDefault("venue.paper_balance", 1000.0)
	v.SetDefault("venue.paper_payout_pct", 85.0)

	v.SetDefault("predictor.enabled", false)
	v.SetDefault("predictor.url", "http://localhost:8000")
	v.SetDefault("predictor.weight", 0.3)
	v.SetDefault("predictor.timeout", 2*time.Second)

	v.SetDefault("api.addr", ":8080")
}
