package types

import "time"

// Config 主配置结构
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Redis     RedisConfig     `mapstructure:"redis"`
	DingTalk  DingTalkConfig  `mapstructure:"dingtalk"`
	PushPlus  PushPlusConfig  `mapstructure:"pushplus"`
	Network   NetworkConfig   `mapstructure:"network"`
	Database  DatabaseConfig  `mapstructure:"database"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Sizing    SizingConfig    `mapstructure:"sizing"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Predictor PredictorConfig `mapstructure:"predictor"`
	API       APIConfig       `mapstructure:"api"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"` // 日志级别
	FilePath   string `mapstructure:"file_path"`                                    // 日志输出路径名
	MaxSize    int    `mapstructure:"max_size" validate:"gte=0"`                    // 日志文件大小 单位：MB，超限后会自动切割
	MaxAge     int    `mapstructure:"max_age" validate:"gte=0"`                     // 日志文件存放时间 单位：天
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`                 // 日志文件备份数量
	Compress   bool   `mapstructure:"compress"`                                     // 日志文件压缩
}

// RedisConfig Redis配置，URL为空时使用纯内存模式
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Key      string `mapstructure:"key"` // 风控状态存储key
}

// DingTalkConfig 钉钉配置
type DingTalkConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Secret     string `mapstructure:"secret"`
}

// PushPlusConfig PushPlus配置
type PushPlusConfig struct {
	UserToken string `mapstructure:"user_token"`
	To        string `mapstructure:"to"` // 好友令牌，多人用逗号分隔
}

// NetworkConfig 网络配置
type NetworkConfig struct {
	Proxy   string        `mapstructure:"proxy"`   // HTTP代理地址，如 http://127.0.0.1:7890
	Timeout time.Duration `mapstructure:"timeout"` // 网络超时时间
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
}

// MySQLConfig MySQL配置，Host为空时不落库
type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	OKXEndpoint          string        `mapstructure:"okx_endpoint"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

// EngineConfig 分析引擎配置
type EngineConfig struct {
	Instruments   []string      `mapstructure:"instruments" validate:"min=1,dive,required"`
	Timeframes    []string      `mapstructure:"timeframes" validate:"min=1,dive,oneof=1M 5M 15M 30M 1H 4H"`
	CycleInterval time.Duration `mapstructure:"cycle_interval" validate:"gt=0"`
	CycleTimeout  time.Duration `mapstructure:"cycle_timeout" validate:"gt=0"`
	HistoryLimit  int           `mapstructure:"history_limit" validate:"gte=60,lte=300"` // 每个周期拉取的K线数量
	AutoExecute   bool          `mapstructure:"auto_execute"`
	MinConfidence float64       `mapstructure:"min_confidence" validate:"gte=0,lte=100"`
	StrengthFloor float64       `mapstructure:"strength_floor" validate:"gt=0"`
}

// AnalyzerConfig 市场状态判定阈值（ATR占价格百分比）
type AnalyzerConfig struct {
	LowVolatility     float64 `mapstructure:"low_volatility" validate:"gte=0"`
	HighVolatility    float64 `mapstructure:"high_volatility" validate:"gtfield=LowVolatility"`
	ExtremeVolatility float64 `mapstructure:"extreme_volatility" validate:"gtfield=HighVolatility"`
}

// RiskConfig 准入控制配置
type RiskConfig struct {
	MinInterval          time.Duration `mapstructure:"min_interval" validate:"gte=0"`
	MaxTradesPerHour     int           `mapstructure:"max_trades_per_hour" validate:"gt=0"`
	MaxTradesPerDay      int           `mapstructure:"max_trades_per_day" validate:"gt=0"`
	MaxConsecutiveLosses int           `mapstructure:"max_consecutive_losses" validate:"gt=0"`
	MaxDailyLosses       int           `mapstructure:"max_daily_losses" validate:"gt=0"`
	CooldownAfterLoss    time.Duration `mapstructure:"cooldown_after_loss" validate:"gte=0"`
	BalanceProtectionPct float64       `mapstructure:"balance_protection_pct" validate:"gt=0,lte=100"`
	WinRateWindow        int           `mapstructure:"win_rate_window" validate:"gt=0"`
	MinWinRate           float64       `mapstructure:"min_win_rate" validate:"gte=0,lte=1"`
	EmergencyLossWindow  int           `mapstructure:"emergency_loss_window" validate:"gt=0"`
	EmergencyLossTrigger int           `mapstructure:"emergency_loss_trigger" validate:"gt=0"`
	OutcomeHistoryLimit  int           `mapstructure:"outcome_history_limit" validate:"gt=0"`
}

// SizingConfig 仓位计算配置
type SizingConfig struct {
	MaxRiskPerTradePct float64 `mapstructure:"max_risk_per_trade_pct" validate:"gt=0,lte=100"`
	MaxBalancePct      float64 `mapstructure:"max_balance_pct" validate:"gt=0,lte=100"`
	PlatformMin        float64 `mapstructure:"platform_min" validate:"gt=0"`
	PlatformCap        float64 `mapstructure:"platform_cap" validate:"gtfield=PlatformMin"`
	MinWinRateSamples  int     `mapstructure:"min_win_rate_samples" validate:"gte=0"`
}

// ExecutionConfig 执行状态机配置
type ExecutionConfig struct {
	MaxSignalAge       time.Duration `mapstructure:"max_signal_age" validate:"gt=0"`
	TradeDuration      time.Duration `mapstructure:"trade_duration" validate:"gt=0"`
	AttemptsPerInput   int           `mapstructure:"attempts_per_input" validate:"gt=0"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff" validate:"gte=0"`
	AttemptTimeout     time.Duration `mapstructure:"attempt_timeout" validate:"gt=0"`
	PlacementCeiling   time.Duration `mapstructure:"placement_ceiling" validate:"gt=0"`
	VerifyTimeout      time.Duration `mapstructure:"verify_timeout" validate:"gt=0"`
	VerifyPollInterval time.Duration `mapstructure:"verify_poll_interval" validate:"gt=0"`
	JournalSize        int           `mapstructure:"journal_size" validate:"gt=0"`
	OutcomePoll        time.Duration `mapstructure:"outcome_poll" validate:"gt=0"`
}

// VenueConfig 交易场所配置
type VenueConfig struct {
	Type           string  `mapstructure:"type" validate:"oneof=paper bridge"`
	BridgeURL      string  `mapstructure:"bridge_url" validate:"required_if=Type bridge"`
	RateLimit      float64 `mapstructure:"rate_limit" validate:"gt=0"` // 每秒请求数
	RateBurst      int     `mapstructure:"rate_burst" validate:"gt=0"`
	PaperBalance   float64 `mapstructure:"paper_balance" validate:"gte=0"`
	PaperPayoutPct float64 `mapstructure:"paper_payout_pct" validate:"gte=0,lte=100"`
}

// PredictorConfig 外部预测服务配置
type PredictorConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url" validate:"required_if=Enabled true"`
	Weight  float64       `mapstructure:"weight" validate:"gte=0,lte=1"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// APIConfig 控制接口配置，Addr为空时不启动
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}
