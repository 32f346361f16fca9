package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"confluence-sentry/pkg/types"
)

// Manager 数据库管理器
type Manager struct {
	db     *gorm.DB
	config types.MySQLConfig
}

// TradeRecord 交易记录模型，下单时写入，结算时按 trade_id 更新
type TradeRecord struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	TradeID      string     `gorm:"type:varchar(36);not null;uniqueIndex:uk_trade_id" json:"trade_id"`
	Instrument   string     `gorm:"type:varchar(20);not null;index:idx_instrument_time" json:"instrument"`
	Direction    string     `gorm:"type:enum('BUY','SELL');not null" json:"direction"`
	Amount       float64    `gorm:"type:decimal(20,2);not null" json:"amount"`
	Venue        string     `gorm:"type:varchar(20);not null" json:"venue"`
	Ticket       string     `gorm:"type:varchar(64)" json:"ticket"`
	DurationSec  int        `gorm:"not null" json:"duration_sec"`
	Confidence   float64    `gorm:"type:decimal(5,2)" json:"confidence"`
	Verification string     `gorm:"type:varchar(16)" json:"verification"`
	Result       string     `gorm:"type:enum('pending','win','loss');not null;default:'pending'" json:"result"`
	Payout       float64    `gorm:"type:decimal(20,2);default:0" json:"payout"`
	PlacedAt     time.Time  `gorm:"not null;index:idx_instrument_time" json:"placed_at"`
	ClosedAt     *time.Time `json:"closed_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// SignalRecord 共振信号模型
type SignalRecord struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	SignalID           string    `gorm:"type:varchar(36);index:idx_signal_id" json:"signal_id"`
	Instrument         string    `gorm:"type:varchar(20);not null;index:idx_instrument_time" json:"instrument"`
	SignalTime         int64     `gorm:"not null;index:idx_instrument_time" json:"signal_time"`
	Direction          string    `gorm:"type:enum('BUY','SELL','NEUTRAL');not null" json:"direction"`
	Confidence         float64   `gorm:"type:decimal(5,2);not null" json:"confidence"`
	Strength           string    `gorm:"type:varchar(16)" json:"strength"`
	BullishScore       float64   `gorm:"type:decimal(10,2)" json:"bullish_score"`
	BearishScore       float64   `gorm:"type:decimal(10,2)" json:"bearish_score"`
	TimeframeAlignment float64   `gorm:"type:decimal(4,3)" json:"timeframe_alignment"`
	Volatility         string    `gorm:"type:varchar(16)" json:"volatility"`
	DataQuality        string    `gorm:"type:varchar(16)" json:"data_quality"`
	RiskLevel          string    `gorm:"type:varchar(16)" json:"risk_level"`
	Reasons            string    `gorm:"type:text" json:"reasons"`
	CreatedAt          time.Time `json:"created_at"`
}

// DailyPerformance 每日交易表现
type DailyPerformance struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Instrument string    `gorm:"type:varchar(20);not null;uniqueIndex:uk_instrument_date" json:"instrument"`
	Date       time.Time `gorm:"type:date;not null;uniqueIndex:uk_instrument_date" json:"date"`
	Trades     int       `gorm:"default:0" json:"trades"`
	Wins       int       `gorm:"default:0" json:"wins"`
	Losses     int       `gorm:"default:0" json:"losses"`
	NetPayout  float64   `gorm:"type:decimal(20,2);default:0" json:"net_payout"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewManager 创建数据库管理器
func NewManager(config types.MySQLConfig) (*Manager, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		config.Username,
		config.Password,
		config.Host,
		config.Port,
		config.Database,
	)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取数据库实例失败: %v", err)
	}

	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	manager := &Manager{
		db:     db,
		config: config,
	}

	if err := manager.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("数据库迁移失败: %v", err)
	}

	zap.L().Info("✅ MySQL数据库连接成功",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("database", config.Database))

	return manager, nil
}

// AutoMigrate 自动迁移表结构
func (m *Manager) AutoMigrate() error {
	return m.db.AutoMigrate(
		&TradeRecord{},
		&SignalRecord{},
		&DailyPerformance{},
	)
}

// NewTradeModel 交易记录转换为数据库模型
func NewTradeModel(rec types.TradeRecord) TradeRecord {
	model := TradeRecord{
		TradeID:      rec.ID,
		Instrument:   rec.Instrument,
		Direction:    string(rec.Direction),
		Amount:       rec.Amount,
		Venue:        rec.Venue,
		Ticket:       rec.Ticket,
		DurationSec:  int(rec.Duration / time.Second),
		Confidence:   rec.Signal.Confidence,
		Verification: string(rec.Verification),
		Result:       string(rec.Result),
		Payout:       rec.Payout,
		PlacedAt:     rec.PlacedAt,
	}
	if model.Result == "" {
		model.Result = string(types.ResultPending)
	}
	if !rec.ClosedAt.IsZero() {
		closedAt := rec.ClosedAt
		model.ClosedAt = &closedAt
	}
	return model
}

// SaveTrade 保存交易记录，同一 trade_id 重复写入时更新结算字段
func (m *Manager) SaveTrade(ctx context.Context, rec types.TradeRecord) error {
	model := NewTradeModel(rec)
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trade_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"verification", "result", "payout", "closed_at", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("保存交易记录失败: %w", err)
	}

	if rec.Result.Closed() {
		if err := m.UpdateDailyPerformance(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// NewSignalModel 信号转换为数据库模型
func NewSignalModel(signal *types.Signal) SignalRecord {
	return SignalRecord{
		SignalID:           signal.ID,
		Instrument:         signal.Instrument,
		SignalTime:         signal.CreatedAt.Unix(),
		Direction:          string(signal.Direction),
		Confidence:         signal.Confidence,
		Strength:           string(signal.Strength),
		BullishScore:       signal.TechnicalDetails.BullishScore,
		BearishScore:       signal.TechnicalDetails.BearishScore,
		TimeframeAlignment: signal.TechnicalDetails.TimeframeAlignment,
		Volatility:         string(signal.TechnicalDetails.Volatility),
		DataQuality:        string(signal.TechnicalDetails.DataQuality),
		RiskLevel:          string(signal.RiskAssessment.Level),
		Reasons:            strings.Join(signal.Reasons, "; "),
	}
}

// SaveSignal 保存共振信号
func (m *Manager) SaveSignal(ctx context.Context, signal *types.Signal) error {
	if signal == nil {
		return nil
	}
	model := NewSignalModel(signal)
	return m.db.WithContext(ctx).Create(&model).Error
}

// UpdateDailyPerformance 按结算日期累计交易表现
func (m *Manager) UpdateDailyPerformance(ctx context.Context, rec types.TradeRecord) error {
	day := rec.ClosedAt.Truncate(24 * time.Hour)
	db := m.db.WithContext(ctx)

	var perf DailyPerformance
	result := db.Where("instrument = ? AND date = ?", rec.Instrument, day).First(&perf)

	net := rec.Outcome().NetPnL()
	win, loss := 0, 0
	if rec.Result == types.ResultWin {
		win = 1
	} else {
		loss = 1
	}

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		perf = DailyPerformance{
			Instrument: rec.Instrument,
			Date:       day,
			Trades:     1,
			Wins:       win,
			Losses:     loss,
			NetPayout:  net,
		}
		return db.Create(&perf).Error
	} else if result.Error != nil {
		return result.Error
	}

	updates := map[string]interface{}{
		"trades":     gorm.Expr("trades + ?", 1),
		"wins":       gorm.Expr("wins + ?", win),
		"losses":     gorm.Expr("losses + ?", loss),
		"net_payout": gorm.Expr("net_payout + ?", net),
	}
	return db.Model(&perf).Where("id = ?", perf.ID).Updates(updates).Error
}

// GetTrades 获取最近的交易记录
func (m *Manager) GetTrades(ctx context.Context, instrument string, limit int) ([]TradeRecord, error) {
	var trades []TradeRecord
	q := m.db.WithContext(ctx).Order("placed_at DESC").Limit(limit)
	if instrument != "" {
		q = q.Where("instrument = ?", instrument)
	}
	err := q.Find(&trades).Error
	return trades, err
}

// GetDailyPerformance 获取最近几天的交易表现
func (m *Manager) GetDailyPerformance(ctx context.Context, instrument string, days int) ([]DailyPerformance, error) {
	var performances []DailyPerformance
	startDate := time.Now().AddDate(0, 0, -days).Truncate(24 * time.Hour)

	err := m.db.WithContext(ctx).Where("instrument = ? AND date >= ?", instrument, startDate).
		Order("date DESC").
		Find(&performances).Error

	return performances, err
}

// Close 关闭数据库连接
func (m *Manager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连接健康状态
func (m *Manager) Health() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
