package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"confluence-sentry/internal/analyzer"
	"confluence-sentry/internal/api"
	"confluence-sentry/internal/execution"
	"confluence-sentry/internal/fetcher"
	"confluence-sentry/internal/notifier"
	"confluence-sentry/internal/predictor"
	"confluence-sentry/internal/risk"
	"confluence-sentry/internal/scheduler"
	"confluence-sentry/internal/storage"
	"confluence-sentry/internal/strategy/database"
	"confluence-sentry/internal/strategy/engine"
	historyfetcher "confluence-sentry/internal/strategy/fetcher"
	"confluence-sentry/internal/strategy/monitor"
	"confluence-sentry/internal/strategy/websocket"
	"confluence-sentry/internal/venue"
	"confluence-sentry/pkg/types"
)

const (
	candleCapacity   = 300
	gapFillInterval  = time.Minute
	reportInterval   = 5 * time.Minute
	startupLoadLimit = 10 * time.Second
)

// App 应用程序管理器
type App struct {
	config *types.Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	redisClient *redis.Client
	dbManager   *database.Manager
	wsClient    *websocket.Client
	server      *api.Server
}

// NewApp 创建应用程序实例
func NewApp(config *types.Config) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 启动应用程序
func (app *App) Start() error {
	zap.L().Info("🚀 Confluence Sentry 启动中...",
		zap.Strings("instruments", app.config.Engine.Instruments),
		zap.Strings("timeframes", app.config.Engine.Timeframes),
		zap.Bool("auto_execute", app.config.Engine.AutoExecute))

	timeframes, err := engine.ParseTimeframes(app.config.Engine.Timeframes)
	if err != nil {
		return err
	}

	// 存储层：Redis 可选，失败时退回内存
	app.redisClient = storage.NewRedisClient(app.config.Redis)
	var persister risk.Persister
	if app.redisClient != nil {
		persister = storage.NewRiskStatePersister(app.redisClient, app.config.Redis.Key)
	}
	candleStore := storage.NewCandleStore(candleCapacity, app.redisClient)

	app.startMarketData(candleStore, timeframes)

	tradingVenue, err := venue.New(app.config.Venue, candleStore)
	if err != nil {
		return err
	}

	store := risk.NewStore(app.config.Risk, persister)
	loadCtx, loadCancel := context.WithTimeout(app.ctx, startupLoadLimit)
	if err := store.Load(loadCtx); err != nil {
		zap.L().Warn("⚠️ 风控状态加载失败，准入暂停直到重新加载成功", zap.Error(err))
	}
	loadCancel()

	// 数据库可选，未配置Host时不落库
	var tradeSink execution.TradeSink
	var signalSink engine.SignalSink
	if app.config.Database.MySQL.Host != "" {
		dbManager, err := database.NewManager(app.config.Database.MySQL)
		if err != nil {
			zap.L().Warn("⚠️ 数据库初始化失败，交易记录仅保存在内存", zap.Error(err))
		} else {
			app.dbManager = dbManager
			tradeSink = dbManager
			signalSink = dbManager
		}
	}

	journal := execution.NewJournal(app.config.Execution.JournalSize, tradeSink)
	machine := execution.NewMachine(
		app.config.Execution,
		app.config.Engine.MinConfidence,
		store,
		risk.NewPositionSizer(app.config.Sizing),
		tradingVenue,
		journal,
	)

	// 根据配置选择通知服务（优先级：钉钉 > PushPlus > 控制台）
	tradeNotifier := notifier.NewTradeNotifier(notifier.New(app.config.DingTalk, app.config.PushPlus))
	machine.SetListener(tradeNotifier)

	outcomeSource, _ := tradingVenue.(venue.OutcomeSource)
	observer := execution.NewObserver(journal, store, outcomeSource, app.config.Execution.OutcomePoll)
	observer.SetListener(tradeNotifier)
	app.goRun(observer.Run)

	performanceMonitor := monitor.NewPerformanceMonitor(journal, app.dbManager, reportInterval)
	app.goRun(performanceMonitor.Run)

	deps := engine.Deps{
		Candles:    candleStore,
		Analyzer:   analyzer.NewMarketAnalyzer(app.config.Analyzer),
		Machine:    machine,
		Store:      store,
		SignalSink: signalSink,
		Recorder:   performanceMonitor,
		Notifier:   tradeNotifier,
	}
	if app.config.Predictor.Enabled {
		deps.Predictor = predictor.NewClient(app.config.Predictor)
		deps.PredictorWeight = app.config.Predictor.Weight
		zap.L().Info("🤖 已启用外部预测服务", zap.String("url", app.config.Predictor.URL))
	}

	confluenceEngine, err := engine.New(app.config.Engine, deps)
	if err != nil {
		return err
	}
	app.goRun(confluenceEngine.WatchEmergencyStop)

	taskScheduler := scheduler.NewScheduler(
		app.config.Engine.Instruments,
		app.config.Engine.CycleInterval,
		app.config.Engine.CycleTimeout,
		func(ctx context.Context, instrument string) {
			if _, err := confluenceEngine.RunCycle(ctx, instrument); err != nil {
				zap.L().Warn("⚠️ 分析周期失败", zap.String("instrument", instrument), zap.Error(err))
			}
		},
	)
	app.goRun(taskScheduler.Start)

	if app.config.API.Addr != "" {
		app.server = api.NewServer(confluenceEngine, journal, observer, performanceMonitor)
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			zap.L().Info("🌐 控制接口已启动", zap.String("addr", app.config.API.Addr))
			if err := app.server.Start(app.config.API.Addr); err != nil {
				zap.L().Error("❌ 控制接口异常退出", zap.Error(err))
			}
		}()
	}

	zap.L().Info("✅ Confluence Sentry 已启动",
		zap.String("venue", tradingVenue.Name()),
		zap.Bool("redis", app.redisClient != nil),
		zap.Bool("mysql", app.dbManager != nil))
	return nil
}

// startMarketData 恢复缓存、预热历史K线，并接入实时推送
func (app *App) startMarketData(candleStore *storage.CandleStore, timeframes []types.Timeframe) {
	if app.redisClient != nil {
		for _, inst := range app.config.Engine.Instruments {
			for _, tf := range timeframes {
				if n, err := candleStore.Restore(app.ctx, inst, tf); err != nil {
					zap.L().Warn("⚠️ 从Redis恢复K线失败", zap.String("instrument", inst), zap.String("timeframe", string(tf)), zap.Error(err))
				} else if n > 0 {
					zap.L().Debug("♻️ 已从Redis恢复K线", zap.String("instrument", inst), zap.String("timeframe", string(tf)), zap.Int("count", n))
				}
			}
		}
	}

	dataFetcher := fetcher.NewDataFetcher(
		candleStore,
		historyfetcher.NewHistoryKlineFetcher(app.config.Network),
		app.config.Engine.Instruments,
		timeframes,
		app.config.Engine.HistoryLimit,
		gapFillInterval,
	)
	if err := dataFetcher.Warmup(app.ctx); err != nil {
		zap.L().Warn("⚠️ K线预热未完成，等待定时补齐", zap.Error(err))
	}
	app.goRun(dataFetcher.Start)

	if !app.config.WebSocket.Enabled {
		return
	}

	app.wsClient = websocket.NewClient(app.config.Network.Proxy, app.config.WebSocket)
	if err := app.wsClient.Connect(); err != nil {
		zap.L().Warn("⚠️ WebSocket连接失败，仅依赖REST补齐", zap.Error(err))
		app.wsClient = nil
		return
	}
	if err := app.wsClient.Subscribe(app.config.Engine.Instruments, timeframes); err != nil {
		zap.L().Warn("⚠️ WebSocket订阅失败", zap.Error(err))
	}
	app.wsClient.StartReading()

	updates := app.wsClient.GetCandleChannel()
	app.goRun(func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				candleStore.Upsert(update)
			}
		}
	})
}

func (app *App) goRun(fn func(ctx context.Context)) {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		fn(app.ctx)
	}()
}

// Stop 停止应用程序
func (app *App) Stop() {
	zap.L().Info("🛑 收到停止信号，正在优雅关闭...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if app.server != nil {
		if err := app.server.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("⚠️ 控制接口关闭失败", zap.Error(err))
		}
	}

	app.cancel()
	if app.wsClient != nil {
		_ = app.wsClient.Close()
	}

	// 等待所有goroutine结束，最多等待30秒
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("✅ Confluence Sentry 已安全关闭")
	case <-shutdownCtx.Done():
		zap.L().Warn("⚠️ 强制关闭超时")
	}

	if app.dbManager != nil {
		if err := app.dbManager.Close(); err != nil {
			zap.L().Warn("⚠️ 关闭数据库失败", zap.Error(err))
		}
	}
	if app.redisClient != nil {
		_ = app.redisClient.Close()
	}
}

// WaitForShutdown 等待关闭信号
func (app *App) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
