package main

import (
	"log"

	"go.uber.org/zap"

	"confluence-sentry/pkg/config"
	"confluence-sentry/pkg/logger"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("加载配置失败:", err)
	}

	// 初始化日志
	appLogger, err := logger.Init(cfg.Log)
	if err != nil {
		log.Fatal("初始化日志失败:", err)
	}
	defer func() { _ = appLogger.Sync() }()

	app := NewApp(cfg)
	if err := app.Start(); err != nil {
		zap.L().Error("❌ 启动失败", zap.Error(err))
		app.Stop()
		return
	}

	app.WaitForShutdown()
	app.Stop()
}
