package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"krakenbot/internal/app"
	"krakenbot/internal/config"
	"krakenbot/internal/log"
	"krakenbot/internal/store"
)

func main() {
	var (
		configPath string
		liquidate  bool
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.BoolVar(&liquidate, "liquidate", false, "撤销全部挂单并按市价清空所有持仓后退出")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	tradingApp, err := app.New(cfg, logger, sqliteStore)
	if err != nil {
		logger.Error("初始化系统失败", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if liquidate {
		if err := tradingApp.EmergencyLiquidate(ctx); err != nil {
			logger.Error("紧急清仓失败", zap.Error(err))
			os.Exit(1)
		}
		logger.Info("紧急清仓完成")
		return
	}

	if err := tradingApp.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}
