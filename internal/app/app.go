package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"krakenbot/internal/advisory"
	"krakenbot/internal/alert"
	"krakenbot/internal/config"
	"krakenbot/internal/engine"
	"krakenbot/internal/kraken"
	"krakenbot/internal/monitor"
	"krakenbot/internal/risk"
	"krakenbot/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     *store.Store
	exchange  kraken.Exchange
	engine    *engine.Engine
	scheduler *Scheduler
	monitor   *monitor.Service
	notifier  alert.Notifier
}

// New 组装全部组件。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	records, err := store.NewRecords(st)
	if err != nil {
		return nil, fmt.Errorf("初始化交易记录存储失败: %w", err)
	}

	var exchange kraken.Exchange
	if cfg.Exchange.PaperTrading {
		logger.Info("交易所处于模拟盘模式")
		exchange = kraken.NewPaperClient(kraken.PaperOptions{
			InitialUSD:    cfg.Exchange.PaperInitialUSD,
			MinOrderValue: cfg.Risk.MinOrderValueUSD,
		}, logger)
	} else {
		client, err := kraken.NewClient(cfg.Exchange, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化交易所客户端失败: %w", err)
		}
		exchange = client
	}

	notifier := alert.Notifier(alert.NewWebhook(cfg.Alert, logger))

	riskEng := risk.NewEngine(cfg.Risk)
	tracker, err := risk.NewTracker(st.DB(), cfg.Risk, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化风控跟踪器失败: %w", err)
	}

	eng, err := engine.NewEngine(exchange, records, riskEng, tracker, notifier, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化执行引擎失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	var advisor advisory.Advisor
	if cfg.Advisory.Enabled {
		client, err := advisory.NewClient(cfg.Advisory, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化顾问客户端失败: %w", err)
		}
		advisor = client
	}

	scheduler, err := newScheduler(cfg, exchange, eng, riskEng, tracker, records, advisor, monitorSvc, notifier, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		exchange:  exchange,
		engine:    eng,
		scheduler: scheduler,
		monitor:   monitorSvc,
		notifier:  notifier,
	}, nil
}

// Run 启动交易循环、监控循环、行情推送与监控接口，阻塞直到上下文取消。
// 取消只停止调度循环：正在执行的那一轮会完整跑完后才退出。
func (a *App) Run(ctx context.Context) error {
	mode := "paper"
	if !a.cfg.Exchange.PaperTrading {
		mode = "live"
	}
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("mode", mode),
		zap.Strings("symbols", a.scheduler.Symbols()),
	)

	if err := a.engine.Recover(ctx, a.scheduler.Symbols()); err != nil {
		return fmt.Errorf("启动恢复失败: %w", err)
	}

	a.notifier.Notify(ctx, alert.Event{
		Severity: alert.SeverityInfo,
		Title:    "交易系统启动",
		Message:  fmt.Sprintf("模式 %s, 交易对 %v", mode, a.scheduler.Symbols()),
	})

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return a.tradingLoop(groupCtx)
	})
	group.Go(func() error {
		return a.monitorLoop(groupCtx)
	})

	if a.cfg.Monitor.Enabled {
		group.Go(func() error {
			return startMonitorServer(groupCtx, a.monitor, a.engine, a.cfg.Monitor.Port, a.logger)
		})
	}

	if !a.cfg.Exchange.PaperTrading {
		stream := kraken.NewStreamClient(a.cfg.Exchange.WebsocketURL, a.logger)
		symbols := a.scheduler.Symbols()
		group.Go(func() error {
			return stream.Run(groupCtx, symbols, func(update kraken.TickerUpdate) {
				a.engine.ObserveTick(groupCtx, update.Symbol, update.Last)
			})
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	a.notifier.Notify(ctx, alert.Event{
		Severity: alert.SeverityInfo,
		Title:    "交易系统停止",
		Message:  "调度循环已退出，持仓保持不动",
	})

	a.logger.Info("系统已停止")
	return nil
}

func (a *App) tradingLoop(ctx context.Context) error {
	interval := a.cfg.Scheduler.TradeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	// 启动后立即执行一轮，不等首个周期。
	if err := a.runTick(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("交易循环收到退出信号")
			return ctx.Err()
		case <-ticker.C:
			if err := a.runTick(ctx); err != nil {
				return err
			}
		}
	}
}

// runTick 执行一轮调度。普通错误记日志后继续下一轮；
// 鉴权失败说明密钥已失效，必须告警并停机，重试只会继续失败。
func (a *App) runTick(ctx context.Context) error {
	err := a.scheduler.Tick(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, kraken.ErrAuth) {
		a.logger.Error("交易所鉴权失败，停止交易", zap.Error(err))
		a.notifier.Notify(ctx, alert.Event{
			Severity: alert.SeverityFatal,
			Title:    "鉴权失败",
			Message:  fmt.Sprintf("交易所拒绝 API 凭证，系统停机: %v", err),
		})
		return fmt.Errorf("交易所鉴权失败: %w", err)
	}
	a.logger.Error("交易调度失败", zap.Error(err))
	return nil
}

func (a *App) monitorLoop(ctx context.Context) error {
	interval := a.cfg.Scheduler.MonitorInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.scheduler.MonitorTick(ctx)
		}
	}
}

// EmergencyLiquidate 撤销挂单并按市价清空所有持仓。
func (a *App) EmergencyLiquidate(ctx context.Context) error {
	a.logger.Warn("收到紧急清仓指令")
	if err := a.engine.Recover(ctx, a.scheduler.Symbols()); err != nil {
		return fmt.Errorf("紧急清仓前恢复持仓失败: %w", err)
	}
	return a.engine.EmergencyLiquidate(ctx)
}
