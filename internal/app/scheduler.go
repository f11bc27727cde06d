package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"krakenbot/internal/advisory"
	"krakenbot/internal/alert"
	"krakenbot/internal/config"
	"krakenbot/internal/engine"
	"krakenbot/internal/kraken"
	"krakenbot/internal/monitor"
	"krakenbot/internal/position"
	"krakenbot/internal/risk"
	"krakenbot/internal/store"
	"krakenbot/internal/strategy"
)

type pairRuntime struct {
	cfg       config.PairConfig
	evaluator *strategy.Evaluator
}

// Scheduler 驱动交易主循环：逐交易对评估信号、测算仓位并驱动执行引擎。
// 单轮内先处理全部离场，再考虑开仓；熔断只拦截开仓。
type Scheduler struct {
	cfg      *config.Config
	exchange kraken.Exchange
	pairs    []pairRuntime
	engine   *engine.Engine
	riskEng  *risk.Engine
	tracker  *risk.Tracker
	records  *store.Records
	advisor  advisory.Advisor
	monitor  *monitor.Service
	notifier alert.Notifier
	logger   *zap.Logger

	halted bool
}

func newScheduler(
	cfg *config.Config,
	exchange kraken.Exchange,
	eng *engine.Engine,
	riskEng *risk.Engine,
	tracker *risk.Tracker,
	records *store.Records,
	advisor advisory.Advisor,
	monitorSvc *monitor.Service,
	notifier alert.Notifier,
	logger *zap.Logger,
) (*Scheduler, error) {
	pairs := make([]pairRuntime, 0, len(cfg.Trading.EnabledPairs()))
	for _, pair := range cfg.Trading.EnabledPairs() {
		evaluator, err := strategy.NewEvaluator(cfg.Strategy, pair.Strategies, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化交易对 %s 策略失败: %w", pair.Symbol, err)
		}
		pairs = append(pairs, pairRuntime{cfg: pair, evaluator: evaluator})
	}

	return &Scheduler{
		cfg:      cfg,
		exchange: exchange,
		pairs:    pairs,
		engine:   eng,
		riskEng:  riskEng,
		tracker:  tracker,
		records:  records,
		advisor:  advisor,
		monitor:  monitorSvc,
		notifier: notifier,
		logger:   logger.Named("scheduler"),
	}, nil
}

// Symbols 返回调度的全部交易对。
func (s *Scheduler) Symbols() []string {
	symbols := make([]string, 0, len(s.pairs))
	for _, pair := range s.pairs {
		symbols = append(symbols, pair.cfg.Symbol)
	}
	return symbols
}

// Tick 执行一轮完整的交易调度。
func (s *Scheduler) Tick(ctx context.Context) error {
	usdFree, err := s.quoteBalance(ctx)
	if err != nil {
		s.monitor.RecordError(ctx, "查询余额失败", err, nil)
		return err
	}

	equity := usdFree + s.engine.Exposure()
	status, err := s.tracker.Update(ctx, time.Now(), equity)
	if err != nil {
		s.monitor.RecordError(ctx, "更新风控状态失败", err, nil)
		return err
	}

	halted, reason := s.riskEng.ShouldHalt(status)
	if halted != s.halted {
		s.halted = halted
		s.monitor.RecordHalt(ctx, halted, reason, status)
		if halted {
			s.logger.Warn("触发熔断，暂停开仓", zap.String("reason", reason))
			s.notifier.Notify(ctx, alert.Event{
				Severity: alert.SeverityFatal,
				Title:    "熔断",
				Message:  fmt.Sprintf("%s (当日盈亏 %s, 回撤 %.1f%%, 连亏 %d)", reason, alert.Format(status.RealizedPnL), status.Drawdown*100, status.ConsecutiveLosses),
			})
		} else {
			s.logger.Info("熔断解除，恢复开仓")
		}
	}

	// 第一遍：评估信号并处理全部持仓的离场。
	evaluations := make(map[string]strategy.Evaluation, len(s.pairs))
	for _, pair := range s.pairs {
		symbol := pair.cfg.Symbol

		candles, err := s.exchange.GetCandles(ctx, symbol, s.cfg.Strategy.Timeframe, s.cfg.Strategy.CandleLimit)
		if err != nil {
			s.logger.Error("拉取K线失败", zap.String("symbol", symbol), zap.Error(err))
			s.monitor.RecordError(ctx, "拉取K线失败", err, map[string]interface{}{"symbol": symbol})
			continue
		}

		open := openPtr(s.engine, symbol)
		eval, err := pair.evaluator.Evaluate(symbol, candles, open)
		if err != nil {
			s.logger.Error("信号评估失败", zap.String("symbol", symbol), zap.Error(err))
			s.monitor.RecordError(ctx, "信号评估失败", err, map[string]interface{}{"symbol": symbol})
			continue
		}
		evaluations[symbol] = eval

		if eval.Actionable {
			s.monitor.RecordSignal(ctx, eval.Signal)
		}

		if open != nil {
			var sellSignal *strategy.Signal
			if eval.Actionable && eval.Signal.Action == strategy.ActionSell {
				sellSignal = &eval.Signal
			}
			if err := s.engine.Manage(ctx, symbol, sellSignal); err != nil {
				s.logger.Error("持仓管理失败", zap.String("symbol", symbol), zap.Error(err))
				s.monitor.RecordError(ctx, "持仓管理失败", err, map[string]interface{}{"symbol": symbol})
			}
		}
	}

	// 第二遍：考虑开仓。熔断期间直接跳过。
	if s.halted {
		return nil
	}

	for _, pair := range s.pairs {
		symbol := pair.cfg.Symbol
		eval, ok := evaluations[symbol]
		if !ok || !eval.Actionable || eval.Signal.Action != strategy.ActionBuy {
			continue
		}
		if s.engine.Has(symbol) {
			continue
		}

		if err := s.tryOpen(ctx, pair, eval, status, usdFree); err != nil {
			s.logger.Error("开仓失败", zap.String("symbol", symbol), zap.Error(err))
			s.monitor.RecordError(ctx, "开仓失败", err, map[string]interface{}{"symbol": symbol})
		}
	}

	return nil
}

func (s *Scheduler) tryOpen(ctx context.Context, pair pairRuntime, eval strategy.Evaluation, status risk.Status, usdFree float64) error {
	sig := eval.Signal
	ind := eval.Indicators
	price := ind.Close
	if price <= 0 {
		return fmt.Errorf("无效市价 %.4f", price)
	}

	riskOverride := false
	advisorSizePercent := 0.0
	if s.advisor != nil {
		verdict, err := s.advisor.Validate(ctx, advisory.Request{
			Symbol: sig.Symbol,
			Price:  price,
			Technical: advisory.TechnicalContext{
				Action:     string(sig.Action),
				Strength:   sig.Strength,
				Confidence: sig.Confidence,
				Strategy:   sig.Strategy,
				Reason:     sig.Reason,
				RSI:        ind.RSI,
				ADX:        ind.ADX,
				MACDHist:   ind.MACD.Histogram,
			},
			Market: advisory.MarketContext{
				Close:             ind.Close,
				PreviousClose:     ind.PreviousClose,
				BollingerPosition: ind.Bollinger.Position,
			},
			Portfolio: advisory.PortfolioContext{
				BalanceUSD:    usdFree,
				ExposureUSD:   s.engine.Exposure(),
				OpenPositions: len(s.engine.Snapshot()),
				DailyPnLUSD:   status.RealizedPnL,
			},
			Volatility: advisory.VolatilityContext{
				Regime:      string(ind.Volatility),
				ATRRelative: ind.ATR.Relative,
			},
		})
		s.monitor.RecordVerdict(ctx, sig, verdict, err)

		// 顾问不可用或否决：强制模式下信号作废，fail closed。
		if err != nil {
			if s.cfg.Advisory.Mandatory {
				s.logger.Warn("顾问服务不可用，放弃信号",
					zap.String("symbol", sig.Symbol), zap.Error(err))
				return nil
			}
			s.logger.Warn("顾问服务不可用，非强制模式下继续执行",
				zap.String("symbol", sig.Symbol), zap.Error(err))
		} else {
			if !verdict.Approved(s.cfg.Advisory.MinConfidence) {
				s.logger.Info("顾问否决信号",
					zap.String("symbol", sig.Symbol),
					zap.String("action", verdict.Action),
					zap.Float64("confidence_percent", verdict.ConfidencePercent),
					zap.String("reasoning", verdict.Reasoning))
				return nil
			}
			if verdict.SuggestedStopLossPercent > 0 {
				sig.SuggestedStopLossPercent = verdict.SuggestedStopLossPercent
				riskOverride = true
			}
			if verdict.SuggestedTakeProfitPercent > 0 {
				sig.SuggestedTakeProfitPercent = verdict.SuggestedTakeProfitPercent
				riskOverride = true
			}
			if verdict.SuggestedPositionSizePercent > 0 {
				advisorSizePercent = verdict.SuggestedPositionSizePercent
			}
		}
	}

	winRate := -1.0
	if rates, err := s.records.StrategyWinRates(ctx); err != nil {
		s.logger.Warn("查询策略胜率失败", zap.Error(err))
	} else if rate, ok := rates[sig.Strategy]; ok {
		winRate = rate.Rate()
	}

	input := risk.SizeInput{
		BalanceUSD:         usdFree,
		Confidence:         sig.Confidence,
		Volatility:         ind.Volatility,
		CurrentExposureUSD: s.engine.Exposure(),
		Drawdown:           status.Drawdown,
		WinRate:            winRate,
		RiskRewardRatio:    s.cfg.Risk.RiskRewardRatio,
	}
	result := s.riskEng.SizePosition(input)

	// 顾问建议与交易对配额在风控测算之上继续收紧，只减不增。
	if advisorSizePercent > 0 {
		if sizeCap := usdFree * advisorSizePercent / 100; sizeCap < result.NotionalUSD {
			result.NotionalUSD = sizeCap
			result.LimitedBy = "advisor_size"
		}
	}
	if pair.cfg.AllocationPercent > 0 {
		equity := usdFree + s.engine.Exposure()
		if allocCap := equity * pair.cfg.AllocationPercent / 100; allocCap < result.NotionalUSD {
			result.NotionalUSD = allocCap
			result.LimitedBy = "pair_allocation"
		}
	}
	if result.NotionalUSD > 0 && result.NotionalUSD < s.cfg.Risk.MinOrderValueUSD {
		result.NotionalUSD = 0
		result.LimitedBy = "min_order_value"
	}

	s.monitor.RecordRiskSizing(ctx, sig.Symbol, input, result)

	if result.NotionalUSD <= 0 {
		s.logger.Info("仓位测算为零，放弃开仓",
			zap.String("symbol", sig.Symbol),
			zap.String("limited_by", result.LimitedBy))
		return nil
	}

	stopPrice := s.riskEng.StopLossPrice(price, ind.ATR.Absolute, sig.SuggestedStopLossPercent)
	stopPercent := risk.StopLossPercent(price, stopPrice)

	takeProfitPercent := sig.SuggestedTakeProfitPercent
	if takeProfitPercent <= 0 {
		takeProfitPrice := s.riskEng.TakeProfitPrice(price, stopPrice)
		takeProfitPercent = (takeProfitPrice - price) / price * 100
	}

	return s.engine.Open(ctx, engine.EntryPlan{
		Signal:            sig,
		NotionalUSD:       result.NotionalUSD,
		Price:             price,
		StopLossPercent:   stopPercent,
		TakeProfitPercent: takeProfitPercent,
		RiskOverride:      riskOverride,
	})
}

// MonitorTick 执行一轮持仓监控：只做止损/止盈/追踪检查与快照记录，不评估新信号。
func (s *Scheduler) MonitorTick(ctx context.Context) {
	for _, pos := range s.engine.Snapshot() {
		if err := s.engine.Manage(ctx, pos.Symbol, nil); err != nil {
			s.logger.Error("持仓监控失败", zap.String("symbol", pos.Symbol), zap.Error(err))
		}
	}

	usdFree, err := s.quoteBalance(ctx)
	if err != nil {
		s.logger.Warn("查询余额失败", zap.Error(err))
		return
	}
	s.monitor.RecordPositions(ctx, usdFree, s.engine.Exposure(), s.engine.Snapshot())
}

func (s *Scheduler) quoteBalance(ctx context.Context) (float64, error) {
	balances, err := s.exchange.GetBalance(ctx)
	if err != nil {
		return 0, err
	}
	return balances["USD"].Free, nil
}

func openPtr(eng *engine.Engine, symbol string) *position.Position {
	if pos, ok := eng.Get(symbol); ok {
		return &pos
	}
	return nil
}
