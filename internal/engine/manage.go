package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"krakenbot/internal/position"
	"krakenbot/internal/strategy"
)

// EffectiveStop 返回持仓的有效止损价：原始止损与追踪止损中的较高者。
// 追踪止损只在浮盈达到激活阈值后生效，且只会抬高、不会降低止损。
func (e *Engine) EffectiveStop(pos position.Position) float64 {
	original := pos.EntryPrice * (1 - pos.Risk.StopLossPercent/100)

	activate := e.execCfg.TrailingActivatePercent
	trail := e.execCfg.TrailingDistancePercent
	if activate <= 0 || trail <= 0 {
		return original
	}

	gainPercent := (pos.HighestPrice - pos.EntryPrice) / pos.EntryPrice * 100
	if gainPercent < activate {
		return original
	}

	trailing := pos.HighestPrice * (1 - trail/100)
	if trailing > original {
		return trailing
	}
	return original
}

// ObserveTick 用推送行情更新持仓最高价，供追踪止损使用。
// 只更新状态，不触发离场；离场判定统一在 Manage 中进行。
func (e *Engine) ObserveTick(ctx context.Context, symbol string, price float64) {
	if price <= 0 {
		return
	}

	e.mu.Lock()
	pos, ok := e.positions[symbol]
	if !ok || !pos.ObservePrice(price) {
		e.mu.Unlock()
		return
	}
	snapshot := *pos
	e.mu.Unlock()

	if err := e.records.SavePosition(ctx, snapshot); err != nil {
		e.logger.Error("持仓落库失败", zap.String("symbol", symbol), zap.Error(err))
	}
}

// Manage 对单个持仓执行一轮监控：更新最高价、检查止损/止盈/策略离场。
// 离场优先级固定为 止损 > 止盈 > 策略卖出信号；止损离场不经过任何外部确认。
// sellSignal 为策略层给出的可选卖出信号，可为 nil。
func (e *Engine) Manage(ctx context.Context, symbol string, sellSignal *strategy.Signal) error {
	e.mu.Lock()
	pos, ok := e.positions[symbol]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	snapshot := *pos
	e.mu.Unlock()

	ticker, err := e.exchange.GetTicker(ctx, symbol)
	if err != nil {
		return fmt.Errorf("engine: %s 查询市价失败: %w", symbol, err)
	}
	price := ticker.Last
	if price <= 0 {
		return fmt.Errorf("engine: %s 无效市价 %.4f", symbol, price)
	}

	e.mu.Lock()
	if current, still := e.positions[symbol]; still {
		if current.ObservePrice(price) {
			snapshot = *current
			e.mu.Unlock()
			// 最高价变动的每个tick都要落库，保证追踪止损可恢复。
			if err := e.records.SavePosition(ctx, snapshot); err != nil {
				e.logger.Error("持仓落库失败", zap.String("symbol", symbol), zap.Error(err))
			}
		} else {
			snapshot = *current
			e.mu.Unlock()
		}
	} else {
		e.mu.Unlock()
		return nil
	}

	effectiveStop := e.EffectiveStop(snapshot)
	gain := snapshot.PnLPercent(price)

	switch {
	case price <= effectiveStop:
		reason := position.ExitStopLoss
		if effectiveStop > snapshot.EntryPrice*(1-snapshot.Risk.StopLossPercent/100) {
			reason = position.ExitTrailingStop
		}
		e.logger.Info("触发止损离场",
			zap.String("symbol", symbol),
			zap.Float64("price", price),
			zap.Float64("effective_stop", effectiveStop),
			zap.String("reason", string(reason)))
		return e.Close(ctx, symbol, price, reason)

	case snapshot.Risk.TakeProfitPercent > 0 && gain >= snapshot.Risk.TakeProfitPercent:
		e.logger.Info("触发止盈离场",
			zap.String("symbol", symbol),
			zap.Float64("price", price),
			zap.Float64("gain_percent", gain))
		return e.Close(ctx, symbol, price, position.ExitTakeProfit)

	case sellSignal != nil && sellSignal.Action == strategy.ActionSell:
		e.logger.Info("触发策略离场",
			zap.String("symbol", symbol),
			zap.Float64("price", price),
			zap.String("strategy", sellSignal.Strategy),
			zap.String("reason", sellSignal.Reason))
		return e.Close(ctx, symbol, price, position.ExitStrategy)
	}

	return nil
}
