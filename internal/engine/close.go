package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"krakenbot/internal/alert"
	"krakenbot/internal/kraken"
	"krakenbot/internal/position"
)

// Close 关闭指定持仓。离场前先与交易所余额对账：
// 实际可卖数量取跟踪数量与交易所可用余额的较小值；
// 余额为零视为状态漂移直接移除；低于最小下单价值按灰尘清理，不提交订单。
func (e *Engine) Close(ctx context.Context, symbol string, price float64, reason position.ExitReason) error {
	// 离场一旦启动就必须跑到终态，停机信号不得中断卖出与重试。
	ctx = context.WithoutCancel(ctx)

	e.mu.Lock()
	pos, ok := e.positions[symbol]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	snapshot := *pos
	e.mu.Unlock()

	balances, err := e.exchange.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("engine: %s 离场前对账失败: %w", symbol, err)
	}

	free := balances[kraken.BaseAsset(symbol)].Free

	if free <= 0 {
		e.logger.Warn("持仓与交易所余额不一致，直接移除",
			zap.String("symbol", symbol),
			zap.Float64("tracked_quantity", snapshot.Quantity))
		return e.remove(ctx, snapshot, price, position.ExitDesync)
	}

	sellQty := snapshot.Quantity
	if free < sellQty {
		e.logger.Warn("交易所可用余额少于跟踪数量，按实际余额离场",
			zap.String("symbol", symbol),
			zap.Float64("tracked_quantity", snapshot.Quantity),
			zap.Float64("free", free))
		sellQty = free
	}

	sellQty = kraken.RoundQuantity(sellQty, e.quantityDecimals(symbol))
	if sellQty*price < e.riskCfg.MinOrderValueUSD {
		e.logger.Info("持仓价值低于最小下单价值，按灰尘清理",
			zap.String("symbol", symbol),
			zap.Float64("quantity", sellQty),
			zap.Float64("notional", sellQty*price))
		return e.remove(ctx, snapshot, price, position.ExitDust)
	}

	confirmation, err := e.sellWithRetry(ctx, symbol, sellQty)
	if err != nil {
		// 重试耗尽：持仓保持OPEN等待下一轮，只发一次致命告警。
		e.notifier.Notify(ctx, alert.Event{
			Severity: alert.SeverityFatal,
			Title:    "卖出失败",
			Symbol:   symbol,
			Message: fmt.Sprintf("%s 卖出 %.8f 重试耗尽: %v，持仓保留待下轮处理",
				symbol, sellQty, err),
		})
		return fmt.Errorf("engine: %s 卖出重试耗尽: %w", symbol, err)
	}

	fillPrice := confirmation.Price
	if fillPrice <= 0 {
		fillPrice = price
	}

	pnl := (fillPrice - snapshot.EntryPrice) * sellQty
	pnlPercent := snapshot.PnLPercent(fillPrice)

	e.finalize(ctx, snapshot, position.TradeRecord{
		Symbol:     symbol,
		Side:       string(kraken.SideSell),
		Price:      fillPrice,
		Quantity:   sellQty,
		Notional:   sellQty * fillPrice,
		PnL:        pnl,
		PnLPercent: pnlPercent,
		Strategy:   snapshot.Strategy,
		ExitReason: reason,
		Timestamp:  e.now().UTC(),
	})

	e.logger.Info("平仓成功",
		zap.String("symbol", symbol),
		zap.String("reason", string(reason)),
		zap.Float64("price", fillPrice),
		zap.Float64("quantity", sellQty),
		zap.Float64("pnl", pnl),
		zap.Float64("pnl_percent", pnlPercent),
		zap.String("order_id", confirmation.OrderID))

	severity := alert.SeverityInfo
	if pnl < 0 {
		severity = alert.SeverityWarning
	}
	e.notifier.Notify(ctx, alert.Event{
		Severity: severity,
		Title:    fmt.Sprintf("平仓(%s)", reason),
		Symbol:   symbol,
		Message: fmt.Sprintf("%s 卖出 %.8f @ %.4f, 盈亏 %s (%.2f%%)",
			symbol, sellQty, fillPrice, alert.Format(pnl), pnlPercent),
	})

	return nil
}

// sellWithRetry 提交卖出订单，失败时按线性退避重试固定次数。
func (e *Engine) sellWithRetry(ctx context.Context, symbol string, quantity float64) (kraken.OrderConfirmation, error) {
	attempts := e.execCfg.SellRetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := e.execCfg.SellRetryBackoff
	if backoff <= 0 {
		backoff = 3 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		confirmation, err := e.exchange.PlaceMarketOrder(ctx, symbol, kraken.SideSell, quantity)
		if err == nil {
			return confirmation, nil
		}
		lastErr = err

		e.logger.Warn("卖出下单失败",
			zap.String("symbol", symbol),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err))

		if attempt == attempts {
			break
		}
		if sleepErr := e.sleep(ctx, time.Duration(attempt)*backoff); sleepErr != nil {
			return kraken.OrderConfirmation{}, multierr.Append(lastErr, sleepErr)
		}
	}

	return kraken.OrderConfirmation{}, lastErr
}

// remove 不经过订单直接移除持仓，用于灰尘清理与状态漂移。
func (e *Engine) remove(ctx context.Context, snapshot position.Position, price float64, reason position.ExitReason) error {
	e.finalize(ctx, snapshot, position.TradeRecord{
		Symbol:     snapshot.Symbol,
		Side:       string(kraken.SideSell),
		Price:      price,
		Quantity:   0,
		Notional:   0,
		PnL:        0,
		PnLPercent: 0,
		Strategy:   snapshot.Strategy,
		ExitReason: reason,
		Timestamp:  e.now().UTC(),
	})

	e.notifier.Notify(ctx, alert.Event{
		Severity: alert.SeverityWarning,
		Title:    fmt.Sprintf("移除持仓(%s)", reason),
		Symbol:   snapshot.Symbol,
		Message: fmt.Sprintf("%s 持仓未经订单直接移除, 跟踪数量 %.8f",
			snapshot.Symbol, snapshot.Quantity),
	})

	return nil
}

// finalize 完成平仓的收尾：删内存、删库、记成交、通知风控。
func (e *Engine) finalize(ctx context.Context, snapshot position.Position, rec position.TradeRecord) {
	e.mu.Lock()
	delete(e.positions, snapshot.Symbol)
	e.mu.Unlock()

	if err := e.records.DeletePosition(ctx, snapshot.Symbol); err != nil {
		e.logger.Error("删除持仓记录失败", zap.String("symbol", snapshot.Symbol), zap.Error(err))
	}
	if err := e.records.AppendTrade(ctx, rec); err != nil {
		e.logger.Error("成交记录落库失败", zap.String("symbol", snapshot.Symbol), zap.Error(err))
	}
	if e.tracker != nil && rec.Quantity > 0 {
		if err := e.tracker.RecordTradeResult(ctx, rec.Timestamp, rec.PnL); err != nil {
			e.logger.Error("记录已实现盈亏失败", zap.String("symbol", snapshot.Symbol), zap.Error(err))
		}
	}
}

// EmergencyLiquidate 撤销全部挂单并以市价清空所有持仓。
// 清仓绕过任何外部确认，逐个持仓执行，单个失败不阻止其余持仓。
func (e *Engine) EmergencyLiquidate(ctx context.Context) error {
	var errs error

	if _, err := e.exchange.CancelAllOrders(ctx); err != nil {
		e.logger.Error("撤销挂单失败", zap.Error(err))
		errs = multierr.Append(errs, err)
	}

	for _, pos := range e.Snapshot() {
		ticker, err := e.exchange.GetTicker(ctx, pos.Symbol)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("engine: %s 查询市价失败: %w", pos.Symbol, err))
			continue
		}
		if err := e.Close(ctx, pos.Symbol, ticker.Last, position.ExitEmergency); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if errs != nil {
		e.notifier.Notify(ctx, alert.Event{
			Severity: alert.SeverityFatal,
			Title:    "紧急清仓未完全成功",
			Message:  errs.Error(),
		})
		return errs
	}

	e.notifier.Notify(ctx, alert.Event{
		Severity: alert.SeverityWarning,
		Title:    "紧急清仓完成",
		Message:  "全部持仓已按市价清空",
	})
	return nil
}
