package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"krakenbot/internal/alert"
	"krakenbot/internal/kraken"
	"krakenbot/internal/position"
	"krakenbot/internal/strategy"
)

// EntryPlan 为一次开仓的全部参数，由调度器在风控测算后组装。
type EntryPlan struct {
	Signal      strategy.Signal
	NotionalUSD float64
	Price       float64
	// StopLossPercent 与 TakeProfitPercent 为相对入场价的百分比距离。
	StopLossPercent   float64
	TakeProfitPercent float64
	RiskOverride      bool
}

// Open 执行买入并建立持仓。同一交易对最多只允许一个持仓。
func (e *Engine) Open(ctx context.Context, plan EntryPlan) error {
	symbol := plan.Signal.Symbol
	if symbol == "" {
		return fmt.Errorf("engine: 开仓计划缺少交易对")
	}
	if plan.Price <= 0 || plan.NotionalUSD <= 0 {
		return fmt.Errorf("engine: %s 开仓参数无效 price=%.4f notional=%.2f",
			symbol, plan.Price, plan.NotionalUSD)
	}
	if e.Has(symbol) {
		return fmt.Errorf("engine: %s 已有持仓，拒绝重复开仓", symbol)
	}

	quantity := kraken.RoundQuantity(plan.NotionalUSD/plan.Price, e.quantityDecimals(symbol))
	if quantity <= 0 {
		return fmt.Errorf("engine: %s 数量精度归整后为零", symbol)
	}

	confirmation, err := e.exchange.PlaceMarketOrder(ctx, symbol, kraken.SideBuy, quantity)
	if err != nil {
		e.logger.Error("买入下单失败",
			zap.String("symbol", symbol),
			zap.Float64("quantity", quantity),
			zap.Error(err))
		return fmt.Errorf("engine: %s 买入失败: %w", symbol, err)
	}

	fillPrice := confirmation.Price
	if fillPrice <= 0 {
		fillPrice = plan.Price
	}

	pos := &position.Position{
		Symbol:       symbol,
		EntryPrice:   fillPrice,
		Quantity:     quantity,
		InvestedUSD:  quantity * fillPrice,
		EntryTime:    e.now().UTC(),
		Strategy:     plan.Signal.Strategy,
		HighestPrice: fillPrice,
		Risk: position.RiskParams{
			StopLossPercent:     plan.StopLossPercent,
			TakeProfitPercent:   plan.TakeProfitPercent,
			PositionSizePercent: 0,
			Override:            plan.RiskOverride,
		},
		OrderID: confirmation.OrderID,
	}
	if pos.Risk.StopLossPercent <= 0 {
		pos.Risk.StopLossPercent = e.riskCfg.DefaultStopLossPercent
	}
	if pos.Risk.TakeProfitPercent <= 0 {
		pos.Risk.TakeProfitPercent = e.riskCfg.DefaultTakeProfitPercent
	}

	if err := e.records.SavePosition(ctx, *pos); err != nil {
		// 订单已成交但落库失败：持仓仍留在内存中，等待下轮持久化。
		e.logger.Error("持仓落库失败", zap.String("symbol", symbol), zap.Error(err))
	}

	if err := e.records.AppendTrade(ctx, position.TradeRecord{
		Symbol:    symbol,
		Side:      string(kraken.SideBuy),
		Price:     fillPrice,
		Quantity:  quantity,
		Notional:  quantity * fillPrice,
		Strategy:  plan.Signal.Strategy,
		Timestamp: e.now().UTC(),
	}); err != nil {
		e.logger.Error("成交记录落库失败", zap.String("symbol", symbol), zap.Error(err))
	}

	e.mu.Lock()
	e.positions[symbol] = pos
	e.mu.Unlock()

	e.logger.Info("开仓成功",
		zap.String("symbol", symbol),
		zap.String("strategy", plan.Signal.Strategy),
		zap.Float64("price", fillPrice),
		zap.Float64("quantity", quantity),
		zap.Float64("notional", pos.InvestedUSD),
		zap.Float64("stop_loss_percent", pos.Risk.StopLossPercent),
		zap.Float64("take_profit_percent", pos.Risk.TakeProfitPercent),
		zap.String("order_id", confirmation.OrderID))

	e.notifier.Notify(ctx, alert.Event{
		Severity: alert.SeverityInfo,
		Title:    "开仓",
		Symbol:   symbol,
		Message: fmt.Sprintf("%s 买入 %.8f @ %.4f (%.2f USD), 策略 %s",
			symbol, quantity, fillPrice, pos.InvestedUSD, plan.Signal.Strategy),
	})

	return nil
}
