package position

import (
	"errors"
	"fmt"
	"time"
)

// ExitReason 标记一笔持仓被关闭的原因。
type ExitReason string

const (
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitStrategy     ExitReason = "STRATEGY"
	ExitDust         ExitReason = "DUST"
	ExitDesync       ExitReason = "DESYNC"
	ExitEmergency    ExitReason = "EMERGENCY"
	ExitManual       ExitReason = "MANUAL"
)

// RiskParams 为持仓生效的风险参数，建仓后整组不可变；
// 覆盖默认值时必须整组原子替换。
type RiskParams struct {
	StopLossPercent     float64
	TakeProfitPercent   float64
	PositionSizePercent float64
	Override            bool
}

// Position 表示一个交易对上的唯一多头持仓。
type Position struct {
	Symbol       string
	EntryPrice   float64
	Quantity     float64
	InvestedUSD  float64
	EntryTime    time.Time
	Strategy     string
	HighestPrice float64
	Risk         RiskParams
	OrderID      string
	Recovered    bool
}

// Validate 校验持仓不变式。
func (p *Position) Validate() error {
	if p.Symbol == "" {
		return errors.New("position: symbol 不能为空")
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("position: %s 数量必须大于0", p.Symbol)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("position: %s 入场价必须大于0", p.Symbol)
	}
	if p.HighestPrice < p.EntryPrice {
		return fmt.Errorf("position: %s 最高价 %.4f 不能低于入场价 %.4f",
			p.Symbol, p.HighestPrice, p.EntryPrice)
	}
	return nil
}

// ObservePrice 更新自建仓以来的最高价；该值单调不减。
// 返回值表示最高价是否被抬升。
func (p *Position) ObservePrice(price float64) bool {
	if price > p.HighestPrice {
		p.HighestPrice = price
		return true
	}
	return false
}

// PnLPercent 返回按给定价格计算的浮动收益率（百分比）。
func (p *Position) PnLPercent(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// Notional 返回按给定价格计算的名义价值。
func (p *Position) Notional(price float64) float64 {
	return p.Quantity * price
}

// TradeRecord 为成交日志中的一条只追加记录，创建后不可修改。
type TradeRecord struct {
	ID         int64
	Symbol     string
	Side       string
	Price      float64
	Quantity   float64
	Notional   float64
	PnL        float64
	PnLPercent float64
	Strategy   string
	ExitReason ExitReason
	Timestamp  time.Time
}
