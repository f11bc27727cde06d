package risk

import (
	"math"

	"krakenbot/internal/config"
	"krakenbot/internal/indicator"
)

const kellyFraction = 0.25

// Engine 执行仓位测算与止损止盈计算。
// 所有方法都是纯函数：只依赖输入与配置，不触碰任何外部状态。
type Engine struct {
	cfg config.RiskConfig
}

// NewEngine 创建风险引擎。
func NewEngine(cfg config.RiskConfig) *Engine {
	return &Engine{cfg: cfg}
}

// SizePosition 按余额、置信度、波动率、回撤与历史胜率测算名义仓位。
// 结果低于最小下单价值时返回0，表示放弃本次交易。
func (e *Engine) SizePosition(in SizeInput) SizeResult {
	result := SizeResult{
		ConfidenceMultiplier: confidenceMultiplier(in.Confidence),
		VolatilityMultiplier: volatilityMultiplier(in.Volatility),
		DrawdownMultiplier:   drawdownMultiplier(in.Drawdown),
		KellyMultiplier:      e.kellyMultiplier(in.WinRate, in.RiskRewardRatio),
	}

	if in.BalanceUSD <= 0 {
		result.LimitedBy = "balance"
		return result
	}

	result.BaseUSD = in.BalanceUSD * e.cfg.BaseRiskPerTrade
	size := result.BaseUSD *
		result.ConfidenceMultiplier *
		result.VolatilityMultiplier *
		result.DrawdownMultiplier *
		result.KellyMultiplier

	if size <= 0 {
		result.LimitedBy = "confidence"
		return result
	}

	if e.cfg.MaxOrderSizeUSD > 0 && size > e.cfg.MaxOrderSizeUSD {
		size = e.cfg.MaxOrderSizeUSD
		result.LimitedBy = "max_order_size"
	}
	if e.cfg.MaxPositionSizeUSD > 0 && size > e.cfg.MaxPositionSizeUSD {
		size = e.cfg.MaxPositionSizeUSD
		result.LimitedBy = "max_position_size"
	}

	if e.cfg.MaxTotalExposureUSD > 0 {
		remaining := e.cfg.MaxTotalExposureUSD - in.CurrentExposureUSD
		if remaining <= 0 {
			result.LimitedBy = "exposure_budget"
			return result
		}
		if size > remaining {
			size = remaining
			result.LimitedBy = "exposure_budget"
		}
	}

	if size > in.BalanceUSD {
		size = in.BalanceUSD
		result.LimitedBy = "balance"
	}

	if size < e.cfg.MinOrderValueUSD {
		result.LimitedBy = "min_order_value"
		return result
	}

	result.NotionalUSD = size
	return result
}

// StopLossPrice 依据入场价计算止损价：取 ATR 止损与百分比止损中更紧的一档。
// suggestedPercent 为0时使用配置默认百分比。
func (e *Engine) StopLossPrice(entry, atr, suggestedPercent float64) float64 {
	if entry <= 0 {
		return 0
	}

	percent := suggestedPercent
	if percent <= 0 {
		percent = e.cfg.DefaultStopLossPercent
	}
	percentStop := entry * (1 - percent/100)

	if atr <= 0 || e.cfg.ATRMultiplier <= 0 {
		return percentStop
	}
	atrStop := entry - atr*e.cfg.ATRMultiplier
	if atrStop <= 0 {
		return percentStop
	}

	// 更紧的止损离入场价更近，对多头而言取两者中较高的价格。
	return math.Max(percentStop, atrStop)
}

// TakeProfitPrice 按盈亏比从止损距离推导止盈价。
func (e *Engine) TakeProfitPrice(entry, stopLoss float64) float64 {
	if entry <= 0 || stopLoss <= 0 || stopLoss >= entry {
		return entry * (1 + e.cfg.DefaultTakeProfitPercent/100)
	}
	rr := e.cfg.RiskRewardRatio
	if rr <= 0 {
		rr = 2
	}
	return entry + (entry-stopLoss)*rr
}

// StopLossPercent 将止损价换算为相对入场价的百分比距离。
func StopLossPercent(entry, stopLoss float64) float64 {
	if entry <= 0 || stopLoss <= 0 || stopLoss >= entry {
		return 0
	}
	return (entry - stopLoss) / entry * 100
}

// ShouldHalt 判断是否触发熔断：当日亏损达到上限、回撤达到上限或连亏达到上限。
// 熔断只阻止新开仓，存量持仓的离场不受影响。
func (e *Engine) ShouldHalt(status Status) (bool, string) {
	if e.cfg.MaxDailyLossUSD > 0 && status.RealizedPnL <= -e.cfg.MaxDailyLossUSD {
		return true, "当日亏损达到上限"
	}
	if e.cfg.MaxDrawdown > 0 && status.Drawdown >= e.cfg.MaxDrawdown {
		return true, "回撤达到上限"
	}
	if e.cfg.MaxConsecutiveLosses > 0 && status.ConsecutiveLosses >= e.cfg.MaxConsecutiveLosses {
		return true, "连续亏损达到上限"
	}
	return false, ""
}

func confidenceMultiplier(confidence float64) float64 {
	switch {
	case confidence < 0.5:
		return 0
	case confidence < 0.6:
		return 0.5
	case confidence < 0.7:
		return 0.8
	case confidence < 0.8:
		return 1.0
	case confidence < 0.9:
		return 1.3
	case confidence < 0.95:
		return 1.6
	default:
		return 2.0
	}
}

func volatilityMultiplier(regime indicator.Regime) float64 {
	switch regime {
	case indicator.RegimeLow:
		return 1.2
	case indicator.RegimeMedium:
		return 1.0
	case indicator.RegimeHigh:
		return 0.6
	default:
		return 0.8
	}
}

func drawdownMultiplier(drawdown float64) float64 {
	switch {
	case drawdown < 0.05:
		return 1.0
	case drawdown < 0.10:
		return 0.9
	case drawdown < 0.15:
		return 0.7
	case drawdown < 0.20:
		return 0.5
	default:
		return 0.3
	}
}

func (e *Engine) kellyMultiplier(winRate, rr float64) float64 {
	if winRate < 0 || winRate > 1 {
		return 1.0
	}
	if rr <= 0 {
		rr = e.cfg.RiskRewardRatio
	}
	if rr <= 0 {
		rr = 2
	}

	lossRate := 1 - winRate
	kelly := (winRate*rr - lossRate) / rr
	multiplier := 1 + kelly*kellyFraction

	return math.Max(0.5, math.Min(1.5, multiplier))
}
