package risk

import "krakenbot/internal/indicator"

// SizeInput 为一次仓位测算的完整输入，全部来自调用方传入的数据。
type SizeInput struct {
	// BalanceUSD 为当前可用余额。
	BalanceUSD float64
	// Confidence 为信号置信度，取值 [0,1]。
	Confidence float64
	// Volatility 为当前波动率档位。
	Volatility indicator.Regime
	// CurrentExposureUSD 为当前全部持仓的名义价值。
	CurrentExposureUSD float64
	// Drawdown 为当前回撤比例，取值 [0,1]。
	Drawdown float64
	// WinRate 为该策略的历史胜率，小于0表示样本不足不可用。
	WinRate float64
	// RiskRewardRatio 为盈亏比，为0时使用配置默认值。
	RiskRewardRatio float64
}

// SizeResult 记录仓位测算的中间系数，便于审计日志。
type SizeResult struct {
	NotionalUSD          float64
	BaseUSD              float64
	ConfidenceMultiplier float64
	VolatilityMultiplier float64
	DrawdownMultiplier   float64
	KellyMultiplier      float64
	LimitedBy            string
}

// Status 为风控跟踪器的当前快照。
type Status struct {
	TradingDate       string
	StartEquity       float64
	CurrentEquity     float64
	RealizedPnL       float64
	PeakEquity        float64
	Drawdown          float64
	ConsecutiveWins   int
	ConsecutiveLosses int
}
