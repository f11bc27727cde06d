package strategy

import (
	"fmt"
	"math"

	"krakenbot/internal/config"
	"krakenbot/internal/indicator"
	"krakenbot/internal/position"
)

const scalpingLookback = 12

// Scalping 剥头皮策略：短期急跌后买入，小幅盈利即离场。
// 止盈止损都收得很紧，由信号自带的建议值覆盖默认风控参数。
type Scalping struct {
	cfg config.ScalpingConfig
}

// NewScalping 创建剥头皮策略。
func NewScalping(cfg config.ScalpingConfig) *Scalping {
	return &Scalping{cfg: cfg}
}

// Name 返回策略名。
func (s *Scalping) Name() string { return "scalping" }

// Evaluate 最近高点回撤超过 DipPercent 时买入；浮盈达到 ProfitPercent 时卖出。
func (s *Scalping) Evaluate(res indicator.Result, open *position.Position) (Signal, bool) {
	dip := s.cfg.DipPercent
	if dip <= 0 {
		dip = 0.5
	}
	profit := s.cfg.ProfitPercent
	if profit <= 0 {
		profit = 1.0
	}

	if open != nil {
		gain := open.PnLPercent(res.Close)
		if gain >= profit {
			return Signal{
				Action:     ActionSell,
				Strength:   clamp01(gain / profit / 2),
				Confidence: 0.8,
				Reason:     fmt.Sprintf("浮盈 %.2f%% 达到剥头皮目标 %.2f%%", gain, profit),
			}, true
		}
		return Signal{}, false
	}

	highs := indicator.SliceTail(res.Series.High, scalpingLookback)
	if len(highs) == 0 {
		return Signal{}, false
	}
	recentHigh := highs[0]
	for _, h := range highs {
		recentHigh = math.Max(recentHigh, h)
	}
	if recentHigh <= 0 {
		return Signal{}, false
	}

	drop := (recentHigh - res.Close) / recentHigh * 100
	if drop < dip {
		return Signal{}, false
	}

	return Signal{
		Action:                     ActionBuy,
		Strength:                   clamp01(drop / dip / 2),
		Confidence:                 clamp01(0.5 + drop/dip*0.1),
		SuggestedStopLossPercent:   dip,
		SuggestedTakeProfitPercent: profit,
		Reason: fmt.Sprintf("价格自近期高点 %.4f 回撤 %.2f%%, 超过阈值 %.2f%%",
			recentHigh, drop, dip),
	}, true
}
