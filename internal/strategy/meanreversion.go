package strategy

import (
	"fmt"
	"math"

	"krakenbot/internal/config"
	"krakenbot/internal/indicator"
	"krakenbot/internal/position"
)

// MeanReversion 均值回归策略：价格触及布林带外沿且 RSI 超买超卖时反向进出。
type MeanReversion struct {
	cfg config.MeanReversionConfig
}

// NewMeanReversion 创建均值回归策略。
func NewMeanReversion(cfg config.MeanReversionConfig) *MeanReversion {
	return &MeanReversion{cfg: cfg}
}

// Name 返回策略名。
func (m *MeanReversion) Name() string { return "mean_reversion" }

// Evaluate 价格跌破下轨且 RSI 超卖时买入；持仓且价格突破上轨、RSI 超买时卖出。
func (m *MeanReversion) Evaluate(res indicator.Result, open *position.Position) (Signal, bool) {
	bb := res.Bollinger
	if math.IsNaN(bb.Lower) || math.IsNaN(bb.Upper) || math.IsNaN(res.RSI) {
		return Signal{}, false
	}

	oversold := m.cfg.RSIOversold
	if oversold <= 0 {
		oversold = 30
	}
	overbought := m.cfg.RSIOverbought
	if overbought <= 0 {
		overbought = 70
	}

	if open == nil && res.Close <= bb.Lower && res.RSI < oversold {
		// 离下轨越远、RSI越低，信号越强。
		strength := clamp01((oversold - res.RSI) / oversold * 2)
		return Signal{
			Action:     ActionBuy,
			Strength:   strength,
			Confidence: clamp01(0.5 + (1-bb.Position)*0.3 + strength*0.2),
			Reason: fmt.Sprintf("价格 %.4f 触及布林下轨 %.4f, RSI %.1f 超卖",
				res.Close, bb.Lower, res.RSI),
		}, true
	}

	if open != nil && res.Close >= bb.Upper && res.RSI > overbought {
		strength := clamp01((res.RSI - overbought) / (100 - overbought) * 2)
		return Signal{
			Action:     ActionSell,
			Strength:   strength,
			Confidence: clamp01(0.5 + bb.Position*0.3 + strength*0.2),
			Reason: fmt.Sprintf("价格 %.4f 触及布林上轨 %.4f, RSI %.1f 超买",
				res.Close, bb.Upper, res.RSI),
		}, true
	}

	return Signal{}, false
}
