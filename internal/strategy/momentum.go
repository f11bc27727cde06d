package strategy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"krakenbot/internal/config"
	"krakenbot/internal/indicator"
	"krakenbot/internal/position"
)

const defaultCrossoverMaxAge = 30 * time.Minute

// Momentum 基于均线交叉的动量策略。
// 交叉是事件而非状态：每个交易对记录最近一次有效交叉的时间，
// 超过最大时效后视为过期，避免持续的均线排列反复触发同一信号。
type Momentum struct {
	cfg    config.MomentumConfig
	maxAge time.Duration
	now    func() time.Time

	mu      sync.Mutex
	crosses map[string]crossState
}

type crossState struct {
	at      time.Time
	bullish bool
}

// NewMomentum 创建动量策略。
func NewMomentum(cfg config.MomentumConfig, maxAge time.Duration) *Momentum {
	if maxAge <= 0 {
		maxAge = defaultCrossoverMaxAge
	}
	return &Momentum{
		cfg:     cfg,
		maxAge:  maxAge,
		now:     time.Now,
		crosses: make(map[string]crossState),
	}
}

// Name 返回策略名。
func (m *Momentum) Name() string { return "momentum" }

// Evaluate 检测金叉/死叉事件并结合 RSI 与 ADX 过滤。
func (m *Momentum) Evaluate(res indicator.Result, open *position.Position) (Signal, bool) {
	if math.IsNaN(res.SMAFast) || math.IsNaN(res.SMASlow) ||
		math.IsNaN(res.PrevSMAFast) || math.IsNaN(res.PrevSMASlow) {
		return Signal{}, false
	}

	goldenCross := res.PrevSMAFast <= res.PrevSMASlow && res.SMAFast > res.SMASlow
	deathCross := res.PrevSMAFast >= res.PrevSMASlow && res.SMAFast < res.SMASlow

	barTime := m.now()
	if n := len(res.Series.Timestamps); n > 0 {
		barTime = res.Series.Timestamps[n-1]
	}

	m.mu.Lock()
	if goldenCross || deathCross {
		m.crosses[res.Symbol] = crossState{at: barTime, bullish: goldenCross}
	}
	state, seen := m.crosses[res.Symbol]
	m.mu.Unlock()

	if !seen || m.now().Sub(state.at) > m.maxAge {
		return Signal{}, false
	}

	if state.bullish && open == nil {
		if m.cfg.ADXThreshold > 0 && res.ADX < m.cfg.ADXThreshold {
			return Signal{}, false
		}
		if m.cfg.RSIOverbought > 0 && res.RSI >= m.cfg.RSIOverbought {
			return Signal{}, false
		}

		strength := trendStrength(res.SMAFast, res.SMASlow)
		if m.cfg.Threshold > 0 && strength < m.cfg.Threshold {
			return Signal{}, false
		}

		return Signal{
			Action:     ActionBuy,
			Strength:   clamp01(strength * 10),
			Confidence: momentumConfidence(res),
			Reason: fmt.Sprintf("金叉: SMA快线 %.4f 上穿慢线 %.4f, ADX %.1f",
				res.SMAFast, res.SMASlow, res.ADX),
		}, true
	}

	if !state.bullish && open != nil {
		return Signal{
			Action:     ActionSell,
			Strength:   clamp01(trendStrength(res.SMASlow, res.SMAFast) * 10),
			Confidence: momentumConfidence(res),
			Reason: fmt.Sprintf("死叉: SMA快线 %.4f 下穿慢线 %.4f",
				res.SMAFast, res.SMASlow),
		}, true
	}

	return Signal{}, false
}

// trendStrength 返回快慢均线的相对差值。
func trendStrength(fast, slow float64) float64 {
	if slow == 0 {
		return 0
	}
	return (fast - slow) / slow
}

// momentumConfidence 由 ADX 与 MACD 柱方向合成置信度。
func momentumConfidence(res indicator.Result) float64 {
	confidence := 0.5
	if !math.IsNaN(res.ADX) {
		confidence += math.Min(res.ADX/100, 0.3)
	}
	if !math.IsNaN(res.MACD.Histogram) && !math.IsNaN(res.MACD.PrevHistogram) &&
		math.Abs(res.MACD.Histogram) > math.Abs(res.MACD.PrevHistogram) {
		confidence += 0.1
	}
	return clamp01(confidence)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
