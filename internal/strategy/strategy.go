package strategy

import (
	"fmt"

	"go.uber.org/zap"

	"krakenbot/internal/config"
	"krakenbot/internal/indicator"
	"krakenbot/internal/kraken"
	"krakenbot/internal/position"
)

// Action 表示信号方向。
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Signal 为单个策略的评估结果。
// SuggestedStopLossPercent / SuggestedTakeProfitPercent 为0表示策略不提供建议，
// 由风控侧使用默认值。
type Signal struct {
	Symbol                     string
	Action                     Action
	Strength                   float64
	Confidence                 float64
	SuggestedStopLossPercent   float64
	SuggestedTakeProfitPercent float64
	Strategy                   string
	Reason                     string
}

// Strategy 对单个交易对的最新指标给出方向性信号。
// 返回 false 表示当前不产生信号。
type Strategy interface {
	Name() string
	Evaluate(res indicator.Result, open *position.Position) (Signal, bool)
}

// Evaluator 组合多个策略，按最少一致信号数聚合出最终信号。
type Evaluator struct {
	cfg        config.StrategyConfig
	calculator *indicator.Calculator
	strategies []Strategy
	logger     *zap.Logger
}

// NewEvaluator 根据配置组装启用的策略。
func NewEvaluator(cfg config.StrategyConfig, names []string, logger *zap.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	strategies := make([]Strategy, 0, len(names))
	for _, name := range names {
		s, err := build(name, cfg)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, s)
	}
	if len(strategies) == 0 {
		return nil, fmt.Errorf("strategy: 未启用任何策略")
	}

	calc := indicator.NewCalculator(indicator.Params{
		FastSMAPeriod:   cfg.Momentum.Lookback,
		RSIPeriod:       cfg.MeanReversion.RSIPeriod,
		BollingerPeriod: cfg.MeanReversion.BollingerPeriod,
		BollingerStd:    cfg.MeanReversion.BollingerStd,
	})

	return &Evaluator{
		cfg:        cfg,
		calculator: calc,
		strategies: strategies,
		logger:     logger.Named("strategy"),
	}, nil
}

func build(name string, cfg config.StrategyConfig) (Strategy, error) {
	switch name {
	case "momentum":
		return NewMomentum(cfg.Momentum, cfg.CrossoverMaxAge), nil
	case "mean_reversion":
		return NewMeanReversion(cfg.MeanReversion), nil
	case "scalping":
		return NewScalping(cfg.Scalping), nil
	default:
		return nil, fmt.Errorf("strategy: 未知策略 %q", name)
	}
}

// Evaluation 为一次评估的完整输出：共识信号及其依据的指标。
type Evaluation struct {
	Signal     Signal
	Indicators indicator.Result
	Actionable bool
}

// Evaluate 计算指标并聚合各策略信号。无共识时 Actionable 为 false。
func (e *Evaluator) Evaluate(symbol string, candles []kraken.Candle, open *position.Position) (Evaluation, error) {
	res, err := e.calculator.Compute(symbol, e.cfg.Timeframe, candles)
	if err != nil {
		return Evaluation{}, err
	}

	var buys, sells []Signal
	for _, s := range e.strategies {
		sig, ok := s.Evaluate(res, open)
		if !ok {
			continue
		}
		sig.Symbol = symbol
		sig.Strategy = s.Name()

		e.logger.Debug("策略产生信号",
			zap.String("symbol", symbol),
			zap.String("strategy", sig.Strategy),
			zap.String("action", string(sig.Action)),
			zap.Float64("strength", sig.Strength),
			zap.Float64("confidence", sig.Confidence),
			zap.String("reason", sig.Reason))

		switch sig.Action {
		case ActionBuy:
			buys = append(buys, sig)
		case ActionSell:
			sells = append(sells, sig)
		}
	}

	minConsensus := e.cfg.MinConsensus
	if minConsensus <= 0 {
		minConsensus = 1
	}

	// 卖出优先于买入：已持仓时保护性离场比加仓更重要。
	if open != nil && len(sells) >= minConsensus {
		return Evaluation{Signal: combine(sells), Indicators: res, Actionable: true}, nil
	}
	if open == nil && len(buys) >= minConsensus {
		return Evaluation{Signal: combine(buys), Indicators: res, Actionable: true}, nil
	}

	return Evaluation{Indicators: res}, nil
}

// combine 平均强度与置信度，止损取各提议中最紧的一档。
func combine(signals []Signal) Signal {
	out := signals[0]

	var strength, confidence float64
	names := ""
	for i, sig := range signals {
		strength += sig.Strength
		confidence += sig.Confidence
		if i > 0 {
			names += "+"
		}
		names += sig.Strategy

		if sig.SuggestedStopLossPercent > 0 &&
			(out.SuggestedStopLossPercent == 0 || sig.SuggestedStopLossPercent < out.SuggestedStopLossPercent) {
			out.SuggestedStopLossPercent = sig.SuggestedStopLossPercent
		}
		if sig.SuggestedTakeProfitPercent > 0 &&
			(out.SuggestedTakeProfitPercent == 0 || sig.SuggestedTakeProfitPercent < out.SuggestedTakeProfitPercent) {
			out.SuggestedTakeProfitPercent = sig.SuggestedTakeProfitPercent
		}
	}

	n := float64(len(signals))
	out.Strength = strength / n
	out.Confidence = confidence / n
	out.Strategy = names
	out.Reason = fmt.Sprintf("%d个策略达成%s共识", len(signals), out.Action)
	return out
}
