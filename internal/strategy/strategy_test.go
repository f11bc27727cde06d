package strategy

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"krakenbot/internal/config"
	"krakenbot/internal/indicator"
	"krakenbot/internal/kraken"
	"krakenbot/internal/position"
)

// stubStrategy 返回预设信号，用于聚合逻辑测试。
type stubStrategy struct {
	name   string
	signal Signal
	emit   bool
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Evaluate(indicator.Result, *position.Position) (Signal, bool) {
	return s.signal, s.emit
}

func newStubEvaluator(cfg config.StrategyConfig, stubs ...Strategy) *Evaluator {
	return &Evaluator{
		cfg:        cfg,
		calculator: indicator.NewCalculator(indicator.Params{}),
		strategies: stubs,
		logger:     zap.NewNop(),
	}
}

func flatCandles(n int) []kraken.Candle {
	base := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	candles := make([]kraken.Candle, n)
	for i := 0; i < n; i++ {
		candles[i] = kraken.Candle{
			Timestamp: base.Add(time.Duration(i) * 15 * time.Minute),
			Open:      100, High: 101, Low: 99, Close: 100, Volume: 50,
		}
	}
	return candles
}

func TestNewEvaluatorRejectsUnknownStrategy(t *testing.T) {
	if _, err := NewEvaluator(config.StrategyConfig{}, []string{"arbitrage"}, nil); err == nil {
		t.Fatal("expected error for unknown strategy name")
	}
	if _, err := NewEvaluator(config.StrategyConfig{}, nil, nil); err == nil {
		t.Fatal("expected error when no strategy is enabled")
	}
}

func TestEvaluateConsensusThreshold(t *testing.T) {
	cfg := config.StrategyConfig{Timeframe: "15m", MinConsensus: 2}
	buy := Signal{Action: ActionBuy, Strength: 0.6, Confidence: 0.7}

	t.Run("single buy below consensus", func(t *testing.T) {
		e := newStubEvaluator(cfg,
			&stubStrategy{name: "a", signal: buy, emit: true},
			&stubStrategy{name: "b"},
		)
		eval, err := e.Evaluate("XBT/USD", flatCandles(60), nil)
		if err != nil {
			t.Fatalf("Evaluate returned error: %v", err)
		}
		if eval.Actionable {
			t.Error("one buy out of two required must not be actionable")
		}
	})

	t.Run("two buys reach consensus", func(t *testing.T) {
		e := newStubEvaluator(cfg,
			&stubStrategy{name: "a", signal: buy, emit: true},
			&stubStrategy{name: "b", signal: Signal{Action: ActionBuy, Strength: 0.8, Confidence: 0.9}, emit: true},
		)
		eval, err := e.Evaluate("XBT/USD", flatCandles(60), nil)
		if err != nil {
			t.Fatalf("Evaluate returned error: %v", err)
		}
		if !eval.Actionable {
			t.Fatal("two buys should reach consensus")
		}
		if eval.Signal.Action != ActionBuy {
			t.Errorf("action = %s, want BUY", eval.Signal.Action)
		}
		if s := eval.Signal.Strength; s < 0.699 || s > 0.701 {
			t.Errorf("strength = %v, want averaged 0.7", s)
		}
		if c := eval.Signal.Confidence; c < 0.799 || c > 0.801 {
			t.Errorf("confidence = %v, want averaged 0.8", c)
		}
		if eval.Signal.Strategy != "a+b" {
			t.Errorf("strategy = %s, want a+b", eval.Signal.Strategy)
		}
	})
}

func TestEvaluateSellPriorityWhenHolding(t *testing.T) {
	cfg := config.StrategyConfig{Timeframe: "15m", MinConsensus: 1}
	e := newStubEvaluator(cfg,
		&stubStrategy{name: "a", signal: Signal{Action: ActionBuy, Confidence: 0.9}, emit: true},
		&stubStrategy{name: "b", signal: Signal{Action: ActionSell, Confidence: 0.6}, emit: true},
	)

	eval, err := e.Evaluate("XBT/USD", flatCandles(60), heldPosition())
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if !eval.Actionable {
		t.Fatal("sell signal while holding should be actionable")
	}
	if eval.Signal.Action != ActionSell {
		t.Errorf("action = %s, want SELL to take priority while holding", eval.Signal.Action)
	}
}

func TestEvaluateNoBuyWhileHolding(t *testing.T) {
	cfg := config.StrategyConfig{Timeframe: "15m", MinConsensus: 1}
	e := newStubEvaluator(cfg,
		&stubStrategy{name: "a", signal: Signal{Action: ActionBuy, Confidence: 0.9}, emit: true},
	)

	eval, err := e.Evaluate("XBT/USD", flatCandles(60), heldPosition())
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if eval.Actionable {
		t.Error("buy consensus while holding must not be actionable")
	}
}

func TestCombineTakesTightestStops(t *testing.T) {
	combined := combine([]Signal{
		{Action: ActionBuy, Strategy: "a", SuggestedStopLossPercent: 2.0, SuggestedTakeProfitPercent: 4.0},
		{Action: ActionBuy, Strategy: "b", SuggestedStopLossPercent: 0.5, SuggestedTakeProfitPercent: 1.0},
		{Action: ActionBuy, Strategy: "c"},
	})

	if combined.SuggestedStopLossPercent != 0.5 {
		t.Errorf("stop = %v, want tightest 0.5", combined.SuggestedStopLossPercent)
	}
	if combined.SuggestedTakeProfitPercent != 1.0 {
		t.Errorf("take profit = %v, want tightest 1.0", combined.SuggestedTakeProfitPercent)
	}
}
