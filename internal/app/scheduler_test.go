package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"krakenbot/internal/advisory"
	"krakenbot/internal/alert"
	"krakenbot/internal/config"
	"krakenbot/internal/engine"
	"krakenbot/internal/indicator"
	"krakenbot/internal/kraken"
	"krakenbot/internal/monitor"
	"krakenbot/internal/risk"
	"krakenbot/internal/store"
	"krakenbot/internal/strategy"
)

type captureNotifier struct {
	events []alert.Event
}

func (c *captureNotifier) Notify(_ context.Context, event alert.Event) {
	c.events = append(c.events, event)
}

type schedulerFixture struct {
	scheduler *Scheduler
	engine    *engine.Engine
	tracker   *risk.Tracker
	monitor   *monitor.Service
	paper     *kraken.PaperClient
	notifier  *captureNotifier
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.App.Environment = "test"
	cfg.Trading.Pairs = []config.PairConfig{{
		Symbol:           "XBT/USD",
		Enabled:          true,
		Strategies:       []string{"momentum"},
		QuantityDecimals: 8,
	}}
	cfg.Strategy = config.StrategyConfig{
		Timeframe:       "15m",
		CandleLimit:     100,
		MinConsensus:    1,
		CrossoverMaxAge: 30 * time.Minute,
	}
	cfg.Risk = config.RiskConfig{
		BaseRiskPerTrade:         0.02,
		MinOrderValueUSD:         50,
		MaxOrderSizeUSD:          1000,
		MaxPositionSizeUSD:       2500,
		MaxTotalExposureUSD:      10000,
		MaxDailyLossUSD:          500,
		MaxDrawdown:              0.20,
		MaxConsecutiveLosses:     5,
		DefaultStopLossPercent:   2.0,
		DefaultTakeProfitPercent: 3.0,
		RiskRewardRatio:          2.0,
		ATRMultiplier:            2.0,
	}
	cfg.Execution = config.ExecutionConfig{
		SellRetryAttempts: 3,
		SellRetryBackoff:  time.Millisecond,
	}
	return cfg
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()

	cfg := testConfig()
	logger := zap.NewNop()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("opening in-memory store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})

	records, err := store.NewRecords(st)
	if err != nil {
		t.Fatalf("NewRecords returned error: %v", err)
	}

	paper := kraken.NewPaperClient(kraken.PaperOptions{
		InitialUSD:    10000,
		MinOrderValue: cfg.Risk.MinOrderValueUSD,
		Seed:          7,
	}, logger)

	riskEng := risk.NewEngine(cfg.Risk)
	tracker, err := risk.NewTracker(st.DB(), cfg.Risk, logger)
	if err != nil {
		t.Fatalf("NewTracker returned error: %v", err)
	}

	notifier := &captureNotifier{}
	eng, err := engine.NewEngine(paper, records, riskEng, tracker, notifier, cfg, logger)
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}

	monitorSvc, err := monitor.NewService(st, logger)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}

	scheduler, err := newScheduler(cfg, paper, eng, riskEng, tracker, records, nil, monitorSvc, notifier, logger)
	if err != nil {
		t.Fatalf("newScheduler returned error: %v", err)
	}

	return &schedulerFixture{
		scheduler: scheduler,
		engine:    eng,
		tracker:   tracker,
		monitor:   monitorSvc,
		paper:     paper,
		notifier:  notifier,
	}
}

func (fix *schedulerFixture) openPosition(t *testing.T) {
	t.Helper()
	fix.paper.SetPrice("XBT/USD", 45000)
	err := fix.engine.Open(context.Background(), engine.EntryPlan{
		Signal:      strategy.Signal{Symbol: "XBT/USD", Action: strategy.ActionBuy, Strategy: "momentum"},
		NotionalUSD: 450,
		Price:       45000,
	})
	if err != nil {
		t.Fatalf("opening position: %v", err)
	}
}

func TestTickRunsCleanWithoutPositions(t *testing.T) {
	fix := newSchedulerFixture(t)

	if err := fix.scheduler.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if fix.scheduler.halted {
		t.Error("fresh account must not be halted")
	}
}

func TestSymbols(t *testing.T) {
	fix := newSchedulerFixture(t)
	symbols := fix.scheduler.Symbols()
	if len(symbols) != 1 || symbols[0] != "XBT/USD" {
		t.Errorf("Symbols = %v, want [XBT/USD]", symbols)
	}
}

func TestHaltBlocksEntriesButExitsStillRun(t *testing.T) {
	fix := newSchedulerFixture(t)
	ctx := context.Background()

	fix.openPosition(t)

	// 当日亏损超过上限500，触发熔断。
	if err := fix.tracker.RecordTradeResult(ctx, time.Now(), -600); err != nil {
		t.Fatalf("recording loss: %v", err)
	}

	// 价格远低于2%止损线，离场必须在熔断下照常执行。
	fix.paper.SetPrice("XBT/USD", 43000)

	if err := fix.scheduler.Tick(ctx); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}

	if !fix.scheduler.halted {
		t.Fatal("daily loss above the cap must halt the scheduler")
	}
	if fix.engine.Has("XBT/USD") {
		t.Error("stop loss exit must run even while halted")
	}

	halts, err := fix.monitor.ListEvents(ctx, monitor.EventHalt, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(halts) != 1 {
		t.Fatalf("got %d halt events, want 1", len(halts))
	}

	fatal := 0
	for _, e := range fix.notifier.events {
		if e.Severity == alert.SeverityFatal && e.Title == "熔断" {
			fatal++
		}
	}
	if fatal != 1 {
		t.Errorf("halt alerts = %d, want 1", fatal)
	}
}

func TestHaltIsEdgeTriggered(t *testing.T) {
	fix := newSchedulerFixture(t)
	ctx := context.Background()

	if err := fix.tracker.RecordTradeResult(ctx, time.Now(), -600); err != nil {
		t.Fatalf("recording loss: %v", err)
	}

	if err := fix.scheduler.Tick(ctx); err != nil {
		t.Fatalf("first Tick returned error: %v", err)
	}
	if err := fix.scheduler.Tick(ctx); err != nil {
		t.Fatalf("second Tick returned error: %v", err)
	}

	halts, err := fix.monitor.ListEvents(ctx, monitor.EventHalt, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	// 状态不变时不重复记录。
	if len(halts) != 1 {
		t.Errorf("got %d halt events, want 1", len(halts))
	}
}

func TestMonitorTickRecordsSnapshot(t *testing.T) {
	fix := newSchedulerFixture(t)
	ctx := context.Background()

	fix.openPosition(t)
	fix.scheduler.MonitorTick(ctx)

	snaps, err := fix.monitor.ListEvents(ctx, monitor.EventPositionSnap, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snaps))
	}
}

type failingAdvisor struct{}

func (failingAdvisor) Validate(context.Context, advisory.Request) (advisory.Verdict, error) {
	return advisory.Verdict{}, errors.New("advisor unreachable")
}

type fixedAdvisor struct {
	verdict advisory.Verdict
}

func (a fixedAdvisor) Validate(context.Context, advisory.Request) (advisory.Verdict, error) {
	return a.verdict, nil
}

func buyEvaluation(confidence float64) strategy.Evaluation {
	return strategy.Evaluation{
		Actionable: true,
		Signal: strategy.Signal{
			Symbol:     "XBT/USD",
			Action:     strategy.ActionBuy,
			Strategy:   "momentum",
			Strength:   0.8,
			Confidence: confidence,
			Reason:     "金叉",
		},
		Indicators: indicator.Result{
			Close:         45000,
			PreviousClose: 44900,
			Volatility:    indicator.RegimeMedium,
		},
	}
}

func TestMandatoryAdvisorFailureBlocksEntry(t *testing.T) {
	fix := newSchedulerFixture(t)
	fix.scheduler.advisor = failingAdvisor{}
	fix.scheduler.cfg.Advisory.Enabled = true
	fix.scheduler.cfg.Advisory.Mandatory = true
	fix.scheduler.cfg.Advisory.MinConfidence = 70

	fix.paper.SetPrice("XBT/USD", 45000)
	err := fix.scheduler.tryOpen(context.Background(), fix.scheduler.pairs[0], buyEvaluation(0.9), risk.Status{}, 10000)
	if err != nil {
		t.Fatalf("tryOpen returned error: %v", err)
	}
	// 顾问不可用时强制模式必须放弃信号，不得下单。
	if fix.engine.Has("XBT/USD") {
		t.Error("no position may be opened while the mandatory advisor is unavailable")
	}
}

func TestNonMandatoryAdvisorFailureStillOpens(t *testing.T) {
	fix := newSchedulerFixture(t)
	fix.scheduler.advisor = failingAdvisor{}
	fix.scheduler.cfg.Advisory.Enabled = true
	fix.scheduler.cfg.Advisory.Mandatory = false

	fix.paper.SetPrice("XBT/USD", 45000)
	err := fix.scheduler.tryOpen(context.Background(), fix.scheduler.pairs[0], buyEvaluation(0.9), risk.Status{}, 10000)
	if err != nil {
		t.Fatalf("tryOpen returned error: %v", err)
	}
	if !fix.engine.Has("XBT/USD") {
		t.Error("non-mandatory advisor failure should not block the entry")
	}
}

func TestAdvisorSuggestedSizeCapsNotional(t *testing.T) {
	fix := newSchedulerFixture(t)
	fix.scheduler.advisor = fixedAdvisor{verdict: advisory.Verdict{
		Action:                       "APPROVE",
		ConfidencePercent:            85,
		SuggestedPositionSizePercent: 1,
	}}
	fix.scheduler.cfg.Advisory.Enabled = true
	fix.scheduler.cfg.Advisory.MinConfidence = 70

	fix.paper.SetPrice("XBT/USD", 45000)
	err := fix.scheduler.tryOpen(context.Background(), fix.scheduler.pairs[0], buyEvaluation(0.9), risk.Status{}, 10000)
	if err != nil {
		t.Fatalf("tryOpen returned error: %v", err)
	}

	pos, ok := fix.engine.Get("XBT/USD")
	if !ok {
		t.Fatal("expected a position to be opened")
	}
	// 余额 1% = 100 USD，远低于风控测算的 320 USD。
	if pos.Quantity < 0.0022 || pos.Quantity > 0.00223 {
		t.Errorf("quantity = %v, want about 100 USD notional at 45000", pos.Quantity)
	}
}

func TestPairAllocationCapsNotional(t *testing.T) {
	fix := newSchedulerFixture(t)
	fix.scheduler.pairs[0].cfg.AllocationPercent = 2

	fix.paper.SetPrice("XBT/USD", 45000)
	err := fix.scheduler.tryOpen(context.Background(), fix.scheduler.pairs[0], buyEvaluation(0.9), risk.Status{}, 10000)
	if err != nil {
		t.Fatalf("tryOpen returned error: %v", err)
	}

	pos, ok := fix.engine.Get("XBT/USD")
	if !ok {
		t.Fatal("expected a position to be opened")
	}
	// 配额 2% × 总资金 10000 = 200 USD。
	if pos.Quantity < 0.0044 || pos.Quantity > 0.00445 {
		t.Errorf("quantity = %v, want about 200 USD notional at 45000", pos.Quantity)
	}
}

func TestPairAllocationBelowMinimumSkipsEntry(t *testing.T) {
	fix := newSchedulerFixture(t)
	fix.scheduler.pairs[0].cfg.AllocationPercent = 0.4

	fix.paper.SetPrice("XBT/USD", 45000)
	err := fix.scheduler.tryOpen(context.Background(), fix.scheduler.pairs[0], buyEvaluation(0.9), risk.Status{}, 10000)
	if err != nil {
		t.Fatalf("tryOpen returned error: %v", err)
	}
	// 配额 40 USD 低于最小下单金额 50，直接放弃。
	if fix.engine.Has("XBT/USD") {
		t.Error("entry below the minimum order value should be skipped")
	}
}
