package store

import (
	"context"
	"testing"
	"time"

	"krakenbot/internal/config"
	"krakenbot/internal/position"
)

func newTestRecords(t *testing.T) *Records {
	t.Helper()

	st, err := NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("opening in-memory store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})

	records, err := NewRecords(st)
	if err != nil {
		t.Fatalf("NewRecords returned error: %v", err)
	}
	return records
}

func samplePosition(symbol string) position.Position {
	return position.Position{
		Symbol:       symbol,
		EntryPrice:   45000,
		Quantity:     0.01,
		InvestedUSD:  450,
		EntryTime:    time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Strategy:     "momentum",
		HighestPrice: 45100,
		Risk: position.RiskParams{
			StopLossPercent:     2.0,
			TakeProfitPercent:   4.0,
			PositionSizePercent: 2.0,
			Override:            true,
		},
		OrderID: "OABC-123",
	}
}

func TestRecordsSaveListDeletePosition(t *testing.T) {
	records := newTestRecords(t)
	ctx := context.Background()

	pos := samplePosition("XBT/USD")
	if err := records.SavePosition(ctx, pos); err != nil {
		t.Fatalf("SavePosition returned error: %v", err)
	}

	listed, err := records.ListPositions(ctx)
	if err != nil {
		t.Fatalf("ListPositions returned error: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("got %d positions, want 1", len(listed))
	}

	got := listed[0]
	if got.Symbol != pos.Symbol || got.EntryPrice != pos.EntryPrice || got.Quantity != pos.Quantity {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", got, pos)
	}
	if !got.EntryTime.Equal(pos.EntryTime) {
		t.Errorf("EntryTime = %v, want %v", got.EntryTime, pos.EntryTime)
	}
	if got.Risk != pos.Risk {
		t.Errorf("Risk = %+v, want %+v", got.Risk, pos.Risk)
	}
	if got.OrderID != pos.OrderID {
		t.Errorf("OrderID = %s, want %s", got.OrderID, pos.OrderID)
	}

	if err := records.DeletePosition(ctx, "XBT/USD"); err != nil {
		t.Fatalf("DeletePosition returned error: %v", err)
	}
	listed, err = records.ListPositions(ctx)
	if err != nil {
		t.Fatalf("ListPositions returned error: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("got %d positions after delete, want 0", len(listed))
	}
}

func TestRecordsUpsertOverwrites(t *testing.T) {
	records := newTestRecords(t)
	ctx := context.Background()

	pos := samplePosition("ETH/USD")
	if err := records.SavePosition(ctx, pos); err != nil {
		t.Fatalf("SavePosition returned error: %v", err)
	}

	pos.HighestPrice = 46000
	pos.Recovered = true
	if err := records.SavePosition(ctx, pos); err != nil {
		t.Fatalf("second SavePosition returned error: %v", err)
	}

	listed, err := records.ListPositions(ctx)
	if err != nil {
		t.Fatalf("ListPositions returned error: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("upsert created %d rows, want 1", len(listed))
	}
	if listed[0].HighestPrice != 46000 {
		t.Errorf("HighestPrice = %v, want 46000", listed[0].HighestPrice)
	}
	if !listed[0].Recovered {
		t.Error("Recovered flag lost on upsert")
	}
}

func TestRecordsRejectsInvalidPosition(t *testing.T) {
	records := newTestRecords(t)

	bad := samplePosition("XBT/USD")
	bad.Quantity = 0
	if err := records.SavePosition(context.Background(), bad); err == nil {
		t.Fatal("expected error for zero quantity position, got nil")
	}
}

func TestStrategyWinRates(t *testing.T) {
	records := newTestRecords(t)
	ctx := context.Background()

	trades := []position.TradeRecord{
		{Symbol: "XBT/USD", Side: "sell", Price: 46000, Quantity: 0.01, PnL: 10, Strategy: "momentum", ExitReason: position.ExitTakeProfit},
		{Symbol: "XBT/USD", Side: "sell", Price: 44000, Quantity: 0.01, PnL: -10, Strategy: "momentum", ExitReason: position.ExitStopLoss},
		{Symbol: "ETH/USD", Side: "sell", Price: 2600, Quantity: 0.1, PnL: 10, Strategy: "momentum", ExitReason: position.ExitStrategy},
		{Symbol: "SOL/USD", Side: "sell", Price: 100, Quantity: 1, PnL: -5, Strategy: "scalping", ExitReason: position.ExitStopLoss},
		// 买入记录不参与胜率统计。
		{Symbol: "XBT/USD", Side: "buy", Price: 45000, Quantity: 0.01, Strategy: "momentum"},
		// 数量为零的移除记录（灰尘、漂移）不是交易结果，不得计为亏损。
		{Symbol: "XBT/USD", Side: "sell", Price: 45000, Quantity: 0, PnL: 0, Strategy: "momentum", ExitReason: position.ExitDust},
		{Symbol: "ETH/USD", Side: "sell", Price: 2500, Quantity: 0, PnL: 0, Strategy: "scalping", ExitReason: position.ExitDesync},
	}
	for _, rec := range trades {
		if err := records.AppendTrade(ctx, rec); err != nil {
			t.Fatalf("AppendTrade returned error: %v", err)
		}
	}

	rates, err := records.StrategyWinRates(ctx)
	if err != nil {
		t.Fatalf("StrategyWinRates returned error: %v", err)
	}

	momentum := rates["momentum"]
	if momentum.Wins != 2 || momentum.Losses != 1 {
		t.Errorf("momentum = %+v, want 2 wins 1 loss", momentum)
	}
	if got := momentum.Rate(); got < 0.666 || got > 0.667 {
		t.Errorf("momentum rate = %v, want 2/3", got)
	}

	scalping := rates["scalping"]
	if scalping.Wins != 0 || scalping.Losses != 1 {
		t.Errorf("scalping = %+v, want 0 wins 1 loss", scalping)
	}

	if got := rates["mean_reversion"].Rate(); got != -1 {
		t.Errorf("unknown strategy rate = %v, want -1", got)
	}
}

func TestAppendTradeRequiresSymbol(t *testing.T) {
	records := newTestRecords(t)
	if err := records.AppendTrade(context.Background(), position.TradeRecord{Side: "sell"}); err == nil {
		t.Fatal("expected error for trade without symbol, got nil")
	}
}
