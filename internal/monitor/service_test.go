package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"krakenbot/internal/config"
	"krakenbot/internal/risk"
	"krakenbot/internal/store"
	"krakenbot/internal/strategy"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("opening in-memory store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})

	svc, err := NewService(st, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return svc
}

func TestRecordAndListEvents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordSignal(ctx, strategy.Signal{
		Symbol:     "XBT/USD",
		Action:     strategy.ActionBuy,
		Confidence: 0.8,
		Strategy:   "momentum",
	})
	svc.RecordHalt(ctx, true, "当日亏损达到上限", risk.Status{RealizedPnL: -600})
	svc.RecordError(ctx, "行情拉取失败", errors.New("timeout"), map[string]interface{}{"symbol": "ETH/USD"})

	all, err := svc.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
	// 最新事件在前。
	if all[0].Type != EventError {
		t.Errorf("first event = %s, want %s", all[0].Type, EventError)
	}
	if all[0].ID <= all[2].ID {
		t.Error("events should be ordered by descending id")
	}
}

func TestListEventsFiltersByType(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordSignal(ctx, strategy.Signal{Symbol: "XBT/USD", Action: strategy.ActionBuy, Strategy: "momentum"})
	svc.RecordHalt(ctx, true, "回撤达到上限", risk.Status{Drawdown: 0.25})

	halts, err := svc.ListEvents(ctx, EventHalt, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(halts) != 1 {
		t.Fatalf("got %d halt events, want 1", len(halts))
	}

	raw, ok := halts[0].Payload.(json.RawMessage)
	if !ok {
		t.Fatalf("payload type = %T, want json.RawMessage", halts[0].Payload)
	}
	var payload HaltPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decoding halt payload: %v", err)
	}
	if !payload.Halted {
		t.Error("halt payload should record halted state")
	}
	if payload.Reason != "回撤达到上限" {
		t.Errorf("reason = %s, want 回撤达到上限", payload.Reason)
	}
}

func TestListEventsLimit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.RecordSignal(ctx, strategy.Signal{Symbol: "XBT/USD", Action: strategy.ActionBuy, Strategy: "momentum"})
	}

	events, err := svc.ListEvents(ctx, EventSignal, 3)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("got %d events, want limit 3", len(events))
	}
}
