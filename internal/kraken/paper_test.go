package kraken

import (
	"context"
	"errors"
	"math"
	"testing"
)

func newTestPaperClient(t *testing.T) *PaperClient {
	t.Helper()
	return NewPaperClient(PaperOptions{
		InitialUSD:    10000,
		MinOrderValue: 10,
		Seed:          42,
	}, nil)
}

func TestPaperBuySellLedger(t *testing.T) {
	client := newTestPaperClient(t)
	ctx := context.Background()
	client.SetPrice("XBT/USD", 50000)

	buy, err := client.PlaceMarketOrder(ctx, "XBT/USD", SideBuy, 0.1)
	if err != nil {
		t.Fatalf("buy returned error: %v", err)
	}
	if buy.OrderID == "" {
		t.Error("buy confirmation missing order id")
	}
	if buy.Price != 50000 {
		t.Errorf("buy price = %v, want 50000", buy.Price)
	}

	balances, err := client.GetBalance(ctx)
	if err != nil {
		t.Fatalf("GetBalance returned error: %v", err)
	}
	if got := balances["USD"].Free; math.Abs(got-5000) > 1e-9 {
		t.Errorf("USD balance after buy = %v, want 5000", got)
	}
	if got := balances["XBT"].Free; math.Abs(got-0.1) > 1e-12 {
		t.Errorf("XBT balance after buy = %v, want 0.1", got)
	}

	sell, err := client.PlaceMarketOrder(ctx, "XBT/USD", SideSell, 0.1)
	if err != nil {
		t.Fatalf("sell returned error: %v", err)
	}
	if sell.OrderID == buy.OrderID {
		t.Error("sell reused the buy order id")
	}

	balances, err = client.GetBalance(ctx)
	if err != nil {
		t.Fatalf("GetBalance returned error: %v", err)
	}
	if got := balances["USD"].Free; math.Abs(got-10000) > 1e-6 {
		t.Errorf("USD balance after round trip = %v, want 10000", got)
	}
	if got := balances["XBT"].Free; got != 0 {
		t.Errorf("XBT balance after round trip = %v, want 0", got)
	}
}

func TestPaperRejectsBelowMinOrderValue(t *testing.T) {
	client := newTestPaperClient(t)
	client.SetPrice("XBT/USD", 50000)

	// 0.0001 * 50000 = 5 USD，低于最小下单额 10。
	_, err := client.PlaceMarketOrder(context.Background(), "XBT/USD", SideBuy, 0.0001)
	if !errors.Is(err, ErrOrderRejected) {
		t.Fatalf("expected ErrOrderRejected, got %v", err)
	}
}

func TestPaperInsufficientBalance(t *testing.T) {
	client := newTestPaperClient(t)
	ctx := context.Background()
	client.SetPrice("XBT/USD", 50000)

	// 买入超过初始资金。
	if _, err := client.PlaceMarketOrder(ctx, "XBT/USD", SideBuy, 1); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance on oversized buy, got %v", err)
	}
	// 卖出未持有的资产。
	if _, err := client.PlaceMarketOrder(ctx, "XBT/USD", SideSell, 1); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance on naked sell, got %v", err)
	}
}

func TestPaperCandlesAscendingAndAnchored(t *testing.T) {
	client := newTestPaperClient(t)
	client.SetPrice("ETH/USD", 2500)

	candles, err := client.GetCandles(context.Background(), "ETH/USD", "15m", 50)
	if err != nil {
		t.Fatalf("GetCandles returned error: %v", err)
	}
	if len(candles) != 50 {
		t.Fatalf("got %d candles, want 50", len(candles))
	}
	for i := 1; i < len(candles); i++ {
		if !candles[i].Timestamp.After(candles[i-1].Timestamp) {
			t.Fatalf("candles not strictly ascending at index %d", i)
		}
	}
	last := candles[len(candles)-1]
	if last.Close != 2500 {
		t.Errorf("last close = %v, want anchor price 2500", last.Close)
	}
	for i, c := range candles {
		if c.High < c.Close || c.Low > c.Close {
			t.Errorf("candle %d high/low does not bracket close: %+v", i, c)
		}
	}
}

func TestPaperCandlesUnsupportedInterval(t *testing.T) {
	client := newTestPaperClient(t)
	if _, err := client.GetCandles(context.Background(), "ETH/USD", "7m", 10); err == nil {
		t.Fatal("expected error for unsupported interval, got nil")
	}
}

func TestPaperTickerUsesReferencePrice(t *testing.T) {
	client := newTestPaperClient(t)

	ticker, err := client.GetTicker(context.Background(), "XBT/USD")
	if err != nil {
		t.Fatalf("GetTicker returned error: %v", err)
	}
	// 随机游走单步在千分之一量级，价格应仍贴近种子价 45000。
	if ticker.Last < 40000 || ticker.Last > 50000 {
		t.Errorf("ticker last = %v, want near reference 45000", ticker.Last)
	}
	if ticker.Bid >= ticker.Ask {
		t.Errorf("bid %v should be below ask %v", ticker.Bid, ticker.Ask)
	}
}

func TestPaperCancelAllOrders(t *testing.T) {
	client := newTestPaperClient(t)
	count, err := client.CancelAllOrders(context.Background())
	if err != nil {
		t.Fatalf("CancelAllOrders returned error: %v", err)
	}
	if count != 0 {
		t.Errorf("cancel count = %d, want 0", count)
	}
}
