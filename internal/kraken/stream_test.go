package kraken

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestParseTickerMessage(t *testing.T) {
	raw := []byte(`[340,{"a":["45010.10000",1,"1.000"],"b":["45009.90000",2,"2.000"],"c":["45010.00000","0.05000000"]},"ticker","XBT/USD"]`)

	update, ok := parseTickerMessage(raw)
	if !ok {
		t.Fatal("expected ticker frame to parse")
	}
	if update.Symbol != "XBT/USD" {
		t.Errorf("symbol = %s, want XBT/USD", update.Symbol)
	}
	if update.Last != 45010 {
		t.Errorf("last = %v, want 45010", update.Last)
	}
	if update.Ask != 45010.1 {
		t.Errorf("ask = %v, want 45010.1", update.Ask)
	}
	if update.Bid != 45009.9 {
		t.Errorf("bid = %v, want 45009.9", update.Bid)
	}
	if update.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestParseTickerMessageIgnoresNonTickerFrames(t *testing.T) {
	frames := [][]byte{
		[]byte(`{"event":"heartbeat"}`),
		[]byte(`{"event":"subscriptionStatus","status":"subscribed","pair":"XBT/USD"}`),
		[]byte(`[340,{"c":["100.0","1.0"]},"trade","XBT/USD"]`),
		[]byte(`[340]`),
		[]byte(`not json`),
		// 缺少成交价的行情帧同样丢弃。
		[]byte(`[340,{"a":["1.0",1,"1.0"],"b":["1.0",1,"1.0"],"c":[]},"ticker","XBT/USD"]`),
	}

	for i, raw := range frames {
		if _, ok := parseTickerMessage(raw); ok {
			t.Errorf("frame %d should have been ignored: %s", i, raw)
		}
	}
}

func TestStreamBackoffResetsAfterDelivery(t *testing.T) {
	upgrader := websocket.Upgrader{}

	var (
		mu       sync.Mutex
		dialedAt []time.Time
	)
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close()
		}()

		mu.Lock()
		dialedAt = append(dialedAt, time.Now())
		n := len(dialedAt)
		mu.Unlock()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}

		switch {
		case n < 4:
			// 前三条连接不发数据直接断开，让退避逐级翻倍。
		case n == 4:
			frame := `[340,{"a":["45010.1",1,"1.0"],"b":["45009.9",1,"1.0"],"c":["45010.0","0.05"]},"ticker","XBT/USD"]`
			_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
			time.Sleep(10 * time.Millisecond)
		case n == 5:
			close(done)
		}
	}))
	defer srv.Close()

	client := NewStreamClient("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	client.reconnectMin = 10 * time.Millisecond
	client.reconnectMax = 80 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan TickerUpdate, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Run(ctx, []string{"XBT/USD"}, func(update TickerUpdate) {
			updates <- update
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("client never reached the fifth connection")
	}
	cancel()
	<-errCh

	select {
	case update := <-updates:
		if update.Symbol != "XBT/USD" {
			t.Errorf("update symbol = %s, want XBT/USD", update.Symbol)
		}
	default:
		t.Fatal("the fourth connection should have delivered one update")
	}

	mu.Lock()
	gap := dialedAt[4].Sub(dialedAt[3])
	mu.Unlock()
	// 第四条连接交付过数据，其后的重连退避应回到下限附近，
	// 而不是继续翻倍到 80ms。
	if gap > 60*time.Millisecond {
		t.Errorf("reconnect gap after delivery = %v, want under 60ms", gap)
	}
}
