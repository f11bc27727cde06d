package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"krakenbot/internal/config"
)

func TestWebhookDelivers(t *testing.T) {
	received := make(chan Event, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("decoding webhook payload: %v", err)
		}
		received <- event
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := NewWebhook(config.AlertConfig{
		Enabled:    true,
		WebhookURL: server.URL,
		Timeout:    2 * time.Second,
	}, nil)

	webhook.Notify(context.Background(), Event{
		Severity: SeverityFatal,
		Title:    "卖出失败",
		Symbol:   "XBT/USD",
		Message:  "重试耗尽",
	})

	select {
	case event := <-received:
		if event.Severity != SeverityFatal {
			t.Errorf("severity = %s, want FATAL", event.Severity)
		}
		if event.Symbol != "XBT/USD" {
			t.Errorf("symbol = %s, want XBT/USD", event.Symbol)
		}
		if event.Timestamp.IsZero() {
			t.Error("timestamp should be filled in")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("webhook delivery timed out")
	}
}

func TestWebhookDisabledSkipsDelivery(t *testing.T) {
	hits := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits <- struct{}{}
	}))
	defer server.Close()

	webhook := NewWebhook(config.AlertConfig{
		Enabled:    false,
		WebhookURL: server.URL,
	}, nil)

	webhook.Notify(context.Background(), Event{Severity: SeverityInfo, Title: "test"})

	select {
	case <-hits:
		t.Fatal("disabled webhook must not deliver")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFormat(t *testing.T) {
	if got := Format(12.345); got != "+12.35 USD" {
		t.Errorf("Format(12.345) = %q, want +12.35 USD", got)
	}
	if got := Format(-3.2); got != "-3.20 USD" {
		t.Errorf("Format(-3.2) = %q, want -3.20 USD", got)
	}
	if got := Format(0); got != "+0.00 USD" {
		t.Errorf("Format(0) = %q, want +0.00 USD", got)
	}
}

func TestNopNotifier(t *testing.T) {
	// 只验证空实现满足接口且不崩溃。
	var n Notifier = Nop{}
	n.Notify(context.Background(), Event{Severity: SeverityWarning})
}
