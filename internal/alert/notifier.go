package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"krakenbot/internal/config"
)

// Severity 表示告警级别。
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityFatal   Severity = "FATAL"
)

// Event 为一条告警消息。
type Event struct {
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Symbol    string    `json:"symbol,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier 将告警推送到外部渠道。实现必须尽力而为，不得阻塞交易主循环。
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Webhook 通过 HTTP POST 推送告警。
type Webhook struct {
	cfg    config.AlertConfig
	logger *zap.Logger
	client *http.Client
}

var _ Notifier = (*Webhook)(nil)

// NewWebhook 创建 Webhook 告警器。
func NewWebhook(cfg config.AlertConfig, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Webhook{
		cfg:    cfg,
		logger: logger.Named("alert"),
		client: &http.Client{Timeout: timeout},
	}
}

// Notify 异步推送告警。推送失败只记日志，不影响调用方。
func (w *Webhook) Notify(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	w.logger.Info("触发告警",
		zap.String("severity", string(event.Severity)),
		zap.String("title", event.Title),
		zap.String("symbol", event.Symbol),
		zap.String("message", event.Message))

	if !w.cfg.Enabled || w.cfg.WebhookURL == "" {
		return
	}

	go w.deliver(event)
}

func (w *Webhook) deliver(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		w.logger.Error("序列化告警失败", zap.Error(err))
		return
	}

	timeout := w.cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		w.logger.Error("构造告警请求失败", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Error("推送告警失败", zap.Error(err))
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		w.logger.Error("告警渠道返回异常状态", zap.Int("status", resp.StatusCode))
		return
	}

	w.logger.Debug("告警推送成功", zap.String("title", event.Title))
}

// Nop 为空实现，用于测试与禁用告警的场景。
type Nop struct{}

var _ Notifier = Nop{}

// Notify 不做任何事。
func (Nop) Notify(context.Context, Event) {}

// Format 生成带符号的金额描述，供告警文本使用。
func Format(pnl float64) string {
	if pnl >= 0 {
		return fmt.Sprintf("+%.2f USD", pnl)
	}
	return fmt.Sprintf("%.2f USD", pnl)
}
