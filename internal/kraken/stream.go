package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamReconnectMin = time.Second
	streamReconnectMax = 30 * time.Second
	streamReadLimit    = 1 << 20
)

// TickerCallback 在收到行情推送时被调用。
type TickerCallback func(update TickerUpdate)

// StreamClient 维护一条长连接订阅行情推送，断线后自动重连并重新订阅。
type StreamClient struct {
	url    string
	logger *zap.Logger
	dialer *websocket.Dialer

	reconnectMin time.Duration
	reconnectMax time.Duration
}

// NewStreamClient 创建行情推送客户端。
func NewStreamClient(wsURL string, logger *zap.Logger) *StreamClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamClient{
		url:          wsURL,
		logger:       logger,
		dialer:       websocket.DefaultDialer,
		reconnectMin: streamReconnectMin,
		reconnectMax: streamReconnectMax,
	}
}

type subscribeMessage struct {
	Event        string   `json:"event"`
	Pair         []string `json:"pair"`
	Subscription struct {
		Name string `json:"name"`
	} `json:"subscription"`
}

// Run 订阅给定交易对的行情推送并阻塞运行，直到上下文取消。
// 每条推送通过回调交付；客户端不做缓冲与去重。
func (s *StreamClient) Run(ctx context.Context, symbols []string, callback TickerCallback) error {
	if len(symbols) == 0 {
		return errors.New("kraken: 订阅交易对列表不能为空")
	}
	if callback == nil {
		return errors.New("kraken: 行情回调不能为空")
	}

	backoff := s.reconnectMin

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		delivered := false
		err := s.runOnce(ctx, symbols, func(update TickerUpdate) {
			delivered = true
			callback(update)
		})
		// 连接活到有数据交付说明上次故障已恢复，退避从头计。
		if delivered {
			backoff = s.reconnectMin
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("行情连接中断，准备重连",
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > s.reconnectMax {
			backoff = s.reconnectMax
		}
	}
}

func (s *StreamClient) runOnce(ctx context.Context, symbols []string, callback TickerCallback) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	conn.SetReadLimit(streamReadLimit)

	msg := subscribeMessage{Event: "subscribe", Pair: symbols}
	msg.Subscription.Name = "ticker"
	if err := conn.WriteJSON(msg); err != nil {
		return err
	}
	s.logger.Info("已订阅行情推送", zap.Strings("pairs", symbols))

	// 上下文取消时关闭连接，令阻塞中的 ReadMessage 返回。
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		update, ok := parseTickerMessage(raw)
		if !ok {
			continue
		}
		callback(update)
	}
}

// parseTickerMessage 解析行情推送帧。
// 数据帧格式: [channelID, {"a":[...],"b":[...],"c":[...]}, "ticker", "XBT/USD"]。
// 事件帧（心跳、订阅状态）为 JSON 对象，直接忽略。
func parseTickerMessage(raw []byte) (TickerUpdate, bool) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 4 {
		return TickerUpdate{}, false
	}

	var channel string
	if err := json.Unmarshal(frame[2], &channel); err != nil || channel != "ticker" {
		return TickerUpdate{}, false
	}

	var symbol string
	if err := json.Unmarshal(frame[len(frame)-1], &symbol); err != nil || symbol == "" {
		return TickerUpdate{}, false
	}

	// 推送帧里的数组混合了字符串价格与整数手数，逐元素按 rawNumber 解析。
	var payload struct {
		Ask  []json.RawMessage `json:"a"`
		Bid  []json.RawMessage `json:"b"`
		Last []json.RawMessage `json:"c"`
	}
	if err := json.Unmarshal(frame[1], &payload); err != nil {
		return TickerUpdate{}, false
	}

	last := firstRawFloat(payload.Last)
	if last <= 0 {
		return TickerUpdate{}, false
	}

	return TickerUpdate{
		Symbol:    symbol,
		Last:      last,
		Bid:       firstRawFloat(payload.Bid),
		Ask:       firstRawFloat(payload.Ask),
		Timestamp: time.Now().UTC(),
	}, true
}
