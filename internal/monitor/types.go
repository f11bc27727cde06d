package monitor

import (
	"time"

	"krakenbot/internal/advisory"
	"krakenbot/internal/position"
	"krakenbot/internal/risk"
	"krakenbot/internal/strategy"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventSignal       EventType = "signal"
	EventVerdict      EventType = "advisory_verdict"
	EventRiskSizing   EventType = "risk_sizing"
	EventHalt         EventType = "halt"
	EventPositionSnap EventType = "position_snapshot"
	EventError        EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	ID        int64       `json:"id,omitempty"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// SignalPayload 记录策略共识信号。
type SignalPayload struct {
	Signal strategy.Signal `json:"signal"`
}

// VerdictPayload 记录顾问裁定及其输入信号。
type VerdictPayload struct {
	Signal  strategy.Signal  `json:"signal"`
	Verdict advisory.Verdict `json:"verdict"`
	Err     string           `json:"error,omitempty"`
}

// RiskSizingPayload 记录仓位测算过程。
type RiskSizingPayload struct {
	Symbol string          `json:"symbol"`
	Input  risk.SizeInput  `json:"input"`
	Result risk.SizeResult `json:"result"`
}

// HaltPayload 记录熔断状态变化。
type HaltPayload struct {
	Halted bool        `json:"halted"`
	Reason string      `json:"reason,omitempty"`
	Status risk.Status `json:"status"`
}

// PositionSnapPayload 记录持仓快照。
type PositionSnapPayload struct {
	BalanceUSD  float64             `json:"balance_usd"`
	ExposureUSD float64             `json:"exposure_usd"`
	Positions   []position.Position `json:"positions"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
