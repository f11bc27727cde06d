package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"krakenbot/internal/advisory"
	"krakenbot/internal/position"
	"krakenbot/internal/risk"
	"krakenbot/internal/store"
	"krakenbot/internal/strategy"
)

// Service 负责持久化监控事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordSignal 记录策略共识信号。
func (s *Service) RecordSignal(ctx context.Context, sig strategy.Signal) {
	if err := s.Record(ctx, Event{
		Type:      EventSignal,
		Timestamp: time.Now().UTC(),
		Payload:   SignalPayload{Signal: sig},
	}); err != nil {
		s.logger.Warn("记录信号事件失败", zap.Error(err))
	}
}

// RecordVerdict 记录顾问裁定。
func (s *Service) RecordVerdict(ctx context.Context, sig strategy.Signal, verdict advisory.Verdict, verdictErr error) {
	payload := VerdictPayload{Signal: sig, Verdict: verdict}
	if verdictErr != nil {
		payload.Err = verdictErr.Error()
	}
	if err := s.Record(ctx, Event{
		Type:      EventVerdict,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); err != nil {
		s.logger.Warn("记录裁定事件失败", zap.Error(err))
	}
}

// RecordRiskSizing 记录仓位测算。
func (s *Service) RecordRiskSizing(ctx context.Context, symbol string, input risk.SizeInput, result risk.SizeResult) {
	if err := s.Record(ctx, Event{
		Type:      EventRiskSizing,
		Timestamp: time.Now().UTC(),
		Payload:   RiskSizingPayload{Symbol: symbol, Input: input, Result: result},
	}); err != nil {
		s.logger.Warn("记录仓位测算事件失败", zap.Error(err))
	}
}

// RecordHalt 记录熔断状态变化。
func (s *Service) RecordHalt(ctx context.Context, halted bool, reason string, status risk.Status) {
	if err := s.Record(ctx, Event{
		Type:      EventHalt,
		Timestamp: time.Now().UTC(),
		Payload:   HaltPayload{Halted: halted, Reason: reason, Status: status},
	}); err != nil {
		s.logger.Warn("记录熔断事件失败", zap.Error(err))
	}
}

// RecordPositions 记录持仓快照。
func (s *Service) RecordPositions(ctx context.Context, balanceUSD, exposureUSD float64, positions []position.Position) {
	if err := s.Record(ctx, Event{
		Type:      EventPositionSnap,
		Timestamp: time.Now().UTC(),
		Payload:   PositionSnapPayload{BalanceUSD: balanceUSD, ExposureUSD: exposureUSD, Positions: positions},
	}); err != nil {
		s.logger.Warn("记录仓位事件失败", zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Error:   err.Error(),
		Context: ctxMap,
	}
	if recErr := s.Record(ctx, Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, event_type, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			id      int64
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&id, &typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			ID:        id,
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
