package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"krakenbot/internal/config"
)

// Tracker 维护风控状态：日度盈亏、净值峰值与连胜连亏计数，全部落库以便重启恢复。
type Tracker struct {
	db     *sql.DB
	cfg    config.RiskConfig
	logger *zap.Logger
}

// NewTracker 创建风控跟踪器并初始化表结构。
func NewTracker(db *sql.DB, cfg config.RiskConfig, logger *zap.Logger) (*Tracker, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := &Tracker{
		db:     db,
		cfg:    cfg,
		logger: logger,
	}

	if err := tracker.initSchema(); err != nil {
		return nil, err
	}

	return tracker, nil
}

func (t *Tracker) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_daily_metrics (
			trading_date TEXT PRIMARY KEY,
			start_equity REAL NOT NULL,
			current_equity REAL NOT NULL,
			realized_pnl REAL NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS risk_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			peak_equity REAL NOT NULL,
			consecutive_wins INTEGER NOT NULL DEFAULT 0,
			consecutive_losses INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS risk_activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			trading_date TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_activity_date ON risk_activity_log(trading_date);`,
	}

	for _, stmt := range schema {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}

	return nil
}

// Update 根据当前净值刷新当日指标与净值峰值，返回最新快照。
func (t *Tracker) Update(ctx context.Context, ts time.Time, equity float64) (Status, error) {
	var result Status

	tradingDate := tradingDay(ts)
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		startEquity float64
		realizedPnL float64
	)

	row := tx.QueryRowContext(ctx,
		`SELECT start_equity, realized_pnl FROM risk_daily_metrics WHERE trading_date = ?`, tradingDate)
	switch scanErr := row.Scan(&startEquity, &realizedPnL); {
	case scanErr == nil:
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE risk_daily_metrics SET current_equity = ?, updated_at = ? WHERE trading_date = ?`,
			equity, now, tradingDate,
		); execErr != nil {
			err = fmt.Errorf("risk: 更新日度净值失败: %w", execErr)
			return result, err
		}
	case errors.Is(scanErr, sql.ErrNoRows):
		startEquity = equity
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO risk_daily_metrics (trading_date, start_equity, current_equity, realized_pnl, updated_at)
			 VALUES (?, ?, ?, 0, ?)`,
			tradingDate, equity, equity, now,
		); execErr != nil {
			err = fmt.Errorf("risk: 初始化日度净值失败: %w", execErr)
			return result, err
		}
	default:
		err = fmt.Errorf("risk: 查询日度净值失败: %w", scanErr)
		return result, err
	}

	var (
		peakEquity        float64
		consecutiveWins   int
		consecutiveLosses int
	)

	row = tx.QueryRowContext(ctx, `SELECT peak_equity, consecutive_wins, consecutive_losses FROM risk_state WHERE id = 1`)
	switch scanErr := row.Scan(&peakEquity, &consecutiveWins, &consecutiveLosses); {
	case scanErr == nil:
		if equity > peakEquity {
			peakEquity = equity
			if _, execErr := tx.ExecContext(ctx,
				`UPDATE risk_state SET peak_equity = ?, updated_at = ? WHERE id = 1`,
				peakEquity, now,
			); execErr != nil {
				err = fmt.Errorf("risk: 更新净值峰值失败: %w", execErr)
				return result, err
			}
		}
	case errors.Is(scanErr, sql.ErrNoRows):
		peakEquity = equity
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO risk_state (id, peak_equity, consecutive_wins, consecutive_losses, updated_at) VALUES (1, ?, 0, 0, ?)`,
			peakEquity, now,
		); execErr != nil {
			err = fmt.Errorf("risk: 初始化风控状态失败: %w", execErr)
			return result, err
		}
	default:
		err = fmt.Errorf("risk: 查询风控状态失败: %w", scanErr)
		return result, err
	}

	drawdown := 0.0
	if peakEquity > 0 && equity < peakEquity {
		drawdown = (peakEquity - equity) / peakEquity
	}

	result = Status{
		TradingDate:       tradingDate,
		StartEquity:       startEquity,
		CurrentEquity:     equity,
		RealizedPnL:       realizedPnL,
		PeakEquity:        peakEquity,
		Drawdown:          drawdown,
		ConsecutiveWins:   consecutiveWins,
		ConsecutiveLosses: consecutiveLosses,
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return result, fmt.Errorf("risk: 提交事务失败: %w", commitErr)
	}

	return result, nil
}

// RecordTradeResult 在持仓平仓后记录已实现盈亏，并维护连胜连亏计数。
func (t *Tracker) RecordTradeResult(ctx context.Context, ts time.Time, pnl float64) error {
	tradingDate := tradingDay(ts)
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO risk_daily_metrics (trading_date, start_equity, current_equity, realized_pnl, updated_at)
		 VALUES (?, 0, 0, ?, ?)
		 ON CONFLICT(trading_date) DO UPDATE SET
			realized_pnl = realized_pnl + excluded.realized_pnl,
			updated_at = excluded.updated_at`,
		tradingDate, pnl, now,
	); err != nil {
		err = fmt.Errorf("risk: 累计当日盈亏失败: %w", err)
		return err
	}

	switch {
	case pnl < 0:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO risk_state (id, peak_equity, consecutive_wins, consecutive_losses, updated_at) VALUES (1, 0, 0, 1, ?)
			 ON CONFLICT(id) DO UPDATE SET
				consecutive_wins = 0,
				consecutive_losses = consecutive_losses + 1,
				updated_at = excluded.updated_at`,
			now,
		)
	case pnl > 0:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO risk_state (id, peak_equity, consecutive_wins, consecutive_losses, updated_at) VALUES (1, 0, 1, 0, ?)
			 ON CONFLICT(id) DO UPDATE SET
				consecutive_wins = consecutive_wins + 1,
				consecutive_losses = 0,
				updated_at = excluded.updated_at`,
			now,
		)
	default:
		// 持平交易打断两侧的连胜/连亏。
		_, err = tx.ExecContext(ctx,
			`INSERT INTO risk_state (id, peak_equity, consecutive_wins, consecutive_losses, updated_at) VALUES (1, 0, 0, 0, ?)
			 ON CONFLICT(id) DO UPDATE SET
				consecutive_wins = 0,
				consecutive_losses = 0,
				updated_at = excluded.updated_at`,
			now,
		)
	}
	if err != nil {
		err = fmt.Errorf("risk: 更新连胜连亏计数失败: %w", err)
		return err
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("risk: 提交事务失败: %w", commitErr)
	}

	t.logger.Debug("记录已实现盈亏", zap.String("trading_date", tradingDate), zap.Float64("pnl", pnl))
	return nil
}

// LogEvent 记录风控事件。
func (t *Tracker) LogEvent(ctx context.Context, eventType, message, details string) error {
	if eventType == "" {
		return errors.New("risk: eventType 不能为空")
	}

	_, err := t.db.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), eventType, message, details, tradingDay(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("risk: 写入风险事件日志失败: %w", err)
	}

	return nil
}

func tradingDay(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}
