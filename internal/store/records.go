package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"krakenbot/internal/position"
)

// Records 负责持仓与成交记录的持久化，保证两者在进程重启后可恢复。
type Records struct {
	db *sql.DB
}

// NewRecords 初始化持仓与成交表结构。
func NewRecords(store *Store) (*Records, error) {
	if store == nil {
		return nil, errors.New("store: store 不能为空")
	}

	r := &Records{db: store.DB()}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Records) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			symbol TEXT PRIMARY KEY,
			entry_price REAL NOT NULL,
			quantity REAL NOT NULL,
			invested_usd REAL NOT NULL,
			entry_time TEXT NOT NULL,
			strategy TEXT NOT NULL,
			highest_price REAL NOT NULL,
			stop_loss_percent REAL NOT NULL,
			take_profit_percent REAL NOT NULL,
			position_size_percent REAL NOT NULL,
			risk_override INTEGER NOT NULL DEFAULT 0,
			order_id TEXT,
			recovered INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			quantity REAL NOT NULL,
			notional REAL NOT NULL,
			pnl REAL NOT NULL DEFAULT 0,
			pnl_percent REAL NOT NULL DEFAULT 0,
			strategy TEXT,
			exit_reason TEXT,
			occurred_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol_time ON trades(symbol, occurred_at);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy);`,
	}

	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: 初始化交易表结构失败: %w", err)
		}
	}
	return nil
}

// SavePosition 写入或更新持仓快照。
func (r *Records) SavePosition(ctx context.Context, pos position.Position) error {
	if err := pos.Validate(); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO positions (symbol, entry_price, quantity, invested_usd, entry_time,
			strategy, highest_price, stop_loss_percent, take_profit_percent,
			position_size_percent, risk_override, order_id, recovered, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET
			entry_price = excluded.entry_price,
			quantity = excluded.quantity,
			invested_usd = excluded.invested_usd,
			entry_time = excluded.entry_time,
			strategy = excluded.strategy,
			highest_price = excluded.highest_price,
			stop_loss_percent = excluded.stop_loss_percent,
			take_profit_percent = excluded.take_profit_percent,
			position_size_percent = excluded.position_size_percent,
			risk_override = excluded.risk_override,
			order_id = excluded.order_id,
			recovered = excluded.recovered,
			updated_at = excluded.updated_at`,
		pos.Symbol, pos.EntryPrice, pos.Quantity, pos.InvestedUSD,
		pos.EntryTime.UTC().Format(time.RFC3339), pos.Strategy, pos.HighestPrice,
		pos.Risk.StopLossPercent, pos.Risk.TakeProfitPercent,
		pos.Risk.PositionSizePercent, boolToInt(pos.Risk.Override),
		pos.OrderID, boolToInt(pos.Recovered), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: 保存持仓失败: %w", err)
	}
	return nil
}

// DeletePosition 删除指定交易对的持仓记录。
func (r *Records) DeletePosition(ctx context.Context, symbol string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("store: 删除持仓失败: %w", err)
	}
	return nil
}

// ListPositions 返回全部持仓记录。
func (r *Records) ListPositions(ctx context.Context) ([]position.Position, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT symbol, entry_price, quantity, invested_usd, entry_time, strategy,
			highest_price, stop_loss_percent, take_profit_percent,
			position_size_percent, risk_override, order_id, recovered
		 FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("store: 查询持仓失败: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []position.Position
	for rows.Next() {
		var (
			pos       position.Position
			entryTime string
			override  int
			recovered int
			orderID   sql.NullString
		)
		if err := rows.Scan(&pos.Symbol, &pos.EntryPrice, &pos.Quantity, &pos.InvestedUSD,
			&entryTime, &pos.Strategy, &pos.HighestPrice,
			&pos.Risk.StopLossPercent, &pos.Risk.TakeProfitPercent,
			&pos.Risk.PositionSizePercent, &override, &orderID, &recovered,
		); err != nil {
			return nil, fmt.Errorf("store: 读取持仓记录失败: %w", err)
		}

		if ts, parseErr := time.Parse(time.RFC3339, entryTime); parseErr == nil {
			pos.EntryTime = ts
		}
		pos.Risk.Override = override == 1
		pos.Recovered = recovered == 1
		pos.OrderID = orderID.String

		result = append(result, pos)
	}

	return result, rows.Err()
}

// AppendTrade 追加一条成交记录；成交日志只增不改。
func (r *Records) AppendTrade(ctx context.Context, rec position.TradeRecord) error {
	if rec.Symbol == "" {
		return errors.New("store: 成交记录缺少 symbol")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO trades (symbol, side, price, quantity, notional, pnl, pnl_percent,
			strategy, exit_reason, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Symbol, rec.Side, rec.Price, rec.Quantity, rec.Notional,
		rec.PnL, rec.PnLPercent, rec.Strategy, string(rec.ExitReason),
		rec.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: 写入成交记录失败: %w", err)
	}
	return nil
}

// WinRate 汇总单个策略的历史胜率。
type WinRate struct {
	Wins   int
	Losses int
}

// Rate 返回胜率；无样本时返回 -1 表示不可用。
func (w WinRate) Rate() float64 {
	total := w.Wins + w.Losses
	if total == 0 {
		return -1
	}
	return float64(w.Wins) / float64(total)
}

// StrategyWinRates 根据卖出记录统计各策略的胜负次数，供凯利仓位系数使用。
// 数量为零的移除记录（灰尘清理、状态漂移）不是交易结果，不计入胜负。
func (r *Records) StrategyWinRates(ctx context.Context) (map[string]WinRate, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT strategy,
			SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN pnl <= 0 THEN 1 ELSE 0 END)
		 FROM trades
		 WHERE side = 'sell' AND quantity > 0
		   AND strategy IS NOT NULL AND strategy != ''
		 GROUP BY strategy`)
	if err != nil {
		return nil, fmt.Errorf("store: 统计策略胜率失败: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	result := make(map[string]WinRate)
	for rows.Next() {
		var (
			strategy string
			rate     WinRate
		)
		if err := rows.Scan(&strategy, &rate.Wins, &rate.Losses); err != nil {
			return nil, fmt.Errorf("store: 读取策略胜率失败: %w", err)
		}
		result[strategy] = rate
	}

	return result, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
