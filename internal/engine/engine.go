package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"krakenbot/internal/alert"
	"krakenbot/internal/config"
	"krakenbot/internal/kraken"
	"krakenbot/internal/position"
	"krakenbot/internal/risk"
	"krakenbot/internal/store"
)

// records 抽象持仓与成交的持久化，便于测试注入。
type records interface {
	SavePosition(ctx context.Context, pos position.Position) error
	DeletePosition(ctx context.Context, symbol string) error
	ListPositions(ctx context.Context) ([]position.Position, error)
	AppendTrade(ctx context.Context, rec position.TradeRecord) error
}

// tradeTracker 接收平仓后的已实现盈亏。
type tradeTracker interface {
	RecordTradeResult(ctx context.Context, ts time.Time, pnl float64) error
}

var _ records = (*store.Records)(nil)
var _ tradeTracker = (*risk.Tracker)(nil)

// Engine 独占管理全部持仓的生命周期：开仓、监控、对账与离场。
// 其他组件只能读取持仓快照，不得修改。
type Engine struct {
	exchange kraken.Exchange
	records  records
	riskEng  *risk.Engine
	tracker  tradeTracker
	notifier alert.Notifier
	execCfg  config.ExecutionConfig
	riskCfg  config.RiskConfig
	decimals map[string]int
	logger   *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	positions map[string]*position.Position
}

// NewEngine 创建执行引擎。
func NewEngine(
	exchange kraken.Exchange,
	recs records,
	riskEng *risk.Engine,
	tracker tradeTracker,
	notifier alert.Notifier,
	cfg *config.Config,
	logger *zap.Logger,
) (*Engine, error) {
	if exchange == nil {
		return nil, errors.New("engine: exchange 不能为空")
	}
	if recs == nil {
		return nil, errors.New("engine: records 不能为空")
	}
	if riskEng == nil {
		return nil, errors.New("engine: 风险引擎不能为空")
	}
	if notifier == nil {
		notifier = alert.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	decimals := make(map[string]int)
	for _, pair := range cfg.Trading.Pairs {
		decimals[pair.Symbol] = pair.QuantityDecimals
	}

	return &Engine{
		exchange:  exchange,
		records:   recs,
		riskEng:   riskEng,
		tracker:   tracker,
		notifier:  notifier,
		execCfg:   cfg.Execution,
		riskCfg:   cfg.Risk,
		decimals:  decimals,
		logger:    logger.Named("engine"),
		now:       time.Now,
		sleep:     defaultSleep,
		positions: make(map[string]*position.Position),
	}, nil
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Recover 启动时从数据库加载持仓，并接管交易所上未被跟踪的余额。
// 被接管的持仓以当前市价作为入场价，使用默认风控参数并打上恢复标记。
func (e *Engine) Recover(ctx context.Context, symbols []string) error {
	persisted, err := e.records.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("engine: 加载持仓失败: %w", err)
	}

	e.mu.Lock()
	for i := range persisted {
		pos := persisted[i]
		e.positions[pos.Symbol] = &pos
	}
	e.mu.Unlock()

	if len(persisted) > 0 {
		e.logger.Info("恢复持久化持仓", zap.Int("count", len(persisted)))
	}

	balances, err := e.exchange.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("engine: 查询余额失败: %w", err)
	}

	for _, symbol := range symbols {
		base := kraken.BaseAsset(symbol)
		bal, ok := balances[base]
		if !ok || bal.Free <= 0 {
			continue
		}
		if e.Has(symbol) {
			continue
		}

		ticker, err := e.exchange.GetTicker(ctx, symbol)
		if err != nil {
			e.logger.Warn("查询市价失败，跳过余额接管",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}

		notional := bal.Free * ticker.Last
		if notional < e.riskCfg.MinOrderValueUSD {
			continue
		}

		pos := &position.Position{
			Symbol:       symbol,
			EntryPrice:   ticker.Last,
			Quantity:     bal.Free,
			InvestedUSD:  notional,
			EntryTime:    e.now().UTC(),
			Strategy:     "recovered",
			HighestPrice: ticker.Last,
			Risk: position.RiskParams{
				StopLossPercent:   e.riskCfg.DefaultStopLossPercent,
				TakeProfitPercent: e.riskCfg.DefaultTakeProfitPercent,
			},
			Recovered: true,
		}

		if err := e.records.SavePosition(ctx, *pos); err != nil {
			return fmt.Errorf("engine: 保存接管持仓失败: %w", err)
		}

		e.mu.Lock()
		e.positions[symbol] = pos
		e.mu.Unlock()

		e.logger.Warn("接管未跟踪的交易所余额",
			zap.String("symbol", symbol),
			zap.Float64("quantity", bal.Free),
			zap.Float64("notional", notional))

		e.notifier.Notify(ctx, alert.Event{
			Severity: alert.SeverityWarning,
			Title:    "接管未跟踪持仓",
			Symbol:   symbol,
			Message:  fmt.Sprintf("发现未跟踪余额 %.8f，按市价 %.4f 接管", bal.Free, ticker.Last),
		})
	}

	return nil
}

// Has 返回指定交易对是否有持仓。
func (e *Engine) Has(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.positions[symbol]
	return ok
}

// Get 返回指定交易对持仓的副本。
func (e *Engine) Get(symbol string) (position.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[symbol]
	if !ok {
		return position.Position{}, false
	}
	return *pos, true
}

// Snapshot 返回全部持仓的副本。
func (e *Engine) Snapshot() []position.Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := make([]position.Position, 0, len(e.positions))
	for _, pos := range e.positions {
		result = append(result, *pos)
	}
	return result
}

// Exposure 返回全部持仓的名义价值之和，按入场价估算。
func (e *Engine) Exposure() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := 0.0
	for _, pos := range e.positions {
		total += pos.InvestedUSD
	}
	return total
}

func (e *Engine) quantityDecimals(symbol string) int {
	if d, ok := e.decimals[symbol]; ok && d > 0 {
		return d
	}
	return 8
}
