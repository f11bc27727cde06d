package kraken

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// 纸面行情随机游走的单步标准差。
const paperWalkStdDev = 0.001

// defaultReferencePrices 为常见交易对的种子价格，未知交易对回退到 100。
var defaultReferencePrices = map[string]float64{
	"XBT/USD":  45000,
	"ETH/USD":  2500,
	"SOL/USD":  100,
	"LINK/USD": 15,
}

// PaperClient 是 Exchange 契约的纸面实现：行情由种子价格随机游走合成，
// 市价单立即按当前价对内存账本成交，并执行与实盘一致的最小下单金额与精度规则。
type PaperClient struct {
	mu sync.Mutex

	balances      map[string]float64
	prices        map[string]float64
	rng           *rand.Rand
	minOrderValue float64
	decimals      map[string]int
	orderSeq      int64
	logger        *zap.Logger
}

// PaperOptions 控制纸面客户端的初始状态。
type PaperOptions struct {
	InitialUSD      float64
	MinOrderValue   float64
	ReferencePrices map[string]float64
	QuantityDecimal map[string]int
	Seed            int64
}

// NewPaperClient 创建纸面交易客户端。
func NewPaperClient(opts PaperOptions, logger *zap.Logger) *PaperClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.InitialUSD <= 0 {
		opts.InitialUSD = 10000
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	prices := make(map[string]float64, len(opts.ReferencePrices))
	for symbol, price := range opts.ReferencePrices {
		prices[symbol] = price
	}

	decimals := make(map[string]int, len(opts.QuantityDecimal))
	for symbol, d := range opts.QuantityDecimal {
		decimals[symbol] = d
	}

	return &PaperClient{
		balances:      map[string]float64{"USD": opts.InitialUSD},
		prices:        prices,
		rng:           rand.New(rand.NewSource(opts.Seed)),
		minOrderValue: opts.MinOrderValue,
		decimals:      decimals,
		logger:        logger,
	}
}

// GetTicker 返回随机游走合成的行情。
func (p *PaperClient) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	if err := ctx.Err(); err != nil {
		return Ticker{}, err
	}

	p.mu.Lock()
	price := p.stepPriceLocked(symbol)
	volume := 1000 + p.rng.Float64()*9000
	p.mu.Unlock()

	return Ticker{
		Symbol:    symbol,
		Bid:       price * 0.9999,
		Ask:       price * 1.0001,
		Last:      price,
		High:      price * 1.01,
		Low:       price * 0.99,
		Volume:    volume,
		Timestamp: time.Now().UTC(),
	}, nil
}

// GetCandles 合成一段以当前价收尾的随机游走K线序列，按时间升序返回。
func (p *PaperClient) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	minutes, err := intervalMinutes(interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	closePrice := p.currentPriceLocked(symbol)
	step := time.Duration(minutes) * time.Minute
	end := time.Now().UTC().Truncate(step)

	// 从当前价反向游走生成历史，再正向输出。
	closes := make([]float64, limit)
	closes[limit-1] = closePrice
	for i := limit - 2; i >= 0; i-- {
		closes[i] = closes[i+1] / (1 + p.rng.NormFloat64()*paperWalkStdDev)
	}

	candles := make([]Candle, limit)
	for i := 0; i < limit; i++ {
		c := closes[i]
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		high := c
		low := c
		if open > high {
			high = open
		}
		if open < low {
			low = open
		}
		candles[i] = Candle{
			Timestamp: end.Add(-step * time.Duration(limit-1-i)),
			Open:      open,
			High:      high * (1 + p.rng.Float64()*paperWalkStdDev),
			Low:       low * (1 - p.rng.Float64()*paperWalkStdDev),
			Close:     c,
			Volume:    100 + p.rng.Float64()*900,
		}
	}

	return candles, nil
}

// GetBalance 返回内存账本中的余额；纸面模式没有冻结部分。
func (p *PaperClient) GetBalance(ctx context.Context) (map[string]Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	result := make(map[string]Balance, len(p.balances))
	for asset, amount := range p.balances {
		result[asset] = Balance{Free: amount}
	}
	return result, nil
}

// PlaceMarketOrder 按当前合成价立即成交。
func (p *PaperClient) PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64) (OrderConfirmation, error) {
	if err := ctx.Err(); err != nil {
		return OrderConfirmation{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	quantity = RoundQuantity(quantity, p.decimals[symbol])
	if quantity <= 0 {
		return OrderConfirmation{}, fmt.Errorf("%w: 数量过小", ErrOrderRejected)
	}

	price := p.currentPriceLocked(symbol)
	notional := quantity * price
	if p.minOrderValue > 0 && notional < p.minOrderValue {
		return OrderConfirmation{}, fmt.Errorf("%w: 金额 %.2f 低于最小下单额 %.2f",
			ErrOrderRejected, notional, p.minOrderValue)
	}

	base := BaseAsset(symbol)
	quote := QuoteAsset(symbol)

	switch side {
	case SideBuy:
		if p.balances[quote] < notional {
			return OrderConfirmation{}, fmt.Errorf("%w: %s 余额 %.2f 不足以支付 %.2f",
				ErrInsufficientBalance, quote, p.balances[quote], notional)
		}
		p.balances[quote] -= notional
		p.balances[base] += quantity
	case SideSell:
		if p.balances[base] < quantity {
			return OrderConfirmation{}, fmt.Errorf("%w: %s 持仓 %.8f 不足以卖出 %.8f",
				ErrInsufficientBalance, base, p.balances[base], quantity)
		}
		p.balances[base] -= quantity
		p.balances[quote] += notional
	default:
		return OrderConfirmation{}, fmt.Errorf("%w: 未知方向 %q", ErrOrderRejected, side)
	}

	p.orderSeq++
	confirmation := OrderConfirmation{
		OrderID:   fmt.Sprintf("paper-%d", p.orderSeq),
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Price:     price,
		Timestamp: time.Now().UTC(),
	}

	p.logger.Info("纸面订单已成交",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("quantity", quantity),
		zap.Float64("price", price),
	)

	return confirmation, nil
}

// CancelAllOrders 纸面模式没有挂单，始终返回 0。
func (p *PaperClient) CancelAllOrders(ctx context.Context) (int, error) {
	return 0, ctx.Err()
}

// SetPrice 直接设定参考价，供测试构造行情场景。
func (p *PaperClient) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

func (p *PaperClient) currentPriceLocked(symbol string) float64 {
	if price, ok := p.prices[symbol]; ok && price > 0 {
		return price
	}
	if price, ok := defaultReferencePrices[symbol]; ok {
		p.prices[symbol] = price
		return price
	}
	p.prices[symbol] = 100
	return 100
}

func (p *PaperClient) stepPriceLocked(symbol string) float64 {
	price := p.currentPriceLocked(symbol)
	price *= 1 + p.rng.NormFloat64()*paperWalkStdDev
	p.prices[symbol] = price
	return price
}

var _ Exchange = (*PaperClient)(nil)
var _ Exchange = (*Client)(nil)
