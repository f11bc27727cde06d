package kraken

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Ticker 为单个交易对的行情快照。
type Ticker struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	High      float64
	Low       float64
	Volume    float64
	Timestamp time.Time
}

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Balance 描述单个资产的可用与冻结余额。
type Balance struct {
	Free     float64
	Reserved float64
}

// Total 返回资产总额。
func (b Balance) Total() float64 {
	return b.Free + b.Reserved
}

// OrderConfirmation 为下单成功后的回执。
type OrderConfirmation struct {
	OrderID   string
	Symbol    string
	Side      Side
	Quantity  float64
	Price     float64
	Timestamp time.Time
}

// TickerUpdate 为推送行情的单条更新。
type TickerUpdate struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// Exchange 抽象交易所能力，真实与纸面实现共用同一契约。
type Exchange interface {
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetBalance(ctx context.Context) (map[string]Balance, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64) (OrderConfirmation, error)
	CancelAllOrders(ctx context.Context) (int, error)
}

// BaseAsset 返回交易对中的基础资产，如 "XBT/USD" → "XBT"。
func BaseAsset(symbol string) string {
	if idx := strings.Index(symbol, "/"); idx > 0 {
		return symbol[:idx]
	}
	return symbol
}

// QuoteAsset 返回交易对中的计价资产，如 "XBT/USD" → "USD"。
func QuoteAsset(symbol string) string {
	if idx := strings.Index(symbol, "/"); idx >= 0 && idx+1 < len(symbol) {
		return symbol[idx+1:]
	}
	return "USD"
}

// PairCode 返回 REST 请求使用的交易对代码，如 "XBT/USD" → "XBTUSD"。
func PairCode(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// RoundQuantity 将数量截断到指定小数位，避免交易所拒绝精度过高的委托。
func RoundQuantity(quantity float64, decimals int) float64 {
	if decimals <= 0 {
		decimals = 8
	}
	scale := math.Pow10(decimals)
	return math.Floor(quantity*scale) / scale
}

// intervalMinutes 将时间框架转换为 OHLC 接口的分钟参数。
func intervalMinutes(interval string) (int, error) {
	switch interval {
	case "1m":
		return 1, nil
	case "5m":
		return 5, nil
	case "15m":
		return 15, nil
	case "30m":
		return 30, nil
	case "1h":
		return 60, nil
	case "4h":
		return 240, nil
	case "1d":
		return 1440, nil
	default:
		return 0, fmt.Errorf("kraken: 不支持的时间框架 %q", interval)
	}
}
