package indicator

import (
	"fmt"
	"math"
	"sync"

	talib "github.com/markcheno/go-talib"

	"krakenbot/internal/kraken"
)

// Regime 描述市场波动率档位。
type Regime string

const (
	RegimeLow     Regime = "LOW"
	RegimeMedium  Regime = "MEDIUM"
	RegimeHigh    Regime = "HIGH"
	RegimeUnknown Regime = "UNKNOWN"
)

// MACDResult 保存 MACD 关键值。
type MACDResult struct {
	Value         float64
	Signal        float64
	Histogram     float64
	PrevHistogram float64
}

// BollingerResult 保存布林带数据。
type BollingerResult struct {
	Upper     float64
	Middle    float64
	Lower     float64
	Bandwidth float64
	Position  float64
}

// ATRResult 保存 ATR 指标。
type ATRResult struct {
	Absolute     float64
	Relative     float64
	PrevAbsolute float64
}

// Result 为一次指标计算的汇总。
type Result struct {
	Symbol        string
	Timeframe     string
	Series        Series
	SMAFast       float64
	SMASlow       float64
	PrevSMAFast   float64
	PrevSMASlow   float64
	EMAFast       float64
	EMASlow       float64
	MACD          MACDResult
	Bollinger     BollingerResult
	RSI           float64
	PrevRSI       float64
	ATR           ATRResult
	ADX           float64
	Close         float64
	PreviousClose float64
	Volatility    Regime
}

// Params 控制各指标的计算周期，零值字段使用默认周期。
type Params struct {
	FastSMAPeriod   int
	SlowSMAPeriod   int
	FastEMAPeriod   int
	SlowEMAPeriod   int
	RSIPeriod       int
	BollingerPeriod int
	BollingerStd    float64
	ATRPeriod       int
	ADXPeriod       int
}

func (p Params) withDefaults() Params {
	if p.FastSMAPeriod <= 0 {
		p.FastSMAPeriod = 10
	}
	if p.SlowSMAPeriod <= 0 {
		p.SlowSMAPeriod = 30
	}
	if p.FastEMAPeriod <= 0 {
		p.FastEMAPeriod = 12
	}
	if p.SlowEMAPeriod <= 0 {
		p.SlowEMAPeriod = 26
	}
	if p.RSIPeriod <= 0 {
		p.RSIPeriod = 14
	}
	if p.BollingerPeriod <= 0 {
		p.BollingerPeriod = 20
	}
	if p.BollingerStd <= 0 {
		p.BollingerStd = 2
	}
	if p.ATRPeriod <= 0 {
		p.ATRPeriod = 14
	}
	if p.ADXPeriod <= 0 {
		p.ADXPeriod = 14
	}
	return p
}

type cacheEntry struct {
	key    string
	result Result
}

// Calculator 提供技术指标计算并按交易对缓存最近一次结果。
type Calculator struct {
	params Params

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator(params Params) *Calculator {
	return &Calculator{
		params: params.withDefaults(),
		cache:  make(map[string]cacheEntry),
	}
}

// Compute 依据给定K线计算常用技术指标。同一交易对同一根K线只计算一次。
func (c *Calculator) Compute(symbol, timeframe string, candles []kraken.Candle) (Result, error) {
	if len(candles) == 0 {
		return Result{}, fmt.Errorf("计算 %s 指标失败: 输入K线为空", symbol)
	}

	series := NewSeries(candles)
	cacheKey := fmt.Sprintf("%s:%s:%d:%d", symbol, timeframe, series.Len(),
		series.Timestamps[len(series.Timestamps)-1].Unix())

	c.mu.Lock()
	if entry, ok := c.cache[symbol]; ok && entry.key == cacheKey {
		c.mu.Unlock()
		return entry.result, nil
	}
	c.mu.Unlock()

	result := c.calculate(symbol, timeframe, series)

	c.mu.Lock()
	c.cache[symbol] = cacheEntry{key: cacheKey, result: result}
	c.mu.Unlock()

	return result, nil
}

func (c *Calculator) calculate(symbol, timeframe string, series Series) Result {
	closePrices := series.Close
	highs := series.High
	lows := series.Low

	smaFast := talib.Sma(closePrices, c.params.FastSMAPeriod)
	smaSlow := talib.Sma(closePrices, c.params.SlowSMAPeriod)

	emaFast := talib.Ema(closePrices, c.params.FastEMAPeriod)
	emaSlow := talib.Ema(closePrices, c.params.SlowEMAPeriod)

	macd, macdSignal, macdHist := talib.Macd(closePrices,
		c.params.FastEMAPeriod, c.params.SlowEMAPeriod, 9)

	bbUpper, bbMiddle, bbLower := talib.BBands(closePrices,
		c.params.BollingerPeriod, c.params.BollingerStd, c.params.BollingerStd, talib.SMA)

	rsi := talib.Rsi(closePrices, c.params.RSIPeriod)

	atr := talib.Atr(highs, lows, closePrices, c.params.ATRPeriod)

	adx := talib.Adx(highs, lows, closePrices, c.params.ADXPeriod)

	lastClose := Last(closePrices)
	prevClose := Prev(closePrices)

	atrAbs := Last(atr)
	prevAtr := Prev(atr)
	atrRel := SafeDivide(atrAbs, lastClose)

	return Result{
		Symbol:        symbol,
		Timeframe:     timeframe,
		Series:        series,
		SMAFast:       Last(smaFast),
		SMASlow:       Last(smaSlow),
		PrevSMAFast:   Prev(smaFast),
		PrevSMASlow:   Prev(smaSlow),
		EMAFast:       Last(emaFast),
		EMASlow:       Last(emaSlow),
		MACD:          buildMACD(macd, macdSignal, macdHist),
		Bollinger:     buildBollinger(closePrices, bbUpper, bbMiddle, bbLower),
		RSI:           Last(rsi),
		PrevRSI:       Prev(rsi),
		ATR:           ATRResult{Absolute: atrAbs, Relative: atrRel, PrevAbsolute: prevAtr},
		ADX:           Last(adx),
		Close:         lastClose,
		PreviousClose: prevClose,
		Volatility:    ClassifyVolatility(atrRel),
	}
}

// ClassifyVolatility 按 ATR 相对值划分波动率档位。
// 数据不足或比值异常时返回 UNKNOWN，由风控侧按保守系数处理。
func ClassifyVolatility(atrRelative float64) Regime {
	switch {
	case math.IsNaN(atrRelative) || atrRelative <= 0:
		return RegimeUnknown
	case atrRelative < 0.01:
		return RegimeLow
	case atrRelative < 0.03:
		return RegimeMedium
	default:
		return RegimeHigh
	}
}

func buildMACD(macd, signal, hist []float64) MACDResult {
	return MACDResult{
		Value:         Last(macd),
		Signal:        Last(signal),
		Histogram:     Last(hist),
		PrevHistogram: Prev(hist),
	}
}

func buildBollinger(close, upper, middle, lower []float64) BollingerResult {
	u := Last(upper)
	m := Last(middle)
	l := Last(lower)
	width := u - l
	bandwidth := SafeDivide(width, m)

	position := 0.0
	if width > 0 {
		position = SafeDivide(Last(close)-l, width)
	}

	// 将位置限制在[0,1]区间，便于后续使用。
	position = math.Max(0, math.Min(1, position))

	return BollingerResult{
		Upper:     u,
		Middle:    m,
		Lower:     l,
		Bandwidth: bandwidth,
		Position:  position,
	}
}
