package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"krakenbot/internal/config"
)

const (
	apiVersion     = "0"
	requestTimeout = 15 * time.Second
	maxAttempts    = 3
)

// Client 负责与 Kraken REST 接口交互，完成签名、限速与错误归类。
type Client struct {
	cfg     config.ExchangeConfig
	logger  *zap.Logger
	http    *http.Client
	limiter *rate.Limiter

	// lastNonce 保证 nonce 严格单调递增；以微秒墙钟作为基准，
	// 进程重启后的首个取值必然大于上次进程的末次取值。
	lastNonce atomic.Int64
}

// NewClient 构造 Kraken REST 客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("kraken: base_url 不能为空")
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		http: &http.Client{
			Timeout: requestTimeout,
		},
		// burst=1：所有调用在同一最小间隔闸门上串行排队。
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

// GetTicker 获取指定交易对的行情快照。
func (c *Client) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	params := url.Values{}
	params.Set("pair", PairCode(symbol))

	var payload map[string]tickerPayload
	if err := c.public(ctx, "Ticker", params, &payload); err != nil {
		return Ticker{}, err
	}

	for _, entry := range payload {
		return entry.toTicker(symbol), nil
	}
	return Ticker{}, fmt.Errorf("kraken: Ticker 响应缺少交易对 %s", symbol)
}

// GetCandles 获取K线数据，按时间升序返回。
func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	minutes, err := intervalMinutes(interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	params := url.Values{}
	params.Set("pair", PairCode(symbol))
	params.Set("interval", strconv.Itoa(minutes))

	var payload map[string]json.RawMessage
	if err := c.public(ctx, "OHLC", params, &payload); err != nil {
		return nil, err
	}

	var rows [][]json.RawMessage
	for key, raw := range payload {
		if key == "last" {
			continue
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("kraken: 解析 OHLC 响应失败: %w", err)
		}
		break
	}

	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		// 行格式: [time, open, high, low, close, vwap, volume, count]
		if len(row) < 7 {
			continue
		}
		ts, err := rawNumber(row[0])
		if err != nil {
			return nil, fmt.Errorf("kraken: 解析K线时间失败: %w", err)
		}
		open, _ := rawNumber(row[1])
		high, _ := rawNumber(row[2])
		low, _ := rawNumber(row[3])
		closePrice, _ := rawNumber(row[4])
		volume, _ := rawNumber(row[6])

		candles = append(candles, Candle{
			Timestamp: time.Unix(int64(ts), 0).UTC(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
		})
	}

	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})

	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}

	return candles, nil
}

// GetBalance 获取账户各资产的可用与冻结余额。
func (c *Client) GetBalance(ctx context.Context) (map[string]Balance, error) {
	var payload map[string]balancePayload
	if err := c.private(ctx, "BalanceEx", url.Values{}, &payload); err != nil {
		return nil, err
	}

	balances := make(map[string]Balance, len(payload))
	for asset, entry := range payload {
		total, err := strconv.ParseFloat(entry.Balance, 64)
		if err != nil {
			continue
		}
		hold := 0.0
		if entry.HoldTrade != "" {
			hold, _ = strconv.ParseFloat(entry.HoldTrade, 64)
		}
		balances[normalizeAsset(asset)] = Balance{
			Free:     total - hold,
			Reserved: hold,
		}
	}

	return balances, nil
}

// PlaceMarketOrder 提交市价委托。
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64) (OrderConfirmation, error) {
	if quantity <= 0 {
		return OrderConfirmation{}, fmt.Errorf("%w: 数量 %.8f 无效", ErrOrderRejected, quantity)
	}

	params := url.Values{}
	params.Set("pair", PairCode(symbol))
	params.Set("type", string(side))
	params.Set("ordertype", "market")
	params.Set("volume", strconv.FormatFloat(quantity, 'f', -1, 64))

	var payload addOrderPayload
	if err := c.private(ctx, "AddOrder", params, &payload); err != nil {
		return OrderConfirmation{}, err
	}

	orderID := ""
	if len(payload.TxIDs) > 0 {
		orderID = payload.TxIDs[0]
	}

	c.logger.Info("委托已提交",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("quantity", quantity),
		zap.String("order_id", orderID),
	)

	return OrderConfirmation{
		OrderID:   orderID,
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Timestamp: time.Now().UTC(),
	}, nil
}

// CancelAllOrders 撤销全部未成交委托，返回撤销数量。
func (c *Client) CancelAllOrders(ctx context.Context) (int, error) {
	var payload struct {
		Count int `json:"count"`
	}
	if err := c.private(ctx, "CancelAll", url.Values{}, &payload); err != nil {
		return 0, err
	}
	return payload.Count, nil
}

func (c *Client) public(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	path := fmt.Sprintf("/%s/public/%s", apiVersion, endpoint)
	return c.callWithRetry(ctx, endpoint, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+params.Encode(), nil)
		if err != nil {
			return err
		}
		return c.do(req, out)
	})
}

func (c *Client) private(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	path := fmt.Sprintf("/%s/private/%s", apiVersion, endpoint)
	return c.callWithRetry(ctx, endpoint, func() error {
		nonce := c.nextNonce()
		params.Set("nonce", strconv.FormatInt(nonce, 10))
		body := params.Encode()

		signature, err := Sign(c.cfg.APISecret, path, nonce, body)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("API-Key", c.cfg.APIKey)
		req.Header.Set("API-Sign", signature)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		return c.do(req, out)
	})
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kraken: 读取响应失败: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: http %d", ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}

	var envelope struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("kraken: 解析响应失败: %w", err)
	}

	if apiErr := classifyAPIError(envelope.Error); apiErr != nil {
		return apiErr
	}

	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("kraken: 解析结果失败: %w", err)
		}
	}
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	delay := time.Second

	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		start := time.Now()
		err := fn()
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", time.Since(start)),
				)
			}
			return nil
		}

		if !IsRetryable(err) || attempt >= maxAttempts {
			if errors.Is(err, ErrAuth) {
				c.logger.Error("交易所拒绝认证，请检查密钥与 nonce",
					zap.String("operation", operation),
					zap.Error(err),
				)
			}
			return err
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

func (c *Client) nextNonce() int64 {
	for {
		now := time.Now().UnixMicro()
		last := c.lastNonce.Load()
		if now <= last {
			now = last + 1
		}
		if c.lastNonce.CompareAndSwap(last, now) {
			return now
		}
	}
}

// Sign 计算私有接口签名：
// base64(HMAC-SHA512(base64decode(secret), path || SHA256(nonce || body)))。
func Sign(secret, path string, nonce int64, body string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("kraken: 解码 api_secret 失败: %w", err)
	}

	digest := sha256.Sum256([]byte(strconv.FormatInt(nonce, 10) + body))

	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(digest[:])

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

type tickerPayload struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Last   []string `json:"c"`
	Volume []string `json:"v"`
	High   []string `json:"h"`
	Low    []string `json:"l"`
}

func (p tickerPayload) toTicker(symbol string) Ticker {
	return Ticker{
		Symbol:    symbol,
		Ask:       firstFloat(p.Ask),
		Bid:       firstFloat(p.Bid),
		Last:      firstFloat(p.Last),
		Volume:    lastFloat(p.Volume),
		High:      lastFloat(p.High),
		Low:       lastFloat(p.Low),
		Timestamp: time.Now().UTC(),
	}
}

type balancePayload struct {
	Balance   string `json:"balance"`
	HoldTrade string `json:"hold_trade"`
}

type addOrderPayload struct {
	TxIDs []string `json:"txid"`
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
}

// normalizeAsset 去掉 Kraken 资产代码的历史前缀，如 "XXBT" → "XBT"、"ZUSD" → "USD"。
func normalizeAsset(asset string) string {
	if len(asset) == 4 && (asset[0] == 'X' || asset[0] == 'Z') {
		return asset[1:]
	}
	return asset
}

func rawNumber(raw json.RawMessage) (float64, error) {
	var asFloat float64
	if err := json.Unmarshal(raw, &asFloat); err == nil {
		return asFloat, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(asString, 64)
}

func firstRawFloat(values []json.RawMessage) float64 {
	if len(values) == 0 {
		return 0
	}
	v, _ := rawNumber(values[0])
	return v
}

func firstFloat(values []string) float64 {
	if len(values) == 0 {
		return 0
	}
	v, _ := strconv.ParseFloat(values[0], 64)
	return v
}

func lastFloat(values []string) float64 {
	if len(values) < 2 {
		return firstFloat(values)
	}
	v, _ := strconv.ParseFloat(values[1], 64)
	return v
}
