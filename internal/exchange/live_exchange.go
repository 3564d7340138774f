package exchange

import (
	"binance-ladder-bot-go/internal/models"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	LiveAPIURL    = "https://api.binance.com"
	TestnetAPIURL = "https://testnet.binance.vision"

	// listOrdersLimit 单次查询返回的最大订单数
	listOrdersLimit = 1000
)

// symbolFilters 缓存交易对的价格和数量精度
type symbolFilters struct {
	tickSize decimal.Decimal
	stepSize decimal.Decimal
}

// LiveExchange 实现了 Exchange 接口，用于与真实的币安现货交易所进行交互。
type LiveExchange struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	timeOffset int64
	seq        atomic.Uint32

	mu      sync.Mutex
	filters map[string]symbolFilters
}

// NewLiveExchange 创建一个新的 LiveExchange 实例，并与服务器同步时间。
func NewLiveExchange(ctx context.Context, apiKey, secretKey, baseURL string, logger *zap.Logger) (*LiveExchange, error) {
	e := &LiveExchange{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		filters:    make(map[string]symbolFilters),
	}

	if err := e.syncTime(ctx); err != nil {
		return nil, fmt.Errorf("与币安服务器同步时间失败: %w", err)
	}

	return e, nil
}

// syncTime 与币安服务器同步时间，计算时间偏移。
func (e *LiveExchange) syncTime(ctx context.Context) error {
	data, err := e.doRequest(ctx, http.MethodGet, "/api/v3/time", nil, false)
	if err != nil {
		return err
	}
	var serverTime struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(data, &serverTime); err != nil {
		return err
	}
	e.timeOffset = serverTime.ServerTime - time.Now().UnixMilli()
	e.logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffset (ms)", e.timeOffset))
	return nil
}

// doRequest 是一个通用的请求处理函数，用于向币安API发送请求。
func (e *LiveExchange) doRequest(ctx context.Context, method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	queryParams := url.Values{}
	for k, v := range params {
		queryParams[k] = v
	}

	encodedParams := queryParams.Encode()
	if signed {
		queryParams.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli()+e.timeOffset, 10))
		payloadToSign := queryParams.Encode()
		encodedParams = fmt.Sprintf("%s&signature=%s", payloadToSign, e.sign(payloadToSign))
	}

	fullURL := e.baseURL + endpoint
	var req *http.Request
	var err error
	if method == http.MethodGet || method == http.MethodDelete {
		if encodedParams != "" {
			fullURL = fullURL + "?" + encodedParams
		}
		req, err = http.NewRequestWithContext(ctx, method, fullURL, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, fullURL, strings.NewReader(encodedParams))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	e.logger.Debug("发送请求", zap.String("method", method), zap.String("endpoint", endpoint))

	req.Header.Set("X-MBX-APIKEY", e.apiKey)
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("执行请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var binanceError models.Error
	if json.Unmarshal(body, &binanceError) == nil && binanceError.Code != 0 {
		return body, &binanceError
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("API请求失败, 状态码: %d, 响应: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// sign 对请求参数进行签名。
func (e *LiveExchange) sign(data string) string {
	h := hmac.New(sha256.New, []byte(e.secretKey))
	h.Write([]byte(data))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// clientOrderID 生成唯一的客户端订单ID
func (e *LiveExchange) clientOrderID() string {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf, uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint32(buf[8:], e.seq.Add(1))
	return "ladder-" + base62.EncodeToString(buf)
}

// apiOrder 是币安订单接口的原始响应
type apiOrder struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	Time                int64  `json:"time"`
	UpdateTime          int64  `json:"updateTime"`
	TransactTime        int64  `json:"transactTime"`
}

func (o apiOrder) toOrder(raw string) models.Order {
	order := models.Order{
		Symbol:      o.Symbol,
		Side:        models.Side(o.Side),
		Status:      models.OrderStatus(o.Status),
		OrderID:     o.OrderID,
		Price:       parseDecimal(o.Price),
		OrigQty:     parseDecimal(o.OrigQty),
		ExecutedQty: parseDecimal(o.ExecutedQty),
		Time:        time.UnixMilli(o.Time),
		UpdateTime:  time.UnixMilli(o.UpdateTime),
		Raw:         raw,
	}
	if o.Time == 0 {
		order.Time = time.UnixMilli(o.TransactTime)
		order.UpdateTime = order.Time
	}
	return order
}

func parseDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

// stepPrecision 通过字符串确定步长的小数位数, 避免浮点误差
func stepPrecision(step decimal.Decimal) int32 {
	s := step.String()
	if !strings.Contains(s, ".") {
		return 0
	}
	return int32(len(s) - strings.Index(s, ".") - 1)
}

// symbolFilters 获取并缓存交易对的交易规则
func (e *LiveExchange) symbolFilters(ctx context.Context, symbol string) (symbolFilters, error) {
	e.mu.Lock()
	f, ok := e.filters[symbol]
	e.mu.Unlock()
	if ok {
		return f, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := e.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, false)
	if err != nil {
		return f, err
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return f, fmt.Errorf("解析交易规则失败: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, filter := range s.Filters {
			switch filter.FilterType {
			case "PRICE_FILTER":
				f.tickSize = parseDecimal(filter.TickSize)
			case "LOT_SIZE":
				f.stepSize = parseDecimal(filter.StepSize)
			}
		}
		e.mu.Lock()
		e.filters[symbol] = f
		e.mu.Unlock()
		e.logger.Info("成功获取并缓存了交易规则", zap.String("symbol", symbol),
			zap.Stringer("tickSize", f.tickSize), zap.Stringer("stepSize", f.stepSize))
		return f, nil
	}
	return f, fmt.Errorf("未找到交易对 %s 的信息", symbol)
}

func (e *LiveExchange) placeOrder(ctx context.Context, symbol string, side models.Side, orderType string, quantity, price decimal.Decimal) (apiOrder, string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", orderType)
	params.Set("quantity", quantity.String())
	params.Set("newClientOrderId", e.clientOrderID())
	params.Set("newOrderRespType", "RESULT")
	if orderType == "LIMIT" {
		params.Set("timeInForce", "GTC")
		params.Set("price", price.String())
	}

	var order apiOrder
	data, err := e.doRequest(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		e.logger.Error("下单请求失败，交易所返回错误", zap.Error(err), zap.String("raw_response", string(data)))
		return order, "", err
	}
	if err := json.Unmarshal(data, &order); err != nil {
		return order, "", fmt.Errorf("解析下单响应失败: %w", err)
	}
	return order, string(data), nil
}

// PlaceBuy 下限价买单, 数量按 LOT_SIZE 精度截断
func (e *LiveExchange) PlaceBuy(ctx context.Context, symbol string, price, notional decimal.Decimal) (*models.Trade, error) {
	f, err := e.symbolFilters(ctx, symbol)
	if err != nil {
		return nil, wrap("buy", symbol, err)
	}
	qty := notional.Div(price).Truncate(stepPrecision(f.stepSize))
	if !qty.IsPositive() {
		return nil, wrap("buy", symbol, fmt.Errorf("数量为0: notional=%s price=%s", notional, price))
	}

	order, raw, err := e.placeOrder(ctx, symbol, models.Buy, "LIMIT", qty, price)
	if err != nil {
		return nil, wrap("buy", symbol, err)
	}
	at := time.UnixMilli(order.TransactTime)
	trade := models.OpenTrade(symbol, price, qty, order.OrderID, price, at, raw)
	if executed := parseDecimal(order.ExecutedQty); !executed.IsZero() {
		if err := trade.MarkBought(at, price, raw); err != nil {
			return nil, err
		}
	}
	return trade, nil
}

// PlaceSell 下限价卖单, 价格按 PRICE_FILTER 精度取整
func (e *LiveExchange) PlaceSell(ctx context.Context, trade *models.Trade, price decimal.Decimal) error {
	if trade.Status != models.TradeBought {
		return fmt.Errorf("%w: 交易 %d 处于 %s, 不能挂卖单", models.ErrInvalidTransition, trade.BuyOrderID, trade.Status)
	}
	f, err := e.symbolFilters(ctx, trade.Symbol)
	if err != nil {
		return wrap("sell", trade.Symbol, err)
	}
	price = price.Round(stepPrecision(f.tickSize))

	order, raw, err := e.placeOrder(ctx, trade.Symbol, models.Sell, "LIMIT", trade.Quantity, price)
	if err != nil {
		return wrap("sell", trade.Symbol, err)
	}
	return trade.PlaceSell(order.OrderID, price, time.UnixMilli(order.TransactTime), raw)
}

// ForceMarketSell 市价卖出, 成交均价 = 成交额 / 成交量
func (e *LiveExchange) ForceMarketSell(ctx context.Context, symbol string, quantity decimal.Decimal) (models.Fill, error) {
	f, err := e.symbolFilters(ctx, symbol)
	if err != nil {
		return models.Fill{}, wrap("market sell", symbol, err)
	}
	quantity = quantity.Truncate(stepPrecision(f.stepSize))

	order, raw, err := e.placeOrder(ctx, symbol, models.Sell, "MARKET", quantity, decimal.Zero)
	if err != nil {
		return models.Fill{}, wrap("market sell", symbol, err)
	}
	executed := parseDecimal(order.ExecutedQty)
	if executed.IsZero() {
		return models.Fill{}, wrap("market sell", symbol, fmt.Errorf("市价单 %d 未成交", order.OrderID))
	}
	return models.Fill{
		Time:  time.UnixMilli(order.TransactTime),
		Price: parseDecimal(order.CummulativeQuoteQty).Div(executed),
		Raw:   raw,
	}, nil
}

// ListOrders 获取交易对最近的订单
func (e *LiveExchange) ListOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(listOrdersLimit))
	data, err := e.doRequest(ctx, http.MethodGet, "/api/v3/allOrders", params, true)
	if err != nil {
		return nil, wrap("list orders", symbol, err)
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, wrap("list orders", symbol, fmt.Errorf("解析订单列表失败: %w", err))
	}
	orders := make([]models.Order, 0, len(raws))
	for _, raw := range raws {
		var o apiOrder
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, wrap("list orders", symbol, fmt.Errorf("解析订单失败: %w", err))
		}
		orders = append(orders, o.toOrder(string(raw)))
	}
	return orders, nil
}

// CancelOrder 取消订单。
func (e *LiveExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	_, err := e.doRequest(ctx, http.MethodDelete, "/api/v3/order", params, true)
	return wrap("cancel", symbol, err)
}
