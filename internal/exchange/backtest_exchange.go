package exchange

import (
	"binance-ladder-bot-go/internal/models"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// quantityPrecision 模拟交易所的数量精度
const quantityPrecision = 8

var errNoKline = errors.New("尚未设置当前K线")

// BacktestExchange 实现了 Exchange 接口，用于模拟交易所行为以进行回测。
// 限价单在当前K线的 [low, high] 覆盖其价格时成交, 否则留到之后的K线。
// 已撤销或成交已上报的订单会被移出订单表。
type BacktestExchange struct {
	mu          sync.Mutex
	kline       *models.Kline
	orders      map[int64]*models.Order // 挂单中以及成交尚未上报的订单
	filled      []int64 // 上次 ListOrders 之后成交的订单
	nextOrderID int64
}

// NewBacktestExchange 创建一个新的 BacktestExchange 实例。
func NewBacktestExchange() *BacktestExchange {
	return &BacktestExchange{
		orders:      make(map[int64]*models.Order),
		nextOrderID: 1,
	}
}

// SetKline 推进到新的K线, 并撮合所有被该K线价格区间覆盖的挂单
func (e *BacktestExchange) SetKline(k models.Kline) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.kline = &k

	var ids []int64
	for id, o := range e.orders {
		if o.Status == models.OrderNew && o.Symbol == k.Symbol && k.Contains(o.Price) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		e.fill(e.orders[id])
		e.filled = append(e.filled, id)
	}
}

func (e *BacktestExchange) fill(o *models.Order) {
	o.Status = models.OrderFilled
	o.ExecutedQty = o.OrigQty
	o.UpdateTime = e.kline.CloseTime
}

func (e *BacktestExchange) current(symbol string) (*models.Kline, error) {
	if e.kline == nil {
		return nil, errNoKline
	}
	if e.kline.Symbol != symbol {
		return nil, fmt.Errorf("当前K线属于 %s, 不是 %s", e.kline.Symbol, symbol)
	}
	return e.kline, nil
}

func (e *BacktestExchange) newOrder(symbol string, side models.Side, price, qty decimal.Decimal) *models.Order {
	o := &models.Order{
		Symbol:      symbol,
		Side:        side,
		Status:      models.OrderNew,
		OrderID:     e.nextOrderID,
		Price:       price,
		OrigQty:     qty,
		ExecutedQty: decimal.Zero,
		Time:        e.kline.CloseTime,
		UpdateTime:  e.kline.CloseTime,
	}
	e.nextOrderID++
	e.orders[o.OrderID] = o
	return o
}

// PlaceBuy 下限价买单, 价格落在当前K线内时立即成交
func (e *BacktestExchange) PlaceBuy(_ context.Context, symbol string, price, notional decimal.Decimal) (*models.Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	k, err := e.current(symbol)
	if err != nil {
		return nil, wrap("buy", symbol, err)
	}
	qty := notional.Div(price).Round(quantityPrecision)
	if !qty.IsPositive() {
		return nil, wrap("buy", symbol, fmt.Errorf("数量为0: notional=%s price=%s", notional, price))
	}

	o := e.newOrder(symbol, models.Buy, price, qty)
	trade := models.OpenTrade(symbol, price, qty, o.OrderID, price, k.CloseTime, "")
	if k.Contains(price) {
		// 立即成交直接体现在交易上, 不再上报
		e.fill(o)
		delete(e.orders, o.OrderID)
		if err := trade.MarkBought(k.CloseTime, price, ""); err != nil {
			return nil, err
		}
	}
	return trade, nil
}

// PlaceSell 下限价卖单, 成交结果在下一次 ListOrders 中返回
func (e *BacktestExchange) PlaceSell(_ context.Context, trade *models.Trade, price decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	k, err := e.current(trade.Symbol)
	if err != nil {
		return wrap("sell", trade.Symbol, err)
	}
	if err := trade.PlaceSell(e.nextOrderID, price, k.CloseTime, ""); err != nil {
		return err
	}
	o := e.newOrder(trade.Symbol, models.Sell, price, trade.Quantity)
	if k.Contains(price) {
		e.fill(o)
		e.filled = append(e.filled, o.OrderID)
	}
	return nil
}

// ForceMarketSell 以当前K线收盘价成交
func (e *BacktestExchange) ForceMarketSell(_ context.Context, symbol string, quantity decimal.Decimal) (models.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	k, err := e.current(symbol)
	if err != nil {
		return models.Fill{}, wrap("market sell", symbol, err)
	}
	o := e.newOrder(symbol, models.Sell, k.Close, quantity)
	e.fill(o)
	delete(e.orders, o.OrderID)
	return models.Fill{Time: k.CloseTime, Price: k.Close}, nil
}

// ListOrders 返回仍在挂单中的订单以及上次查询后成交的订单
func (e *BacktestExchange) ListOrders(_ context.Context, symbol string) ([]models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []models.Order
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status == models.OrderNew {
			out = append(out, *o)
		}
	}
	remaining := e.filled[:0]
	for _, id := range e.filled {
		o := e.orders[id]
		if o.Symbol != symbol {
			remaining = append(remaining, id)
			continue
		}
		out = append(out, *o)
		delete(e.orders, id)
	}
	e.filled = remaining

	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// CancelOrder 取消尚未成交的订单
func (e *BacktestExchange) CancelOrder(_ context.Context, symbol string, orderID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok || o.Symbol != symbol {
		return wrap("cancel", symbol, fmt.Errorf("订单 %d 不存在", orderID))
	}
	if o.Status != models.OrderNew {
		return wrap("cancel", symbol, fmt.Errorf("订单 %d 状态为 %s, 无法取消", orderID, o.Status))
	}
	delete(e.orders, orderID)
	return nil
}
