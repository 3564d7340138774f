package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CommissionRate 买卖双边各收取的手续费率 (0.2%)
var CommissionRate = decimal.RequireFromString("0.002")

// Trade 记录一个网格位置上从挂买单到卖出成交的完整生命周期
type Trade struct {
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"` // 所属网格位置的价格
	Quantity decimal.Decimal `json:"quantity"`
	Status   TradeStatus     `json:"status"`

	BuyOrderID   int64           `json:"buy_order_id"`
	BuyPrice     decimal.Decimal `json:"buy_price"`
	BuyOrderTime time.Time       `json:"buy_order_time"`
	BuyRaw       string          `json:"buy_raw,omitempty"`
	BoughtTime   time.Time       `json:"bought_time,omitempty"`
	BoughtAmount decimal.Decimal `json:"bought_amount"` // 在 BOUGHT 时固定

	SellOrderID   int64           `json:"sell_order_id,omitempty"`
	SellPrice     decimal.Decimal `json:"sell_price"`
	SellOrderTime time.Time       `json:"sell_order_time,omitempty"`
	SellRaw       string          `json:"sell_raw,omitempty"`
	SoldTime      time.Time       `json:"sold_time,omitempty"`
	Forced        bool            `json:"forced,omitempty"` // 止损强制卖出
}

// OpenTrade 创建一笔处于 BUY_ORDER 状态的新交易
func OpenTrade(symbol string, slotPrice, quantity decimal.Decimal, buyOrderID int64, buyPrice decimal.Decimal, at time.Time, raw string) *Trade {
	return &Trade{
		Symbol:       symbol,
		Price:        slotPrice,
		Quantity:     quantity,
		Status:       TradeBuyOrder,
		BuyOrderID:   buyOrderID,
		BuyPrice:     buyPrice,
		BuyOrderTime: at,
		BuyRaw:       raw,
	}
}

func (t *Trade) transition(from, to TradeStatus) error {
	if t.Status != from {
		return fmt.Errorf("%w: %s 交易 %d 处于 %s, 无法进入 %s", ErrInvalidTransition, t.Symbol, t.BuyOrderID, t.Status, to)
	}
	t.Status = to
	return nil
}

// MarkBought 买单成交, 以成交价固定买入金额
func (t *Trade) MarkBought(at time.Time, price decimal.Decimal, raw string) error {
	if err := t.transition(TradeBuyOrder, TradeBought); err != nil {
		return err
	}
	t.BoughtTime = at
	t.BuyPrice = price
	t.BoughtAmount = price.Mul(t.Quantity)
	if raw != "" {
		t.BuyRaw = raw
	}
	return nil
}

// PlaceSell 记录已挂出的卖单
func (t *Trade) PlaceSell(orderID int64, price decimal.Decimal, at time.Time, raw string) error {
	if err := t.transition(TradeBought, TradeSellOrder); err != nil {
		return err
	}
	t.SellOrderID = orderID
	t.SellPrice = price
	t.SellOrderTime = at
	t.SellRaw = raw
	return nil
}

// MarkSold 卖单成交
func (t *Trade) MarkSold(at time.Time, price decimal.Decimal, raw string) error {
	if err := t.transition(TradeSellOrder, TradeSold); err != nil {
		return err
	}
	t.SoldTime = at
	t.SellPrice = price
	if raw != "" {
		t.SellRaw = raw
	}
	return nil
}

// ForceSold 止损平仓, 允许从 BOUGHT 或 SELL_ORDER 直接进入 SOLD
func (t *Trade) ForceSold(at time.Time, price decimal.Decimal, raw string) error {
	if t.Status != TradeBought && t.Status != TradeSellOrder {
		return fmt.Errorf("%w: %s 交易 %d 处于 %s, 无法强制卖出", ErrInvalidTransition, t.Symbol, t.BuyOrderID, t.Status)
	}
	t.Status = TradeSold
	t.SoldTime = at
	t.SellPrice = price
	t.SellRaw = raw
	t.Forced = true
	return nil
}

// IsOpen 交易已持仓但尚未卖出
func (t *Trade) IsOpen() bool {
	return t.Status == TradeBought || t.Status == TradeSellOrder
}

// RevenueAt 计算在给定价格卖出的收益 (扣除双边手续费)。
// 仅在 BOUGHT 之后有意义, 之前返回 0。
func (t *Trade) RevenueAt(price decimal.Decimal) decimal.Decimal {
	if t.Status < TradeBought {
		return decimal.Zero
	}
	amount := price.Mul(t.Quantity)
	commission := CommissionRate.Mul(t.BoughtAmount.Add(amount))
	return amount.Sub(t.BoughtAmount).Sub(commission)
}

// Revenue 已实现收益
func (t *Trade) Revenue() decimal.Decimal {
	if t.Status != TradeSold {
		return decimal.Zero
	}
	return t.RevenueAt(t.SellPrice)
}
