package exchange

import (
	"binance-ladder-bot-go/internal/models"
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Exchange 定义了机器人需要的交易所能力。
// 真实交易和回测各有一个实现, 机器人不区分两者。
type Exchange interface {
	// PlaceBuy 以 notional/price 的数量挂限价买单, 立即成交时返回的交易已处于 BOUGHT
	PlaceBuy(ctx context.Context, symbol string, price, notional decimal.Decimal) (*models.Trade, error)
	// PlaceSell 挂限价卖单并把交易推进到 SELL_ORDER, 失败时交易保持不变
	PlaceSell(ctx context.Context, trade *models.Trade, price decimal.Decimal) error
	// ForceMarketSell 市价卖出, 只用于止损
	ForceMarketSell(ctx context.Context, symbol string, quantity decimal.Decimal) (models.Fill, error)
	ListOrders(ctx context.Context, symbol string) ([]models.Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
}

// Error 包装交易所调用失败, 与状态机错误区分开
type Error struct {
	Op     string
	Symbol string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("交易所操作 %s %s 失败: %v", e.Op, e.Symbol, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op, symbol string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Symbol: symbol, Err: err}
}
