package exchange

import (
	"binance-ladder-bot-go/internal/models"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func kline(minute int, low, high, close string) models.Kline {
	open := time.Date(2024, 1, 1, 0, minute, 0, 0, time.UTC)
	return models.Kline{
		Symbol:    "BTCUSDT",
		OpenTime:  open,
		CloseTime: open.Add(time.Minute - time.Millisecond),
		Open:      d(close),
		High:      d(high),
		Low:       d(low),
		Close:     d(close),
	}
}

func TestBacktestExchangeRequiresKline(t *testing.T) {
	ex := NewBacktestExchange()
	_, err := ex.PlaceBuy(context.Background(), "BTCUSDT", d("10"), d("100"))
	var exErr *Error
	require.True(t, errors.As(err, &exErr))
	assert.Equal(t, "buy", exErr.Op)
}

func TestBacktestExchangeImmediateBuyFill(t *testing.T) {
	ex := NewBacktestExchange()
	ex.SetKline(kline(0, "9", "11", "10"))

	trade, err := ex.PlaceBuy(context.Background(), "BTCUSDT", d("9.5"), d("19"))
	require.NoError(t, err)
	assert.Equal(t, models.TradeBought, trade.Status)
	assert.True(t, trade.Quantity.Equal(d("2")))
	assert.True(t, trade.BoughtAmount.Equal(d("19")))

	outside, err := ex.PlaceBuy(context.Background(), "BTCUSDT", d("8"), d("16"))
	require.NoError(t, err)
	assert.Equal(t, models.TradeBuyOrder, outside.Status)

	orders, err := ex.ListOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 1, "immediate fills are reported on the trade itself")
	assert.Equal(t, outside.BuyOrderID, orders[0].OrderID)
	assert.Equal(t, models.OrderNew, orders[0].Status)
}

func TestBacktestExchangeFillsOnLaterKline(t *testing.T) {
	ex := NewBacktestExchange()
	ctx := context.Background()
	ex.SetKline(kline(0, "10", "11", "10.5"))

	trade, err := ex.PlaceBuy(ctx, "BTCUSDT", d("9"), d("18"))
	require.NoError(t, err)
	require.Equal(t, models.TradeBuyOrder, trade.Status)

	ex.SetKline(kline(1, "8.5", "10", "9.5"))
	orders, err := ex.ListOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, models.OrderFilled, orders[0].Status)
	assert.Equal(t, models.Buy, orders[0].Side)
	assert.True(t, orders[0].ExecutedQty.Equal(d("2")))

	again, err := ex.ListOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, again, "a fill is reported once")
}

func TestBacktestExchangeSellFlow(t *testing.T) {
	ex := NewBacktestExchange()
	ctx := context.Background()
	ex.SetKline(kline(0, "9", "10", "9.5"))

	trade, err := ex.PlaceBuy(ctx, "BTCUSDT", d("9"), d("18"))
	require.NoError(t, err)
	require.Equal(t, models.TradeBought, trade.Status)

	require.NoError(t, ex.PlaceSell(ctx, trade, d("12")))
	assert.Equal(t, models.TradeSellOrder, trade.Status)

	ex.SetKline(kline(1, "11", "12.5", "12"))
	orders, err := ex.ListOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, trade.SellOrderID, orders[0].OrderID)
	assert.Equal(t, models.OrderFilled, orders[0].Status)
	assert.Equal(t, ex.kline.CloseTime, orders[0].UpdateTime)
}

func TestBacktestExchangeRejectsSellFromWrongState(t *testing.T) {
	ex := NewBacktestExchange()
	ex.SetKline(kline(0, "10", "11", "10.5"))
	trade, err := ex.PlaceBuy(context.Background(), "BTCUSDT", d("5"), d("10"))
	require.NoError(t, err)

	err = ex.PlaceSell(context.Background(), trade, d("6"))
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, models.TradeBuyOrder, trade.Status)
}

func TestBacktestExchangeMarketSellAndCancel(t *testing.T) {
	ex := NewBacktestExchange()
	ctx := context.Background()
	ex.SetKline(kline(0, "10", "11", "10.5"))

	trade, err := ex.PlaceBuy(ctx, "BTCUSDT", d("5"), d("10"))
	require.NoError(t, err)
	require.NoError(t, ex.CancelOrder(ctx, "BTCUSDT", trade.BuyOrderID))
	assert.Error(t, ex.CancelOrder(ctx, "BTCUSDT", trade.BuyOrderID), "already canceled")
	assert.Error(t, ex.CancelOrder(ctx, "BTCUSDT", 999))

	fill, err := ex.ForceMarketSell(ctx, "BTCUSDT", d("3"))
	require.NoError(t, err)
	assert.True(t, fill.Price.Equal(d("10.5")))
	assert.Equal(t, ex.kline.CloseTime, fill.Time)
}

func TestBacktestExchangeForgetsSettledOrders(t *testing.T) {
	ex := NewBacktestExchange()
	ctx := context.Background()
	ex.SetKline(kline(0, "10", "11", "10.5"))

	filled, err := ex.PlaceBuy(ctx, "BTCUSDT", d("10.5"), d("21"))
	require.NoError(t, err)
	require.Equal(t, models.TradeBought, filled.Status)
	pending, err := ex.PlaceBuy(ctx, "BTCUSDT", d("9"), d("18"))
	require.NoError(t, err)
	canceled, err := ex.PlaceBuy(ctx, "BTCUSDT", d("8"), d("16"))
	require.NoError(t, err)
	_, err = ex.ForceMarketSell(ctx, "BTCUSDT", d("1"))
	require.NoError(t, err)
	require.NoError(t, ex.CancelOrder(ctx, "BTCUSDT", canceled.BuyOrderID))
	assert.Len(t, ex.orders, 1, "only the pending buy is still tracked")

	ex.SetKline(kline(1, "8.5", "9.5", "9"))
	assert.Len(t, ex.orders, 1, "fill not reported yet")
	orders, err := ex.ListOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, pending.BuyOrderID, orders[0].OrderID)
	assert.Empty(t, ex.orders)

	ex.SetKline(kline(2, "7", "12", "9"))
	again, err := ex.ListOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, again)
}
