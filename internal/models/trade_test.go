package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestTrade() *Trade {
	return OpenTrade("BTCUSDT", d("10"), d("2"), 1, d("10"), time.Unix(0, 0), `{"orderId":1}`)
}

func TestTradeLifecycle(t *testing.T) {
	trade := newTestTrade()
	assert.Equal(t, TradeBuyOrder, trade.Status)

	now := time.Unix(60, 0)
	require.NoError(t, trade.MarkBought(now, d("10"), ""))
	assert.Equal(t, TradeBought, trade.Status)
	assert.True(t, trade.BoughtAmount.Equal(d("20")))
	assert.Equal(t, `{"orderId":1}`, trade.BuyRaw, "empty raw keeps the order response")

	require.NoError(t, trade.PlaceSell(2, d("11"), now, "{}"))
	assert.Equal(t, TradeSellOrder, trade.Status)
	assert.Equal(t, int64(2), trade.SellOrderID)

	require.NoError(t, trade.MarkSold(now.Add(time.Minute), d("11"), "{}"))
	assert.Equal(t, TradeSold, trade.Status)
	assert.False(t, trade.IsOpen())
}

func TestTradeRevenue(t *testing.T) {
	trade := newTestTrade()
	require.NoError(t, trade.MarkBought(time.Now(), d("10"), ""))
	require.NoError(t, trade.PlaceSell(2, d("11"), time.Now(), ""))
	require.NoError(t, trade.MarkSold(time.Now(), d("11"), ""))

	assert.True(t, trade.Revenue().Equal(d("1.916")), "got %s", trade.Revenue())
	assert.True(t, trade.RevenueAt(d("10")).Equal(d("-0.08")), "got %s", trade.RevenueAt(d("10")))
}

func TestTradeRevenueBeforeBought(t *testing.T) {
	trade := newTestTrade()
	assert.True(t, trade.RevenueAt(d("100")).IsZero())
	assert.True(t, trade.Revenue().IsZero())
}

func TestTradeInvalidTransitions(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(*Trade)
		call  func(*Trade) error
		want  TradeStatus
	}{
		{
			name: "sold from buy order",
			call: func(tr *Trade) error { return tr.MarkSold(time.Now(), d("11"), "") },
			want: TradeBuyOrder,
		},
		{
			name: "sell from buy order",
			call: func(tr *Trade) error { return tr.PlaceSell(2, d("11"), time.Now(), "") },
			want: TradeBuyOrder,
		},
		{
			name:  "bought twice",
			setup: func(tr *Trade) { _ = tr.MarkBought(time.Now(), d("10"), "") },
			call:  func(tr *Trade) error { return tr.MarkBought(time.Now(), d("9"), "") },
			want:  TradeBought,
		},
		{
			name:  "sold from bought",
			setup: func(tr *Trade) { _ = tr.MarkBought(time.Now(), d("10"), "") },
			call:  func(tr *Trade) error { return tr.MarkSold(time.Now(), d("11"), "") },
			want:  TradeBought,
		},
		{
			name: "forced from buy order",
			call: func(tr *Trade) error { return tr.ForceSold(time.Now(), d("9"), "") },
			want: TradeBuyOrder,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			trade := newTestTrade()
			if tc.setup != nil {
				tc.setup(trade)
			}
			err := tc.call(trade)
			require.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, tc.want, trade.Status)
		})
	}
}

func TestTradeForceSold(t *testing.T) {
	bought := newTestTrade()
	require.NoError(t, bought.MarkBought(time.Now(), d("10"), ""))
	require.NoError(t, bought.ForceSold(time.Now(), d("9"), "{}"))
	assert.Equal(t, TradeSold, bought.Status)
	assert.True(t, bought.Forced)
	assert.True(t, bought.Revenue().Equal(d("-2.076")), "got %s", bought.Revenue())

	selling := newTestTrade()
	require.NoError(t, selling.MarkBought(time.Now(), d("10"), ""))
	require.NoError(t, selling.PlaceSell(2, d("11"), time.Now(), ""))
	require.NoError(t, selling.ForceSold(time.Now(), d("9"), ""))
	assert.True(t, selling.SellPrice.Equal(d("9")))
}

func TestTradeJSONKeepsStatusName(t *testing.T) {
	trade := newTestTrade()
	require.NoError(t, trade.MarkBought(time.Unix(100, 0).UTC(), d("10"), ""))

	data, err := json.Marshal(trade)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"BOUGHT"`)

	var loaded Trade
	require.NoError(t, json.Unmarshal(data, &loaded))
	assert.Equal(t, TradeBought, loaded.Status)
	assert.True(t, loaded.BoughtAmount.Equal(d("20")))
}
