package ladder

import (
	"binance-ladder-bot-go/internal/models"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func prices(l *Ladder) []string {
	var out []string
	for _, p := range l.Positions() {
		out = append(out, p.Price().String())
	}
	return out
}

func trade(id int64, price string) *models.Trade {
	return models.OpenTrade("BTCUSDT", d(price), d("1"), id, d(price), time.Unix(0, 0), "")
}

func TestNewLadder(t *testing.T) {
	testCases := []struct {
		name           string
		min, max, step string
		want           []string
	}{
		{"exact steps", "10", "12", "1", []string{"10", "11", "12"}},
		{"overshoot appends max", "10", "12.5", "1", []string{"10", "11", "12", "12.5"}},
		{"fractional step", "0.1", "0.4", "0.1", []string{"0.1", "0.2", "0.3", "0.4"}},
		{"step larger than range", "1", "1.5", "2", []string{"1", "1.5"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l, err := New(d(tc.min), d(tc.max), d(tc.step))
			require.NoError(t, err)
			assert.Equal(t, tc.want, prices(l))
		})
	}
}

func TestNewLadderProperties(t *testing.T) {
	for _, step := range []string{"0.0001", "0.0003", "0.07", "0.5", "1.3"} {
		l, err := New(d("1"), d("3"), d(step))
		require.NoError(t, err)

		positions := l.Positions()
		assert.True(t, positions[0].Price().Equal(d("1")), step)
		assert.True(t, positions[len(positions)-1].Price().Equal(d("3")), step)
		for i := 1; i < len(positions); i++ {
			assert.True(t, positions[i-1].Price().LessThan(positions[i].Price()), "step %s index %d", step, i)
		}
	}
}

func TestNewLadderRejectsInvalidRange(t *testing.T) {
	_, err := New(d("12"), d("12"), d("1"))
	assert.ErrorIs(t, err, models.ErrInvalidSettings)

	_, err = New(d("12"), d("10"), d("1"))
	assert.ErrorIs(t, err, models.ErrInvalidSettings)

	_, err = New(d("10"), d("12"), d("0"))
	assert.ErrorIs(t, err, models.ErrInvalidSettings)
}

func TestEmptyInRange(t *testing.T) {
	l, err := New(d("10"), d("15"), d("1"))
	require.NoError(t, err)

	got := l.EmptyInRange(d("10.5"), d("13"))
	require.Len(t, got, 3)
	assert.True(t, got[0].Price().Equal(d("11")))
	assert.True(t, got[2].Price().Equal(d("13")))

	require.NoError(t, l.Assign(got[1], trade(1, "12")))
	got = l.EmptyInRange(d("10.5"), d("13"))
	assert.Len(t, got, 2)
}

func TestReconcileTieBreak(t *testing.T) {
	l, err := New(d("10"), d("12"), d("1"))
	require.NoError(t, err)

	tr := trade(1, "10.5")
	require.NoError(t, l.Reconcile([]*models.Trade{tr}))

	p := l.ByBuyOrderID(1)
	require.NotNil(t, p)
	assert.True(t, p.Price().Equal(d("11")))
	assert.True(t, tr.Price.Equal(d("11")), "recorded price snaps to the slot")
	assert.False(t, p.SellOnly())
}

func TestReconcileCreatesSellOnlySlot(t *testing.T) {
	l, err := New(d("10"), d("11"), d("1"))
	require.NoError(t, err)

	require.NoError(t, l.Reconcile([]*models.Trade{trade(1, "12")}))
	assert.Equal(t, []string{"10", "11", "12"}, prices(l))

	p := l.ByBuyOrderID(1)
	require.NotNil(t, p)
	assert.True(t, p.SellOnly())
	assert.Len(t, l.EmptyInRange(d("0"), d("100")), 2, "sell-only slot never offered for buying")
	assert.ErrorIs(t, l.Assign(p, trade(2, "12")), models.ErrSellOnlySlot)
}

func TestReconcileCollisions(t *testing.T) {
	l, err := New(d("10"), d("12"), d("1"))
	require.NoError(t, err)

	trades := []*models.Trade{trade(3, "11"), trade(1, "11"), trade(2, "12"), trade(4, "12")}
	require.NoError(t, l.Reconcile(trades))

	assert.True(t, l.ByBuyOrderID(1).Price().Equal(d("11")))
	assert.True(t, l.ByBuyOrderID(3).Price().Equal(d("12")))
	// 位置 12 已被占用, 后续交易都变成只卖位置
	assert.True(t, l.ByBuyOrderID(2).SellOnly())
	assert.True(t, l.ByBuyOrderID(4).SellOnly())
	assert.Len(t, l.Positions(), 5)
}

func TestReconcileIsIdempotent(t *testing.T) {
	l, err := New(d("10"), d("14"), d("1"))
	require.NoError(t, err)

	trades := []*models.Trade{trade(1, "13.2"), trade(2, "10.5"), trade(3, "11"), trade(4, "20")}
	require.NoError(t, l.Reconcile(trades))
	first := map[int64]string{}
	for _, tr := range trades {
		first[tr.BuyOrderID] = l.ByBuyOrderID(tr.BuyOrderID).Price().String()
	}
	firstLen := l.Len()

	require.NoError(t, l.Reconcile(trades))
	for _, tr := range trades {
		assert.Equal(t, first[tr.BuyOrderID], l.ByBuyOrderID(tr.BuyOrderID).Price().String())
	}
	assert.Equal(t, firstLen, l.Len())
}

func TestIndexFollowsMutations(t *testing.T) {
	l, err := New(d("10"), d("12"), d("1"))
	require.NoError(t, err)
	p := l.Positions()[0]
	tr := trade(7, "10")
	require.NoError(t, l.Assign(p, tr))
	assert.Same(t, p, l.ByBuyOrderID(7))
	assert.Nil(t, l.BySellOrderID(8))

	require.NoError(t, l.Update(p, func(t *models.Trade) error {
		if err := t.MarkBought(time.Now(), d("10"), ""); err != nil {
			return err
		}
		return t.PlaceSell(8, d("11"), time.Now(), "")
	}))
	assert.Same(t, p, l.BySellOrderID(8))

	released := l.Release(p)
	assert.Same(t, tr, released)
	assert.Nil(t, l.ByBuyOrderID(7))
	assert.Nil(t, l.BySellOrderID(8))
	assert.True(t, p.Empty())
}

func TestUpdateEmptySlot(t *testing.T) {
	l, err := New(d("10"), d("12"), d("1"))
	require.NoError(t, err)
	err = l.Update(l.Positions()[0], func(*models.Trade) error { return nil })
	assert.ErrorIs(t, err, models.ErrSlotEmpty)
}

func TestAssignOccupied(t *testing.T) {
	l, err := New(d("10"), d("12"), d("1"))
	require.NoError(t, err)
	p := l.Positions()[1]
	require.NoError(t, l.Assign(p, trade(1, "11")))
	assert.ErrorIs(t, l.Assign(p, trade(2, "11")), models.ErrSlotOccupied)
}

func TestRemove(t *testing.T) {
	l, err := New(d("10"), d("11"), d("1"))
	require.NoError(t, err)
	assert.ErrorIs(t, l.Remove(l.Positions()[0]), models.ErrSlotNotRemovable)

	require.NoError(t, l.Reconcile([]*models.Trade{trade(1, "15")}))
	p := l.ByBuyOrderID(1)
	assert.ErrorIs(t, l.Remove(p), models.ErrSlotNotRemovable, "occupied")

	l.Release(p)
	require.NoError(t, l.Remove(p))
	assert.Equal(t, []string{"10", "11"}, prices(l))
}

func TestOpenTradesAndInvestment(t *testing.T) {
	l, err := New(d("10"), d("12"), d("1"))
	require.NoError(t, err)
	positions := l.Positions()
	require.NoError(t, l.Assign(positions[0], trade(1, "10")))

	bought := trade(2, "11")
	require.NoError(t, bought.MarkBought(time.Now(), d("11"), ""))
	require.NoError(t, l.Assign(positions[1], bought))

	assert.Len(t, l.Trades(), 2)
	open := l.OpenTrades()
	require.Len(t, open, 1)
	assert.Same(t, bought, open[0])
	assert.True(t, l.Investment().Equal(d("11")))
}
