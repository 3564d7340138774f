package exchange

import (
	"binance-ladder-bot-go/internal/models"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const exchangeInfoJSON = `{"symbols":[{"symbol":"BTCUSDT","filters":[
	{"filterType":"PRICE_FILTER","tickSize":"0.01000000"},
	{"filterType":"LOT_SIZE","stepSize":"0.00100000"}]}]}`

// fakeBinance 记录收到的下单参数并返回预设响应
type fakeBinance struct {
	sync.Mutex
	orderResponse string
	orderForms    []map[string]string
	infoCalls     int
}

func (f *fakeBinance) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/time", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"serverTime":1700000000000}`))
	})
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		f.Lock()
		f.infoCalls++
		f.Unlock()
		_, _ = w.Write([]byte(exchangeInfoJSON))
	})
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.NotEmpty(t, r.Header.Get("X-MBX-APIKEY"))
		assert.NotEmpty(t, r.Form.Get("signature"))
		if r.Method == http.MethodDelete {
			_, _ = w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
			return
		}
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		f.Lock()
		f.orderForms = append(f.orderForms, form)
		resp := f.orderResponse
		f.Unlock()
		_, _ = w.Write([]byte(resp))
	})
	mux.HandleFunc("/api/v3/allOrders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1000", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[
			{"symbol":"BTCUSDT","orderId":11,"price":"100.00","origQty":"0.1","executedQty":"0.1","status":"FILLED","side":"BUY","time":1700000000000,"updateTime":1700000060000},
			{"symbol":"BTCUSDT","orderId":12,"price":"101.00","origQty":"0.1","executedQty":"0","status":"CANCELED","side":"SELL","time":1700000000000,"updateTime":1700000120000}
		]`))
	})
	return mux
}

func newTestLiveExchange(t *testing.T, fake *fakeBinance) *LiveExchange {
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)
	ex, err := NewLiveExchange(context.Background(), "key", "secret", server.URL, zap.NewNop())
	require.NoError(t, err)
	return ex
}

func TestLiveExchangePlaceBuyPending(t *testing.T) {
	fake := &fakeBinance{orderResponse: `{"symbol":"BTCUSDT","orderId":42,"transactTime":1700000000000,"price":"30000","origQty":"0.003","executedQty":"0","status":"NEW","side":"BUY"}`}
	ex := newTestLiveExchange(t, fake)

	trade, err := ex.PlaceBuy(context.Background(), "BTCUSDT", d("30000"), d("100"))
	require.NoError(t, err)
	assert.Equal(t, models.TradeBuyOrder, trade.Status)
	assert.Equal(t, int64(42), trade.BuyOrderID)
	assert.True(t, trade.Quantity.Equal(d("0.003")), "quantity truncated to lot size, got %s", trade.Quantity)
	assert.Contains(t, trade.BuyRaw, `"orderId":42`)

	require.Len(t, fake.orderForms, 1)
	form := fake.orderForms[0]
	assert.Equal(t, "BUY", form["side"])
	assert.Equal(t, "LIMIT", form["type"])
	assert.Equal(t, "GTC", form["timeInForce"])
	assert.Equal(t, "0.003", form["quantity"])
	assert.Contains(t, form["newClientOrderId"], "ladder-")
}

func TestLiveExchangePlaceBuyImmediateFill(t *testing.T) {
	fake := &fakeBinance{orderResponse: `{"symbol":"BTCUSDT","orderId":43,"transactTime":1700000000000,"price":"100","origQty":"1","executedQty":"1","status":"FILLED","side":"BUY"}`}
	ex := newTestLiveExchange(t, fake)

	trade, err := ex.PlaceBuy(context.Background(), "BTCUSDT", d("100"), d("100"))
	require.NoError(t, err)
	assert.Equal(t, models.TradeBought, trade.Status)
	assert.True(t, trade.BoughtAmount.Equal(d("100")))
}

func TestLiveExchangePlaceSellRoundsPrice(t *testing.T) {
	fake := &fakeBinance{orderResponse: `{"symbol":"BTCUSDT","orderId":50,"transactTime":1700000000000,"price":"101.01","origQty":"1","executedQty":"0","status":"NEW","side":"SELL"}`}
	ex := newTestLiveExchange(t, fake)

	trade := models.OpenTrade("BTCUSDT", d("100"), d("1"), 7, d("100"), fakeTime(), "")
	require.NoError(t, trade.MarkBought(fakeTime(), d("100"), ""))

	require.NoError(t, ex.PlaceSell(context.Background(), trade, d("101.0123")))
	assert.Equal(t, models.TradeSellOrder, trade.Status)
	assert.Equal(t, int64(50), trade.SellOrderID)
	assert.True(t, trade.SellPrice.Equal(d("101.01")))
	assert.Equal(t, "101.01", fake.orderForms[0]["price"])
	assert.Equal(t, 1, fake.infoCalls)

	// 第二次下单使用缓存的交易规则
	other := models.OpenTrade("BTCUSDT", d("100"), d("1"), 8, d("100"), fakeTime(), "")
	require.NoError(t, other.MarkBought(fakeTime(), d("100"), ""))
	require.NoError(t, ex.PlaceSell(context.Background(), other, d("101")))
	assert.Equal(t, 1, fake.infoCalls)
}

func TestLiveExchangeForceMarketSell(t *testing.T) {
	fake := &fakeBinance{orderResponse: `{"symbol":"BTCUSDT","orderId":60,"transactTime":1700000000000,"executedQty":"2","cummulativeQuoteQty":"190","status":"FILLED","side":"SELL"}`}
	ex := newTestLiveExchange(t, fake)

	fill, err := ex.ForceMarketSell(context.Background(), "BTCUSDT", d("2"))
	require.NoError(t, err)
	assert.True(t, fill.Price.Equal(d("95")))
	assert.Equal(t, int64(1700000000000), fill.Time.UnixMilli())
	assert.Equal(t, "MARKET", fake.orderForms[0]["type"])
	assert.Empty(t, fake.orderForms[0]["price"])
}

func TestLiveExchangeListOrders(t *testing.T) {
	ex := newTestLiveExchange(t, &fakeBinance{})

	orders, err := ex.ListOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, models.OrderFilled, orders[0].Status)
	assert.Equal(t, models.Buy, orders[0].Side)
	assert.True(t, orders[0].Price.Equal(d("100")))
	assert.Contains(t, orders[0].Raw, `"orderId":11`)
	assert.True(t, orders[1].Status.Closed())
	assert.Equal(t, models.Sell, orders[1].Side)
}

func TestLiveExchangeAPIErrorIsWrapped(t *testing.T) {
	ex := newTestLiveExchange(t, &fakeBinance{})

	err := ex.CancelOrder(context.Background(), "BTCUSDT", 1)
	require.Error(t, err)
	var exErr *Error
	require.True(t, errors.As(err, &exErr))
	var apiErr *models.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, -2011, apiErr.Code)
}

func fakeTime() time.Time {
	return time.UnixMilli(1700000000000)
}
