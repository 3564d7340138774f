package feed

import (
	"binance-ladder-bot-go/internal/metrics"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	openBar   = `{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1704067230000,"s":"BTCUSDT","k":{"t":1704067200000,"T":1704067259999,"s":"BTCUSDT","i":"1m","o":"42000.1","c":"42010.5","h":"42020","l":"41990","x":false}}}`
	closedBar = `{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1704067260000,"s":"BTCUSDT","k":{"t":1704067200000,"T":1704067259999,"s":"BTCUSDT","i":"1m","o":"42000.1","c":"42015.5","h":"42020","l":"41990","x":true}}}`
)

func TestParseKlineMessage(t *testing.T) {
	k, closed, err := parseKlineMessage([]byte(closedBar))
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, "BTCUSDT", k.Symbol)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), k.OpenTime)
	assert.Equal(t, "42015.5", k.Close.String())
	assert.Equal(t, "41990", k.Low.String())

	_, closed, err = parseKlineMessage([]byte(openBar))
	require.NoError(t, err)
	assert.False(t, closed)

	_, _, err = parseKlineMessage([]byte(`{"result":null,"id":1}`))
	assert.Error(t, err)
	_, _, err = parseKlineMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestStreamURL(t *testing.T) {
	l := NewKlineListener("wss://example.com/", "5m", 1, zap.NewNop(), nil)
	assert.Equal(t, "wss://example.com/stream?streams=btcusdt@kline_5m/ethusdt@kline_5m",
		l.streamURL([]string{"BTCUSDT", "ETHUSDT"}))
}

// streamServer 把每个连接的 streams 参数发送到 requests, 然后依次推送 messages
func streamServer(t *testing.T, messages ...string) (*httptest.Server, chan string) {
	requests := make(chan string, 10)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stream", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		requests <- r.URL.Query().Get("streams")
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestKlineListenerForwardsClosedBars(t *testing.T) {
	srv, requests := streamServer(t, openBar, closedBar)
	l := NewKlineListener(wsURL(srv), "1m", 4, zap.NewNop(), nil)
	require.NoError(t, l.Subscribe([]string{"BTCUSDT"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case streams := <-requests:
		assert.Equal(t, "btcusdt@kline_1m", streams)
	case <-time.After(5 * time.Second):
		t.Fatal("没有收到连接")
	}
	select {
	case k := <-l.Klines():
		assert.Equal(t, "BTCUSDT", k.Symbol)
		assert.Equal(t, "42015.5", k.Close.String())
	case <-time.After(5 * time.Second):
		t.Fatal("没有收到K线")
	}
	select {
	case k := <-l.Klines():
		t.Fatalf("未收盘的K线不应转发: %+v", k)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestKlineListenerResubscribes(t *testing.T) {
	srv, requests := streamServer(t)
	l := NewKlineListener(wsURL(srv), "1m", 4, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, l.Subscribe([]string{"BTCUSDT"}))
	select {
	case streams := <-requests:
		assert.Equal(t, "btcusdt@kline_1m", streams)
	case <-time.After(5 * time.Second):
		t.Fatal("没有收到连接")
	}

	require.NoError(t, l.Subscribe([]string{"ETHUSDT", "BTCUSDT"}))
	select {
	case streams := <-requests:
		assert.Equal(t, "btcusdt@kline_1m/ethusdt@kline_1m", streams)
	case <-time.After(5 * time.Second):
		t.Fatal("重新订阅后没有重连")
	}
}

func TestKlineListenerDropsWhenQueueFull(t *testing.T) {
	srv, _ := streamServer(t, closedBar, closedBar, closedBar)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	l := NewKlineListener(wsURL(srv), "1m", 1, zap.NewNop(), m)
	require.NoError(t, l.Subscribe([]string{"BTCUSDT"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		return droppedTotal(t, reg) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, l.Klines(), 1)
}

func droppedTotal(t *testing.T, reg *prometheus.Registry) float64 {
	families, err := reg.Gather()
	assert.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "ladder_queue_dropped_total" {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}
