// Package feed 通过币安组合流订阅K线, 只转发已收盘的K线。
package feed

import (
	"binance-ladder-bot-go/internal/metrics"
	"binance-ladder-bot-go/internal/models"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	LiveStreamURL    = "wss://stream.binance.com:9443"
	TestnetStreamURL = "wss://testnet.binance.vision"

	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // 必须小于 pongWait
)

// Feed 是K线来源
type Feed interface {
	Klines() <-chan models.Kline
	Subscribe(symbols []string) error
}

// KlineListener 维持一个组合流连接, 断线后自动重连。
// 重新订阅时关闭当前连接, 由重连循环使用新的交易对列表。
type KlineListener struct {
	baseURL        string
	interval       string
	logger         *zap.Logger
	metrics        *metrics.Metrics
	out            chan models.Kline
	changed        chan struct{}
	reconnectDelay time.Duration

	mu      sync.Mutex
	symbols []string
	conn    *websocket.Conn
}

// NewKlineListener 创建监听器, queueSize 为K线队列的容量
func NewKlineListener(baseURL, interval string, queueSize int, logger *zap.Logger, m *metrics.Metrics) *KlineListener {
	return &KlineListener{
		baseURL:        strings.TrimRight(baseURL, "/"),
		interval:       interval,
		logger:         logger,
		metrics:        m,
		out:            make(chan models.Kline, queueSize),
		changed:        make(chan struct{}, 1),
		reconnectDelay: 5 * time.Second,
	}
}

func (l *KlineListener) Klines() <-chan models.Kline { return l.out }

// Subscribe 替换订阅的交易对
func (l *KlineListener) Subscribe(symbols []string) error {
	sorted := make([]string, len(symbols))
	copy(sorted, symbols)
	sort.Strings(sorted)

	l.mu.Lock()
	l.symbols = sorted
	conn := l.conn
	l.mu.Unlock()

	select {
	case l.changed <- struct{}{}:
	default:
	}
	if conn != nil {
		// 读取循环随之返回, 重连时使用新的订阅
		conn.Close()
	}
	l.logger.Info("K线订阅已更新", zap.Strings("symbols", sorted))
	return nil
}

func (l *KlineListener) currentSymbols() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.symbols
}

func (l *KlineListener) streamURL(symbols []string) string {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = fmt.Sprintf("%s@kline_%s", strings.ToLower(s), l.interval)
	}
	return fmt.Sprintf("%s/stream?streams=%s", l.baseURL, strings.Join(streams, "/"))
}

// Run 是维持连接和重连的循环, 直到 ctx 取消
func (l *KlineListener) Run(ctx context.Context) {
	for {
		symbols := l.currentSymbols()
		if len(symbols) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-l.changed:
				continue
			}
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.streamURL(symbols), nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("WebSocket连接失败, 稍后重试", zap.Error(err), zap.Duration("delay", l.reconnectDelay))
			if !l.wait(ctx) {
				return
			}
			continue
		}

		l.mu.Lock()
		stale := !slices.Equal(l.symbols, symbols)
		if !stale {
			l.conn = conn
		}
		l.mu.Unlock()
		if stale {
			// 连接建立期间订阅发生了变化
			conn.Close()
			continue
		}
		l.logger.Info("WebSocket连接成功", zap.Strings("symbols", symbols))

		err = l.handleMessages(ctx, conn)

		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			l.logger.Info("K线监听已停止")
			return
		}
		select {
		case <-l.changed:
			l.logger.Info("订阅变化, 立即重连")
			continue
		default:
		}
		l.logger.Warn("WebSocket连接已断开, 准备重连", zap.Error(err))
		if !l.wait(ctx) {
			return
		}
	}
}

func (l *KlineListener) wait(ctx context.Context) bool {
	timer := time.NewTimer(l.reconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-l.changed:
		return true
	case <-timer.C:
		return true
	}
}

// handleMessages 读取一个连接上的消息并维持心跳, 连接出错时返回
func (l *KlineListener) handleMessages(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					l.logger.Warn("发送Ping失败", zap.Error(err))
					return
				}
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}
		k, closed, err := parseKlineMessage(message)
		if err != nil {
			l.logger.Warn("解析K线消息失败", zap.Error(err), zap.ByteString("message", message))
			continue
		}
		if !closed {
			continue
		}
		select {
		case l.out <- k:
		default:
			l.metrics.QueueDropped()
			l.logger.Warn("K线队列已满, 丢弃K线", zap.String("symbol", k.Symbol), zap.Time("open_time", k.OpenTime))
		}
	}
}

type streamMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string `json:"s"`
		Kline  struct {
			OpenTime  int64           `json:"t"`
			CloseTime int64           `json:"T"`
			Symbol    string          `json:"s"`
			Open      decimal.Decimal `json:"o"`
			High      decimal.Decimal `json:"h"`
			Low       decimal.Decimal `json:"l"`
			Close     decimal.Decimal `json:"c"`
			Closed    bool            `json:"x"`
		} `json:"k"`
	} `json:"data"`
}

// parseKlineMessage 解析组合流中的K线事件, 第二个返回值表示该K线是否已收盘
func parseKlineMessage(message []byte) (models.Kline, bool, error) {
	var msg streamMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return models.Kline{}, false, err
	}
	k := msg.Data.Kline
	symbol := k.Symbol
	if symbol == "" {
		symbol = msg.Data.Symbol
	}
	if symbol == "" {
		return models.Kline{}, false, fmt.Errorf("消息中没有K线数据: stream=%q", msg.Stream)
	}
	return models.Kline{
		Symbol:    symbol,
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		CloseTime: time.UnixMilli(k.CloseTime).UTC(),
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
	}, k.Closed, nil
}
