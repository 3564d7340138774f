package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Config 结构体定义了运行器的所有配置参数
type Config struct {
	IsTestnet      bool           `json:"is_testnet" toml:"is_testnet"`           // 是否使用测试网
	APIKey         string         `json:"-" toml:"-"`                             // 仅从环境变量读取
	SecretKey      string         `json:"-" toml:"-"`                             // 仅从环境变量读取
	BaseURL        string         `json:"base_url" toml:"base_url"`               // REST API基础地址, 为空时按 is_testnet 选择
	WSBaseURL      string         `json:"ws_base_url" toml:"ws_base_url"`         // WebSocket基础地址, 为空时按 is_testnet 选择
	KlineInterval  string         `json:"kline_interval" toml:"kline_interval"`   // K线周期, 默认 1m
	Store          StoreConfig    `json:"store" toml:"store"`                     // 持久化配置
	ReloadSchedule string         `json:"reload_schedule" toml:"reload_schedule"` // 重新加载设置的周期 (cron 表达式)
	ReportSchedule string         `json:"report_schedule" toml:"report_schedule"` // 打印统计的周期 (cron 表达式)
	PollTimeoutMs  int            `json:"poll_timeout_ms" toml:"poll_timeout_ms"` // 从队列取K线的超时时间
	QueueSize      int            `json:"queue_size" toml:"queue_size"`           // K线队列容量
	MetricsAddr    string         `json:"metrics_addr" toml:"metrics_addr"`       // 状态服务监听地址, 为空则不启动
	LogConfig      LogConfig      `json:"log" toml:"log"`
	Backtest       BacktestConfig `json:"backtest" toml:"backtest"`
}

// StoreConfig 定义了交易与设置的存储方式
type StoreConfig struct {
	Driver string `json:"driver" toml:"driver"` // "badger" 或 "sqlite"
	Path   string `json:"path" toml:"path"`
}

// BacktestConfig 回测引擎特定配置
type BacktestConfig struct {
	Workers int             `json:"workers" toml:"workers"`   // 并行回测的候选数量
	Budget  decimal.Decimal `json:"budget" toml:"budget"`     // 每个候选可用的资金
	DataDir string          `json:"data_dir" toml:"data_dir"` // 历史K线缓存目录
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" toml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" toml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" toml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" toml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" toml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" toml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" toml:"compress"`       // 是否压缩旧日志文件
}

// PollTimeout 返回队列轮询超时
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMs) * time.Millisecond
}

// Kline 代表一根已收盘的K线
type Kline struct {
	Symbol    string          `json:"symbol"`
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
}

// Contains 判断价格是否在K线的 [low, high] 区间内
func (k Kline) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(k.Low) && price.LessThanOrEqual(k.High)
}

// OrderStatus 交易所订单状态
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderExpired         OrderStatus = "EXPIRED"
	OrderRejected        OrderStatus = "REJECTED"
)

// Closed 表示订单未成交就已结束
func (s OrderStatus) Closed() bool {
	return s == OrderCanceled || s == OrderExpired || s == OrderRejected
}

// Order 定义了交易所返回的订单信息
type Order struct {
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Status      OrderStatus     `json:"status"`
	OrderID     int64           `json:"order_id"`
	Price       decimal.Decimal `json:"price"`
	OrigQty     decimal.Decimal `json:"orig_qty"`
	ExecutedQty decimal.Decimal `json:"executed_qty"`
	Time        time.Time       `json:"time"`
	UpdateTime  time.Time       `json:"update_time"`
	Raw         string          `json:"raw,omitempty"`
}

// Fill 是市价卖出的成交结果
type Fill struct {
	Time  time.Time
	Price decimal.Decimal
	Raw   string
}

// Error 定义了币安API返回的错误信息结构
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 BinanceError 实现了 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}
