// Package runner 在单个控制协程中驱动所有交易对的机器人:
// 定期重新加载设置, 从行情队列取K线分发给对应的机器人, 定期输出统计。
package runner

import (
	"binance-ladder-bot-go/internal/bot"
	"binance-ladder-bot-go/internal/exchange"
	"binance-ladder-bot-go/internal/feed"
	"binance-ladder-bot-go/internal/metrics"
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/persistence"
	"binance-ladder-bot-go/internal/reporter"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config 运行器参数
type Config struct {
	TotalCapital   decimal.Decimal // 所有机器人共享的资金
	ReloadSchedule string          // cron 表达式, 例如 "@every 1m"
	ReportSchedule string
	PollTimeout    time.Duration
	Output         io.Writer // 统计表输出, 默认 os.Stdout
	Metrics        *metrics.Metrics
}

type Runner struct {
	store       persistence.Store
	exchange    exchange.Exchange
	feed        feed.Feed
	logger      *zap.Logger
	metrics     *metrics.Metrics
	total       decimal.Decimal
	reload      cron.Schedule
	report      cron.Schedule
	pollTimeout time.Duration
	out         io.Writer
	now         func() time.Time

	bots       map[string]*bot.Bot
	subscribed []string
	nextReload time.Time
	nextReport time.Time

	mu         sync.RWMutex
	snapshot   []models.Statistics
	snapshotAt time.Time
}

func New(cfg Config, store persistence.Store, ex exchange.Exchange, f feed.Feed, logger *zap.Logger) (*Runner, error) {
	reload, err := cron.ParseStandard(cfg.ReloadSchedule)
	if err != nil {
		return nil, fmt.Errorf("解析重新加载周期 %q 失败: %w", cfg.ReloadSchedule, err)
	}
	report, err := cron.ParseStandard(cfg.ReportSchedule)
	if err != nil {
		return nil, fmt.Errorf("解析统计周期 %q 失败: %w", cfg.ReportSchedule, err)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	return &Runner{
		store:       store,
		exchange:    ex,
		feed:        f,
		logger:      logger,
		metrics:     cfg.Metrics,
		total:       cfg.TotalCapital,
		reload:      reload,
		report:      report,
		pollTimeout: cfg.PollTimeout,
		out:         cfg.Output,
		now:         time.Now,
		bots:        make(map[string]*bot.Bot),
	}, nil
}

// Available 是总资金减去所有机器人当前的投入
func (r *Runner) Available() decimal.Decimal {
	available := r.total
	for _, b := range r.bots {
		available = available.Sub(b.Investment())
	}
	return available
}

// Run 运行主循环直到 ctx 取消
func (r *Runner) Run(ctx context.Context) error {
	r.nextReport = r.report.Next(r.now())
	for {
		if ctx.Err() != nil {
			r.logger.Info("运行器已停止")
			return nil
		}
		if now := r.now(); !now.Before(r.nextReload) {
			r.reloadSettings()
			r.nextReload = r.reload.Next(now)
		}
		if err := r.poll(ctx); err != nil {
			return err
		}
		if now := r.now(); !now.Before(r.nextReport) {
			r.reportStatistics()
			r.nextReport = r.report.Next(now)
		}
	}
}

// poll 在超时时间内最多取一根K线并分发
func (r *Runner) poll(ctx context.Context) error {
	timer := time.NewTimer(r.pollTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case k, ok := <-r.feed.Klines():
		if !ok {
			return errors.New("K线队列已关闭")
		}
		r.dispatch(ctx, k)
	}
	return nil
}

// dispatch 把K线交给对应的机器人。单个交易对的失败只记录日志, 不影响其他交易对。
func (r *Runner) dispatch(ctx context.Context, k models.Kline) {
	b, ok := r.bots[k.Symbol]
	if !ok {
		r.logger.Debug("没有机器人处理该K线", zap.String("symbol", k.Symbol))
		return
	}

	defer func() {
		if p := recover(); p != nil {
			r.metrics.BarFailed(k.Symbol, "panic")
			r.logger.Error("处理K线时发生panic", zap.String("symbol", k.Symbol), zap.Any("panic", p), zap.Stack("stack"))
		}
	}()

	if err := b.Process(ctx, k); err != nil {
		var exErr *exchange.Error
		if errors.As(err, &exErr) {
			r.metrics.BarFailed(k.Symbol, "adapter")
			r.logger.Warn("交易所调用失败, 跳过该K线", zap.String("symbol", k.Symbol), zap.Time("open_time", k.OpenTime), zap.Error(err))
			return
		}
		r.metrics.BarFailed(k.Symbol, "invariant")
		r.logger.Error("处理K线失败", zap.String("symbol", k.Symbol), zap.Time("open_time", k.OpenTime), zap.Error(err))
		return
	}
	r.metrics.BarProcessed(k.Symbol)
}

// reloadSettings 从存储重新加载所有设置: 新激活的交易对创建机器人, 已有的机器人应用新设置,
// 订阅列表变化时重新订阅。无效的设置只跳过对应的交易对。
func (r *Runner) reloadSettings() {
	rows, err := r.store.Settings()
	if err != nil {
		r.logger.Error("加载设置失败", zap.Error(err))
		return
	}

	for _, s := range rows {
		if b, ok := r.bots[s.Symbol]; ok {
			if err := b.LoadSettings(s); err != nil {
				r.logger.Error("应用设置失败, 保留原设置", zap.String("symbol", s.Symbol), zap.Error(err))
			}
			continue
		}
		if !s.Active {
			continue
		}
		b, err := bot.New(s, r.exchange, r.store, r.Available, r.logger, bot.WithMetrics(r.metrics))
		if err != nil {
			r.logger.Error("创建机器人失败", zap.String("symbol", s.Symbol), zap.Error(err))
			continue
		}
		r.bots[s.Symbol] = b
	}

	symbols := make([]string, 0, len(r.bots))
	for symbol := range r.bots {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	if slices.Equal(symbols, r.subscribed) {
		return
	}
	if err := r.feed.Subscribe(symbols); err != nil {
		r.logger.Error("重新订阅K线失败", zap.Strings("symbols", symbols), zap.Error(err))
		return
	}
	r.logger.Info("K线订阅已变更", zap.Strings("from", r.subscribed), zap.Strings("to", symbols))
	r.subscribed = symbols
}

// Statistics 返回按交易对排序的统计
func (r *Runner) Statistics() []models.Statistics {
	stats := make([]models.Statistics, 0, len(r.bots))
	for _, b := range r.bots {
		stats = append(stats, b.Statistics())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Symbol < stats[j].Symbol })
	return stats
}

func (r *Runner) reportStatistics() {
	stats := r.Statistics()
	reporter.RenderStatistics(r.out, stats)
	r.metrics.ObserveStatistics(stats)

	r.mu.Lock()
	r.snapshot = stats
	r.snapshotAt = r.now()
	r.mu.Unlock()
}

// Snapshot 返回最近一次输出的统计, 可在其他协程中调用
func (r *Runner) Snapshot() ([]models.Statistics, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot, r.snapshotAt
}
