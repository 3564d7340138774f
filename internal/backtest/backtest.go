// Package backtest 用历史K线并行回放多组参数, 每组参数使用独立的模拟交易所、存储和机器人。
package backtest

import (
	"binance-ladder-bot-go/internal/bot"
	"binance-ladder-bot-go/internal/exchange"
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/persistence"
	"binance-ladder-bot-go/internal/reporter"
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Candidate 是一组待回测的参数
type Candidate struct {
	RunID    string
	Settings models.BotSettings
}

// Result 是单个候选参数的回测结果, Err 不为空时其余字段为失败前的状态
type Result struct {
	RunID      string
	Settings   models.BotSettings
	Statistics models.Statistics
	Summary    reporter.Summary
	Trades     []*models.Trade
	Bars       int
	Err        error
}

func (r Result) Row() reporter.BacktestRow {
	return reporter.BacktestRow{
		Label:      fmt.Sprintf("min_profit=%s%% run=%s", r.Settings.MinProfit, shortID(r.RunID)),
		Statistics: r.Statistics,
		Summary:    r.Summary,
		Err:        r.Err,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Candidates 以 base 为基础, 为每个最小利润百分比生成一个候选
func Candidates(base models.BotSettings, minProfits []decimal.Decimal) []Candidate {
	out := make([]Candidate, 0, len(minProfits))
	for _, p := range minProfits {
		s := base
		s.Active = true
		s.MinProfit = p
		out = append(out, Candidate{RunID: uuid.NewString(), Settings: s})
	}
	return out
}

type Engine struct {
	workers int
	budget  decimal.Decimal
	logger  *zap.Logger
}

// New 创建回测引擎, budget 是每个候选可以使用的资金
func New(workers int, budget decimal.Decimal, logger *zap.Logger) *Engine {
	if workers <= 0 {
		workers = 1
	}
	return &Engine{workers: workers, budget: budget, logger: logger}
}

// Run 并行回放所有候选并按总收益降序返回结果, 失败的候选排在最后。
// 单个候选失败不影响其他候选。
func (e *Engine) Run(ctx context.Context, klines []models.Kline, candidates []Candidate) []Result {
	results := make([]Result, len(candidates))

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, c := range candidates {
		g.Go(func() error {
			results[i] = e.runCandidate(ctx, c, klines)
			return nil
		})
	}
	g.Wait()

	Rank(results)
	return results
}

// Rank 按总收益 (已实现 + 未实现) 降序排序, 失败的候选排在最后
func Rank(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if (results[i].Err == nil) != (results[j].Err == nil) {
			return results[i].Err == nil
		}
		return results[i].Statistics.TotalRevenue().GreaterThan(results[j].Statistics.TotalRevenue())
	})
}

func (e *Engine) runCandidate(ctx context.Context, c Candidate, klines []models.Kline) (result Result) {
	result = Result{RunID: c.RunID, Settings: c.Settings}
	logger := e.logger.With(zap.String("run_id", c.RunID), zap.Stringer("min_profit", c.Settings.MinProfit))

	defer func() {
		if p := recover(); p != nil {
			result.Err = fmt.Errorf("回测发生panic: %v", p)
			logger.Error("回测发生panic", zap.Any("panic", p), zap.Stack("stack"))
		}
	}()

	store, err := persistence.NewInMemoryBadgerStore()
	if err != nil {
		result.Err = err
		return result
	}
	defer store.Close()

	ex := exchange.NewBacktestExchange()
	var b *bot.Bot
	available := func() decimal.Decimal { return e.budget.Sub(b.Investment()) }
	b, err = bot.New(c.Settings, ex, store, available, logger)
	if err != nil {
		result.Err = err
		return result
	}
	defer func() {
		result.Statistics = b.Statistics()
		result.Trades = b.FinishedTrades()
		result.Summary = reporter.Summarize(result.Trades)
	}()

	for _, k := range klines {
		if err := ctx.Err(); err != nil {
			result.Err = err
			return result
		}
		ex.SetKline(k)
		if err := b.Process(ctx, k); err != nil {
			result.Err = fmt.Errorf("处理 %s 的K线失败: %w", k.OpenTime.Format("2006-01-02 15:04"), err)
			logger.Error("回测中止", zap.Error(result.Err))
			return result
		}
		result.Bars++
	}
	logger.Info("回测完成",
		zap.Int("bars", result.Bars),
		zap.Int("finished_trades", len(b.FinishedTrades())))
	return result
}
