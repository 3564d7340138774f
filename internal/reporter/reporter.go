package reporter

import (
	"binance-ladder-bot-go/internal/models"
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
)

// Summary 是一组已完成交易的绩效指标
type Summary struct {
	TotalTrades     int
	WinningTrades   int
	LosingTrades    int
	ForcedTrades    int
	WinRate         decimal.Decimal // 百分比
	AvgProfitLoss   decimal.Decimal // 平均盈利 / 平均亏损
	RealizedRevenue decimal.Decimal
	MaxDrawdown     decimal.Decimal // 已实现收益曲线的最大回撤 (计价资产)
}

// Summarize 根据已完成的交易计算绩效指标
func Summarize(trades []*models.Trade) Summary {
	s := Summary{
		WinRate:         decimal.Zero,
		AvgProfitLoss:   decimal.Zero,
		RealizedRevenue: decimal.Zero,
	}
	totalProfit, totalLoss := decimal.Zero, decimal.Zero
	for _, t := range trades {
		if t.Status != models.TradeSold {
			continue
		}
		s.TotalTrades++
		if t.Forced {
			s.ForcedTrades++
		}
		revenue := t.Revenue()
		s.RealizedRevenue = s.RealizedRevenue.Add(revenue)
		if revenue.IsPositive() {
			s.WinningTrades++
			totalProfit = totalProfit.Add(revenue)
		} else {
			s.LosingTrades++
			totalLoss = totalLoss.Add(revenue)
		}
	}

	if s.TotalTrades > 0 {
		s.WinRate = decimal.NewFromInt(int64(s.WinningTrades)).
			Div(decimal.NewFromInt(int64(s.TotalTrades))).
			Mul(decimal.NewFromInt(100))
	}
	if s.LosingTrades > 0 && s.WinningTrades > 0 {
		avgWin := totalProfit.Div(decimal.NewFromInt(int64(s.WinningTrades)))
		avgLoss := totalLoss.Div(decimal.NewFromInt(int64(s.LosingTrades))).Abs()
		if avgLoss.IsPositive() {
			s.AvgProfitLoss = avgWin.Div(avgLoss)
		}
	}
	s.MaxDrawdown = calculateMaxDrawdown(trades)
	return s
}

// calculateMaxDrawdown 按卖出时间累计收益, 返回峰值到谷值的最大跌幅
func calculateMaxDrawdown(trades []*models.Trade) decimal.Decimal {
	sold := make([]*models.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Status == models.TradeSold {
			sold = append(sold, t)
		}
	}
	sort.SliceStable(sold, func(i, j int) bool { return sold[i].SoldTime.Before(sold[j].SoldTime) })

	equity, peak, maxDrawdown := decimal.Zero, decimal.Zero, decimal.Zero
	for _, t := range sold {
		equity = equity.Add(t.Revenue())
		peak = decimal.Max(peak, equity)
		maxDrawdown = decimal.Max(maxDrawdown, peak.Sub(equity))
	}
	return maxDrawdown
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

// RenderStatistics 输出每个交易对的统计表和合计行
func RenderStatistics(w io.Writer, stats []models.Statistics) {
	t := newTable(w)
	t.AppendHeader(table.Row{"交易对", "状态", "最新价", "已实现", "笔数", "未实现", "笔数", "总收益", "最大投入", "备注"})

	realized, unrealized, total, investment := decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
	for _, s := range stats {
		state := "运行"
		if !s.Active {
			state = "停用"
		}
		var notes []string
		if s.OutOfRange {
			notes = append(notes, "超出区间")
		}
		if s.NoFunds {
			notes = append(notes, "资金不足")
		}
		t.AppendRow(table.Row{
			s.Symbol, state, s.LastPrice.String(),
			s.RealizedRevenue.StringFixed(4), s.RealizedTrades,
			s.UnrealizedRevenue.StringFixed(4), s.UnrealizedTrades,
			s.TotalRevenue().StringFixed(4), s.MaxInvestment.StringFixed(2),
			strings.Join(notes, ","),
		})
		realized = realized.Add(s.RealizedRevenue)
		unrealized = unrealized.Add(s.UnrealizedRevenue)
		total = total.Add(s.TotalRevenue())
		investment = investment.Add(s.MaxInvestment)
	}
	t.AppendFooter(table.Row{"合计", "", "", realized.StringFixed(4), "", unrealized.StringFixed(4), "", total.StringFixed(4), investment.StringFixed(2), ""})
	t.Render()
}

// BacktestRow 是回测结果表中的一行
type BacktestRow struct {
	Label      string
	Statistics models.Statistics
	Summary    Summary
	Err        error
}

// RenderBacktest 按给定顺序输出回测候选参数的结果
func RenderBacktest(w io.Writer, rows []BacktestRow) {
	t := newTable(w)
	t.AppendHeader(table.Row{"#", "参数", "总收益", "已实现", "未实现", "交易次数", "胜率", "止损", "最大回撤", "最大投入", "错误"})
	for i, r := range rows {
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		t.AppendRow(table.Row{
			i + 1, r.Label,
			r.Statistics.TotalRevenue().StringFixed(4),
			r.Statistics.RealizedRevenue.StringFixed(4),
			r.Statistics.UnrealizedRevenue.StringFixed(4),
			r.Summary.TotalTrades,
			r.Summary.WinRate.StringFixed(2) + "%",
			r.Summary.ForcedTrades,
			r.Summary.MaxDrawdown.StringFixed(4),
			r.Statistics.MaxInvestment.StringFixed(2),
			errText,
		})
	}
	t.Render()
}
