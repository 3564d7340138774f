package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// GridScale 网格坐标的缩放倍数, 价格最多保留4位小数
const GridScale = 10000

var gridScale = decimal.NewFromInt(GridScale)

// BotSettings 是单个交易对的可重载配置
type BotSettings struct {
	Symbol      string          `json:"symbol" toml:"symbol"`
	Active      bool            `json:"active" toml:"active"`
	MinBuyPrice decimal.Decimal `json:"min_buy_price" toml:"min_buy_price"`
	MaxBuyPrice decimal.Decimal `json:"max_buy_price" toml:"max_buy_price"`
	StepPrice   decimal.Decimal `json:"step_price" toml:"step_price"`
	MinProfit   decimal.Decimal `json:"min_profit" toml:"min_profit"`     // 百分比
	KlineMargin decimal.Decimal `json:"kline_margin" toml:"kline_margin"` // 百分比
	StopLoss    decimal.Decimal `json:"stop_loss" toml:"stop_loss"`       // 0 表示不启用
	TradeAmount decimal.Decimal `json:"trade_amount" toml:"trade_amount"` // 每个网格的买入金额
}

// Validate 检查设置是否可以用于构建网格
func (s BotSettings) Validate() error {
	switch {
	case s.Symbol == "":
		return fmt.Errorf("%w: 交易对为空", ErrInvalidSettings)
	case !s.MinBuyPrice.LessThan(s.MaxBuyPrice):
		return fmt.Errorf("%w: %s min_buy_price %s 必须小于 max_buy_price %s", ErrInvalidSettings, s.Symbol, s.MinBuyPrice, s.MaxBuyPrice)
	case !s.StepPrice.IsPositive():
		return fmt.Errorf("%w: %s step_price 必须大于0", ErrInvalidSettings, s.Symbol)
	case !s.TradeAmount.IsPositive():
		return fmt.Errorf("%w: %s trade_amount 必须大于0", ErrInvalidSettings, s.Symbol)
	case s.MinProfit.IsNegative() || s.KlineMargin.IsNegative() || s.StopLoss.IsNegative():
		return fmt.Errorf("%w: %s min_profit/kline_margin/stop_loss 不能为负", ErrInvalidSettings, s.Symbol)
	}
	for _, f := range []struct {
		name  string
		value decimal.Decimal
	}{{"min_buy_price", s.MinBuyPrice}, {"max_buy_price", s.MaxBuyPrice}, {"step_price", s.StepPrice}} {
		if _, ok := ScalePrice(f.value); !ok {
			return fmt.Errorf("%w: %s %s %s 超过4位小数", ErrInvalidSettings, s.Symbol, f.name, f.value)
		}
	}
	return nil
}

// SameGrid 判断两份设置是否产生相同的网格
func (s BotSettings) SameGrid(o BotSettings) bool {
	return s.MinBuyPrice.Equal(o.MinBuyPrice) && s.MaxBuyPrice.Equal(o.MaxBuyPrice) && s.StepPrice.Equal(o.StepPrice)
}

// ScalePrice 将价格转换为网格坐标, 只有能精确表示时 ok 为 true
func ScalePrice(price decimal.Decimal) (int64, bool) {
	scaled := price.Mul(gridScale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return scaled.Round(0).IntPart(), false
	}
	return scaled.IntPart(), true
}

// UnscalePrice 是 ScalePrice 的逆运算
func UnscalePrice(coord int64) decimal.Decimal {
	return decimal.New(coord, -4)
}
