package models

import "github.com/shopspring/decimal"

// Statistics 是单个机器人某一时刻的统计快照
type Statistics struct {
	Symbol            string          `json:"symbol"`
	Active            bool            `json:"active"`
	RealizedRevenue   decimal.Decimal `json:"realized_revenue"`
	RealizedTrades    int             `json:"realized_trades"`
	UnrealizedRevenue decimal.Decimal `json:"unrealized_revenue"`
	UnrealizedTrades  int             `json:"unrealized_trades"`
	MaxInvestment     decimal.Decimal `json:"max_investment"`
	LastPrice         decimal.Decimal `json:"last_price"`
	OutOfRange        bool            `json:"out_of_range"`
	NoFunds           bool            `json:"no_funds"`
}

// TotalRevenue 已实现与未实现收益之和
func (s Statistics) TotalRevenue() decimal.Decimal {
	return s.RealizedRevenue.Add(s.UnrealizedRevenue)
}
