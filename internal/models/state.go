package models

import "fmt"

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// TradeStatus 是单笔网格交易的生命周期状态，只能单向前进
type TradeStatus int

const (
	TradeBuyOrder  TradeStatus = iota + 1 // 买单已挂出
	TradeBought                           // 买单已成交
	TradeSellOrder                        // 卖单已挂出
	TradeSold                             // 卖单已成交, 交易结束
)

var tradeStatusNames = map[TradeStatus]string{
	TradeBuyOrder:  "BUY_ORDER",
	TradeBought:    "BOUGHT",
	TradeSellOrder: "SELL_ORDER",
	TradeSold:      "SOLD",
}

func (s TradeStatus) String() string {
	if name, ok := tradeStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TradeStatus(%d)", int(s))
}

// MarshalText 以名称形式持久化状态
func (s TradeStatus) MarshalText() ([]byte, error) {
	if _, ok := tradeStatusNames[s]; !ok {
		return nil, fmt.Errorf("未知的交易状态: %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *TradeStatus) UnmarshalText(text []byte) error {
	status, err := ParseTradeStatus(string(text))
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// ParseTradeStatus 将名称解析为状态
func ParseTradeStatus(name string) (TradeStatus, error) {
	for status, n := range tradeStatusNames {
		if n == name {
			return status, nil
		}
	}
	return 0, fmt.Errorf("未知的交易状态: %q", name)
}
