package ladder

import (
	"binance-ladder-bot-go/internal/models"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var gridScale = decimal.NewFromInt(models.GridScale)

// Position 是网格中的一个价格位置, 最多持有一笔未完成的交易
type Position struct {
	coord    int64
	price    decimal.Decimal
	trade    *models.Trade
	sellOnly bool
}

func (p *Position) Price() decimal.Decimal { return p.price }
func (p *Position) Trade() *models.Trade   { return p.trade }
func (p *Position) SellOnly() bool         { return p.sellOnly }
func (p *Position) Empty() bool            { return p.trade == nil }

// Ladder 是按价格升序排列的网格位置集合。
// 订单ID索引随每次交易的分配、释放和更新同步维护。
type Ladder struct {
	positions []*Position
	byBuyID   map[int64]*Position
	bySellID  map[int64]*Position
}

// New 构建 [min, max] 区间、步长为 step 的网格, 两端都包含在内。
// 如果最后一步越过 max, 则以 max 作为最后一个位置。
func New(min, max, step decimal.Decimal) (*Ladder, error) {
	if !min.LessThan(max) {
		return nil, fmt.Errorf("%w: 最低价 %s 必须小于最高价 %s", models.ErrInvalidSettings, min, max)
	}
	minC, okMin := models.ScalePrice(min)
	maxC, okMax := models.ScalePrice(max)
	stepC, okStep := models.ScalePrice(step)
	if !okMin || !okMax || !okStep || stepC <= 0 {
		return nil, fmt.Errorf("%w: 网格参数 min=%s max=%s step=%s 无法精确表示", models.ErrInvalidSettings, min, max, step)
	}

	l := &Ladder{
		byBuyID:  make(map[int64]*Position),
		bySellID: make(map[int64]*Position),
	}
	for c := minC; c < maxC; c += stepC {
		l.positions = append(l.positions, &Position{coord: c, price: models.UnscalePrice(c)})
	}
	l.positions = append(l.positions, &Position{coord: maxC, price: max})
	return l, nil
}

// Positions 返回所有位置的快照 (升序)
func (l *Ladder) Positions() []*Position {
	out := make([]*Position, len(l.positions))
	copy(out, l.positions)
	return out
}

func (l *Ladder) Len() int { return len(l.positions) }

// EmptyInRange 返回价格在 [min, max] 内且没有交易的普通位置, 升序
func (l *Ladder) EmptyInRange(min, max decimal.Decimal) []*Position {
	lo := min.Mul(gridScale).Ceil().IntPart()
	hi := max.Mul(gridScale).Floor().IntPart()
	var out []*Position
	for _, p := range l.positions {
		if p.coord > hi {
			break
		}
		if p.coord < lo || p.trade != nil || p.sellOnly {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (l *Ladder) ByBuyOrderID(id int64) *Position  { return l.byBuyID[id] }
func (l *Ladder) BySellOrderID(id int64) *Position { return l.bySellID[id] }

// Assign 将交易放入空的普通位置
func (l *Ladder) Assign(p *Position, t *models.Trade) error {
	if p.sellOnly {
		return fmt.Errorf("%w: %s", models.ErrSellOnlySlot, p.price)
	}
	return l.place(p, t)
}

func (l *Ladder) place(p *Position, t *models.Trade) error {
	if p.trade != nil {
		return fmt.Errorf("%w: %s", models.ErrSlotOccupied, p.price)
	}
	p.trade = t
	l.index(p)
	return nil
}

// Release 清空位置并返回原来的交易
func (l *Ladder) Release(p *Position) *models.Trade {
	t := p.trade
	if t == nil {
		return nil
	}
	l.unindex(p)
	p.trade = nil
	return t
}

// Update 在修改交易 (可能改变订单ID) 的同时维护索引
func (l *Ladder) Update(p *Position, fn func(*models.Trade) error) error {
	if p.trade == nil {
		return fmt.Errorf("%w: %s", models.ErrSlotEmpty, p.price)
	}
	l.unindex(p)
	defer l.index(p)
	return fn(p.trade)
}

// Remove 删除一个已经清空的只卖位置
func (l *Ladder) Remove(p *Position) error {
	if !p.sellOnly || p.trade != nil {
		return fmt.Errorf("%w: %s", models.ErrSlotNotRemovable, p.price)
	}
	for i, q := range l.positions {
		if q == p {
			l.positions = append(l.positions[:i], l.positions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s 不在网格中", models.ErrSlotNotRemovable, p.price)
}

// Trades 返回所有位置上的交易
func (l *Ladder) Trades() []*models.Trade {
	var out []*models.Trade
	for _, p := range l.positions {
		if p.trade != nil {
			out = append(out, p.trade)
		}
	}
	return out
}

// OpenTrades 返回已成交买入 (状态 >= BOUGHT) 的交易
func (l *Ladder) OpenTrades() []*models.Trade {
	var out []*models.Trade
	for _, p := range l.positions {
		if p.trade != nil && p.trade.Status >= models.TradeBought {
			out = append(out, p.trade)
		}
	}
	return out
}

// Investment 是所有已买入交易的买入金额之和
func (l *Ladder) Investment() decimal.Decimal {
	sum := decimal.Zero
	for _, t := range l.OpenTrades() {
		sum = sum.Add(t.BoughtAmount)
	}
	return sum
}

// Reconcile 清空网格后把交易重新放回位置上:
// 按记录价格升序, 每笔交易放入价格 >= 记录价格的最低空位置, 并把记录价格对齐到该位置;
// 找不到时在原价格上新建只卖位置。重复调用结果相同。
func (l *Ladder) Reconcile(trades []*models.Trade) error {
	l.reset()

	sorted := make([]*models.Trade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].Price.Cmp(sorted[j].Price); c != 0 {
			return c < 0
		}
		return sorted[i].BuyOrderID < sorted[j].BuyOrderID
	})

	next := 0
	for _, t := range sorted {
		for next < len(l.positions) && (l.positions[next].trade != nil || l.positions[next].price.LessThan(t.Price)) {
			next++
		}
		if next < len(l.positions) {
			p := l.positions[next]
			t.Price = p.price
			if err := l.place(p, t); err != nil {
				return err
			}
			continue
		}
		if err := l.place(l.insertSellOnly(t.Price), t); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ladder) reset() {
	kept := l.positions[:0]
	for _, p := range l.positions {
		p.trade = nil
		if !p.sellOnly {
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(l.positions); i++ {
		l.positions[i] = nil
	}
	l.positions = kept
	l.byBuyID = make(map[int64]*Position)
	l.bySellID = make(map[int64]*Position)
}

func (l *Ladder) insertSellOnly(price decimal.Decimal) *Position {
	p := &Position{coord: price.Mul(gridScale).Round(0).IntPart(), price: price, sellOnly: true}
	i := sort.Search(len(l.positions), func(i int) bool { return l.positions[i].price.GreaterThan(price) })
	l.positions = append(l.positions, nil)
	copy(l.positions[i+1:], l.positions[i:])
	l.positions[i] = p
	return p
}

func (l *Ladder) index(p *Position) {
	if p.trade == nil {
		return
	}
	if p.trade.BuyOrderID != 0 {
		l.byBuyID[p.trade.BuyOrderID] = p
	}
	if p.trade.SellOrderID != 0 {
		l.bySellID[p.trade.SellOrderID] = p
	}
}

func (l *Ladder) unindex(p *Position) {
	if p.trade == nil {
		return
	}
	if l.byBuyID[p.trade.BuyOrderID] == p {
		delete(l.byBuyID, p.trade.BuyOrderID)
	}
	if l.bySellID[p.trade.SellOrderID] == p {
		delete(l.bySellID, p.trade.SellOrderID)
	}
}
