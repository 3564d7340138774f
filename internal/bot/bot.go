package bot

import (
	"binance-ladder-bot-go/internal/exchange"
	"binance-ladder-bot-go/internal/ladder"
	"binance-ladder-bot-go/internal/metrics"
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/persistence"
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// AvailableFunc 返回当前可分配的资金, 每次买入决策前重新计算
type AvailableFunc func() decimal.Decimal

// Option 配置可选依赖
type Option func(*Bot)

// WithMetrics 记录下单与平仓指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bot) { b.metrics = m }
}

// Bot 是单个交易对的网格交易引擎。
// 所有方法都只应在同一个控制协程中调用。
type Bot struct {
	settings  models.BotSettings
	ladder    *ladder.Ladder
	exchange  exchange.Exchange
	store     persistence.Store
	available AvailableFunc
	logger    *zap.Logger
	metrics   *metrics.Metrics

	lastKline     *models.Kline
	finished      []*models.Trade
	maxInvestment decimal.Decimal
	closedSells   map[int64]struct{} // 交易所上已结束但未成交的卖单
}

// New 创建机器人: 构建网格, 从存储中加载未完成的交易并放回网格
func New(settings models.BotSettings, ex exchange.Exchange, store persistence.Store, available AvailableFunc, logger *zap.Logger, opts ...Option) (*Bot, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	l, err := ladder.New(settings.MinBuyPrice, settings.MaxBuyPrice, settings.StepPrice)
	if err != nil {
		return nil, err
	}

	b := &Bot{
		settings:      settings,
		ladder:        l,
		exchange:      ex,
		store:         store,
		available:     available,
		logger:        logger.With(zap.String("symbol", settings.Symbol)),
		maxInvestment: decimal.Zero,
		closedSells:   make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	open, err := store.OpenTrades(settings.Symbol)
	if err != nil {
		return nil, fmt.Errorf("加载 %s 未完成交易失败: %w", settings.Symbol, err)
	}
	if err := b.reconcileLadder(l, open); err != nil {
		return nil, err
	}
	if b.finished, err = store.FinishedTrades(settings.Symbol); err != nil {
		return nil, fmt.Errorf("加载 %s 已完成交易失败: %w", settings.Symbol, err)
	}
	b.maxInvestment = l.Investment()

	b.logger.Info("机器人已创建",
		zap.Int("positions", l.Len()),
		zap.Int("open_trades", len(open)),
		zap.Int("finished_trades", len(b.finished)))
	return b, nil
}

// reconcileLadder 把交易放回网格, 并持久化对齐后的价格
func (b *Bot) reconcileLadder(l *ladder.Ladder, trades []*models.Trade) error {
	if err := l.Reconcile(trades); err != nil {
		return fmt.Errorf("%s 网格对账失败: %w", b.settings.Symbol, err)
	}
	if err := b.store.SaveTrades(trades...); err != nil {
		return fmt.Errorf("保存 %s 对账结果失败: %w", b.settings.Symbol, err)
	}
	for _, p := range l.Positions() {
		if p.SellOnly() {
			b.logger.Warn("交易超出当前网格, 放入只卖位置", zap.Stringer("price", p.Price()))
		}
	}
	return nil
}

func (b *Bot) Symbol() string                  { return b.settings.Symbol }
func (b *Bot) Active() bool                    { return b.settings.Active }
func (b *Bot) Settings() models.BotSettings    { return b.settings }
func (b *Bot) FinishedTrades() []*models.Trade { return b.finished }

// Investment 当前已买入交易占用的资金
func (b *Bot) Investment() decimal.Decimal {
	return b.ladder.Investment()
}

// LoadSettings 应用重新加载的设置。价格区间或步长变化时重建网格并重新对账。
func (b *Bot) LoadSettings(s models.BotSettings) error {
	if s.Symbol != b.settings.Symbol {
		return fmt.Errorf("%w: 设置属于 %s, 机器人是 %s", models.ErrInvalidSettings, s.Symbol, b.settings.Symbol)
	}
	if err := s.Validate(); err != nil {
		return err
	}

	if !s.SameGrid(b.settings) {
		l, err := ladder.New(s.MinBuyPrice, s.MaxBuyPrice, s.StepPrice)
		if err != nil {
			return err
		}
		if err := b.reconcileLadder(l, b.ladder.Trades()); err != nil {
			return err
		}
		b.ladder = l
		b.logger.Info("网格已重建",
			zap.Stringer("min", s.MinBuyPrice),
			zap.Stringer("max", s.MaxBuyPrice),
			zap.Stringer("step", s.StepPrice),
			zap.Int("positions", l.Len()))
	}
	if b.settings.Active != s.Active {
		b.logger.Info("机器人状态变更", zap.Bool("active", s.Active))
	}
	b.settings = s
	return nil
}

// pass 收集单个阶段中需要持久化的交易
type pass struct {
	saved   []*models.Trade
	deleted []*models.Trade
}

func (p *pass) save(t *models.Trade)   { p.saved = append(p.saved, t) }
func (p *pass) delete(t *models.Trade) { p.deleted = append(p.deleted, t) }

// commit 持久化阶段结果。阶段出错时已经发生的变化同样需要保存,
// 否则本地记录会落后于交易所。
func (b *Bot) commit(p *pass, err *error) {
	if serr := b.store.SaveTrades(p.saved...); serr != nil {
		*err = errors.Join(*err, fmt.Errorf("保存交易失败: %w", serr))
	}
	if derr := b.store.DeleteTrades(p.deleted...); derr != nil {
		*err = errors.Join(*err, fmt.Errorf("删除交易失败: %w", derr))
	}
}

// Process 处理一根K线: 止损检查, 买入, 订单对账, 挂卖单, 更新最大投入。
// 任一阶段失败时中止本根K线, 已提交的阶段保持有效。
func (b *Bot) Process(ctx context.Context, k models.Kline) error {
	b.lastKline = &k

	if b.stopLossTriggered(k) {
		// 先同步成交, 避免撤销已经成交的买单
		if err := b.reconcilePass(ctx); err != nil {
			return fmt.Errorf("止损前订单对账: %w", err)
		}
		return b.liquidate(ctx, k)
	}
	if b.settings.Active {
		if err := b.buyPass(ctx, k); err != nil {
			return fmt.Errorf("买入阶段: %w", err)
		}
	}
	if err := b.reconcilePass(ctx); err != nil {
		return fmt.Errorf("订单对账阶段: %w", err)
	}
	if err := b.sellPass(ctx); err != nil {
		return fmt.Errorf("挂卖单阶段: %w", err)
	}
	b.maxInvestment = decimal.Max(b.maxInvestment, b.ladder.Investment())
	return nil
}

func (b *Bot) stopLossTriggered(k models.Kline) bool {
	return b.settings.Active && b.settings.StopLoss.IsPositive() && k.Close.LessThanOrEqual(b.settings.StopLoss)
}

// buyPass 在K线价格区间 (按 kline_margin 放大, 并限制在买入区间内) 的空位置上挂买单
func (b *Bot) buyPass(ctx context.Context, k models.Kline) (err error) {
	p := &pass{}
	defer b.commit(p, &err)

	margin := decimal.NewFromInt(1).Add(b.settings.KlineMargin.Div(hundred))
	low := decimal.Max(k.Low.Div(margin), b.settings.MinBuyPrice)
	high := decimal.Min(k.High.Mul(margin), b.settings.MaxBuyPrice)
	if low.GreaterThan(high) {
		return nil
	}

	positions := b.ladder.EmptyInRange(low, high)
	if len(positions) == 0 {
		return nil
	}
	available := b.available()
	for _, pos := range positions {
		if available.LessThan(b.settings.TradeAmount) {
			b.logger.Debug("可用资金不足, 跳过剩余网格", zap.Stringer("available", available))
			break
		}
		trade, err := b.exchange.PlaceBuy(ctx, b.settings.Symbol, pos.Price(), b.settings.TradeAmount)
		if err != nil {
			return err
		}
		b.metrics.OrderPlaced(b.settings.Symbol, models.Buy)
		if err := b.ladder.Assign(pos, trade); err != nil {
			return err
		}
		p.save(trade)
		available = available.Sub(b.settings.TradeAmount)
		b.logger.Info("已挂买单",
			zap.Int64("order_id", trade.BuyOrderID),
			zap.Stringer("price", pos.Price()),
			zap.Stringer("quantity", trade.Quantity),
			zap.Stringer("status", trade.Status))
	}
	return nil
}

// reconcilePass 根据交易所订单状态推进本地交易。
// 找不到对应交易或状态已推进过的订单直接忽略。
func (b *Bot) reconcilePass(ctx context.Context) (err error) {
	orders, err := b.exchange.ListOrders(ctx, b.settings.Symbol)
	if err != nil {
		return err
	}

	p := &pass{}
	defer b.commit(p, &err)

	for _, o := range orders {
		switch o.Side {
		case models.Buy:
			if err := b.reconcileBuy(p, o); err != nil {
				return err
			}
		case models.Sell:
			if err := b.reconcileSell(p, o); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Bot) reconcileBuy(p *pass, o models.Order) error {
	pos := b.ladder.ByBuyOrderID(o.OrderID)
	if pos == nil || pos.Trade().Status != models.TradeBuyOrder {
		return nil
	}
	switch {
	case o.Status == models.OrderFilled:
		if err := b.ladder.Update(pos, func(t *models.Trade) error {
			return t.MarkBought(o.UpdateTime, o.Price, o.Raw)
		}); err != nil {
			return err
		}
		p.save(pos.Trade())
		b.logger.Info("买单已成交", zap.Int64("order_id", o.OrderID), zap.Stringer("price", o.Price))
	case o.Status.Closed():
		trade := b.ladder.Release(pos)
		p.delete(trade)
		if pos.SellOnly() {
			if err := b.ladder.Remove(pos); err != nil {
				return err
			}
		}
		b.logger.Warn("买单未成交已结束, 释放网格位置", zap.Int64("order_id", o.OrderID), zap.String("status", string(o.Status)))
	}
	return nil
}

func (b *Bot) reconcileSell(p *pass, o models.Order) error {
	pos := b.ladder.BySellOrderID(o.OrderID)
	if pos == nil || pos.Trade().Status != models.TradeSellOrder {
		return nil
	}
	switch {
	case o.Status == models.OrderFilled:
		if err := b.ladder.Update(pos, func(t *models.Trade) error {
			return t.MarkSold(o.UpdateTime, o.Price, o.Raw)
		}); err != nil {
			return err
		}
		return b.close(p, pos)
	case o.Status.Closed():
		if _, seen := b.closedSells[o.OrderID]; !seen {
			b.closedSells[o.OrderID] = struct{}{}
			b.metrics.SellStale(b.settings.Symbol)
		}
		b.logger.Warn("卖单未成交已结束, 交易保持 SELL_ORDER", zap.Int64("order_id", o.OrderID), zap.String("status", string(o.Status)))
	}
	return nil
}

// close 将已卖出的交易移出网格
func (b *Bot) close(p *pass, pos *ladder.Position) error {
	trade := b.ladder.Release(pos)
	delete(b.closedSells, trade.SellOrderID)
	p.save(trade)
	b.finished = append(b.finished, trade)
	b.metrics.TradeClosed(b.settings.Symbol, trade.Forced)
	b.logger.Info("交易完成",
		zap.Int64("buy_order_id", trade.BuyOrderID),
		zap.Stringer("buy_price", trade.BuyPrice),
		zap.Stringer("sell_price", trade.SellPrice),
		zap.Stringer("revenue", trade.Revenue()),
		zap.Bool("forced", trade.Forced))
	if pos.SellOnly() {
		return b.ladder.Remove(pos)
	}
	return nil
}

// sellPass 为所有已买入但还没有卖单的交易挂出 buy_price*(1+min_profit%) 的卖单
func (b *Bot) sellPass(ctx context.Context) (err error) {
	p := &pass{}
	defer b.commit(p, &err)

	factor := decimal.NewFromInt(1).Add(b.settings.MinProfit.Div(hundred))
	for _, pos := range b.ladder.Positions() {
		trade := pos.Trade()
		if trade == nil || trade.Status != models.TradeBought {
			continue
		}
		target := trade.BuyPrice.Mul(factor)
		if err := b.ladder.Update(pos, func(t *models.Trade) error {
			return b.exchange.PlaceSell(ctx, t, target)
		}); err != nil {
			return err
		}
		p.save(trade)
		b.metrics.OrderPlaced(b.settings.Symbol, models.Sell)
		b.logger.Info("已挂卖单",
			zap.Int64("order_id", trade.SellOrderID),
			zap.Stringer("buy_price", trade.BuyPrice),
			zap.Stringer("sell_price", trade.SellPrice))
	}
	return nil
}

// liquidate 止损: 撤销所有挂单, 以一次市价单卖出全部持仓, 然后停用机器人
func (b *Bot) liquidate(ctx context.Context, k models.Kline) (err error) {
	p := &pass{}
	defer b.commit(p, &err)

	b.logger.Warn("触发止损", zap.Stringer("close", k.Close), zap.Stringer("stop_loss", b.settings.StopLoss))

	var holding []*ladder.Position
	quantity := decimal.Zero
	for _, pos := range b.ladder.Positions() {
		trade := pos.Trade()
		if trade == nil {
			continue
		}
		switch trade.Status {
		case models.TradeBuyOrder:
			if err := b.exchange.CancelOrder(ctx, b.settings.Symbol, trade.BuyOrderID); err != nil {
				return fmt.Errorf("止损撤销买单 %d: %w", trade.BuyOrderID, err)
			}
			b.ladder.Release(pos)
			p.delete(trade)
			if pos.SellOnly() {
				if err := b.ladder.Remove(pos); err != nil {
					return err
				}
			}
			continue
		case models.TradeSellOrder:
			// 之前的止损或人工操作可能已经撤销了该卖单
			if _, closed := b.closedSells[trade.SellOrderID]; !closed {
				if err := b.exchange.CancelOrder(ctx, b.settings.Symbol, trade.SellOrderID); err != nil {
					return fmt.Errorf("止损撤销卖单 %d: %w", trade.SellOrderID, err)
				}
				b.closedSells[trade.SellOrderID] = struct{}{}
			}
		}
		holding = append(holding, pos)
		quantity = quantity.Add(trade.Quantity)
	}

	if len(holding) > 0 {
		fill, err := b.exchange.ForceMarketSell(ctx, b.settings.Symbol, quantity)
		if err != nil {
			return fmt.Errorf("止损市价卖出: %w", err)
		}
		for _, pos := range holding {
			if err := b.ladder.Update(pos, func(t *models.Trade) error {
				return t.ForceSold(fill.Time, fill.Price, fill.Raw)
			}); err != nil {
				return err
			}
			if err := b.close(p, pos); err != nil {
				return err
			}
		}
	}

	b.settings.Active = false
	if err := b.store.SaveSettings(b.settings); err != nil {
		return fmt.Errorf("保存停用设置失败: %w", err)
	}
	b.logger.Warn("止损完成, 机器人已停用", zap.Int("sold_trades", len(holding)), zap.Stringer("quantity", quantity))
	return nil
}

// Statistics 返回以最新收盘价计算的统计快照
func (b *Bot) Statistics() models.Statistics {
	stats := models.Statistics{
		Symbol:            b.settings.Symbol,
		Active:            b.settings.Active,
		RealizedRevenue:   decimal.Zero,
		UnrealizedRevenue: decimal.Zero,
		MaxInvestment:     b.maxInvestment,
		NoFunds:           b.available().LessThan(b.settings.TradeAmount),
	}
	for _, t := range b.finished {
		stats.RealizedRevenue = stats.RealizedRevenue.Add(t.Revenue())
		stats.RealizedTrades++
	}
	if b.lastKline == nil {
		return stats
	}

	last := b.lastKline.Close
	stats.LastPrice = last
	stats.OutOfRange = last.LessThan(b.settings.MinBuyPrice) || last.GreaterThan(b.settings.MaxBuyPrice)
	for _, t := range b.ladder.OpenTrades() {
		stats.UnrealizedRevenue = stats.UnrealizedRevenue.Add(t.RevenueAt(last))
		stats.UnrealizedTrades++
	}
	return stats
}
