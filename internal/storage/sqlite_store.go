package storage

import (
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/persistence"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Import the pure Go sqlite driver
)

var _ persistence.Store = (*SQLiteStore)(nil)

// SQLiteStore keeps trades and settings in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore initializes the database connection and creates necessary tables.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection for SQLite to avoid locking issues
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// Trades table: one row per ladder fill, keyed by the buy order.
	// Decimals are stored as TEXT to keep them exact.
	createTradesTableSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		symbol TEXT NOT NULL,
		buy_order_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		price TEXT NOT NULL,
		quantity TEXT NOT NULL,
		buy_price TEXT NOT NULL,
		buy_order_time INTEGER NOT NULL,
		buy_raw TEXT NOT NULL DEFAULT '',
		bought_time INTEGER NOT NULL DEFAULT 0,
		bought_amount TEXT NOT NULL DEFAULT '0',
		sell_order_id INTEGER NOT NULL DEFAULT 0,
		sell_price TEXT NOT NULL DEFAULT '0',
		sell_order_time INTEGER NOT NULL DEFAULT 0,
		sell_raw TEXT NOT NULL DEFAULT '',
		sold_time INTEGER NOT NULL DEFAULT 0,
		forced BOOLEAN NOT NULL DEFAULT 0,
		PRIMARY KEY (symbol, buy_order_id)
	);`

	if _, err := db.Exec(createTradesTableSQL); err != nil {
		return err
	}

	createTradesStatusIndexSQL := `CREATE INDEX IF NOT EXISTS idx_trades_symbol_status ON trades (symbol, status);`
	if _, err := db.Exec(createTradesStatusIndexSQL); err != nil {
		return err
	}

	createSettingsTableSQL := `
	CREATE TABLE IF NOT EXISTS bot_settings (
		symbol TEXT PRIMARY KEY,
		active BOOLEAN NOT NULL,
		min_buy_price TEXT NOT NULL,
		max_buy_price TEXT NOT NULL,
		step_price TEXT NOT NULL,
		min_profit TEXT NOT NULL,
		kline_margin TEXT NOT NULL,
		stop_loss TEXT NOT NULL,
		trade_amount TEXT NOT NULL
	);`
	if _, err := db.Exec(createSettingsTableSQL); err != nil {
		return err
	}

	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// SaveTrades upserts the trades within one transaction.
func (s *SQLiteStore) SaveTrades(trades ...*models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback is a no-op if the transaction has been committed.

	query := `
	INSERT OR REPLACE INTO trades (
		symbol, buy_order_id, status, price, quantity, buy_price, buy_order_time, buy_raw,
		bought_time, bought_amount, sell_order_id, sell_price, sell_order_time, sell_raw, sold_time, forced
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("failed to prepare trade upsert: %w", err)
	}
	defer stmt.Close()

	for _, t := range trades {
		if _, err := stmt.Exec(
			t.Symbol, t.BuyOrderID, t.Status.String(), t.Price.String(), t.Quantity.String(),
			t.BuyPrice.String(), toMillis(t.BuyOrderTime), t.BuyRaw,
			toMillis(t.BoughtTime), t.BoughtAmount.String(),
			t.SellOrderID, t.SellPrice.String(), toMillis(t.SellOrderTime), t.SellRaw,
			toMillis(t.SoldTime), t.Forced,
		); err != nil {
			return fmt.Errorf("failed to save trade %s/%d: %w", t.Symbol, t.BuyOrderID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteTrades(trades ...*models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, t := range trades {
		if _, err := tx.Exec(`DELETE FROM trades WHERE symbol = ? AND buy_order_id = ?`, t.Symbol, t.BuyOrderID); err != nil {
			return fmt.Errorf("failed to delete trade %s/%d: %w", t.Symbol, t.BuyOrderID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) OpenTrades(symbol string) ([]*models.Trade, error) {
	return s.queryTrades(`WHERE symbol = ? AND status != ?`, symbol, models.TradeSold.String())
}

func (s *SQLiteStore) FinishedTrades(symbol string) ([]*models.Trade, error) {
	return s.queryTrades(`WHERE symbol = ? AND status = ?`, symbol, models.TradeSold.String())
}

func (s *SQLiteStore) queryTrades(where string, args ...any) ([]*models.Trade, error) {
	query := `
	SELECT symbol, buy_order_id, status, price, quantity, buy_price, buy_order_time, buy_raw,
		bought_time, bought_amount, sell_order_id, sell_price, sell_order_time, sell_raw, sold_time, forced
	FROM trades ` + where + ` ORDER BY buy_order_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*models.Trade
	for rows.Next() {
		var (
			t                                                    models.Trade
			status, price, qty, buyPrice, boughtAmount, sellPrice string
			buyOrderTime, boughtTime, sellOrderTime, soldTime     int64
		)
		if err := rows.Scan(
			&t.Symbol, &t.BuyOrderID, &status, &price, &qty, &buyPrice, &buyOrderTime, &t.BuyRaw,
			&boughtTime, &boughtAmount, &t.SellOrderID, &sellPrice, &sellOrderTime, &t.SellRaw, &soldTime, &t.Forced,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		if t.Status, err = models.ParseTradeStatus(status); err != nil {
			return nil, err
		}
		decimals := []struct {
			dst *decimal.Decimal
			src string
		}{{&t.Price, price}, {&t.Quantity, qty}, {&t.BuyPrice, buyPrice}, {&t.BoughtAmount, boughtAmount}, {&t.SellPrice, sellPrice}}
		for _, v := range decimals {
			if *v.dst, err = decimal.NewFromString(v.src); err != nil {
				return nil, fmt.Errorf("failed to parse trade %d decimal %q: %w", t.BuyOrderID, v.src, err)
			}
		}
		t.BuyOrderTime = fromMillis(buyOrderTime)
		t.BoughtTime = fromMillis(boughtTime)
		t.SellOrderTime = fromMillis(sellOrderTime)
		t.SoldTime = fromMillis(soldTime)
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) Settings() ([]models.BotSettings, error) {
	rows, err := s.db.Query(`
	SELECT symbol, active, min_buy_price, max_buy_price, step_price, min_profit, kline_margin, stop_loss, trade_amount
	FROM bot_settings ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	var out []models.BotSettings
	for rows.Next() {
		row, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SettingsFor(symbol string) (models.BotSettings, error) {
	row := s.db.QueryRow(`
	SELECT symbol, active, min_buy_price, max_buy_price, step_price, min_profit, kline_margin, stop_loss, trade_amount
	FROM bot_settings WHERE symbol = ?`, symbol)
	settings, err := scanSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, fmt.Errorf("%w: %s", models.ErrSettingsNotFound, symbol)
	}
	return settings, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSettings(row scanner) (models.BotSettings, error) {
	var (
		s                                                               models.BotSettings
		minBuy, maxBuy, step, minProfit, klineMargin, stopLoss, amount string
	)
	if err := row.Scan(&s.Symbol, &s.Active, &minBuy, &maxBuy, &step, &minProfit, &klineMargin, &stopLoss, &amount); err != nil {
		return s, err
	}
	decimals := []struct {
		dst *decimal.Decimal
		src string
	}{{&s.MinBuyPrice, minBuy}, {&s.MaxBuyPrice, maxBuy}, {&s.StepPrice, step}, {&s.MinProfit, minProfit},
		{&s.KlineMargin, klineMargin}, {&s.StopLoss, stopLoss}, {&s.TradeAmount, amount}}
	for _, v := range decimals {
		var err error
		if *v.dst, err = decimal.NewFromString(v.src); err != nil {
			return s, fmt.Errorf("failed to parse settings %s decimal %q: %w", s.Symbol, v.src, err)
		}
	}
	return s, nil
}

func (s *SQLiteStore) SaveSettings(settings models.BotSettings) error {
	_, err := s.db.Exec(`
	INSERT OR REPLACE INTO bot_settings (
		symbol, active, min_buy_price, max_buy_price, step_price, min_profit, kline_margin, stop_loss, trade_amount
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		settings.Symbol, settings.Active, settings.MinBuyPrice.String(), settings.MaxBuyPrice.String(),
		settings.StepPrice.String(), settings.MinProfit.String(), settings.KlineMargin.String(),
		settings.StopLoss.String(), settings.TradeAmount.String())
	if err != nil {
		return fmt.Errorf("failed to save settings %s: %w", settings.Symbol, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
