package persistence

import "binance-ladder-bot-go/internal/models"

// Store defines the interface for trade and settings persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, SQLite)
// from the rest of the application.
type Store interface {
	// SaveTrades upserts all given trades in a single transaction.
	SaveTrades(trades ...*models.Trade) error

	// DeleteTrades removes trades whose buy order never filled.
	DeleteTrades(trades ...*models.Trade) error

	// OpenTrades returns every trade of the symbol that is not SOLD.
	OpenTrades(symbol string) ([]*models.Trade, error)

	// FinishedTrades returns the SOLD trades of the symbol.
	FinishedTrades(symbol string) ([]*models.Trade, error)

	// Settings returns all per-symbol settings rows ordered by symbol.
	Settings() ([]models.BotSettings, error)

	// SettingsFor returns models.ErrSettingsNotFound if the symbol has no row.
	SettingsFor(symbol string) (models.BotSettings, error)

	SaveSettings(settings models.BotSettings) error

	// Close gracefully closes the connection to the database.
	Close() error
}
