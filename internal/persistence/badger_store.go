package persistence

import (
	"binance-ladder-bot-go/internal/models"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// Key layout:
//
//	open/<symbol>/<buy order id>     trades that are not SOLD yet
//	sold/<symbol>/<buy order id>     finished trades
//	settings/<symbol>                per-symbol settings
const (
	openPrefix     = "open/"
	soldPrefix     = "sold/"
	settingsPrefix = "settings/"
)

// BadgerStore is the BadgerDB implementation of the Store.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates and returns a new store connected to a BadgerDB database on disk.
func NewBadgerStore(dbPath string) (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions(dbPath))
}

// NewInMemoryBadgerStore opens a store that lives only in memory, used by backtests and tests.
func NewInMemoryBadgerStore() (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	// For this use case, we can disable Badger's own logging to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func tradeKey(prefix string, t *models.Trade) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", prefix, t.Symbol, t.BuyOrderID))
}

// SaveTrades writes every trade under the key matching its status and drops
// the key of the other status, all within one transaction.
func (s *BadgerStore) SaveTrades(trades ...*models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, t := range trades {
			data, err := json.Marshal(t)
			if err != nil {
				return err
			}
			current, stale := openPrefix, soldPrefix
			if t.Status == models.TradeSold {
				current, stale = soldPrefix, openPrefix
			}
			if err := txn.Delete(tradeKey(stale, t)); err != nil {
				return err
			}
			if err := txn.Set(tradeKey(current, t), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) DeleteTrades(trades ...*models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, t := range trades {
			if err := txn.Delete(tradeKey(openPrefix, t)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) OpenTrades(symbol string) ([]*models.Trade, error) {
	return s.scanTrades(openPrefix + symbol + "/")
}

func (s *BadgerStore) FinishedTrades(symbol string) ([]*models.Trade, error) {
	return s.scanTrades(soldPrefix + symbol + "/")
}

func (s *BadgerStore) scanTrades(prefix string) ([]*models.Trade, error) {
	var trades []*models.Trade
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			var t models.Trade
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &t)
			}); err != nil {
				return err
			}
			trades = append(trades, &t)
		}
		return nil
	})
	return trades, err
}

func (s *BadgerStore) Settings() ([]models.BotSettings, error) {
	var rows []models.BotSettings
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(settingsPrefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			var row models.BotSettings
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	return rows, err
}

func (s *BadgerStore) SettingsFor(symbol string) (models.BotSettings, error) {
	var row models.BotSettings
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(settingsPrefix + symbol))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("settings value is empty in database")
			}
			return json.Unmarshal(val, &row)
		})
	})

	// After the transaction, check for the specific "key not found" error.
	if errors.Is(err, badger.ErrKeyNotFound) {
		return row, fmt.Errorf("%w: %s", models.ErrSettingsNotFound, symbol)
	}
	return row, err
}

func (s *BadgerStore) SaveSettings(settings models.BotSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(settingsPrefix+settings.Symbol), data)
	})
}

// Close gracefully closes the connection to the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
