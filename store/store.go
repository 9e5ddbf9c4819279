// Package store is the Trade Store (C8): the single owner of Alert,
// Trade, TradeEvent, PriceSnapshot, DailySummary, EnabledStrategy and
// Favorite persistence. Every status transition validates the source
// state of the row it is transitioning, so an illegal transition is a
// returned error, never a silent no-op; Trade transitions commit the row
// update and its TradeEvent in one database/sql transaction. Plain field
// updates (trailing state, stop_active) are single statements with no
// state check.
//
// Grounded on store/strategy.go and store/tactics.go's initTables/raw-SQL
// CRUD style, generalized from one strategies table to the full schema
// below. Monetary columns are TEXT holding decimal.Decimal.String() so
// SQLite's REAL float rounding never touches a P&L figure.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the shared *sql.DB handle and exposes one method set per
// entity (alert.go, trade.go, tradeevent.go, ...).
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// runs schema migrations. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows exactly one writer; the Trade Store serializes all
	// writes through database/sql's connection pool by capping it at 1
	// so concurrent tick handlers never collide on a table lock.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for components (e.g. risk gate queries)
// that only need read-only SELECTs and don't warrant a dedicated method.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			received_at DATETIME NOT NULL,
			raw_payload TEXT NOT NULL DEFAULT '{}',
			ticker TEXT NOT NULL,
			direction TEXT,
			signal_price TEXT,
			source TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'RECEIVED',
			rejection_reason TEXT,
			linked_trade_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_received_at ON alerts(received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ticker ON alerts(ticker)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			trade_date TEXT NOT NULL,
			direction TEXT NOT NULL,
			option_symbol TEXT NOT NULL,
			strike TEXT NOT NULL,
			expiry TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			status TEXT NOT NULL,
			entry_order_id TEXT,
			entry_price TEXT,
			entry_filled_at DATETIME,
			stop_order_id TEXT,
			stop_price TEXT,
			stop_active BOOLEAN NOT NULL DEFAULT 0,
			trailing_stop_price TEXT,
			highest_price_seen TEXT,
			exit_order_id TEXT,
			exit_price TEXT,
			exit_filled_at DATETIME,
			exit_reason TEXT,
			pnl_dollars TEXT,
			pnl_percent TEXT,
			source TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_entry_order_id ON trades(entry_order_id) WHERE entry_order_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_trade_date ON trades(trade_date)`,
		`CREATE TRIGGER IF NOT EXISTS update_trades_updated_at
			AFTER UPDATE ON trades
			BEGIN
				UPDATE trades SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
			END`,

		`CREATE TABLE IF NOT EXISTS trade_events (
			id TEXT PRIMARY KEY,
			trade_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			type TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_events_trade_id ON trade_events(trade_id)`,

		`CREATE TABLE IF NOT EXISTS price_snapshots (
			trade_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			price TEXT NOT NULL,
			highest_price_seen TEXT NOT NULL,
			PRIMARY KEY (trade_id, timestamp)
		)`,

		`CREATE TABLE IF NOT EXISTS daily_summaries (
			session_date TEXT PRIMARY KEY,
			total_trades INTEGER NOT NULL DEFAULT 0,
			winning_trades INTEGER NOT NULL DEFAULT 0,
			losing_trades INTEGER NOT NULL DEFAULT 0,
			total_pnl TEXT NOT NULL DEFAULT '0',
			computed_at DATETIME
		)`,

		`CREATE TABLE IF NOT EXISTS enabled_strategies (
			ticker TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			signal_type TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '{}',
			enabled_at DATETIME NOT NULL,
			PRIMARY KEY (ticker, timeframe, signal_type)
		)`,

		`CREATE TABLE IF NOT EXISTS favorites (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			ticker TEXT NOT NULL,
			signal_type TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}
