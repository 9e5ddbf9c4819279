package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSnapshot is written at most once per K seconds per open trade, so
// a closed trade's chart can be reconstructed without a live quote feed.
type PriceSnapshot struct {
	TradeID          string
	Timestamp        time.Time
	Price            decimal.Decimal
	HighestPriceSeen decimal.Decimal
}

// RecordPriceSnapshot inserts a snapshot row. Callers (the Exit Engine
// tick) are responsible for only calling this at most once per K seconds
// per trade; the store does not itself rate-limit since that policy
// belongs to the caller's tick cadence, not to persistence.
func (s *Store) RecordPriceSnapshot(tradeID string, price, highestPriceSeen decimal.Decimal) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO price_snapshots (trade_id, timestamp, price, highest_price_seen) VALUES (?, ?, ?, ?)`,
		tradeID, formatTime(time.Now().UTC()), price.String(), highestPriceSeen.String())
	if err != nil {
		return fmt.Errorf("insert price snapshot: %w", err)
	}
	return nil
}

// LastSnapshotTime returns the timestamp of the most recent snapshot for
// a trade, or the zero time if none exists, so the caller can decide
// whether K seconds have elapsed.
func (s *Store) LastSnapshotTime(tradeID string) (time.Time, error) {
	var ts string
	err := s.db.QueryRow(`SELECT timestamp FROM price_snapshots WHERE trade_id = ? ORDER BY timestamp DESC LIMIT 1`, tradeID).Scan(&ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("query last snapshot: %w", err)
	}
	return parseTime(ts)
}

// SnapshotsForTrade returns all snapshots for a trade in chronological
// order, used for post-trade chart reconstruction.
func (s *Store) SnapshotsForTrade(tradeID string) ([]*PriceSnapshot, error) {
	rows, err := s.db.Query(`SELECT trade_id, timestamp, price, highest_price_seen FROM price_snapshots WHERE trade_id = ? ORDER BY timestamp ASC`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []*PriceSnapshot
	for rows.Next() {
		var p PriceSnapshot
		var ts, price, highest string
		if err := rows.Scan(&p.TradeID, &ts, &price, &highest); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		p.Timestamp = t
		p.Price, _ = decimal.NewFromString(price)
		p.HighestPriceSeen, _ = decimal.NewFromString(highest)
		out = append(out, &p)
	}
	return out, rows.Err()
}
