package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TradeEvent is the strictly append-only ledger entry backing P2: the
// sequence of event types for a single trade is a valid walk through the
// §3 state machine.
type TradeEvent struct {
	ID        string
	TradeID   string
	Timestamp time.Time
	Type      string
	Message   string
	Details   string
}

// insertEvent appends one TradeEvent row inside an existing transaction;
// every transition helper in trade.go calls this so a trade mutation and
// its event are always committed together.
func insertEvent(tx *sql.Tx, tradeID, eventType, message, details string) error {
	if details == "" {
		details = "{}"
	}
	_, err := tx.Exec(`INSERT INTO trade_events (id, trade_id, timestamp, type, message, details) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), tradeID, formatTime(time.Now().UTC()), eventType, message, details)
	if err != nil {
		return fmt.Errorf("insert trade event: %w", err)
	}
	return nil
}

// EventsForTrade returns the event log for a trade in chronological
// order, used to verify P2 and to reconstruct trade history for the
// dashboard.
func (s *Store) EventsForTrade(tradeID string) ([]*TradeEvent, error) {
	rows, err := s.db.Query(`SELECT id, trade_id, timestamp, type, message, details FROM trade_events WHERE trade_id = ? ORDER BY timestamp ASC`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("query trade events: %w", err)
	}
	defer rows.Close()

	var out []*TradeEvent
	for rows.Next() {
		var e TradeEvent
		var ts string
		if err := rows.Scan(&e.ID, &e.TradeID, &ts, &e.Type, &e.Message, &e.Details); err != nil {
			return nil, fmt.Errorf("scan trade event: %w", err)
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		e.Timestamp = t
		out = append(out, &e)
	}
	return out, rows.Err()
}
