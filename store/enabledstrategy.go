package store

import (
	"fmt"
	"time"
)

// EnabledStrategy is the (ticker, timeframe, signal_type) tuple the
// Strategy Signal Task (C11) watches. Read-mostly; created/removed by
// admin enable/disable through the control surface.
type EnabledStrategy struct {
	Ticker     string
	Timeframe  string
	SignalType string
	Params     string // JSON blob, strategy-specific
	EnabledAt  time.Time
}

// EnableStrategy upserts one EnabledStrategy row.
func (s *Store) EnableStrategy(ticker, timeframe, signalType, params string) (*EnabledStrategy, error) {
	es := &EnabledStrategy{Ticker: ticker, Timeframe: timeframe, SignalType: signalType, Params: params, EnabledAt: time.Now().UTC()}
	_, err := s.db.Exec(`INSERT INTO enabled_strategies (ticker, timeframe, signal_type, params, enabled_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ticker, timeframe, signal_type) DO UPDATE SET params = excluded.params, enabled_at = excluded.enabled_at`,
		ticker, timeframe, signalType, params, formatTime(es.EnabledAt))
	if err != nil {
		return nil, fmt.Errorf("enable strategy: %w", err)
	}
	return es, nil
}

// DisableStrategy removes the (ticker, timeframe, signal_type) tuple.
func (s *Store) DisableStrategy(ticker, timeframe, signalType string) error {
	_, err := s.db.Exec(`DELETE FROM enabled_strategies WHERE ticker = ? AND timeframe = ? AND signal_type = ?`, ticker, timeframe, signalType)
	if err != nil {
		return fmt.Errorf("disable strategy: %w", err)
	}
	return nil
}

// ListEnabledStrategies returns the full set, used by the Strategy
// Signal Task supervisor to rebuild its worker set on every change.
func (s *Store) ListEnabledStrategies() ([]*EnabledStrategy, error) {
	rows, err := s.db.Query(`SELECT ticker, timeframe, signal_type, params, enabled_at FROM enabled_strategies ORDER BY ticker, timeframe, signal_type`)
	if err != nil {
		return nil, fmt.Errorf("list enabled strategies: %w", err)
	}
	defer rows.Close()

	var out []*EnabledStrategy
	for rows.Next() {
		var es EnabledStrategy
		var enabledAt string
		if err := rows.Scan(&es.Ticker, &es.Timeframe, &es.SignalType, &es.Params, &enabledAt); err != nil {
			return nil, fmt.Errorf("scan enabled strategy: %w", err)
		}
		if t, err := parseTime(enabledAt); err == nil {
			es.EnabledAt = t
		}
		out = append(out, &es)
	}
	return out, rows.Err()
}
