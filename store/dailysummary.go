package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DailySummary is computed once per session at 4:05 PM market-local by
// the Periodic Scheduler's end-of-session task.
type DailySummary struct {
	SessionDate   string
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	TotalPnL      decimal.Decimal
	ComputedAt    time.Time
}

// UpsertDailySummary computes the aggregate from closed trades for
// sessionDate and writes it, satisfying the invariant that
// sum(pnl_dollars of CLOSED trades for trade_date) == DailySummary.total_pnl.
func (s *Store) UpsertDailySummary(sessionDate string) (*DailySummary, error) {
	rows, err := s.db.Query(`SELECT pnl_dollars FROM trades WHERE trade_date = ? AND status = 'CLOSED'`, sessionDate)
	if err != nil {
		return nil, fmt.Errorf("query closed trades: %w", err)
	}

	summary := &DailySummary{SessionDate: sessionDate, TotalPnL: decimal.Zero}
	for rows.Next() {
		var pnlStr string
		if err := rows.Scan(&pnlStr); err != nil {
			rows.Close()
			return nil, err
		}
		pnl, err := decimal.NewFromString(pnlStr)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("parse pnl: %w", err)
		}
		summary.TotalTrades++
		if pnl.IsPositive() {
			summary.WinningTrades++
		} else if pnl.IsNegative() {
			summary.LosingTrades++
		}
		summary.TotalPnL = summary.TotalPnL.Add(pnl)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	summary.ComputedAt = time.Now().UTC()
	_, err = s.db.Exec(`INSERT INTO daily_summaries (session_date, total_trades, winning_trades, losing_trades, total_pnl, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_date) DO UPDATE SET
			total_trades = excluded.total_trades,
			winning_trades = excluded.winning_trades,
			losing_trades = excluded.losing_trades,
			total_pnl = excluded.total_pnl,
			computed_at = excluded.computed_at`,
		summary.SessionDate, summary.TotalTrades, summary.WinningTrades, summary.LosingTrades, summary.TotalPnL.String(), formatTime(summary.ComputedAt))
	if err != nil {
		return nil, fmt.Errorf("upsert daily summary: %w", err)
	}
	return summary, nil
}

// GetDailySummary loads a previously computed summary.
func (s *Store) GetDailySummary(sessionDate string) (*DailySummary, error) {
	var summary DailySummary
	var totalPnL, computedAt sql.NullString
	err := s.db.QueryRow(`SELECT session_date, total_trades, winning_trades, losing_trades, total_pnl, computed_at FROM daily_summaries WHERE session_date = ?`, sessionDate).
		Scan(&summary.SessionDate, &summary.TotalTrades, &summary.WinningTrades, &summary.LosingTrades, &totalPnL, &computedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get daily summary: %w", err)
	}
	summary.TotalPnL = parseDecimal(totalPnL)
	if computedAt.Valid {
		if t, err := parseTime(computedAt.String); err == nil {
			summary.ComputedAt = t
		}
	}
	return &summary, nil
}
