package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"optionflow/errs"
)

// Status is the Trade's position in the §3 state machine.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusFilled          Status = "FILLED"
	StatusStopLossPlaced  Status = "STOP_LOSS_PLACED"
	StatusExiting         Status = "EXITING"
	StatusClosed          Status = "CLOSED"
	StatusCancelled       Status = "CANCELLED"
	StatusError           Status = "ERROR"
)

// IsTerminal reports whether no further transition is legal.
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusCancelled || s == StatusError
}

// Trade is the persisted position record, §3.
type Trade struct {
	ID                string
	TradeDate         string // session date, YYYY-MM-DD
	Direction         string // CALL | PUT
	OptionSymbol      string
	Strike            decimal.Decimal
	Expiry            string
	Quantity          int
	Status            Status
	EntryOrderID      string
	EntryPrice        decimal.Decimal
	EntryFilledAt     time.Time
	StopOrderID       string
	StopPrice         decimal.Decimal
	StopActive        bool
	TrailingStopPrice decimal.Decimal
	HighestPriceSeen  decimal.Decimal
	ExitOrderID       string
	ExitPrice         decimal.Decimal
	ExitFilledAt      time.Time
	ExitReason        string
	PnLDollars        decimal.Decimal
	PnLPercent        decimal.Decimal
	Source            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NonTerminalStatuses lists the statuses the Order Manager / Exit Engine
// poll every tick.
var NonTerminalStatuses = []Status{StatusPending, StatusFilled, StatusStopLossPlaced, StatusExiting}

// PromoteAlertToTrade realizes §4.8's promote_alert_to_trade plus §4.12
// step 6 (the two always happen together in the admission path, so they
// share one transaction): creates Trade{PENDING}, writes
// TradeEvent{ENTRY_ORDER_PLACED}, links the alert and marks it PROCESSED.
func (s *Store) PromoteAlertToTrade(alertID string, tradeDate, direction, optionSymbol string, strike decimal.Decimal, expiry string, quantity int, entryOrderID, source string) (*Trade, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var alertStatus string
	if err := tx.QueryRow(`SELECT status FROM alerts WHERE id = ?`, alertID).Scan(&alertStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.New(errs.KindValidation, "alert not found")
		}
		return nil, fmt.Errorf("lookup alert: %w", err)
	}
	if AlertStatus(alertStatus) != AlertReceived {
		return nil, errs.New(errs.KindInvariantViolation, fmt.Sprintf("cannot promote alert in status %s", alertStatus))
	}

	t := &Trade{
		ID:           uuid.New().String(),
		TradeDate:    tradeDate,
		Direction:    direction,
		OptionSymbol: optionSymbol,
		Strike:       strike,
		Expiry:       expiry,
		Quantity:     quantity,
		Status:       StatusPending,
		EntryOrderID: entryOrderID,
		Source:       source,
	}

	_, err = tx.Exec(`
		INSERT INTO trades (id, trade_date, direction, option_symbol, strike, expiry, quantity, status, entry_order_id, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TradeDate, t.Direction, t.OptionSymbol, t.Strike.String(), t.Expiry, t.Quantity, string(t.Status), t.EntryOrderID, t.Source)
	if err != nil {
		return nil, fmt.Errorf("insert trade: %w", err)
	}

	if err := insertEvent(tx, t.ID, "ENTRY_ORDER_PLACED", fmt.Sprintf("entry order %s placed", entryOrderID), ""); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`UPDATE alerts SET status = ?, linked_trade_id = ? WHERE id = ?`,
		string(AlertProcessed), t.ID, alertID); err != nil {
		return nil, fmt.Errorf("link alert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

// CancelPendingBeforePromotion marks an alert ERROR before a trade ever
// exists (e.g. NoLiquidContract); kept distinct from cancel_pending,
// which operates on an already-created Trade.
func (s *Store) CancelPendingBeforePromotion(alertID, reason string) error {
	_, err := s.MarkAlertError(alertID, reason)
	return err
}

// RecordEntryFill: PENDING -> FILLED.
func (s *Store) RecordEntryFill(tradeID string, price decimal.Decimal, filledAt time.Time) (*Trade, error) {
	return s.transitionTrade(tradeID, StatusPending, StatusFilled, func(tx *sql.Tx, t *Trade) error {
		_, err := tx.Exec(`UPDATE trades SET entry_price = ?, entry_filled_at = ?, status = ? WHERE id = ?`,
			price.String(), formatTime(filledAt), string(StatusFilled), tradeID)
		if err != nil {
			return err
		}
		return insertEvent(tx, tradeID, "ENTRY_FILLED", fmt.Sprintf("entry filled at %s", price.String()), "")
	})
}

// RecordStopPlacement: FILLED -> STOP_LOSS_PLACED.
func (s *Store) RecordStopPlacement(tradeID, stopOrderID string, stopPrice decimal.Decimal) (*Trade, error) {
	return s.transitionTrade(tradeID, StatusFilled, StatusStopLossPlaced, func(tx *sql.Tx, t *Trade) error {
		_, err := tx.Exec(`UPDATE trades SET stop_order_id = ?, stop_price = ?, stop_active = 1,
			highest_price_seen = entry_price, status = ? WHERE id = ?`,
			stopOrderID, stopPrice.String(), string(StatusStopLossPlaced), tradeID)
		if err != nil {
			return err
		}
		return insertEvent(tx, tradeID, "STOP_LOSS_PLACED", fmt.Sprintf("stop placed at %s", stopPrice.String()), "")
	})
}

// RecordExitTrigger: FILLED|STOP_LOSS_PLACED -> EXITING. Writes both
// EXIT_TRIGGERED and EXIT_ORDER_PLACED events per §4.8.
func (s *Store) RecordExitTrigger(tradeID, reason, exitOrderID string) (*Trade, error) {
	t, err := s.GetTrade(tradeID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusFilled && t.Status != StatusStopLossPlaced {
		return nil, errs.New(errs.KindInvariantViolation, fmt.Sprintf("cannot trigger exit from status %s", t.Status))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`UPDATE trades SET exit_order_id = ?, exit_reason = ?, stop_active = 0, status = ? WHERE id = ?`,
		exitOrderID, reason, string(StatusExiting), tradeID)
	if err != nil {
		return nil, fmt.Errorf("update trade: %w", err)
	}
	if err := insertEvent(tx, tradeID, "EXIT_TRIGGERED", fmt.Sprintf("exit triggered: %s", reason), ""); err != nil {
		return nil, err
	}
	if err := insertEvent(tx, tradeID, "EXIT_ORDER_PLACED", fmt.Sprintf("exit order %s placed", exitOrderID), ""); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.GetTrade(tradeID)
}

// RecordExitFill: EXITING -> CLOSED. Computes PnL per P1:
// pnl_dollars = (exit_price - entry_price) * quantity * 100,
// pnl_percent = (exit_price - entry_price) / entry_price * 100.
// If exitReason is STOP_LOSS_HIT, also writes a STOP_LOSS_HIT event
// (scenario 6) alongside EXIT_FILLED.
func (s *Store) RecordExitFill(tradeID string, price decimal.Decimal, filledAt time.Time) (*Trade, error) {
	t, err := s.GetTrade(tradeID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusExiting {
		return nil, errs.New(errs.KindInvariantViolation, fmt.Sprintf("cannot record exit fill from status %s", t.Status))
	}

	hundred := decimal.NewFromInt(100)
	pnlDollars := price.Sub(t.EntryPrice).Mul(decimal.NewFromInt(int64(t.Quantity))).Mul(hundred)
	var pnlPercent decimal.Decimal
	if !t.EntryPrice.IsZero() {
		pnlPercent = price.Sub(t.EntryPrice).Div(t.EntryPrice).Mul(hundred)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`UPDATE trades SET exit_price = ?, exit_filled_at = ?, pnl_dollars = ?, pnl_percent = ?, status = ? WHERE id = ?`,
		price.String(), formatTime(filledAt), pnlDollars.String(), pnlPercent.String(), string(StatusClosed), tradeID)
	if err != nil {
		return nil, fmt.Errorf("update trade: %w", err)
	}
	if t.ExitReason == "STOP_LOSS_HIT" {
		if err := insertEvent(tx, tradeID, "STOP_LOSS_HIT", "broker stop order filled", ""); err != nil {
			return nil, err
		}
	}
	if err := insertEvent(tx, tradeID, "EXIT_FILLED", fmt.Sprintf("exit filled at %s", price.String()), ""); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.GetTrade(tradeID)
}

// MarkStopLossHit sets exit_reason = STOP_LOSS_HIT before RecordExitFill
// is called, so the resulting event log carries both EXIT_TRIGGERED and
// STOP_LOSS_HIT, per scenario 6. Used when the Order Manager observes the
// broker stop order itself FILLED (no Exit Engine trigger preceded it).
func (s *Store) MarkStopLossHit(tradeID, exitOrderID string) (*Trade, error) {
	return s.RecordExitTrigger(tradeID, "STOP_LOSS_HIT", exitOrderID)
}

// CancelPending: PENDING -> CANCELLED.
func (s *Store) CancelPending(tradeID, reason string) (*Trade, error) {
	return s.transitionTrade(tradeID, StatusPending, StatusCancelled, func(tx *sql.Tx, t *Trade) error {
		_, err := tx.Exec(`UPDATE trades SET status = ? WHERE id = ?`, string(StatusCancelled), tradeID)
		if err != nil {
			return err
		}
		return insertEvent(tx, tradeID, "ENTRY_CANCELLED", reason, "")
	})
}

// MarkTradeError transitions any non-terminal Trade to ERROR — the
// InvariantViolation escape hatch described in §7.
func (s *Store) MarkTradeError(tradeID, reason string) (*Trade, error) {
	t, err := s.GetTrade(tradeID)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, errs.New(errs.KindInvariantViolation, fmt.Sprintf("cannot error terminal trade in status %s", t.Status))
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`UPDATE trades SET status = ? WHERE id = ?`, string(StatusError), tradeID); err != nil {
		return nil, err
	}
	if err := insertEvent(tx, tradeID, "CLOSE_SIGNAL", reason, ""); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.GetTrade(tradeID)
}

// UpdateTrailingState updates highest_price_seen and trailing_stop_price
// together, preserving the invariant that trailing_stop_price always
// equals highest_price_seen * (1 - trailingStopPercent/100) and never
// decreases (P5). Returns the stored trade unchanged if current <= prior.
func (s *Store) UpdateTrailingState(tradeID string, current decimal.Decimal, trailingStopPercent float64) (*Trade, error) {
	t, err := s.GetTrade(tradeID)
	if err != nil {
		return nil, err
	}
	if current.LessThanOrEqual(t.HighestPriceSeen) {
		return t, nil
	}
	factor := decimal.NewFromFloat(1 - trailingStopPercent/100)
	newTrailing := current.Mul(factor)
	_, err = s.db.Exec(`UPDATE trades SET highest_price_seen = ?, trailing_stop_price = ? WHERE id = ?`,
		current.String(), newTrailing.String(), tradeID)
	if err != nil {
		return nil, fmt.Errorf("update trailing state: %w", err)
	}
	t.HighestPriceSeen = current
	t.TrailingStopPrice = newTrailing
	return t, nil
}

// ClearStopActive flips stop_active to false the moment the Order
// Manager observes the broker stop order leave WORKING for any reason
// other than a fill the Exit Engine will record itself. Resolves the
// "App-managed stop" open question: tracked explicitly, never inferred.
func (s *Store) ClearStopActive(tradeID string) error {
	_, err := s.db.Exec(`UPDATE trades SET stop_active = 0 WHERE id = ?`, tradeID)
	return err
}

// GetTrade loads a Trade by id.
func (s *Store) GetTrade(id string) (*Trade, error) {
	row := s.db.QueryRow(selectTradeCols+` WHERE id = ?`, id)
	return scanTrade(row)
}

// ListNonTerminalTrades returns up to limit trades not yet in a terminal
// status, ordered by id ascending (the lock-acquisition order §5
// requires) rotated by offset so no trade starves backpressure.
func (s *Store) ListNonTerminalTrades(limit, offset int) ([]*Trade, error) {
	rows, err := s.db.Query(selectTradeCols+`
		WHERE status IN ('PENDING','FILLED','STOP_LOSS_PLACED','EXITING')
		ORDER BY id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query non-terminal trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListOpenTradesByStatus filters non-terminal trades to one status,
// used by the Order Manager and Exit Engine to pick their working set.
func (s *Store) ListOpenTradesByStatus(status Status) ([]*Trade, error) {
	rows, err := s.db.Query(selectTradeCols+` WHERE status = ? ORDER BY id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query trades by status: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// MostRecentOpenTrade returns the most recently created FILLED or
// STOP_LOSS_PLACED trade whose option symbol starts with ticker, used by
// the Admission Pipeline's CLOSE handling.
func (s *Store) MostRecentOpenTrade(ticker string) (*Trade, error) {
	row := s.db.QueryRow(selectTradeCols+`
		WHERE option_symbol LIKE ? AND status IN ('FILLED','STOP_LOSS_PLACED')
		ORDER BY created_at DESC LIMIT 1`, ticker+"%")
	return scanTrade(row)
}

// CountNonCancelledTradesToday backs Risk Gate predicate 6 (daily cap).
func (s *Store) CountNonCancelledTradesToday(tradeDate string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM trades WHERE trade_date = ? AND status != 'CANCELLED'`, tradeDate).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count trades today: %w", err)
	}
	return n, nil
}

// ConsecutiveLosses backs Risk Gate predicate 7: counts the session's
// CLOSED trades with negative pnl_dollars, walking back from the most
// recent exit until the first one with non-negative pnl_dollars.
func (s *Store) ConsecutiveLosses(tradeDate string) (int, error) {
	rows, err := s.db.Query(`SELECT pnl_dollars FROM trades WHERE trade_date = ? AND status = 'CLOSED' ORDER BY exit_filled_at DESC`, tradeDate)
	if err != nil {
		return 0, fmt.Errorf("query consecutive losses: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var pnlStr string
		if err := rows.Scan(&pnlStr); err != nil {
			return 0, err
		}
		pnl, err := decimal.NewFromString(pnlStr)
		if err != nil {
			return 0, fmt.Errorf("parse pnl: %w", err)
		}
		if pnl.IsNegative() {
			count++
			continue
		}
		break
	}
	return count, rows.Err()
}

// SumPnLToday backs Risk Gate predicate 8 and the DailySummary invariant.
func (s *Store) SumPnLToday(tradeDate string) (decimal.Decimal, error) {
	rows, err := s.db.Query(`SELECT pnl_dollars FROM trades WHERE trade_date = ? AND status = 'CLOSED'`, tradeDate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query pnl sum: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var pnlStr string
		if err := rows.Scan(&pnlStr); err != nil {
			return decimal.Zero, err
		}
		pnl, err := decimal.NewFromString(pnlStr)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse pnl: %w", err)
		}
		total = total.Add(pnl)
	}
	return total, rows.Err()
}

// --- internal helpers ---

const selectTradeCols = `SELECT id, trade_date, direction, option_symbol, strike, expiry, quantity, status,
	entry_order_id, entry_price, entry_filled_at, stop_order_id, stop_price, stop_active,
	trailing_stop_price, highest_price_seen, exit_order_id, exit_price, exit_filled_at, exit_reason,
	pnl_dollars, pnl_percent, source, created_at, updated_at FROM trades`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*Trade, error) {
	var t Trade
	var strike, entryPrice, stopPrice, trailingStop, highestSeen, exitPrice, pnlDollars, pnlPercent sql.NullString
	var entryOrderID, stopOrderID, exitOrderID, exitReason sql.NullString
	var entryFilledAt, exitFilledAt sql.NullString
	var createdAt, updatedAt string
	var stopActive bool

	err := row.Scan(&t.ID, &t.TradeDate, &t.Direction, &t.OptionSymbol, &strike, &t.Expiry, &t.Quantity, &t.Status,
		&entryOrderID, &entryPrice, &entryFilledAt, &stopOrderID, &stopPrice, &stopActive,
		&trailingStop, &highestSeen, &exitOrderID, &exitPrice, &exitFilledAt, &exitReason,
		&pnlDollars, &pnlPercent, &t.Source, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.New(errs.KindValidation, "trade not found")
		}
		return nil, fmt.Errorf("scan trade: %w", err)
	}

	t.Strike = parseDecimal(strike)
	t.EntryPrice = parseDecimal(entryPrice)
	t.StopPrice = parseDecimal(stopPrice)
	t.TrailingStopPrice = parseDecimal(trailingStop)
	t.HighestPriceSeen = parseDecimal(highestSeen)
	t.ExitPrice = parseDecimal(exitPrice)
	t.PnLDollars = parseDecimal(pnlDollars)
	t.PnLPercent = parseDecimal(pnlPercent)
	t.EntryOrderID = entryOrderID.String
	t.StopOrderID = stopOrderID.String
	t.ExitOrderID = exitOrderID.String
	t.ExitReason = exitReason.String
	t.StopActive = stopActive

	if entryFilledAt.Valid {
		if tm, err := parseTime(entryFilledAt.String); err == nil {
			t.EntryFilledAt = tm
		}
	}
	if exitFilledAt.Valid {
		if tm, err := parseTime(exitFilledAt.String); err == nil {
			t.ExitFilledAt = tm
		}
	}
	if tm, err := parseTime(createdAt); err == nil {
		t.CreatedAt = tm
	}
	if tm, err := parseTime(updatedAt); err == nil {
		t.UpdatedAt = tm
	}

	return &t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var out []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func parseDecimal(s sql.NullString) decimal.Decimal {
	if !s.Valid || s.String == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// transitionTrade validates the source status, runs mutate inside a
// transaction, and reloads the committed row.
func (s *Store) transitionTrade(tradeID string, from, to Status, mutate func(tx *sql.Tx, t *Trade) error) (*Trade, error) {
	t, err := s.GetTrade(tradeID)
	if err != nil {
		return nil, err
	}
	if t.Status != from {
		return nil, errs.New(errs.KindInvariantViolation, fmt.Sprintf("cannot transition trade from %s to %s (actual: %s)", from, to, t.Status))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := mutate(tx, t); err != nil {
		return nil, fmt.Errorf("mutate trade: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.GetTrade(tradeID)
}
