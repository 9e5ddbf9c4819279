package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"optionflow/errs"
)

// AlertStatus is the Alert's status field, RECEIVED -> one terminal state.
type AlertStatus string

const (
	AlertReceived  AlertStatus = "RECEIVED"
	AlertAccepted  AlertStatus = "ACCEPTED"
	AlertRejected  AlertStatus = "REJECTED"
	AlertProcessed AlertStatus = "PROCESSED"
	AlertError     AlertStatus = "ERROR"
)

// AlertSource identifies who produced the Alert.
type AlertSource string

const (
	SourceExternal        AlertSource = "external"
	SourceInternalStrategy AlertSource = "internal_strategy"
	SourceManualTest       AlertSource = "manual_test"
	SourceRetake           AlertSource = "retake"
)

// Alert is append-only once its status leaves RECEIVED; only status,
// rejection_reason and linked_trade_id may subsequently change.
type Alert struct {
	ID             string
	ReceivedAt     time.Time
	RawPayload     string
	Ticker         string
	Direction      string // "" if unset
	SignalPrice    *float64
	Source         AlertSource
	Status         AlertStatus
	RejectionReason string
	LinkedTradeID  string
}

// CreateAlert persists a new Alert{RECEIVED}.
func (s *Store) CreateAlert(rawPayload, ticker, direction string, signalPrice *float64, source AlertSource) (*Alert, error) {
	a := &Alert{
		ID:         uuid.New().String(),
		ReceivedAt: time.Now().UTC(),
		RawPayload: rawPayload,
		Ticker:     ticker,
		Direction:  direction,
		SignalPrice: signalPrice,
		Source:     source,
		Status:     AlertReceived,
	}

	var price sql.NullFloat64
	if signalPrice != nil {
		price = sql.NullFloat64{Float64: *signalPrice, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO alerts (id, received_at, raw_payload, ticker, direction, signal_price, source, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, formatTime(a.ReceivedAt), a.RawPayload, a.Ticker, nullIfEmpty(a.Direction), price, string(a.Source), string(a.Status))
	if err != nil {
		return nil, fmt.Errorf("insert alert: %w", err)
	}
	return a, nil
}

// GetAlert loads an Alert by id.
func (s *Store) GetAlert(id string) (*Alert, error) {
	row := s.db.QueryRow(`
		SELECT id, received_at, raw_payload, ticker, direction, signal_price, source, status, rejection_reason, linked_trade_id
		FROM alerts WHERE id = ?`, id)
	return scanAlert(row)
}

func scanAlert(row *sql.Row) (*Alert, error) {
	var a Alert
	var receivedAt string
	var direction, rejectionReason, linkedTradeID sql.NullString
	var signalPrice sql.NullFloat64
	var source, status string

	if err := row.Scan(&a.ID, &receivedAt, &a.RawPayload, &a.Ticker, &direction, &signalPrice, &source, &status, &rejectionReason, &linkedTradeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.New(errs.KindValidation, "alert not found")
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}

	t, err := parseTime(receivedAt)
	if err != nil {
		return nil, fmt.Errorf("parse alert received_at: %w", err)
	}
	a.ReceivedAt = t
	a.Direction = direction.String
	a.RejectionReason = rejectionReason.String
	a.LinkedTradeID = linkedTradeID.String
	a.Source = AlertSource(source)
	a.Status = AlertStatus(status)
	if signalPrice.Valid {
		v := signalPrice.Float64
		a.SignalPrice = &v
	}
	return &a, nil
}

// RejectAlert transitions Alert{RECEIVED} -> Alert{REJECTED} with reason.
// Rejecting a non-RECEIVED alert is an InvariantViolation.
func (s *Store) RejectAlert(alertID, reason string) (*Alert, error) {
	a, err := s.GetAlert(alertID)
	if err != nil {
		return nil, err
	}
	if a.Status != AlertReceived {
		return nil, errs.New(errs.KindInvariantViolation, fmt.Sprintf("cannot reject alert in status %s", a.Status))
	}
	_, err = s.db.Exec(`UPDATE alerts SET status = ?, rejection_reason = ? WHERE id = ?`,
		string(AlertRejected), reason, alertID)
	if err != nil {
		return nil, fmt.Errorf("reject alert: %w", err)
	}
	a.Status = AlertRejected
	a.RejectionReason = reason
	return a, nil
}

// MarkAlertError transitions Alert{RECEIVED} -> Alert{ERROR} with reason,
// used when the Contract Selector finds nothing tradeable.
func (s *Store) MarkAlertError(alertID, reason string) (*Alert, error) {
	a, err := s.GetAlert(alertID)
	if err != nil {
		return nil, err
	}
	if a.Status != AlertReceived {
		return nil, errs.New(errs.KindInvariantViolation, fmt.Sprintf("cannot error alert in status %s", a.Status))
	}
	_, err = s.db.Exec(`UPDATE alerts SET status = ?, rejection_reason = ? WHERE id = ?`,
		string(AlertError), reason, alertID)
	if err != nil {
		return nil, fmt.Errorf("mark alert error: %w", err)
	}
	a.Status = AlertError
	a.RejectionReason = reason
	return a, nil
}

// LinkAlertToExistingTrade transitions Alert{RECEIVED} -> Alert{PROCESSED}
// against an already-open Trade, for the Admission Pipeline's CLOSE-action
// path (no new Trade is created, unlike PromoteAlertToTrade).
func (s *Store) LinkAlertToExistingTrade(alertID, tradeID string) error {
	a, err := s.GetAlert(alertID)
	if err != nil {
		return err
	}
	if a.Status != AlertReceived {
		return errs.New(errs.KindInvariantViolation, fmt.Sprintf("cannot link alert in status %s", a.Status))
	}
	_, err = s.db.Exec(`UPDATE alerts SET status = ?, linked_trade_id = ? WHERE id = ?`,
		string(AlertProcessed), tradeID, alertID)
	if err != nil {
		return fmt.Errorf("link alert to trade: %w", err)
	}
	return nil
}

// CountAlertsByStatusSince counts alerts in the given status received at
// or after since.
func (s *Store) CountAlertsByStatusSince(status AlertStatus, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM alerts WHERE status = ? AND received_at >= ?`,
		string(status), formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count alerts: %w", err)
	}
	return n, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
