package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Favorite is a saved Contract-Selector/Signal-Evaluator parameter set
// an operator can re-apply to an EnabledStrategy. The optimizer that
// ranks and produces candidate favorites is out of scope; CRUD against
// this table is an ordinary Trade Store responsibility.
type Favorite struct {
	ID         string
	UserID     string
	Ticker     string
	SignalType string
	Params     string
	CreatedAt  time.Time
}

func (s *Store) CreateFavorite(userID, ticker, signalType, params string) (*Favorite, error) {
	f := &Favorite{ID: uuid.New().String(), UserID: userID, Ticker: ticker, SignalType: signalType, Params: params, CreatedAt: time.Now().UTC()}
	_, err := s.db.Exec(`INSERT INTO favorites (id, user_id, ticker, signal_type, params, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.Ticker, f.SignalType, f.Params, formatTime(f.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create favorite: %w", err)
	}
	return f, nil
}

func (s *Store) GetFavorite(id string) (*Favorite, error) {
	var f Favorite
	var createdAt string
	err := s.db.QueryRow(`SELECT id, user_id, ticker, signal_type, params, created_at FROM favorites WHERE id = ?`, id).
		Scan(&f.ID, &f.UserID, &f.Ticker, &f.SignalType, &f.Params, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get favorite: %w", err)
	}
	if t, err := parseTime(createdAt); err == nil {
		f.CreatedAt = t
	}
	return &f, nil
}

func (s *Store) ListFavorites(userID string) ([]*Favorite, error) {
	rows, err := s.db.Query(`SELECT id, user_id, ticker, signal_type, params, created_at FROM favorites WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	defer rows.Close()

	var out []*Favorite
	for rows.Next() {
		var f Favorite
		var createdAt string
		if err := rows.Scan(&f.ID, &f.UserID, &f.Ticker, &f.SignalType, &f.Params, &createdAt); err != nil {
			return nil, fmt.Errorf("scan favorite: %w", err)
		}
		if t, err := parseTime(createdAt); err == nil {
			f.CreatedAt = t
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *Store) DeleteFavorite(id string) error {
	_, err := s.db.Exec(`DELETE FROM favorites WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete favorite: %w", err)
	}
	return nil
}
