package store

import (
	"database/sql"
	"time"
)

// naiveLayout is the wire format for every stored timestamp: UTC with no
// zone suffix, per §6 ("all timestamps are stored as naive UTC;
// consumers append the UTC-Z suffix before any local-zone presentation").
const naiveLayout = "2006-01-02T15:04:05.999999999"

func formatTime(t time.Time) string {
	return t.UTC().Format(naiveLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(naiveLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func scanTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return parseTime(s.String)
}
