package risk

import (
	"encoding/json"
	"os"
	"time"

	"optionflow/logger"
)

// EventCalendar is the best-effort JSON file of blocked afternoons, §6.
type EventCalendar struct {
	BlockedAfternoons map[string]bool
}

type eventCalendarFile struct {
	BlockedAfternoons []string `json:"blocked_afternoons"`
}

// LoadEventCalendar reads path; a missing or malformed file warns via
// logger.Warnf and returns an empty calendar rather than blocking on an
// event day that can't be confirmed.
func LoadEventCalendar(path string) *EventCalendar {
	cal := &EventCalendar{BlockedAfternoons: make(map[string]bool)}
	if path == "" {
		return cal
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warnf("risk: could not read event calendar %s: %v", path, err)
		return cal
	}

	var parsed eventCalendarFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		logger.Warnf("risk: could not parse event calendar %s: %v", path, err)
		return cal
	}

	for _, d := range parsed.BlockedAfternoons {
		cal.BlockedAfternoons[d] = true
	}
	return cal
}

// IsBlockedAfternoon reports whether date (YYYY-MM-DD) is a blocked
// event-calendar afternoon.
func (c *EventCalendar) IsBlockedAfternoon(date string) bool {
	return c.BlockedAfternoons[date]
}

func dateString(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
