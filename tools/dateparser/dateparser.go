package dateparser

import (
	"fmt"
	"time"
)

// ParseReadingDate attempts to parse a billing reading date with multiple formats
func ParseReadingDate(dateStr string) (time.Time, error) {
	formats := []string{
		"2006-01-02",          // ISO calendar date (canonical reading rows)
		time.RFC3339,          // Standard RFC3339 (submission timestamps)
		"02/01/2006",          // DD/MM/YYYY (legacy handheld exports)
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse reading date '%s': %w", dateStr, lastErr)
}
