package history

import (
	"sort"
	"time"

	"github.com/septivank/billing-reconciliation-worker/internal/billing"
	"github.com/septivank/billing-reconciliation-worker/tools/dateparser"
	"go.uber.org/zap"
)

// Entry is a read-only projection of a canonical reading
type Entry struct {
	MeterID int64
	Value   float64
	Date    time.Time
}

// Index holds previously accepted readings grouped per meter, newest first.
// It is rebuilt wholesale from the backend's canonical listing on every
// reload and never patched incrementally.
type Index struct {
	byMeter map[int64][]Entry
}

// BuildIndex groups canonical reading rows by meter and sorts each group
// descending by date. Rows with unparseable dates are skipped.
func BuildIndex(rows []billing.ReadingRow, logger *zap.Logger) *Index {
	byMeter := make(map[int64][]Entry)
	for _, row := range rows {
		date, err := dateparser.ParseReadingDate(row.Date)
		if err != nil {
			logger.Warn("skipping reading row with unparseable date",
				zap.Int64("meter_id", row.MeterID),
				zap.String("date", row.Date))
			continue
		}
		byMeter[row.MeterID] = append(byMeter[row.MeterID], Entry{
			MeterID: row.MeterID,
			Value:   row.Value,
			Date:    date,
		})
	}

	for meterID := range byMeter {
		entries := byMeter[meterID]
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Date.After(entries[j].Date)
		})
	}

	return &Index{byMeter: byMeter}
}

// NewEmptyIndex returns an index with no history, used when no reading
// endpoint is available
func NewEmptyIndex() *Index {
	return &Index{byMeter: make(map[int64][]Entry)}
}

// PreviousReading returns the most relevant prior reading for a meter: the
// newest entry strictly before cutoff, or, when no entry precedes the cutoff
// but the meter has history, the most recent entry regardless of its date.
// The fallback can compare a submission against a later reading; that is
// observed behavior and kept as is.
func (ix *Index) PreviousReading(meterID int64, cutoff time.Time) (Entry, bool) {
	entries := ix.byMeter[meterID]
	if len(entries) == 0 {
		return Entry{}, false
	}
	for _, entry := range entries {
		if entry.Date.Before(cutoff) {
			return entry, true
		}
	}
	return entries[0], true
}

// Meters returns the number of meters with any history
func (ix *Index) Meters() int {
	return len(ix.byMeter)
}
