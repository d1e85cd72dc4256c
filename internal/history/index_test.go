package history_test

import (
	"testing"
	"time"

	"github.com/septivank/billing-reconciliation-worker/internal/billing"
	"github.com/septivank/billing-reconciliation-worker/internal/history"
	"go.uber.org/zap"
)

func buildIndex(rows []billing.ReadingRow) *history.Index {
	return history.BuildIndex(rows, zap.NewNop())
}

func TestPreviousReading_StrictlyBefore(t *testing.T) {
	index := buildIndex([]billing.ReadingRow{
		{MeterID: 1, Value: 100, Date: "2025-01-10"},
		{MeterID: 1, Value: 90, Date: "2025-01-05"},
		{MeterID: 1, Value: 110, Date: "2025-01-20"},
	})

	cutoff := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	entry, ok := index.PreviousReading(1, cutoff)

	if !ok {
		t.Fatal("Expected a previous reading")
	}
	if entry.Value != 100 {
		t.Errorf("Expected the newest entry before cutoff (value 100), got %f", entry.Value)
	}
}

func TestPreviousReading_FallbackToMostRecent(t *testing.T) {
	index := buildIndex([]billing.ReadingRow{
		{MeterID: 1, Value: 100, Date: "2025-02-10"},
		{MeterID: 1, Value: 110, Date: "2025-02-20"},
	})

	// Cutoff before all history: fall back to the most recent entry even
	// though it is later than the cutoff
	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	entry, ok := index.PreviousReading(1, cutoff)

	if !ok {
		t.Fatal("Expected the fallback entry")
	}
	if entry.Value != 110 {
		t.Errorf("Expected most recent entry (value 110), got %f", entry.Value)
	}
}

func TestPreviousReading_NoHistory(t *testing.T) {
	index := buildIndex([]billing.ReadingRow{
		{MeterID: 2, Value: 100, Date: "2025-01-10"},
	})

	_, ok := index.PreviousReading(1, time.Now())
	if ok {
		t.Error("Expected no previous reading for a meter without history")
	}
}

func TestPreviousReading_EmptyIndex(t *testing.T) {
	index := history.NewEmptyIndex()

	_, ok := index.PreviousReading(1, time.Now())
	if ok {
		t.Error("Expected no previous reading from an empty index")
	}
}

func TestBuildIndex_SkipsUnparseableDates(t *testing.T) {
	index := buildIndex([]billing.ReadingRow{
		{MeterID: 1, Value: 100, Date: "not-a-date"},
	})

	if index.Meters() != 0 {
		t.Errorf("Expected rows with unparseable dates to be skipped, got %d meters", index.Meters())
	}
}
