package db

import (
	"time"

	"github.com/google/uuid"
)

// ReconciliationRecord is one audited approve/reject outcome
type ReconciliationRecord struct {
	ID           uuid.UUID
	BatchID      *uuid.UUID
	SubmissionID int64
	MeterID      int64
	Action       string // approved | rejected
	ReadingID    *string
	ErrorMessage *string
	ReviewedBy   *string
	RecordedAt   time.Time
}

// BatchRun is one audited approve-all run
type BatchRun struct {
	ID         uuid.UUID
	BuildingID int64
	Total      int
	Succeeded  int
	Failed     int
	StartedAt  time.Time
	FinishedAt time.Time
}
