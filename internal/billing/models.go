package billing

import (
	"time"
)

// Submission statuses. Transitions are one-way: a pending submission becomes
// approved or rejected and never re-enters pending.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Submission represents an offline-captured meter reading awaiting review
type Submission struct {
	ID           int64      `json:"id"`
	DeviceSerial string     `json:"device_serial,omitempty"`
	ReaderName   string     `json:"reader_name"`
	MeterID      int64      `json:"meter_id"`
	Value        float64    `json:"reading_value"`
	ReadingDate  string     `json:"lastread_date"`
	Remarks      string     `json:"remarks,omitempty"`
	ImageBase64  string     `json:"image,omitempty"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	Status       string     `json:"status"`
	ApprovedBy   string     `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
}

// Building is a billing building record
type Building struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Stall is a rentable unit inside a building
type Stall struct {
	ID         int64  `json:"id"`
	BuildingID int64  `json:"building_id"`
	Name       string `json:"name"`
}

// Meter is a utility meter attached to a building directly or through a stall
type Meter struct {
	ID         int64  `json:"id"`
	BuildingID int64  `json:"building_id,omitempty"`
	StallID    int64  `json:"stall_id,omitempty"`
	Serial     string `json:"serial,omitempty"`
}

// ReadingRow is a canonical reading row as listed by the backend
type ReadingRow struct {
	MeterID int64   `json:"meter_id"`
	Value   float64 `json:"reading_value"`
	Date    string  `json:"lastread_date"`
}
