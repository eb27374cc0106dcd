package models

import "time"

// Field value sources.
const (
	SourceEngine    = "engine"
	SourceCorrected = "corrected"
)

// Field is one extracted invoice field. Confidence is 0..100; a corrected
// field always carries confidence 100.
type Field struct {
	Value      string `json:"value"`
	Confidence int    `json:"confidence"`
	Source     string `json:"source"`
}

// FieldMap maps field name (e.g. "seller_nip") to its extracted value.
type FieldMap map[string]Field

// Result holds the extracted field set for a completed task. Created once by
// the worker; afterwards only the validation flow may mutate Fields,
// AggregateConfidence, NeedsReview and InvoiceID. Version is the optimistic
// lock for those validation writes.
type Result struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	PublicID string `gorm:"size:36;not null;uniqueIndex"`
	TaskID   uint   `gorm:"not null;uniqueIndex"`
	OwnerID  uint   `gorm:"index;not null"`
	Version  int    `gorm:"not null;default:0"`

	Fields              FieldMap `gorm:"serializer:json"`
	AggregateConfidence int      `gorm:"not null"`
	NeedsReview         bool     `gorm:"not null;index"`

	RawText    string `gorm:"type:text"`
	Engine     string `gorm:"size:64"`
	DurationMs int64

	InvoiceID *uint `gorm:"index"` // downstream invoice, once auto-created
}
