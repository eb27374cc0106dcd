package models

import "time"

// Validation is one append-only audit row for a manual field correction.
type Validation struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	ResultID    uint   `gorm:"index;not null"`
	FieldName   string `gorm:"size:64;not null"`
	CorrectorID uint   `gorm:"index;not null"`
	OldValue    string `gorm:"size:512"`
	NewValue    string `gorm:"size:512"`
}
