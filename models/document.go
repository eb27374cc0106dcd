package models

import "time"

// Document represents one uploaded source file (scan or photo of an invoice).
// Immutable after creation except StoreRef, which may be rewritten if the
// blob is relocated.
type Document struct {
	ID           uint `gorm:"primaryKey"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	PublicID     string `gorm:"size:36;not null;uniqueIndex"` // uuid exposed to callers
	OwnerID      uint   `gorm:"index;not null;uniqueIndex:idx_owner_file"`
	Owner        User   `gorm:"foreignKey:OwnerID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	FileName     string `gorm:"size:255;not null;uniqueIndex:idx_owner_file"`
	DeclaredMIME string `gorm:"size:128"`
	SniffedMIME  string `gorm:"size:128"`
	ByteSize     int64  `gorm:"not null"`
	StoreRef     string `gorm:"size:512;not null"`
}
