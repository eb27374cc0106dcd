package models

import "time"

// Invoice is the downstream bookkeeping record auto-created from a fully
// validated OCR result. Amounts are stored in grosze.
type Invoice struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	PublicID string `gorm:"size:36;not null;uniqueIndex"`
	OwnerID  uint   `gorm:"index;not null"`
	// unique so concurrent validations cannot book the same result twice
	ResultID uint `gorm:"uniqueIndex;not null"`

	Number     string `gorm:"size:128;not null"`
	IssueDate  time.Time
	SellerNIP  string `gorm:"size:16"`
	BuyerNIP   string `gorm:"size:16"`
	NetTotal   int64
	GrossTotal int64  `gorm:"not null"`
	VATRate    string `gorm:"size:8"`
}
