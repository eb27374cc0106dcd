package models

import (
	"fmt"
	"time"
)

// Task states. Pending and Processing are the only non-terminal states;
// a document has at most one non-terminal task at a time.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
)

// Error kinds recorded on a failed task (LastErrorKind).
const (
	ErrKindEngineTransient = "EngineFailure.Transient"
	ErrKindEnginePermanent = "EngineFailure.Permanent"
	ErrKindTimeout         = "Timeout"
)

// Task is one unit of asynchronous OCR processing for a single document.
// Lease fields implement per-task mutual exclusion: a worker may only mutate
// a Processing task while it holds the current LeaseToken and the lease has
// not expired.
type Task struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	PublicID   string   `gorm:"size:36;not null;uniqueIndex"`
	DocumentID uint     `gorm:"index;not null"`
	Document   Document `gorm:"foreignKey:DocumentID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	OwnerID    uint     `gorm:"index;not null"`

	State    string `gorm:"size:16;not null;index;default:pending"`
	Progress int    `gorm:"not null;default:0"` // 0..100, non-decreasing within an attempt
	Attempts int    `gorm:"not null;default:0"`

	LastErrorKind string `gorm:"size:64"`
	LastErrorMsg  string `gorm:"size:512"`

	LeaseOwner  string     `gorm:"size:128"`
	LeaseToken  string     `gorm:"size:36;index"`
	LeaseExpiry *time.Time `gorm:"index"`

	// NotBefore delays re-delivery after a transient failure (backoff).
	NotBefore *time.Time `gorm:"index"`

	ResultID *uint `gorm:"index"` // set once Completed
}

// Terminal reports whether a state admits no further transitions.
func Terminal(state string) bool {
	return state == TaskCompleted || state == TaskFailed || state == TaskCancelled
}

// CanTransition enforces the task state machine:
// Pending -> Processing | Cancelled
// Processing -> Completed | Failed | Cancelled | Pending (requeue)
func CanTransition(from, to string) bool {
	switch from {
	case TaskPending:
		return to == TaskProcessing || to == TaskCancelled
	case TaskProcessing:
		return to == TaskCompleted || to == TaskFailed || to == TaskCancelled || to == TaskPending
	}
	return false
}

// CheckTransition is CanTransition with a descriptive error, for store code
// that wants to surface the illegal pair.
func CheckTransition(from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal task transition %s -> %s", from, to)
	}
	return nil
}
