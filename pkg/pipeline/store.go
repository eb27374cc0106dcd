package pipeline

import (
	"time"

	"be04/models"
)

// Store is the datastore contract the pipeline needs. Every mutation of a
// leased task is guarded by the lease token: implementations must reject the
// write with ErrLeaseLost when the token no longer matches or the lease
// expired (compare-and-swap semantics).
type Store interface {
	// Admit creates the document and its pending task atomically; nothing is
	// persisted if either write fails.
	Admit(doc *models.Document, task *models.Task) error
	DocumentByID(id uint) (*models.Document, error)
	DocumentByOwnerAndName(owner uint, name string) (*models.Document, error)

	// CreateTask enqueues a fresh pending task for an existing document
	// (re-upload after a terminal task).
	CreateTask(task *models.Task) error
	TaskByPublicID(pid string) (*models.Task, error)
	// ActiveTaskForDocument returns the document's non-terminal task, or
	// ErrNotFound.
	ActiveTaskForDocument(docID uint) (*models.Task, error)
	// PendingCount is the current queue depth (pending tasks, ready or not).
	PendingCount() (int, error)

	// Lease claims the next ready task for workerID: a pending task whose
	// NotBefore has passed, or a processing task whose lease expired (crash
	// recovery). Claiming resets progress, bumps the attempt counter and
	// issues a fresh lease token. Returns nil, nil when nothing is ready.
	// Delivery is fair across owners: round-robin, so one owner's burst
	// cannot starve others.
	Lease(workerID string, ttl time.Duration) (*models.Task, error)
	Heartbeat(taskID uint, token string, ttl time.Duration) error
	// Progress reports a stage completion; values are monotonic
	// non-decreasing within an attempt.
	Progress(taskID uint, token string, pct int) error
	// Complete persists the attempt's result and marks the task completed in
	// one atomic, lease-guarded write. A worker whose lease was reclaimed
	// gets ErrLeaseLost and leaves no result behind.
	Complete(taskID uint, token string, r *models.Result) error
	Fail(taskID uint, token string, kind, msg string) error
	// Requeue returns the task to pending after a transient failure,
	// delaying redelivery until notBefore (backoff).
	Requeue(taskID uint, token string, kind, msg string, notBefore time.Time) error
	// Cancel marks a pending or processing task cancelled. Workers observe
	// it at the next stage boundary.
	Cancel(taskID uint) error
	// TaskState is the cheap cancellation check used at stage boundaries.
	TaskState(taskID uint) (string, error)

	ResultByID(id uint) (*models.Result, error)
	ResultByPublicID(pid string) (*models.Result, error)
	// ApplyValidation persists the corrected result fields and the audit
	// rows in one atomic write (no partial apply). The write is an
	// optimistic compare-and-swap on r.Version: a concurrent validation
	// that already bumped the version makes this one fail with ErrConflict.
	ApplyValidation(r *models.Result, rows []models.Validation) error
	// SetResultInvoice records the downstream invoice reference on the
	// result. Only the first claim succeeds; a result that already carries
	// an invoice reference yields ErrConflict.
	SetResultInvoice(resultID uint, invoiceID uint) error
}

// InvoiceStore is the downstream bookkeeping collaborator. At most one
// invoice exists per result: Create returns ErrConflict when the result is
// already booked.
type InvoiceStore interface {
	Create(inv *models.Invoice) error
	Get(id uint) (*models.Invoice, error)
}

// Waker lets the gateway nudge the worker pool after an enqueue instead of
// waiting for the next poll tick.
type Waker interface {
	Wake()
}
