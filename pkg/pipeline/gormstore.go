package pipeline

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"be04/models"
)

// GormStore is the Postgres-backed Store. The tasks table doubles as the
// lease table, so the queue survives restarts; compare-and-swap is an UPDATE
// guarded by lease_token with RowsAffected checked.
type GormStore struct {
	db *gorm.DB

	// fairness bookkeeping is process-local; with several processes the
	// rotation is approximate but still prevents single-owner starvation
	mu         sync.Mutex
	lastServed map[uint]int64
	serveSeq   int64
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, lastServed: make(map[uint]int64)}
}

func (s *GormStore) Admit(doc *models.Document, task *models.Task) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(doc).Error; err != nil {
			return err
		}
		task.DocumentID = doc.ID
		task.State = models.TaskPending
		return tx.Create(task).Error
	})
}

func (s *GormStore) CreateTask(task *models.Task) error {
	task.State = models.TaskPending
	return s.db.Create(task).Error
}

func (s *GormStore) DocumentByID(id uint) (*models.Document, error) {
	var d models.Document
	if err := s.db.First(&d, id).Error; err != nil {
		return nil, mapGormErr(err)
	}
	return &d, nil
}

func (s *GormStore) DocumentByOwnerAndName(owner uint, name string) (*models.Document, error) {
	var d models.Document
	err := s.db.Where("owner_id = ? AND file_name = ?", owner, name).First(&d).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return &d, nil
}

func (s *GormStore) TaskByPublicID(pid string) (*models.Task, error) {
	var t models.Task
	if err := s.db.Where("public_id = ?", pid).First(&t).Error; err != nil {
		return nil, mapGormErr(err)
	}
	return &t, nil
}

func (s *GormStore) ActiveTaskForDocument(docID uint) (*models.Task, error) {
	var t models.Task
	err := s.db.Where("document_id = ? AND state IN ?", docID,
		[]string{models.TaskPending, models.TaskProcessing}).First(&t).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return &t, nil
}

func (s *GormStore) PendingCount() (int, error) {
	var n int64
	err := s.db.Model(&models.Task{}).Where("state = ?", models.TaskPending).Count(&n).Error
	return int(n), err
}

const claimableCond = `(state = ? AND (not_before IS NULL OR not_before <= ?)) OR (state = ? AND lease_expiry < ?)`

func (s *GormStore) Lease(workerID string, ttl time.Duration) (*models.Task, error) {
	now := time.Now()

	var owners []uint
	err := s.db.Model(&models.Task{}).
		Where(claimableCond, models.TaskPending, now, models.TaskProcessing, now).
		Distinct("owner_id").Pluck("owner_id", &owners).Error
	if err != nil || len(owners) == 0 {
		return nil, err
	}
	owner := s.pickOwner(owners)

	// optimistic claim: another worker may grab the same row first, so retry
	// across a few candidates before giving up this round
	for try := 0; try < 3; try++ {
		var t models.Task
		err := s.db.Where("owner_id = ?", owner).
			Where(claimableCond, models.TaskPending, now, models.TaskProcessing, now).
			Order("id").First(&t).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		token := uuid.NewString()
		exp := now.Add(ttl)
		res := s.db.Model(&models.Task{}).
			Where("id = ? AND state = ? AND lease_token = ?", t.ID, t.State, t.LeaseToken).
			Updates(map[string]any{
				"state":        models.TaskProcessing,
				"attempts":     gorm.Expr("attempts + 1"),
				"progress":     0,
				"lease_owner":  workerID,
				"lease_token":  token,
				"lease_expiry": exp,
				"not_before":   nil,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			s.markServed(owner)
			return s.taskByID(t.ID)
		}
	}
	return nil, nil
}

func (s *GormStore) pickOwner(owners []uint) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := owners[0]
	for _, o := range owners[1:] {
		if s.lastServed[o] < s.lastServed[best] || (s.lastServed[o] == s.lastServed[best] && o < best) {
			best = o
		}
	}
	return best
}

func (s *GormStore) markServed(owner uint) {
	s.mu.Lock()
	s.serveSeq++
	s.lastServed[owner] = s.serveSeq
	s.mu.Unlock()
}

func (s *GormStore) taskByID(id uint) (*models.Task, error) {
	var t models.Task
	if err := s.db.First(&t, id).Error; err != nil {
		return nil, mapGormErr(err)
	}
	return &t, nil
}

// casUpdate applies updates iff the caller still holds a live lease.
func (s *GormStore) casUpdate(taskID uint, token string, updates map[string]any) error {
	res := s.db.Model(&models.Task{}).
		Where("id = ? AND state = ? AND lease_token = ? AND lease_expiry >= ?",
			taskID, models.TaskProcessing, token, time.Now()).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *GormStore) Heartbeat(taskID uint, token string, ttl time.Duration) error {
	return s.casUpdate(taskID, token, map[string]any{"lease_expiry": time.Now().Add(ttl)})
}

func (s *GormStore) Progress(taskID uint, token string, pct int) error {
	return s.casUpdate(taskID, token, map[string]any{
		"progress": gorm.Expr("GREATEST(progress, ?)", pct),
	})
}

func (s *GormStore) Complete(taskID uint, token string, r *models.Result) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Task{}).
			Where("id = ? AND state = ? AND lease_token = ? AND lease_expiry >= ?",
				taskID, models.TaskProcessing, token, time.Now()).
			Updates(map[string]any{
				"state":           models.TaskCompleted,
				"progress":        100,
				"last_error_kind": "",
				"last_error_msg":  "",
				"lease_owner":     "",
				"lease_token":     "",
				"lease_expiry":    nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLeaseLost
		}
		// supersede any result row a pre-crash attempt left for this task,
		// so the insert cannot collide on the task_id unique index
		if err := tx.Where("task_id = ?", taskID).Delete(&models.Result{}).Error; err != nil {
			return err
		}
		if err := tx.Create(r).Error; err != nil {
			return err
		}
		return tx.Model(&models.Task{}).Where("id = ?", taskID).
			Update("result_id", r.ID).Error
	})
}

func (s *GormStore) Fail(taskID uint, token string, kind, msg string) error {
	return s.casUpdate(taskID, token, map[string]any{
		"state":           models.TaskFailed,
		"last_error_kind": kind,
		"last_error_msg":  msg,
		"lease_owner":     "",
		"lease_token":     "",
		"lease_expiry":    nil,
	})
}

func (s *GormStore) Requeue(taskID uint, token string, kind, msg string, notBefore time.Time) error {
	return s.casUpdate(taskID, token, map[string]any{
		"state":           models.TaskPending,
		"progress":        0,
		"last_error_kind": kind,
		"last_error_msg":  msg,
		"not_before":      notBefore,
		"lease_owner":     "",
		"lease_token":     "",
		"lease_expiry":    nil,
	})
}

func (s *GormStore) Cancel(taskID uint) error {
	res := s.db.Model(&models.Task{}).
		Where("id = ? AND state IN ?", taskID,
			[]string{models.TaskPending, models.TaskProcessing}).
		Updates(map[string]any{
			"state":        models.TaskCancelled,
			"lease_owner":  "",
			"lease_token":  "",
			"lease_expiry": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var t models.Task
		if err := s.db.First(&t, taskID).Error; err != nil {
			return mapGormErr(err)
		}
		return ErrConflict // already terminal
	}
	return nil
}

func (s *GormStore) TaskState(taskID uint) (string, error) {
	var t models.Task
	if err := s.db.Select("state").First(&t, taskID).Error; err != nil {
		return "", mapGormErr(err)
	}
	return t.State, nil
}

func (s *GormStore) ResultByID(id uint) (*models.Result, error) {
	var r models.Result
	if err := s.db.First(&r, id).Error; err != nil {
		return nil, mapGormErr(err)
	}
	return &r, nil
}

func (s *GormStore) ResultByPublicID(pid string) (*models.Result, error) {
	var r models.Result
	if err := s.db.Where("public_id = ?", pid).First(&r).Error; err != nil {
		return nil, mapGormErr(err)
	}
	return &r, nil
}

func (s *GormStore) ApplyValidation(r *models.Result, rows []models.Validation) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		// optimistic lock on version: a concurrent validation that already
		// bumped it turns this write into a no-op
		next := r.Version + 1
		res := tx.Model(&models.Result{}).
			Where("id = ? AND version = ?", r.ID, r.Version).
			Select("Fields", "AggregateConfidence", "NeedsReview", "Version").
			Updates(&models.Result{
				Fields:              r.Fields,
				AggregateConfidence: r.AggregateConfidence,
				NeedsReview:         r.NeedsReview,
				Version:             next,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&models.Result{}).Where("id = ?", r.ID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		r.Version = next
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

func (s *GormStore) SetResultInvoice(resultID, invoiceID uint) error {
	res := s.db.Model(&models.Result{}).
		Where("id = ? AND invoice_id IS NULL", resultID).
		Update("invoice_id", invoiceID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := s.db.Model(&models.Result{}).Where("id = ?", resultID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// GormInvoiceStore is the Postgres-backed InvoiceStore collaborator.
type GormInvoiceStore struct {
	DB *gorm.DB
}

// Create books the invoice for its result. The unique index on result_id
// makes the first writer win; later attempts get ErrConflict.
func (s *GormInvoiceStore) Create(inv *models.Invoice) error {
	err := s.DB.Create(inv).Error
	if err != nil && (errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "unique constraint")) {
		return ErrConflict
	}
	return err
}

func (s *GormInvoiceStore) Get(id uint) (*models.Invoice, error) {
	var inv models.Invoice
	if err := s.DB.First(&inv, id).Error; err != nil {
		return nil, mapGormErr(err)
	}
	return &inv, nil
}

func mapGormErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
