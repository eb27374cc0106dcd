package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"be04/models"
)

// MemStore is the in-memory Store: mutex-guarded maps with the same lease
// semantics as the Postgres-backed store. It backs unit tests and single-node
// deployments without a database.
type MemStore struct {
	mu          sync.Mutex
	docs        map[uint]*models.Document
	tasks       map[uint]*models.Task
	results     map[uint]*models.Result
	validations []models.Validation

	nextDoc, nextTask, nextResult uint

	// round-robin fairness: owners are served in least-recently-served order
	lastServed map[uint]int64
	serveSeq   int64

	now func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		docs:       make(map[uint]*models.Document),
		tasks:      make(map[uint]*models.Task),
		results:    make(map[uint]*models.Result),
		lastServed: make(map[uint]int64),
		now:        time.Now,
	}
}

func (s *MemStore) Admit(doc *models.Document, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDoc++
	doc.ID = s.nextDoc
	doc.CreatedAt = s.now()
	cp := *doc
	s.docs[doc.ID] = &cp

	s.nextTask++
	task.ID = s.nextTask
	task.DocumentID = doc.ID
	task.State = models.TaskPending
	task.CreatedAt = s.now()
	tp := *task
	s.tasks[task.ID] = &tp
	return nil
}

func (s *MemStore) CreateTask(task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTask++
	task.ID = s.nextTask
	task.State = models.TaskPending
	task.CreatedAt = s.now()
	tp := *task
	s.tasks[task.ID] = &tp
	return nil
}

func (s *MemStore) DocumentByID(id uint) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemStore) DocumentByOwnerAndName(owner uint, name string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.docs {
		if d.OwnerID == owner && d.FileName == name {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) TaskByPublicID(pid string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.PublicID == pid {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) ActiveTaskForDocument(docID uint) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.DocumentID == docID && !models.Terminal(t.State) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) PendingCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.State == models.TaskPending {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) Lease(workerID string, ttl time.Duration) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	claimable := func(t *models.Task) bool {
		switch t.State {
		case models.TaskPending:
			return t.NotBefore == nil || !t.NotBefore.After(now)
		case models.TaskProcessing:
			// crash recovery: lease expired without completion
			return t.LeaseExpiry != nil && t.LeaseExpiry.Before(now)
		}
		return false
	}

	byOwner := make(map[uint][]*models.Task)
	for _, t := range s.tasks {
		if claimable(t) {
			byOwner[t.OwnerID] = append(byOwner[t.OwnerID], t)
		}
	}
	if len(byOwner) == 0 {
		return nil, nil
	}
	owners := make([]uint, 0, len(byOwner))
	for o := range byOwner {
		owners = append(owners, o)
	}
	sort.Slice(owners, func(a, b int) bool {
		sa, sb := s.lastServed[owners[a]], s.lastServed[owners[b]]
		if sa != sb {
			return sa < sb
		}
		return owners[a] < owners[b]
	})
	owner := owners[0]
	cands := byOwner[owner]
	sort.Slice(cands, func(a, b int) bool { return cands[a].ID < cands[b].ID })
	t := cands[0]

	// expired-lease reclaims count as a fresh attempt too
	t.State = models.TaskProcessing
	t.Attempts++
	t.Progress = 0
	t.LeaseOwner = workerID
	t.LeaseToken = uuid.NewString()
	exp := now.Add(ttl)
	t.LeaseExpiry = &exp
	t.NotBefore = nil
	t.UpdatedAt = now

	s.serveSeq++
	s.lastServed[owner] = s.serveSeq

	cp := *t
	return &cp, nil
}

// leased returns the task iff the caller still holds a live lease on it.
func (s *MemStore) leased(taskID uint, token string) (*models.Task, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.State != models.TaskProcessing || t.LeaseToken != token ||
		t.LeaseExpiry == nil || t.LeaseExpiry.Before(s.now()) {
		return nil, ErrLeaseLost
	}
	return t, nil
}

func (s *MemStore) Heartbeat(taskID uint, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.leased(taskID, token)
	if err != nil {
		return err
	}
	exp := s.now().Add(ttl)
	t.LeaseExpiry = &exp
	return nil
}

func (s *MemStore) Progress(taskID uint, token string, pct int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.leased(taskID, token)
	if err != nil {
		return err
	}
	if pct > t.Progress { // keep monotonic within the attempt
		t.Progress = pct
		t.UpdatedAt = s.now()
	}
	return nil
}

func (s *MemStore) Complete(taskID uint, token string, r *models.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.leased(taskID, token)
	if err != nil {
		return err
	}
	if err := models.CheckTransition(t.State, models.TaskCompleted); err != nil {
		return err
	}
	// a result row left by an earlier attempt of this task is superseded
	for id, old := range s.results {
		if old.TaskID == taskID {
			delete(s.results, id)
		}
	}
	s.nextResult++
	r.ID = s.nextResult
	r.CreatedAt = s.now()
	cp := *r
	cp.Fields = copyFields(r.Fields)
	s.results[r.ID] = &cp

	rid := r.ID
	t.State = models.TaskCompleted
	t.Progress = 100
	t.ResultID = &rid
	t.LastErrorKind, t.LastErrorMsg = "", ""
	s.releaseLocked(t)
	return nil
}

func (s *MemStore) Fail(taskID uint, token string, kind, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.leased(taskID, token)
	if err != nil {
		return err
	}
	if err := models.CheckTransition(t.State, models.TaskFailed); err != nil {
		return err
	}
	t.State = models.TaskFailed
	t.LastErrorKind, t.LastErrorMsg = kind, msg
	s.releaseLocked(t)
	return nil
}

func (s *MemStore) Requeue(taskID uint, token string, kind, msg string, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.leased(taskID, token)
	if err != nil {
		return err
	}
	if err := models.CheckTransition(t.State, models.TaskPending); err != nil {
		return err
	}
	t.State = models.TaskPending
	t.LastErrorKind, t.LastErrorMsg = kind, msg
	t.NotBefore = &notBefore
	t.Progress = 0
	s.releaseLocked(t)
	return nil
}

func (s *MemStore) Cancel(taskID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if models.Terminal(t.State) {
		return ErrConflict
	}
	t.State = models.TaskCancelled
	s.releaseLocked(t)
	return nil
}

func (s *MemStore) TaskState(taskID uint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return "", ErrNotFound
	}
	return t.State, nil
}

func (s *MemStore) releaseLocked(t *models.Task) {
	t.LeaseOwner = ""
	t.LeaseToken = ""
	t.LeaseExpiry = nil
	t.UpdatedAt = s.now()
}

// CreateResult seeds a result outside the worker flow (test fixtures).
func (s *MemStore) CreateResult(r *models.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextResult++
	r.ID = s.nextResult
	r.CreatedAt = s.now()
	cp := *r
	cp.Fields = copyFields(r.Fields)
	s.results[r.ID] = &cp
	return nil
}

func (s *MemStore) ResultByID(id uint) (*models.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	cp.Fields = copyFields(r.Fields)
	return &cp, nil
}

func (s *MemStore) ResultByPublicID(pid string) (*models.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.results {
		if r.PublicID == pid {
			cp := *r
			cp.Fields = copyFields(r.Fields)
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) ApplyValidation(r *models.Result, rows []models.Validation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.results[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != r.Version {
		return ErrConflict // another validation landed first
	}
	cur.Version++
	r.Version = cur.Version
	cur.Fields = copyFields(r.Fields)
	cur.AggregateConfidence = r.AggregateConfidence
	cur.NeedsReview = r.NeedsReview
	cur.UpdatedAt = s.now()
	for _, row := range rows {
		row.CreatedAt = s.now()
		s.validations = append(s.validations, row)
	}
	return nil
}

func (s *MemStore) SetResultInvoice(resultID, invoiceID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[resultID]
	if !ok {
		return ErrNotFound
	}
	if r.InvoiceID != nil {
		return ErrConflict
	}
	r.InvoiceID = &invoiceID
	return nil
}

// Validations returns a copy of the audit trail (test helper).
func (s *MemStore) Validations() []models.Validation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Validation, len(s.validations))
	copy(out, s.validations)
	return out
}

// MemInvoiceStore is the in-memory InvoiceStore used alongside MemStore.
type MemInvoiceStore struct {
	mu       sync.Mutex
	next     uint
	invoices map[uint]*models.Invoice
}

func NewMemInvoiceStore() *MemInvoiceStore {
	return &MemInvoiceStore{invoices: make(map[uint]*models.Invoice)}
}

func (s *MemInvoiceStore) Create(inv *models.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// same uniqueness as the result_id index on the invoices table
	for _, existing := range s.invoices {
		if existing.ResultID == inv.ResultID {
			return ErrConflict
		}
	}
	s.next++
	inv.ID = s.next
	cp := *inv
	s.invoices[inv.ID] = &cp
	return nil
}

func (s *MemInvoiceStore) Get(id uint) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func copyFields(m models.FieldMap) models.FieldMap {
	if m == nil {
		return nil
	}
	cp := make(models.FieldMap, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
