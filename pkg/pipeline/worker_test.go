package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"be04/models"
	"be04/pkg/ocr"
	"be04/pkg/storage"
)

// scriptedEngine returns canned recognitions or errors, one per call.
type scriptedEngine struct {
	calls   int
	respond func(call int) (*ocr.Recognition, error)
}

func (e *scriptedEngine) Name() string { return "scripted" }

func (e *scriptedEngine) Recognize(ctx context.Context, img []byte) (*ocr.Recognition, error) {
	e.calls++
	return e.respond(e.calls)
}

// blockingEngine waits for ctx to expire, like a hung recognition run.
type blockingEngine struct{}

func (e *blockingEngine) Name() string { return "blocking" }

func (e *blockingEngine) Recognize(ctx context.Context, img []byte) (*ocr.Recognition, error) {
	<-ctx.Done()
	return nil, ocr.Transient(ctx.Err())
}

// goodInvoiceText yields fields that pass every business check, so each
// extracted field lands at defaultConf+boost = 70 and the aggregate clears
// the review threshold exactly.
func goodInvoiceText() string {
	date := time.Now().AddDate(0, -1, 0).Format("02.01.2006")
	return "Faktura nr 123/2024\n" +
		"Data wystawienia: " + date + "\n" +
		"NIP: 526-025-02-74\n" +
		"VAT 23%\n" +
		"Do zapłaty: 123,00 zł"
}

type workerFixture struct {
	store *MemStore
	pool  *Pool
	task  *models.Task
}

func newWorkerFixture(t *testing.T, engine ocr.Engine) *workerFixture {
	t.Helper()
	blobs, err := storage.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ref, err := blobs.Save(pngBytes(t), "png")
	if err != nil {
		t.Fatal(err)
	}
	store := NewMemStore()
	doc := &models.Document{PublicID: uuid.NewString(), OwnerID: 1, FileName: "scan.png", StoreRef: ref}
	task := &models.Task{PublicID: uuid.NewString(), OwnerID: 1}
	if err := store.Admit(doc, task); err != nil {
		t.Fatal(err)
	}
	pool := &Pool{
		Store:         store,
		Blobs:         blobs,
		Engine:        engine,
		Rules:         ocr.DefaultRules(),
		Stats:         NewStats(),
		Workers:       1,
		LeaseTTL:      time.Minute,
		AttemptBudget: 5 * time.Second,
		MaxAttempts:   3,
		BackoffBase:   time.Nanosecond, // retries become leasable immediately
		Poll:          time.Second,
	}
	return &workerFixture{store: store, pool: pool, task: task}
}

// leaseAndProcess runs one full worker attempt synchronously.
func (f *workerFixture) leaseAndProcess(t *testing.T) {
	t.Helper()
	task, err := f.store.Lease("test-worker", f.pool.LeaseTTL)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if task == nil {
		t.Fatal("no task leasable")
	}
	f.pool.process(context.Background(), "test-worker", task)
}

func TestWorkerCompletesTask(t *testing.T) {
	engine := &scriptedEngine{respond: func(int) (*ocr.Recognition, error) {
		return &ocr.Recognition{Engine: "scripted", Text: goodInvoiceText()}, nil
	}}
	f := newWorkerFixture(t, engine)

	f.leaseAndProcess(t)

	task, _ := f.store.TaskByPublicID(f.task.PublicID)
	if task.State != models.TaskCompleted {
		t.Fatalf("state = %s (%s: %s)", task.State, task.LastErrorKind, task.LastErrorMsg)
	}
	if task.Progress != 100 {
		t.Errorf("progress = %d", task.Progress)
	}
	if task.Attempts != 1 {
		t.Errorf("attempts = %d", task.Attempts)
	}
	if task.ResultID == nil {
		t.Fatal("no result recorded")
	}

	result, err := f.store.ResultByID(*task.ResultID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if result.NeedsReview {
		t.Errorf("aggregate %d flagged for review", result.AggregateConfidence)
	}
	for _, name := range []string{ocr.FieldInvoiceNumber, ocr.FieldSellerNIP, ocr.FieldVATRate, ocr.FieldGrossTotal} {
		field, ok := result.Fields[name]
		if !ok {
			t.Errorf("field %s missing from result", name)
			continue
		}
		if field.Source != models.SourceEngine {
			t.Errorf("field %s source = %s", name, field.Source)
		}
	}
}

func TestWorkerRetriesTransientThenFails(t *testing.T) {
	engine := &scriptedEngine{respond: func(int) (*ocr.Recognition, error) {
		return nil, ocr.Transient(errors.New("engine crashed"))
	}}
	f := newWorkerFixture(t, engine)

	// first two attempts requeue with backoff
	for i := 1; i <= 2; i++ {
		f.leaseAndProcess(t)
		task, _ := f.store.TaskByPublicID(f.task.PublicID)
		if task.State != models.TaskPending {
			t.Fatalf("attempt %d: state = %s, want pending", i, task.State)
		}
		if task.LastErrorKind != models.ErrKindEngineTransient {
			t.Errorf("attempt %d: kind = %s", i, task.LastErrorKind)
		}
		if task.NotBefore == nil {
			t.Errorf("attempt %d: no backoff recorded", i)
		}
	}

	// third transient failure exhausts the retry budget
	f.leaseAndProcess(t)
	task, _ := f.store.TaskByPublicID(f.task.PublicID)
	if task.State != models.TaskFailed {
		t.Fatalf("state = %s, want failed", task.State)
	}
	if task.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", task.Attempts)
	}
	if task.LastErrorKind != models.ErrKindEngineTransient {
		t.Errorf("kind = %s", task.LastErrorKind)
	}
	if engine.calls != 3 {
		t.Errorf("engine calls = %d, want 3", engine.calls)
	}
}

func TestWorkerFailsPermanentImmediately(t *testing.T) {
	engine := &scriptedEngine{respond: func(int) (*ocr.Recognition, error) {
		return nil, ocr.Permanent(errors.New("not a document"))
	}}
	f := newWorkerFixture(t, engine)

	f.leaseAndProcess(t)

	task, _ := f.store.TaskByPublicID(f.task.PublicID)
	if task.State != models.TaskFailed {
		t.Fatalf("state = %s, want failed", task.State)
	}
	if task.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on permanent)", task.Attempts)
	}
	if task.LastErrorKind != models.ErrKindEnginePermanent {
		t.Errorf("kind = %s", task.LastErrorKind)
	}
}

func TestWorkerLosingLeaseWritesNoResult(t *testing.T) {
	var f *workerFixture
	engine := &scriptedEngine{respond: func(int) (*ocr.Recognition, error) {
		// the lease expires mid-recognition and another worker reclaims
		// and finishes the task before this one returns
		f.store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		reclaimed, err := f.store.Lease("other-worker", time.Hour)
		if err != nil || reclaimed == nil {
			t.Errorf("reclaim: %v %v", reclaimed, err)
			return nil, ocr.Permanent(errors.New("reclaim failed"))
		}
		result := &models.Result{PublicID: uuid.NewString(), TaskID: reclaimed.ID, OwnerID: 1}
		if err := f.store.Complete(reclaimed.ID, reclaimed.LeaseToken, result); err != nil {
			t.Errorf("complete after reclaim: %v", err)
		}
		return &ocr.Recognition{Engine: "scripted", Text: goodInvoiceText()}, nil
	}}
	f = newWorkerFixture(t, engine)

	f.leaseAndProcess(t)

	task, _ := f.store.TaskByPublicID(f.task.PublicID)
	if task.State != models.TaskCompleted {
		t.Fatalf("state = %s, want completed by the reclaiming worker", task.State)
	}
	if task.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", task.Attempts)
	}
	f.store.mu.Lock()
	n := len(f.store.results)
	f.store.mu.Unlock()
	if n != 1 {
		t.Errorf("results = %d, want exactly 1 for the task", n)
	}
}

func TestWorkerObservesCancellation(t *testing.T) {
	engine := &scriptedEngine{respond: func(int) (*ocr.Recognition, error) {
		t.Fatal("engine must not run for a cancelled task")
		return nil, nil
	}}
	f := newWorkerFixture(t, engine)

	task, err := f.store.Lease("test-worker", f.pool.LeaseTTL)
	if err != nil || task == nil {
		t.Fatalf("lease: %v", err)
	}
	// owner cancels while the worker holds the lease
	if err := f.store.Cancel(task.ID); err != nil {
		t.Fatal(err)
	}
	f.pool.process(context.Background(), "test-worker", task)

	got, _ := f.store.TaskByPublicID(f.task.PublicID)
	if got.State != models.TaskCancelled {
		t.Fatalf("state = %s, want cancelled", got.State)
	}
	if got.ResultID != nil {
		t.Error("cancelled task has a result")
	}
}

func TestWorkerClassifiesTimeout(t *testing.T) {
	f := newWorkerFixture(t, &blockingEngine{})
	f.pool.AttemptBudget = 20 * time.Millisecond
	f.pool.MaxAttempts = 1

	f.leaseAndProcess(t)

	task, _ := f.store.TaskByPublicID(f.task.PublicID)
	if task.State != models.TaskFailed {
		t.Fatalf("state = %s, want failed", task.State)
	}
	if task.LastErrorKind != models.ErrKindTimeout {
		t.Errorf("kind = %s, want %s", task.LastErrorKind, models.ErrKindTimeout)
	}
}

func TestWorkerFailsPermanentOnCorruptBlob(t *testing.T) {
	engine := &scriptedEngine{respond: func(int) (*ocr.Recognition, error) {
		t.Fatal("engine must not run when preprocessing fails")
		return nil, nil
	}}
	f := newWorkerFixture(t, engine)

	// overwrite the blob with bytes no decoder accepts
	doc, _ := f.store.DocumentByID(f.task.DocumentID)
	if err := f.pool.Blobs.Remove(doc.StoreRef); err != nil {
		t.Fatal(err)
	}
	ref, err := f.pool.Blobs.Save([]byte("garbage"), "png")
	if err != nil {
		t.Fatal(err)
	}
	f.store.mu.Lock()
	f.store.docs[doc.ID].StoreRef = ref
	f.store.mu.Unlock()

	f.leaseAndProcess(t)

	task, _ := f.store.TaskByPublicID(f.task.PublicID)
	if task.State != models.TaskFailed {
		t.Fatalf("state = %s, want failed", task.State)
	}
	if task.LastErrorKind != models.ErrKindEnginePermanent {
		t.Errorf("kind = %s", task.LastErrorKind)
	}
}

func TestPoolWakeDoesNotBlock(t *testing.T) {
	p := &Pool{wake: make(chan struct{}, 1)}
	for i := 0; i < 5; i++ {
		p.Wake()
	}
}
