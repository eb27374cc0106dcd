package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"be04/models"
	"be04/pkg/ocr"
	"be04/pkg/storage"
)

// errCancelled aborts an attempt when the owner cancelled the task; the
// worker writes nothing and releases its resources.
var errCancelled = errors.New("task cancelled by owner")

// Pool runs N workers that lease tasks from the store, execute the OCR
// stages and record results. Crash recovery comes from lease expiry: a
// worker that dies mid-task simply stops heartbeating and the task becomes
// claimable again.
type Pool struct {
	Store  Store
	Blobs  storage.Store
	Engine ocr.Engine
	Rules  *ocr.Rules
	Stats  *Stats

	Workers       int
	LeaseTTL      time.Duration // claim validity, refreshed by heartbeat
	AttemptBudget time.Duration // wall-clock cap per attempt
	MaxAttempts   int           // transient-failure retry cap
	BackoffBase   time.Duration // first retry delay, doubles per attempt
	Poll          time.Duration // lease poll interval

	wake   chan struct{}
	cancel context.CancelFunc
	eg     *errgroup.Group
}

func (p *Pool) defaults() {
	if p.Workers <= 0 {
		p.Workers = 4
	}
	if p.LeaseTTL <= 0 {
		p.LeaseTTL = 60 * time.Second
	}
	if p.AttemptBudget <= 0 {
		p.AttemptBudget = 2 * time.Minute
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 2 * time.Second
	}
	if p.Poll <= 0 {
		p.Poll = time.Second
	}
	if p.Rules == nil {
		p.Rules = ocr.DefaultRules()
	}
}

// Start launches the workers. They run until Stop.
func (p *Pool) Start() {
	p.defaults()
	p.wake = make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.eg, ctx = errgroup.WithContext(ctx)
	host, _ := os.Hostname()
	for i := 0; i < p.Workers; i++ {
		workerID := fmt.Sprintf("%s/worker-%d/%s", host, i+1, uuid.NewString()[:8])
		p.eg.Go(func() error {
			p.run(ctx, workerID)
			return nil
		})
	}
	log.Printf("pipeline: %d workers started", p.Workers)
}

// Stop signals the workers and waits for in-flight attempts to finish or be
// cancelled.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	_ = p.eg.Wait()
	log.Printf("pipeline: workers stopped")
}

// Wake nudges an idle worker after an enqueue.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) run(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.Poll)
	defer ticker.Stop()
	for {
		p.drain(ctx, workerID)
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// drain leases and processes tasks until the store has nothing ready.
func (p *Pool) drain(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		task, err := p.Store.Lease(workerID, p.LeaseTTL)
		if err != nil {
			log.Printf("pipeline: lease error: %v", err)
			return
		}
		if task == nil {
			return
		}
		p.process(ctx, workerID, task)
	}
}

func (p *Pool) process(ctx context.Context, workerID string, task *models.Task) {
	start := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptBudget)
	defer cancel()

	// heartbeat keeps the lease alive while the attempt runs
	hbDone := make(chan struct{})
	defer close(hbDone)
	go p.heartbeat(task, hbDone)

	resultID, err := p.attempt(attemptCtx, task)
	if err == nil {
		elapsed := time.Since(start)
		p.Stats.ObserveTotal(elapsed)
		log.Printf("pipeline: task %s completed by %s in %s (result %d, attempt %d)",
			task.PublicID, workerID, elapsed.Round(time.Millisecond), resultID, task.Attempts)
		return
	}
	p.settleFailure(attemptCtx, task, workerID, err)
}

func (p *Pool) heartbeat(task *models.Task, done <-chan struct{}) {
	interval := p.LeaseTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := p.Store.Heartbeat(task.ID, task.LeaseToken, p.LeaseTTL); err != nil {
				return // lease gone; the attempt will fail on its next write
			}
		}
	}
}

// attempt runs the five processing stages. Cancellation is checked at every
// stage boundary; progress writes double as lease assertions.
func (p *Pool) attempt(ctx context.Context, task *models.Task) (uint, error) {
	stageStart := time.Now()
	mark := func(pct int) error {
		if err := p.checkCancelled(task.ID); err != nil {
			return err
		}
		if err := p.Store.Progress(task.ID, task.LeaseToken, pct); err != nil {
			return err
		}
		p.Stats.ObserveStage(pct, time.Since(stageStart))
		stageStart = time.Now()
		return nil
	}

	doc, err := p.Store.DocumentByID(task.DocumentID)
	if err != nil {
		return 0, fmt.Errorf("load document %d: %w", task.DocumentID, err)
	}
	blob, err := p.Blobs.Load(doc.StoreRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, ocr.Permanent(fmt.Errorf("blob %s missing", doc.StoreRef))
		}
		return 0, fmt.Errorf("load blob: %w", err)
	}
	if err := mark(StageVerified); err != nil {
		return 0, err
	}

	prepped, err := ocr.Preprocess(blob)
	if err != nil {
		return 0, err
	}
	if err := mark(StagePreprocessed); err != nil {
		return 0, err
	}

	rec, err := p.Engine.Recognize(ctx, prepped)
	if err != nil {
		return 0, err
	}
	if err := mark(StageRecognized); err != nil {
		return 0, err
	}

	extracted := ocr.Extract(rec, p.Rules)
	scored := ocr.Score(extracted, p.Rules)
	agg := ocr.Aggregate(scored, p.Rules)
	if err := mark(StageMapped); err != nil {
		return 0, err
	}

	result := &models.Result{
		PublicID:            uuid.NewString(),
		TaskID:              task.ID,
		OwnerID:             task.OwnerID,
		Fields:              buildFieldMap(scored, p.Rules),
		AggregateConfidence: agg,
		NeedsReview:         p.Rules.NeedsReview(agg),
		RawText:             rec.Text,
		Engine:              rec.Engine,
		DurationMs:          time.Since(task.UpdatedAt).Milliseconds(),
	}
	if err := p.checkCancelled(task.ID); err != nil {
		return 0, err
	}
	// result and completion land in one lease-guarded write: losing the
	// lease here means nothing was persisted
	if err := p.Store.Complete(task.ID, task.LeaseToken, result); err != nil {
		return 0, err
	}
	p.Stats.ObserveStage(StageStored, time.Since(stageStart))
	return result.ID, nil
}

// buildFieldMap records every canonical field: unresolved required fields
// are kept with confidence 0 so the result flags them for review instead of
// failing the task.
func buildFieldMap(scored []ocr.ScoredField, rules *ocr.Rules) models.FieldMap {
	fields := make(models.FieldMap, len(scored))
	for _, f := range scored {
		if !f.Found && !rules.IsRequired(f.Name) {
			continue
		}
		fields[f.Name] = models.Field{
			Value:      f.Value,
			Confidence: f.Confidence,
			Source:     models.SourceEngine,
		}
	}
	return fields
}

func (p *Pool) checkCancelled(taskID uint) error {
	state, err := p.Store.TaskState(taskID)
	if err != nil {
		return err
	}
	if state == models.TaskCancelled {
		return errCancelled
	}
	return nil
}

// settleFailure classifies the attempt error and either retries with
// backoff, fails the task, or walks away (cancellation, lost lease).
func (p *Pool) settleFailure(ctx context.Context, task *models.Task, workerID string, err error) {
	switch {
	case errors.Is(err, errCancelled):
		log.Printf("pipeline: task %s cancelled, %s aborting", task.PublicID, workerID)
		return
	case errors.Is(err, ErrLeaseLost):
		log.Printf("pipeline: task %s lease lost by %s", task.PublicID, workerID)
		return
	}

	kind := models.ErrKindEngineTransient
	transient := true
	var engErr *ocr.EngineError
	switch {
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		kind = models.ErrKindTimeout
	case errors.As(err, &engErr):
		if errors.Is(engErr.Err, context.DeadlineExceeded) {
			kind = models.ErrKindTimeout
		} else if !engErr.Transient {
			kind, transient = models.ErrKindEnginePermanent, false
		}
	}

	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	if transient && task.Attempts < p.MaxAttempts {
		delay := p.BackoffBase << (task.Attempts - 1)
		notBefore := time.Now().Add(delay)
		if rqErr := p.Store.Requeue(task.ID, task.LeaseToken, kind, msg, notBefore); rqErr != nil {
			log.Printf("pipeline: requeue task %s: %v", task.PublicID, rqErr)
			return
		}
		log.Printf("pipeline: task %s attempt %d/%d failed (%s), retrying in %s: %v",
			task.PublicID, task.Attempts, p.MaxAttempts, kind, delay, err)
		return
	}
	if fErr := p.Store.Fail(task.ID, task.LeaseToken, kind, msg); fErr != nil {
		log.Printf("pipeline: fail task %s: %v", task.PublicID, fErr)
		return
	}
	log.Printf("pipeline: task %s failed permanently after attempt %d (%s): %v",
		task.PublicID, task.Attempts, kind, err)
}
