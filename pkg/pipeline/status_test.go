package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"be04/models"
)

func newStatusFixture(t *testing.T) (*Status, *MemStore, *models.Task) {
	t.Helper()
	store := NewMemStore()
	task := admitTask(t, store, 1, "scan.png")
	return &Status{Store: store, Stats: NewStats(), Workers: 2}, store, task
}

func TestStatusPendingHasQueueETA(t *testing.T) {
	s, _, task := newStatusFixture(t)

	st, err := s.Get(task.PublicID, 1, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.State != models.TaskPending {
		t.Errorf("state = %s", st.State)
	}
	if st.ETASeconds <= 0 {
		t.Errorf("eta = %d, want > 0 for a queued task", st.ETASeconds)
	}

	// reads are idempotent
	again, err := s.Get(task.PublicID, 1, false)
	if err != nil || again.State != st.State || again.Progress != st.Progress {
		t.Errorf("second read differs: %+v vs %+v (%v)", st, again, err)
	}
}

func TestStatusProcessingReportsProgress(t *testing.T) {
	s, store, task := newStatusFixture(t)

	leased, _ := store.Lease("w1", time.Minute)
	if err := store.Progress(leased.ID, leased.LeaseToken, 60); err != nil {
		t.Fatal(err)
	}

	st, err := s.Get(task.PublicID, 1, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.State != models.TaskProcessing || st.Progress != 60 {
		t.Errorf("status = %+v", st)
	}
	if st.Attempts != 1 {
		t.Errorf("attempts = %d", st.Attempts)
	}
}

func TestStatusCompletedCarriesResultRef(t *testing.T) {
	s, store, task := newStatusFixture(t)

	leased, _ := store.Lease("w1", time.Minute)
	result := &models.Result{PublicID: uuid.NewString(), TaskID: leased.ID, OwnerID: 1}
	if err := store.Complete(leased.ID, leased.LeaseToken, result); err != nil {
		t.Fatal(err)
	}

	st, err := s.Get(task.PublicID, 1, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.State != models.TaskCompleted || st.Progress != 100 {
		t.Errorf("status = %+v", st)
	}
	if st.ResultRef != result.PublicID {
		t.Errorf("result ref = %q, want %q", st.ResultRef, result.PublicID)
	}
}

func TestStatusFailedExplainsItself(t *testing.T) {
	s, store, task := newStatusFixture(t)

	leased, _ := store.Lease("w1", time.Minute)
	if err := store.Fail(leased.ID, leased.LeaseToken, models.ErrKindEnginePermanent, "blurred scan"); err != nil {
		t.Fatal(err)
	}

	st, err := s.Get(task.PublicID, 1, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.ErrorKind != models.ErrKindEnginePermanent {
		t.Errorf("kind = %s", st.ErrorKind)
	}
	if !strings.Contains(st.Reason, "clearer scan") {
		t.Errorf("reason = %q", st.Reason)
	}
}

func TestStatusOwnership(t *testing.T) {
	s, _, task := newStatusFixture(t)

	if _, err := s.Get(task.PublicID, 2, false); err == nil {
		t.Fatal("foreign read accepted")
	} else if pe, ok := AsError(err); !ok || pe.Kind != KindForbidden {
		t.Fatalf("err = %v, want Forbidden", err)
	}

	if _, err := s.Get(task.PublicID, 2, true); err != nil {
		t.Fatalf("admin read: %v", err)
	}

	if _, err := s.Get("no-such-task", 1, false); err == nil {
		t.Fatal("unknown task accepted")
	} else if pe, ok := AsError(err); !ok || pe.Kind != KindNotFound {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestStatsRemainingShrinksWithProgress(t *testing.T) {
	s := NewStats()
	for _, mark := range stageMarks {
		s.ObserveStage(mark, 2*time.Second)
	}
	if s.Remaining(StageVerified) <= s.Remaining(StageMapped) {
		t.Error("remaining time must shrink as progress advances")
	}
	if s.Remaining(StageStored) != 0 {
		t.Errorf("remaining at 100%% = %v", s.Remaining(StageStored))
	}
}

func TestStatsQueueETAScalesWithDepth(t *testing.T) {
	s := NewStats()
	s.ObserveTotal(10 * time.Second)
	if s.QueueETA(0, 1) != 10*time.Second {
		t.Errorf("eta for empty queue = %v", s.QueueETA(0, 1))
	}
	if s.QueueETA(3, 1) != 40*time.Second {
		t.Errorf("eta for depth 3 = %v", s.QueueETA(3, 1))
	}
	if s.QueueETA(3, 2) != 20*time.Second {
		t.Errorf("eta with two workers = %v", s.QueueETA(3, 2))
	}
}
