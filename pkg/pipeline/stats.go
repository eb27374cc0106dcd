package pipeline

import (
	"sync"
	"time"
)

// Progress marks reported at stage boundaries. The worker reports discrete
// completions, not continuous percentages.
const (
	StageVerified     = 10  // blob loaded and verified
	StagePreprocessed = 30  // image cleanup done
	StageRecognized   = 60  // engine run done
	StageMapped       = 90  // field extraction + scoring done
	StageStored       = 100 // result persisted
)

var stageMarks = []int{StageVerified, StagePreprocessed, StageRecognized, StageMapped, StageStored}

// defaultTotal seeds the ETA math before any task has completed.
const defaultTotal = 20 * time.Second

// Stats keeps exponentially weighted means of per-stage and total processing
// durations. Written by workers, read by the gateway and status service
// under arbitrary concurrency.
type Stats struct {
	mu    sync.Mutex
	stage map[int]time.Duration // mark -> mean duration of the step ending there
	total time.Duration
}

func NewStats() *Stats {
	return &Stats{stage: make(map[int]time.Duration)}
}

const ewmaAlpha = 0.3

func ewma(old, sample time.Duration) time.Duration {
	if old == 0 {
		return sample
	}
	return time.Duration(float64(old)*(1-ewmaAlpha) + float64(sample)*ewmaAlpha)
}

// ObserveStage records the duration of the step that ended at mark.
func (s *Stats) ObserveStage(mark int, d time.Duration) {
	s.mu.Lock()
	s.stage[mark] = ewma(s.stage[mark], d)
	s.mu.Unlock()
}

// ObserveTotal records a full successful processing duration.
func (s *Stats) ObserveTotal(d time.Duration) {
	s.mu.Lock()
	s.total = ewma(s.total, d)
	s.mu.Unlock()
}

// MeanTotal is the historical mean processing time for one task.
func (s *Stats) MeanTotal() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total == 0 {
		return defaultTotal
	}
	return s.total
}

// Remaining estimates how long a task at the given progress still needs,
// from the historical per-stage means.
func (s *Stats) Remaining(progress int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	fallback := defaultTotal / time.Duration(len(stageMarks))
	if s.total != 0 {
		fallback = s.total / time.Duration(len(stageMarks))
	}
	var rem time.Duration
	for _, mark := range stageMarks {
		if mark <= progress {
			continue
		}
		if d := s.stage[mark]; d != 0 {
			rem += d
		} else {
			rem += fallback
		}
	}
	return rem
}

// QueueETA is the heuristic wait for a newly admitted task: current queue
// depth (plus the new task) times the mean processing time, divided across
// the worker pool.
func (s *Stats) QueueETA(queueDepth, workers int) time.Duration {
	if workers < 1 {
		workers = 1
	}
	return time.Duration(queueDepth+1) * s.MeanTotal() / time.Duration(workers)
}
