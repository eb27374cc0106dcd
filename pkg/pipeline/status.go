package pipeline

import (
	"errors"

	"be04/models"
)

// Status serves task progress reads. It never mutates task state and is safe
// under arbitrary concurrent callers: the only mutable state it reads is the
// task row itself.
type Status struct {
	Store   Store
	Stats   *Stats
	Workers int
}

// TaskStatus is the caller-facing view of one task.
type TaskStatus struct {
	TaskID     string `json:"task_id"`
	DocumentID string `json:"document_id,omitempty"`
	State      string `json:"state"`
	Progress   int    `json:"progress_percent"`
	ETASeconds int    `json:"eta_seconds"`
	Attempts   int    `json:"attempts,omitempty"`
	ResultRef  string `json:"result_ref,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Get returns the task's state, progress and recomputed ETA. A caller who is
// not the owner gets Forbidden; admins may read any task.
func (s *Status) Get(taskPID string, callerID uint, admin bool) (*TaskStatus, error) {
	task, err := s.Store.TaskByPublicID(taskPID)
	if errors.Is(err, ErrNotFound) {
		return nil, errf(KindNotFound, "task not found")
	}
	if err != nil {
		return nil, err
	}
	if task.OwnerID != callerID && !admin {
		return nil, errf(KindForbidden, "not your task")
	}

	st := &TaskStatus{
		TaskID:   task.PublicID,
		State:    task.State,
		Progress: task.Progress,
		Attempts: task.Attempts,
	}
	if doc, err := s.Store.DocumentByID(task.DocumentID); err == nil {
		st.DocumentID = doc.PublicID
	}

	switch task.State {
	case models.TaskPending:
		depth, err := s.Store.PendingCount()
		if err != nil {
			depth = 0
		}
		st.ETASeconds = int(s.Stats.QueueETA(depth, s.Workers).Seconds())
	case models.TaskProcessing:
		st.ETASeconds = int(s.Stats.Remaining(task.Progress).Seconds())
	case models.TaskCompleted:
		if task.ResultID != nil {
			if r, err := s.Store.ResultByID(*task.ResultID); err == nil {
				st.ResultRef = r.PublicID
			}
		}
	case models.TaskFailed:
		st.ErrorKind = task.LastErrorKind
		st.Reason = failureAdvice(task.LastErrorKind, task.LastErrorMsg)
	}
	return st, nil
}

// failureAdvice turns the recorded error into a human-readable reason plus
// whether re-uploading can help. Exhausted transient retries read as final
// to the caller too.
func failureAdvice(kind, msg string) string {
	switch kind {
	case models.ErrKindEnginePermanent:
		return "the document could not be read; upload a clearer scan (" + msg + ")"
	case models.ErrKindTimeout, models.ErrKindEngineTransient:
		return "processing failed repeatedly; re-upload to try again (" + msg + ")"
	}
	if msg == "" {
		return "processing failed"
	}
	return msg
}
