package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStatusConflict is returned by a transition whose precondition on the current status fails.
	ErrStatusConflict = errors.New("current status does not allow this update")

	// ErrInvalidRecord is returned when a record is missing required fields or has invalid values.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrDuplicate is returned when a uniqueness constraint is violated.
	ErrDuplicate = errors.New("duplicate record")
)

// Store is the record store. It performs CRUD and filtered queries only; the rules about
// which status changes are legal live with the caller, expressed through the From sets of
// the transition requests.
type Store interface {
	InsertSignal(ctx context.Context, signal *Signal) error
	GetSignal(ctx context.Context, id string) (*Signal, error)
	ListSignals(ctx context.Context, filter *SignalFilter) ([]*Signal, error)
	TransitionSignal(ctx context.Context, req *SignalTransition) (SignalStatus, error)

	InsertIssue(ctx context.Context, issue *Issue) error
	GetIssue(ctx context.Context, id string) (*Issue, error)
	ListIssues(ctx context.Context, filter *IssueFilter) ([]*Issue, error)
	TransitionIssue(ctx context.Context, req *IssueTransition) (IssueStatus, error)

	InsertTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter *TaskFilter) ([]*Task, error)
	TransitionTask(ctx context.Context, req *TaskTransition) (TaskStatus, error)

	InsertChangeRequest(ctx context.Context, cr *ChangeRequest) error
	ListChangeRequests(ctx context.Context, filter *ChangeRequestFilter) ([]*ChangeRequest, error)

	InsertAgentLog(ctx context.Context, entry *AgentLog) error
	ListAgentLogs(ctx context.Context, limit int) ([]*AgentLog, error)

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// SignalFilter selects signals. Nil fields do not constrain the query.
type SignalFilter struct {
	Status    *SignalStatus
	Severity  *Severity
	Type      *SignalType
	Page      *string
	Element   *string
	Processed *bool
	Limit     int
	// Triage orders by severity descending then oldest first; otherwise newest first.
	Triage bool
}

// IssueFilter selects issues. Nil fields do not constrain the query.
type IssueFilter struct {
	Status   *IssueStatus
	Statuses []IssueStatus
	Priority *Priority
	SignalID *string
	Limit    int
	// Triage orders by priority descending then oldest first; otherwise newest first.
	Triage bool
}

// TaskFilter selects tasks. Nil fields do not constrain the query.
type TaskFilter struct {
	Status  *TaskStatus
	IssueID *string
	Limit   int
	// Triage orders by priority descending then oldest first; otherwise newest first.
	Triage bool
}

// ChangeRequestFilter selects change requests. Nil fields do not constrain the query.
type ChangeRequestFilter struct {
	Status  *ChangeRequestStatus
	IssueID *string
	Limit   int
}

// SignalTransition moves a signal to To when its current status is in From (empty From = any).
type SignalTransition struct {
	ID   string
	From []SignalStatus
	To   SignalStatus
	// MarkProcessed sets processed=true in the same update. Nothing sets it back to false.
	MarkProcessed bool
	IssueID       string
}

// IssueTransition moves an issue to To when its current status is in From (empty From = any).
// Non-nil optional fields are written in the same update.
type IssueTransition struct {
	ID              string
	From            []IssueStatus
	To              IssueStatus
	ApprovedAt      *time.Time
	RejectedAt      *time.Time
	RejectionReason *string
	TaskID          *string
	PRURL           *string
}

// TaskTransition moves a task to To when its current status is in From (empty From = any).
type TaskTransition struct {
	ID          string
	From        []TaskStatus
	To          TaskStatus
	PRURL       *string
	PRNumber    *int
	BranchName  *string
	CompletedAt *time.Time
}

//nolint:gochecknoglobals // validator caches struct metadata and is safe for concurrent use
var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateRecord checks struct tags on any record type.
func ValidateRecord(kind, id string, record any) error {
	if err := validate.Struct(record); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrInvalidRecord, kind, id, err)
	}
	return nil
}

// PrepareSignal fills defaults and validates a signal before insertion.
func PrepareSignal(s *Signal, now time.Time) error {
	if s.ID == "" {
		s.ID = NewID()
	}
	if s.Status == "" {
		s.Status = SignalStatusNew
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.FirstSeen.IsZero() {
		s.FirstSeen = s.CreatedAt
	}
	if s.LastSeen.IsZero() {
		s.LastSeen = s.CreatedAt
	}
	return ValidateRecord("signal", s.ID, s)
}

// PrepareIssue fills defaults and validates an issue before insertion.
func PrepareIssue(i *Issue, now time.Time) error {
	if i.ID == "" {
		i.ID = NewID()
	}
	if i.Status == "" {
		i.Status = IssueStatusDiagnosed
	}
	if i.Priority == "" {
		i.Priority = PriorityMedium
	}
	if i.Severity == "" {
		i.Severity = SeverityMedium
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	if i.UpdatedAt.IsZero() {
		i.UpdatedAt = i.CreatedAt
	}
	return ValidateRecord("issue", i.ID, i)
}

// PrepareTask fills defaults and validates a task before insertion.
func PrepareTask(t *Task, now time.Time) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.AssignedTo == "" {
		t.AssignedTo = "engineer"
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	return ValidateRecord("task", t.ID, t)
}

// PrepareChangeRequest fills defaults and validates a change request before insertion.
func PrepareChangeRequest(cr *ChangeRequest, now time.Time) error {
	if cr.ID == "" {
		cr.ID = NewID()
	}
	if cr.Status == "" {
		cr.Status = ChangeRequestOpen
	}
	if cr.CreatedAt.IsZero() {
		cr.CreatedAt = now
	}
	return ValidateRecord("change request", cr.ID, cr)
}

// PrepareAgentLog fills defaults and validates a log entry before insertion.
func PrepareAgentLog(entry *AgentLog, now time.Time) error {
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.Level == "" {
		entry.Level = "info"
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	return ValidateRecord("agent log", entry.ID, entry)
}

// NotFound wraps ErrNotFound with the record kind and identifier.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// Contains reports whether status is in set; an empty set matches everything.
func Contains[T ~string](set []T, status T) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
