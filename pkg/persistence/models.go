package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SignalType classifies a friction signal.
type SignalType string

const (
	SignalRageClick       SignalType = "rage_click"
	SignalDropOff         SignalType = "drop_off"
	SignalErrorSpike      SignalType = "error_spike"
	SignalSlowLoad        SignalType = "slow_load"
	SignalDeadClick       SignalType = "dead_click"
	SignalFormAbandonment SignalType = "form_abandonment"
	SignalScrollBounce    SignalType = "scroll_bounce"
)

// Severity applies to signals and issues.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// SignalStatus is the processing status of a signal.
type SignalStatus string

const (
	SignalStatusNew          SignalStatus = "new"
	SignalStatusProcessing   SignalStatus = "processing"
	SignalStatusAnalyzed     SignalStatus = "analyzed"
	SignalStatusIssueCreated SignalStatus = "issue_created"
	SignalStatusDismissed    SignalStatus = "dismissed"
)

// IssueStatus is the status of an issue through the pipeline.
type IssueStatus string

const (
	IssueStatusDetected    IssueStatus = "detected"
	IssueStatusAnalyzing   IssueStatus = "analyzing"
	IssueStatusDiagnosed   IssueStatus = "diagnosed"
	IssueStatusFixProposed IssueStatus = "fix_proposed"
	IssueStatusApproved    IssueStatus = "approved"
	IssueStatusRejected    IssueStatus = "rejected"
	IssueStatusTaskCreated IssueStatus = "task_created"
	IssueStatusInProgress  IssueStatus = "in_progress"
	IssueStatusPRCreated   IssueStatus = "pr_created"
	IssueStatusPRMerged    IssueStatus = "pr_merged"
	IssueStatusResolved    IssueStatus = "resolved"
	IssueStatusWontFix     IssueStatus = "wont_fix"
)

// Priority applies to issues and tasks.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// TaskStatus is the status of an approved work item.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// ChangeRequestStatus is the status of a published pull request.
type ChangeRequestStatus string

const (
	ChangeRequestOpen   ChangeRequestStatus = "open"
	ChangeRequestMerged ChangeRequestStatus = "merged"
	ChangeRequestClosed ChangeRequestStatus = "closed"
)

// ValidSignalTypes returns all signal types.
func ValidSignalTypes() []SignalType {
	return []SignalType{
		SignalRageClick, SignalDropOff, SignalErrorSpike, SignalSlowLoad,
		SignalDeadClick, SignalFormAbandonment, SignalScrollBounce,
	}
}

// ValidSeverities returns severities from most to least severe.
func ValidSeverities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}
}

// ValidSignalStatuses returns all signal statuses.
func ValidSignalStatuses() []SignalStatus {
	return []SignalStatus{
		SignalStatusNew, SignalStatusProcessing, SignalStatusAnalyzed,
		SignalStatusIssueCreated, SignalStatusDismissed,
	}
}

// ValidIssueStatuses returns all issue statuses.
func ValidIssueStatuses() []IssueStatus {
	return []IssueStatus{
		IssueStatusDetected, IssueStatusAnalyzing, IssueStatusDiagnosed, IssueStatusFixProposed,
		IssueStatusApproved, IssueStatusRejected, IssueStatusTaskCreated, IssueStatusInProgress,
		IssueStatusPRCreated, IssueStatusPRMerged, IssueStatusResolved, IssueStatusWontFix,
	}
}

// ValidPriorities returns priorities from most to least urgent.
func ValidPriorities() []Priority {
	return []Priority{PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow}
}

// ValidTaskStatuses returns all task statuses.
func ValidTaskStatuses() []TaskStatus {
	return []TaskStatus{TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusCancelled}
}

// ValidChangeRequestStatuses returns all change request statuses.
func ValidChangeRequestStatuses() []ChangeRequestStatus {
	return []ChangeRequestStatus{ChangeRequestOpen, ChangeRequestMerged, ChangeRequestClosed}
}

// IsValidIssueStatus checks if a status string is a known issue status.
func IsValidIssueStatus(status string) bool {
	for _, s := range ValidIssueStatuses() {
		if string(s) == status {
			return true
		}
	}
	return false
}

// Rank orders severities; higher is more severe. Unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Rank orders priorities; higher is more urgent. Unknown values rank lowest.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Signal is a detected friction event.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type Signal struct {
	ID          string       `json:"id"`
	Type        SignalType   `json:"type" validate:"required,oneof=rage_click drop_off error_spike slow_load dead_click form_abandonment scroll_bounce"`
	Severity    Severity     `json:"severity" validate:"required,oneof=critical high medium low"`
	Status      SignalStatus `json:"status" validate:"required,oneof=new processing analyzed issue_created dismissed"`
	Title       string       `json:"title" validate:"required"`
	Description string       `json:"description"`

	MetricName  string   `json:"metric_name" validate:"required"`
	MetricValue float64  `json:"metric_value"`
	Threshold   *float64 `json:"threshold,omitempty"`
	Confidence  float64  `json:"confidence" validate:"gte=0,lte=1"`

	Page    string `json:"page" validate:"required"`
	Element string `json:"element,omitempty"`

	AffectedUsers int      `json:"affected_users" validate:"gte=0"`
	SessionCount  int      `json:"session_count" validate:"gte=0"`
	RecordingIDs  []string `json:"recording_ids,omitempty"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`

	// Processed moves false -> true once and is never reset.
	Processed bool   `json:"processed"`
	IssueID   string `json:"ux_issue_id,omitempty"`
}

// RecommendedFix is an (original, suggested) snippet pair plus location metadata.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type RecommendedFix struct {
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	FilePath        string  `json:"file_path"`
	LineStart       *int    `json:"line_start,omitempty" validate:"omitempty,gte=1"`
	LineEnd         *int    `json:"line_end,omitempty" validate:"omitempty,gte=1"`
	OriginalCode    string  `json:"original_code"`
	SuggestedCode   string  `json:"suggested_code"`
	EstimatedEffort string  `json:"estimated_effort,omitempty" validate:"omitempty,oneof=small medium large"`
	Confidence      float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// Fixes is the ordered list of recommended fixes for an issue.
// Source data carries either a single fix object or a list; both decode into a list.
type Fixes []RecommendedFix

// UnmarshalJSON accepts a single object, a list, or null.
func (f *Fixes) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = nil
		return nil
	}

	if trimmed[0] == '{' {
		var one RecommendedFix
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return fmt.Errorf("failed to decode recommended fix: %w", err)
		}
		*f = Fixes{one}
		return nil
	}

	var many []RecommendedFix
	if err := json.Unmarshal(trimmed, &many); err != nil {
		return fmt.Errorf("failed to decode recommended fixes: %w", err)
	}
	*f = many
	return nil
}

// Primary returns the first fix, the one remediation applies.
func (f Fixes) Primary() (RecommendedFix, bool) {
	if len(f) == 0 {
		return RecommendedFix{}, false
	}
	return f[0], true
}

// Issue is a diagnosed problem with recommended fixes.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type Issue struct {
	ID       string      `json:"id"`
	SignalID string      `json:"signal_id" validate:"required"`
	Status   IssueStatus `json:"status" validate:"required,oneof=detected analyzing diagnosed fix_proposed approved rejected task_created in_progress pr_created pr_merged resolved wont_fix"`
	Priority Priority    `json:"priority" validate:"required,oneof=urgent high medium low"`
	Severity Severity    `json:"severity" validate:"required,oneof=critical high medium low"`

	Title          string  `json:"title" validate:"required"`
	Description    string  `json:"description"`
	Page           string  `json:"page"`
	Component      string  `json:"component,omitempty"`
	FilePath       string  `json:"file_path,omitempty"`
	LineRange      string  `json:"line_range,omitempty"`
	RootCause      string  `json:"root_cause"`
	UserImpact     string  `json:"user_impact"`
	BusinessImpact string  `json:"business_impact"`
	Confidence     float64 `json:"confidence" validate:"gte=0,lte=1"`
	AffectedUsers  int     `json:"affected_users" validate:"gte=0"`

	RecommendedFixes Fixes `json:"recommended_fix,omitempty" validate:"dive"`

	RejectionReason string     `json:"rejection_reason,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	TaskID          string     `json:"task_id,omitempty"`
	PRURL           string     `json:"pr_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is an approved work item bridging an issue and its change request.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type Task struct {
	ID          string     `json:"id"`
	IssueID     string     `json:"ux_issue_id" validate:"required"`
	SignalID    string     `json:"signal_id,omitempty"`
	Title       string     `json:"title" validate:"required"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority" validate:"required,oneof=urgent high medium low"`
	Status      TaskStatus `json:"status" validate:"required,oneof=pending in_progress completed cancelled"`
	AssignedTo  string     `json:"assigned_to"`

	FilePath       string `json:"file_path" validate:"required"`
	LineRange      string `json:"line_range,omitempty"`
	OriginalCode   string `json:"original_code,omitempty"`
	RecommendedFix string `json:"recommended_fix"`

	PRURL      string `json:"pr_url,omitempty"`
	PRNumber   int    `json:"pr_number,omitempty"`
	BranchName string `json:"branch_name,omitempty"`

	ApprovedBy  string     `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ChangeRequest records a published pull request.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type ChangeRequest struct {
	ID         string              `json:"id"`
	IssueID    string              `json:"issue_id" validate:"required"`
	TaskID     string              `json:"task_id,omitempty"`
	Number     int                 `json:"pr_number" validate:"gt=0"`
	URL        string              `json:"pr_url" validate:"required,url"`
	BranchName string              `json:"branch_name" validate:"required"`
	FilePath   string              `json:"file_path" validate:"required"`
	Title      string              `json:"title"`
	Status     ChangeRequestStatus `json:"status" validate:"required,oneof=open merged closed"`
	CreatedAt  time.Time           `json:"created_at"`
}

// AgentLog is one line of pipeline activity.
type AgentLog struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	Agent     string    `json:"agent" validate:"required"`
	Level     string    `json:"level" validate:"required,oneof=debug info warning error critical"`
	Message   string    `json:"message" validate:"required"`
	RecordID  string    `json:"record_id,omitempty"`
}

// Stats summarizes the store for dashboards.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type Stats struct {
	Totals                 map[string]int `json:"totals"`
	SignalsBySeverity      map[string]int `json:"signals_by_severity"`
	SignalsByType          map[string]int `json:"signals_by_type"`
	IssuesByStatus         map[string]int `json:"issues_by_status"`
	ChangeRequestsByStatus map[string]int `json:"prs_by_status"`
	Pending                PendingActions `json:"pending_actions"`
}

// PendingActions counts work waiting on each stage.
type PendingActions struct {
	UnprocessedSignals  int `json:"signals_unprocessed"`
	IssuesPendingReview int `json:"issues_pending_review"`
	IssuesApprovedNoPR  int `json:"issues_approved_pending_pr"`
	TasksPending        int `json:"tasks_pending"`
}

// NewID generates a record identifier.
func NewID() string {
	return uuid.New().String()
}

// NewStats returns Stats with every breakdown initialized to zero counts.
func NewStats() *Stats {
	st := &Stats{
		Totals:                 map[string]int{"signals": 0, "ux_issues": 0, "tasks": 0, "pull_requests": 0, "agent_logs": 0},
		SignalsBySeverity:      map[string]int{},
		SignalsByType:          map[string]int{},
		IssuesByStatus:         map[string]int{},
		ChangeRequestsByStatus: map[string]int{},
	}
	for _, s := range ValidSeverities() {
		st.SignalsBySeverity[string(s)] = 0
	}
	for _, s := range []IssueStatus{IssueStatusDiagnosed, IssueStatusApproved, IssueStatusRejected, IssueStatusPRCreated} {
		st.IssuesByStatus[string(s)] = 0
	}
	for _, s := range ValidChangeRequestStatuses() {
		st.ChangeRequestsByStatus[string(s)] = 0
	}
	return st
}
