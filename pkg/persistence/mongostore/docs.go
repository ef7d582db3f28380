package mongostore

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"darwin/pkg/persistence"
)

// Collection names match the documents the dashboard reads.
const (
	signalsCollection        = "signals"
	issuesCollection         = "ux_issues"
	tasksCollection          = "tasks"
	changeRequestsCollection = "pull_requests"
	agentLogsCollection      = "agent_logs"
)

type signalDoc struct {
	ID            string    `bson:"_id"`
	Type          string    `bson:"type"`
	Severity      string    `bson:"severity"`
	SeverityRank  int       `bson:"severity_rank"`
	Status        string    `bson:"status"`
	Title         string    `bson:"title"`
	Description   string    `bson:"description"`
	MetricName    string    `bson:"metric_name"`
	MetricValue   float64   `bson:"metric_value"`
	Threshold     *float64  `bson:"threshold,omitempty"`
	Confidence    float64   `bson:"confidence"`
	Page          string    `bson:"page"`
	Element       string    `bson:"element,omitempty"`
	AffectedUsers int       `bson:"affected_users"`
	SessionCount  int       `bson:"session_count"`
	RecordingIDs  []string  `bson:"recording_ids,omitempty"`
	FirstSeen     time.Time `bson:"first_seen"`
	LastSeen      time.Time `bson:"last_seen"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
	Processed     bool      `bson:"processed"`
	IssueID       string    `bson:"ux_issue_id,omitempty"`
}

func toSignalDoc(s *persistence.Signal) *signalDoc {
	return &signalDoc{
		ID: s.ID, Type: string(s.Type), Severity: string(s.Severity), SeverityRank: s.Severity.Rank(),
		Status: string(s.Status), Title: s.Title, Description: s.Description,
		MetricName: s.MetricName, MetricValue: s.MetricValue, Threshold: s.Threshold, Confidence: s.Confidence,
		Page: s.Page, Element: s.Element, AffectedUsers: s.AffectedUsers, SessionCount: s.SessionCount,
		RecordingIDs: s.RecordingIDs, FirstSeen: s.FirstSeen, LastSeen: s.LastSeen,
		CreatedAt: s.CreatedAt, UpdatedAt: s.CreatedAt, Processed: s.Processed, IssueID: s.IssueID,
	}
}

func (d *signalDoc) model() *persistence.Signal {
	return &persistence.Signal{
		ID: d.ID, Type: persistence.SignalType(d.Type), Severity: persistence.Severity(d.Severity),
		Status: persistence.SignalStatus(d.Status), Title: d.Title, Description: d.Description,
		MetricName: d.MetricName, MetricValue: d.MetricValue, Threshold: d.Threshold, Confidence: d.Confidence,
		Page: d.Page, Element: d.Element, AffectedUsers: d.AffectedUsers, SessionCount: d.SessionCount,
		RecordingIDs: d.RecordingIDs, FirstSeen: d.FirstSeen.UTC(), LastSeen: d.LastSeen.UTC(),
		CreatedAt: d.CreatedAt.UTC(), Processed: d.Processed, IssueID: d.IssueID,
	}
}

type fixDoc struct {
	Title           string  `bson:"title"`
	Description     string  `bson:"description"`
	FilePath        string  `bson:"file_path"`
	LineStart       *int    `bson:"line_start,omitempty"`
	LineEnd         *int    `bson:"line_end,omitempty"`
	OriginalCode    string  `bson:"original_code"`
	SuggestedCode   string  `bson:"suggested_code"`
	EstimatedEffort string  `bson:"estimated_effort,omitempty"`
	Confidence      float64 `bson:"confidence"`
}

// fixList decodes recommended_fix stored either as one embedded document or as an array.
type fixList []fixDoc

// UnmarshalBSONValue implements bson.ValueUnmarshaler.
func (f *fixList) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	raw := bson.RawValue{Type: t, Value: data}
	switch t {
	case bsontype.Null, bsontype.Undefined:
		*f = nil
		return nil
	case bsontype.EmbeddedDocument:
		var one fixDoc
		if err := raw.Unmarshal(&one); err != nil {
			return fmt.Errorf("failed to decode recommended fix: %w", err)
		}
		*f = fixList{one}
		return nil
	case bsontype.Array:
		var many []fixDoc
		if err := raw.Unmarshal(&many); err != nil {
			return fmt.Errorf("failed to decode recommended fixes: %w", err)
		}
		*f = many
		return nil
	default:
		return fmt.Errorf("unexpected bson type %s for recommended_fix", t)
	}
}

func toFixList(fixes persistence.Fixes) fixList {
	if len(fixes) == 0 {
		return nil
	}
	out := make(fixList, len(fixes))
	for i, f := range fixes {
		out[i] = fixDoc(f)
	}
	return out
}

func (f fixList) model() persistence.Fixes {
	if len(f) == 0 {
		return nil
	}
	out := make(persistence.Fixes, len(f))
	for i, d := range f {
		out[i] = persistence.RecommendedFix(d)
	}
	return out
}

type issueDoc struct {
	ID              string     `bson:"_id"`
	SignalID        string     `bson:"signal_id"`
	Status          string     `bson:"status"`
	Priority        string     `bson:"priority"`
	PriorityRank    int        `bson:"priority_rank"`
	Severity        string     `bson:"severity"`
	Title           string     `bson:"title"`
	Description     string     `bson:"description"`
	Page            string     `bson:"page"`
	Component       string     `bson:"component,omitempty"`
	FilePath        string     `bson:"file_path,omitempty"`
	LineRange       string     `bson:"line_range,omitempty"`
	RootCause       string     `bson:"root_cause"`
	UserImpact      string     `bson:"user_impact"`
	BusinessImpact  string     `bson:"business_impact"`
	Confidence      float64    `bson:"confidence"`
	AffectedUsers   int        `bson:"affected_users"`
	RecommendedFix  fixList    `bson:"recommended_fix,omitempty"`
	RejectionReason string     `bson:"rejection_reason,omitempty"`
	ApprovedAt      *time.Time `bson:"approved_at,omitempty"`
	RejectedAt      *time.Time `bson:"rejected_at,omitempty"`
	TaskID          string     `bson:"task_id,omitempty"`
	PRURL           string     `bson:"pr_url,omitempty"`
	CreatedAt       time.Time  `bson:"created_at"`
	UpdatedAt       time.Time  `bson:"updated_at"`
}

func toIssueDoc(i *persistence.Issue) *issueDoc {
	return &issueDoc{
		ID: i.ID, SignalID: i.SignalID, Status: string(i.Status),
		Priority: string(i.Priority), PriorityRank: i.Priority.Rank(), Severity: string(i.Severity),
		Title: i.Title, Description: i.Description, Page: i.Page, Component: i.Component,
		FilePath: i.FilePath, LineRange: i.LineRange, RootCause: i.RootCause, UserImpact: i.UserImpact,
		BusinessImpact: i.BusinessImpact, Confidence: i.Confidence, AffectedUsers: i.AffectedUsers,
		RecommendedFix: toFixList(i.RecommendedFixes), RejectionReason: i.RejectionReason,
		ApprovedAt: i.ApprovedAt, RejectedAt: i.RejectedAt, TaskID: i.TaskID, PRURL: i.PRURL,
		CreatedAt: i.CreatedAt, UpdatedAt: i.UpdatedAt,
	}
}

func (d *issueDoc) model() *persistence.Issue {
	return &persistence.Issue{
		ID: d.ID, SignalID: d.SignalID, Status: persistence.IssueStatus(d.Status),
		Priority: persistence.Priority(d.Priority), Severity: persistence.Severity(d.Severity),
		Title: d.Title, Description: d.Description, Page: d.Page, Component: d.Component,
		FilePath: d.FilePath, LineRange: d.LineRange, RootCause: d.RootCause, UserImpact: d.UserImpact,
		BusinessImpact: d.BusinessImpact, Confidence: d.Confidence, AffectedUsers: d.AffectedUsers,
		RecommendedFixes: d.RecommendedFix.model(), RejectionReason: d.RejectionReason,
		ApprovedAt: utcPtr(d.ApprovedAt), RejectedAt: utcPtr(d.RejectedAt), TaskID: d.TaskID, PRURL: d.PRURL,
		CreatedAt: d.CreatedAt.UTC(), UpdatedAt: d.UpdatedAt.UTC(),
	}
}

type taskDoc struct {
	ID             string     `bson:"_id"`
	IssueID        string     `bson:"ux_issue_id"`
	SignalID       string     `bson:"signal_id,omitempty"`
	Title          string     `bson:"title"`
	Description    string     `bson:"description"`
	Priority       string     `bson:"priority"`
	PriorityRank   int        `bson:"priority_rank"`
	Status         string     `bson:"status"`
	AssignedTo     string     `bson:"assigned_to"`
	FilePath       string     `bson:"file_path"`
	LineRange      string     `bson:"line_range,omitempty"`
	OriginalCode   string     `bson:"original_code,omitempty"`
	RecommendedFix string     `bson:"recommended_fix"`
	PRURL          string     `bson:"pr_url,omitempty"`
	PRNumber       int        `bson:"pr_number,omitempty"`
	BranchName     string     `bson:"branch_name,omitempty"`
	ApprovedBy     string     `bson:"approved_by,omitempty"`
	ApprovedAt     *time.Time `bson:"approved_at,omitempty"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
	CompletedAt    *time.Time `bson:"completed_at,omitempty"`
}

func toTaskDoc(t *persistence.Task) *taskDoc {
	return &taskDoc{
		ID: t.ID, IssueID: t.IssueID, SignalID: t.SignalID, Title: t.Title, Description: t.Description,
		Priority: string(t.Priority), PriorityRank: t.Priority.Rank(), Status: string(t.Status),
		AssignedTo: t.AssignedTo, FilePath: t.FilePath, LineRange: t.LineRange, OriginalCode: t.OriginalCode,
		RecommendedFix: t.RecommendedFix, PRURL: t.PRURL, PRNumber: t.PRNumber, BranchName: t.BranchName,
		ApprovedBy: t.ApprovedBy, ApprovedAt: t.ApprovedAt, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}
}

func (d *taskDoc) model() *persistence.Task {
	return &persistence.Task{
		ID: d.ID, IssueID: d.IssueID, SignalID: d.SignalID, Title: d.Title, Description: d.Description,
		Priority: persistence.Priority(d.Priority), Status: persistence.TaskStatus(d.Status),
		AssignedTo: d.AssignedTo, FilePath: d.FilePath, LineRange: d.LineRange, OriginalCode: d.OriginalCode,
		RecommendedFix: d.RecommendedFix, PRURL: d.PRURL, PRNumber: d.PRNumber, BranchName: d.BranchName,
		ApprovedBy: d.ApprovedBy, ApprovedAt: utcPtr(d.ApprovedAt), CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(), CompletedAt: utcPtr(d.CompletedAt),
	}
}

type changeRequestDoc struct {
	ID         string    `bson:"_id"`
	IssueID    string    `bson:"issue_id"`
	TaskID     string    `bson:"task_id,omitempty"`
	Number     int       `bson:"pr_number"`
	URL        string    `bson:"pr_url"`
	BranchName string    `bson:"branch_name"`
	FilePath   string    `bson:"file_path"`
	Title      string    `bson:"title"`
	Status     string    `bson:"status"`
	CreatedAt  time.Time `bson:"created_at"`
}

func toChangeRequestDoc(cr *persistence.ChangeRequest) *changeRequestDoc {
	return &changeRequestDoc{
		ID: cr.ID, IssueID: cr.IssueID, TaskID: cr.TaskID, Number: cr.Number, URL: cr.URL,
		BranchName: cr.BranchName, FilePath: cr.FilePath, Title: cr.Title, Status: string(cr.Status),
		CreatedAt: cr.CreatedAt,
	}
}

func (d *changeRequestDoc) model() *persistence.ChangeRequest {
	return &persistence.ChangeRequest{
		ID: d.ID, IssueID: d.IssueID, TaskID: d.TaskID, Number: d.Number, URL: d.URL,
		BranchName: d.BranchName, FilePath: d.FilePath, Title: d.Title,
		Status: persistence.ChangeRequestStatus(d.Status), CreatedAt: d.CreatedAt.UTC(),
	}
}

type agentLogDoc struct {
	ID        string    `bson:"_id"`
	Agent     string    `bson:"agent"`
	Level     string    `bson:"level"`
	Message   string    `bson:"message"`
	RecordID  string    `bson:"record_id,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
