// Package mcpserver exposes the control surface as MCP tools so an assistant can review
// and approve issues.
package mcpserver

import (
	"context"
	"errors"
	"fmt"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"darwin/pkg/lifecycle"
	"darwin/pkg/logx"
	"darwin/pkg/persistence"
	"darwin/pkg/pipeline"
)

const defaultLimit = 20

// Runner executes pipeline runs. pipeline.Driver satisfies it.
type Runner interface {
	Run(ctx context.Context, mode pipeline.Mode) (*pipeline.Report, error)
	DryRun(mode pipeline.Mode) (*pipeline.Report, error)
}

// Server wraps the MCP SDK server.
type Server struct {
	MCPServer  *sdkmcp.Server
	controller *lifecycle.Controller
	runner     Runner
	logger     *logx.Logger
}

// NewServer creates an MCP server with the Darwin tools registered. runner may be nil, in
// which case run_pipeline reports that no runner is configured.
func NewServer(controller *lifecycle.Controller, runner Runner, version string) *Server {
	s := &Server{
		MCPServer: sdkmcp.NewServer(
			&sdkmcp.Implementation{Name: "darwin", Version: version},
			nil,
		),
		controller: controller,
		runner:     runner,
		logger:     logx.NewLogger("mcp"),
	}
	s.registerTools()
	return s
}

// Run serves over stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting Darwin MCP server over stdio")
	return s.MCPServer.Run(ctx, &sdkmcp.StdioTransport{})
}

func (s *Server) registerTools() {
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "list_signals",
		Description: "List detected friction signals, newest first. Filter by status or processed flag.",
	}, s.handleListSignals)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "list_issues",
		Description: "List diagnosed issues, newest first. Filter by status, e.g. diagnosed for issues awaiting review.",
	}, s.handleListIssues)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_issue",
		Description: "Get one issue with its recommended fix.",
	}, s.handleGetIssue)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "approve_issue",
		Description: "Approve a diagnosed or rejected issue so remediation may open a pull request for it.",
	}, s.handleApproveIssue)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "reject_issue",
		Description: "Reject an issue with an optional reason. Always allowed.",
	}, s.handleRejectIssue)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "list_pull_requests",
		Description: "List pull requests opened by Darwin.",
	}, s.handleListChangeRequests)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_stats",
		Description: "Counts of signals, issues and pull requests, and the work pending at each stage.",
	}, s.handleStats)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "run_pipeline",
		Description: "Run the pipeline in full, analyze, engineer or demo mode. Review mode is interactive and not available here.",
	}, s.handleRunPipeline)
}

// --- Tool input/output types ---

type listSignalsInput struct {
	Status    string `json:"status,omitempty" jsonschema:"signal status: new, processing, analyzed, issue_created or dismissed"`
	Processed *bool  `json:"processed,omitempty" jsonschema:"only signals with this processed flag"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum results (default 20)"`
}

type listSignalsOutput struct {
	Signals []*persistence.Signal `json:"signals"`
	Count   int                   `json:"count"`
}

type listIssuesInput struct {
	Status string `json:"status,omitempty" jsonschema:"issue status, e.g. diagnosed, approved, rejected, pr_created"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum results (default 20)"`
}

type listIssuesOutput struct {
	Issues []*persistence.Issue `json:"issues"`
	Count  int                  `json:"count"`
}

type issueIDInput struct {
	ID string `json:"id" jsonschema:"issue ID"`
}

type approveIssueInput struct {
	ID       string `json:"id" jsonschema:"issue ID"`
	Approver string `json:"approver,omitempty" jsonschema:"name recorded as approver (default mcp)"`
}

type rejectIssueInput struct {
	ID     string `json:"id" jsonschema:"issue ID"`
	Reason string `json:"reason,omitempty" jsonschema:"why the fix is rejected"`
}

type decisionOutput struct {
	ID             string `json:"id"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
	Reason         string `json:"reason,omitempty"`
	TaskID         string `json:"task_id,omitempty"`
}

type listChangeRequestsInput struct {
	IssueID string `json:"issue_id,omitempty" jsonschema:"only pull requests for this issue"`
	Limit   int    `json:"limit,omitempty" jsonschema:"maximum results (default 20)"`
}

type listChangeRequestsOutput struct {
	PullRequests []*persistence.ChangeRequest `json:"pull_requests"`
	Count        int                          `json:"count"`
}

type runPipelineInput struct {
	Mode   string `json:"mode" jsonschema:"full, analyze, engineer or demo"`
	DryRun bool   `json:"dry_run,omitempty" jsonschema:"only report the stages that would run"`
}

type runPipelineOutput struct {
	Success bool             `json:"success"`
	Summary string           `json:"summary"`
	Report  *pipeline.Report `json:"report"`
}

// --- Tool handlers ---

func (s *Server) handleListSignals(ctx context.Context, _ *sdkmcp.CallToolRequest, input listSignalsInput) (*sdkmcp.CallToolResult, listSignalsOutput, error) {
	filter := &persistence.SignalFilter{Processed: input.Processed, Limit: limitOrDefault(input.Limit)}
	if input.Status != "" {
		status := persistence.SignalStatus(input.Status)
		filter.Status = &status
	}
	signals, err := s.controller.ListSignals(ctx, filter)
	if err != nil {
		return nil, listSignalsOutput{}, err
	}
	return nil, listSignalsOutput{Signals: signals, Count: len(signals)}, nil
}

func (s *Server) handleListIssues(ctx context.Context, _ *sdkmcp.CallToolRequest, input listIssuesInput) (*sdkmcp.CallToolResult, listIssuesOutput, error) {
	filter := &persistence.IssueFilter{Limit: limitOrDefault(input.Limit)}
	if input.Status != "" {
		status := persistence.IssueStatus(input.Status)
		filter.Status = &status
	}
	issues, err := s.controller.ListIssues(ctx, filter)
	if err != nil {
		return nil, listIssuesOutput{}, err
	}
	return nil, listIssuesOutput{Issues: issues, Count: len(issues)}, nil
}

func (s *Server) handleGetIssue(ctx context.Context, _ *sdkmcp.CallToolRequest, input issueIDInput) (*sdkmcp.CallToolResult, *persistence.Issue, error) {
	issue, err := s.controller.GetIssue(ctx, input.ID)
	if err != nil {
		return nil, nil, describe(input.ID, err)
	}
	return nil, issue, nil
}

func (s *Server) handleApproveIssue(ctx context.Context, _ *sdkmcp.CallToolRequest, input approveIssueInput) (*sdkmcp.CallToolResult, decisionOutput, error) {
	approver := input.Approver
	if approver == "" {
		approver = "mcp"
	}
	before, err := s.controller.GetIssue(ctx, input.ID)
	if err != nil {
		return nil, decisionOutput{}, describe(input.ID, err)
	}
	issue, err := s.controller.Approve(ctx, input.ID, approver)
	if err != nil {
		return nil, decisionOutput{}, describe(input.ID, err)
	}
	s.controller.LogActivity(ctx, "mcp", "info", issue.ID, "Approved by %s", approver)
	return nil, decisionOutput{
		ID:             issue.ID,
		PreviousStatus: string(before.Status),
		NewStatus:      string(issue.Status),
		TaskID:         issue.TaskID,
	}, nil
}

func (s *Server) handleRejectIssue(ctx context.Context, _ *sdkmcp.CallToolRequest, input rejectIssueInput) (*sdkmcp.CallToolResult, decisionOutput, error) {
	before, err := s.controller.GetIssue(ctx, input.ID)
	if err != nil {
		return nil, decisionOutput{}, describe(input.ID, err)
	}
	issue, err := s.controller.Reject(ctx, input.ID, input.Reason)
	if err != nil {
		return nil, decisionOutput{}, describe(input.ID, err)
	}
	s.controller.LogActivity(ctx, "mcp", "info", issue.ID, "Rejected: %s", input.Reason)
	return nil, decisionOutput{
		ID:             issue.ID,
		PreviousStatus: string(before.Status),
		NewStatus:      string(issue.Status),
		Reason:         issue.RejectionReason,
	}, nil
}

func (s *Server) handleListChangeRequests(ctx context.Context, _ *sdkmcp.CallToolRequest, input listChangeRequestsInput) (*sdkmcp.CallToolResult, listChangeRequestsOutput, error) {
	filter := &persistence.ChangeRequestFilter{Limit: limitOrDefault(input.Limit)}
	if input.IssueID != "" {
		filter.IssueID = &input.IssueID
	}
	prs, err := s.controller.ListChangeRequests(ctx, filter)
	if err != nil {
		return nil, listChangeRequestsOutput{}, err
	}
	return nil, listChangeRequestsOutput{PullRequests: prs, Count: len(prs)}, nil
}

func (s *Server) handleStats(ctx context.Context, _ *sdkmcp.CallToolRequest, _ struct{}) (*sdkmcp.CallToolResult, *persistence.Stats, error) {
	stats, err := s.controller.Stats(ctx)
	if err != nil {
		return nil, nil, err
	}
	return nil, stats, nil
}

func (s *Server) handleRunPipeline(ctx context.Context, _ *sdkmcp.CallToolRequest, input runPipelineInput) (*sdkmcp.CallToolResult, runPipelineOutput, error) {
	mode, err := pipeline.ParseMode(input.Mode)
	if err != nil {
		return nil, runPipelineOutput{}, err
	}
	if mode.Interactive() {
		return nil, runPipelineOutput{}, fmt.Errorf("%s mode requires interactive input; use the darwin CLI", mode)
	}
	if s.runner == nil {
		return nil, runPipelineOutput{}, errors.New("pipeline runner not configured")
	}

	var report *pipeline.Report
	if input.DryRun {
		report, err = s.runner.DryRun(mode)
	} else {
		report, err = s.runner.Run(ctx, mode)
	}
	if err != nil {
		return nil, runPipelineOutput{}, err
	}
	return nil, runPipelineOutput{Success: report.Success(), Summary: report.Summary(), Report: report}, nil
}

// describe adds the record identifier to a not-found error.
func describe(id string, err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("issue %s not found", id)
	}
	return err
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return limit
}
