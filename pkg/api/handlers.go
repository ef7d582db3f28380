package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"darwin/pkg/lifecycle"
	"darwin/pkg/persistence"
	"darwin/pkg/pipeline"
)

const defaultListLimit = 50

type listQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=100"`
}

func (q listQuery) limit() int {
	if q.Limit == 0 {
		return defaultListLimit
	}
	return q.Limit
}

type signalQuery struct {
	listQuery
	Severity  string `form:"severity" binding:"omitempty,oneof=critical high medium low"`
	Type      string `form:"type"`
	Status    string `form:"status"`
	Page      string `form:"page"`
	Processed *bool  `form:"processed"`
}

type issueQuery struct {
	listQuery
	Status string `form:"status"`
}

type taskQuery struct {
	listQuery
	Status  string `form:"status"`
	IssueID string `form:"issue_id"`
}

type changeRequestQuery struct {
	listQuery
	Status  string `form:"status" binding:"omitempty,oneof=open merged closed"`
	IssueID string `form:"issue_id"`
}

type approveRequest struct {
	Approver string `json:"approver"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type runRequest struct {
	Mode   string `json:"mode" binding:"required"`
	DryRun bool   `json:"dry_run"`
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "Darwin",
		"version": s.opts.Version,
		"health":  "/health",
		"metrics": "/metrics",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handleListSignals(c *gin.Context) {
	var q signalQuery
	if !bindQuery(c, &q) {
		return
	}

	filter := &persistence.SignalFilter{Processed: q.Processed, Limit: q.limit()}
	if q.Severity != "" {
		severity := persistence.Severity(q.Severity)
		filter.Severity = &severity
	}
	if q.Type != "" {
		signalType := persistence.SignalType(q.Type)
		filter.Type = &signalType
	}
	if q.Status != "" {
		status := persistence.SignalStatus(q.Status)
		filter.Status = &status
	}
	if q.Page != "" {
		filter.Page = &q.Page
	}

	signals, err := s.controller.ListSignals(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals, "count": len(signals)})
}

func (s *Server) handleGetSignal(c *gin.Context) {
	signal, err := s.controller.GetSignal(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, signal)
}

func (s *Server) handleDismissSignal(c *gin.Context) {
	id := c.Param("id")
	if err := s.controller.DismissSignal(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	s.controller.LogActivity(c.Request.Context(), "api", "info", id, "Signal dismissed")
	c.JSON(http.StatusOK, gin.H{"success": true, "id": id, "new_status": persistence.SignalStatusDismissed})
}

func (s *Server) handleListIssues(c *gin.Context) {
	var q issueQuery
	if !bindQuery(c, &q) {
		return
	}
	filter := &persistence.IssueFilter{Limit: q.limit()}
	if q.Status != "" {
		status := persistence.IssueStatus(q.Status)
		filter.Status = &status
	}

	issues, err := s.controller.ListIssues(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues, "count": len(issues)})
}

func (s *Server) handlePendingReview(c *gin.Context) {
	var q listQuery
	if !bindQuery(c, &q) {
		return
	}
	issues, err := s.controller.PendingReview(c.Request.Context(), q.limit())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues, "count": len(issues)})
}

func (s *Server) handleGetIssue(c *gin.Context) {
	issue, err := s.controller.GetIssue(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, issue)
}

// handleApprove answers 404 for an unknown issue and 400 unless it is diagnosed or rejected.
func (s *Server) handleApprove(c *gin.Context) {
	var req approveRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	if req.Approver == "" {
		req.Approver = "api"
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	before, err := s.controller.GetIssue(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	issue, err := s.controller.Approve(ctx, id, req.Approver)
	if err != nil {
		s.fail(c, err)
		return
	}

	s.opts.Recorder.IncReviewDecision("approve")
	s.controller.LogActivity(ctx, "api", "info", id, "Approved by %s", req.Approver)
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"message":         "Issue " + id + " approved successfully",
		"previous_status": before.Status,
		"new_status":      issue.Status,
		"task_id":         issue.TaskID,
	})
}

// handleReject answers 404 for an unknown issue and otherwise always succeeds.
func (s *Server) handleReject(c *gin.Context) {
	var req rejectRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	before, err := s.controller.GetIssue(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	issue, err := s.controller.Reject(ctx, id, req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}

	s.opts.Recorder.IncReviewDecision("reject")
	s.controller.LogActivity(ctx, "api", "info", id, "Rejected: %s", req.Reason)
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"message":         "Issue " + id + " rejected",
		"previous_status": before.Status,
		"new_status":      issue.Status,
		"reason":          issue.RejectionReason,
	})
}

func (s *Server) handleListChangeRequests(c *gin.Context) {
	var q changeRequestQuery
	if !bindQuery(c, &q) {
		return
	}
	filter := &persistence.ChangeRequestFilter{Limit: q.limit()}
	if q.Status != "" {
		status := persistence.ChangeRequestStatus(q.Status)
		filter.Status = &status
	}
	if q.IssueID != "" {
		filter.IssueID = &q.IssueID
	}

	prs, err := s.controller.ListChangeRequests(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pull_requests": prs, "count": len(prs)})
}

func (s *Server) handleListTasks(c *gin.Context) {
	var q taskQuery
	if !bindQuery(c, &q) {
		return
	}
	filter := &persistence.TaskFilter{Limit: q.limit()}
	if q.Status != "" {
		status := persistence.TaskStatus(q.Status)
		filter.Status = &status
	}
	if q.IssueID != "" {
		filter.IssueID = &q.IssueID
	}

	tasks, err := s.controller.ListTasks(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.controller.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleAgentLogs(c *gin.Context) {
	var q listQuery
	if !bindQuery(c, &q) {
		return
	}
	logs, err := s.controller.ListAgentLogs(c.Request.Context(), q.limit())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

// handleRun runs the pipeline synchronously. Review mode needs a terminal and is refused;
// a dry run only reports the planned stages.
func (s *Server) handleRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := pipeline.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if mode.Interactive() {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"mode":    mode,
			"error":   "review mode requires interactive input; use the CLI: darwin review",
		})
		return
	}
	if s.opts.Runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline runner not configured"})
		return
	}

	if req.DryRun {
		report, err := s.opts.Runner.DryRun(mode)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "dry_run": true, "mode": mode, "message": report.Summary(), "report": report})
		return
	}

	if !s.running.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, gin.H{"error": "a pipeline run is already in progress"})
		return
	}
	defer s.running.Store(false)

	report, err := s.opts.Runner.Run(c.Request.Context(), mode)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": report.Success(),
		"mode":    mode,
		"message": report.Summary(),
		"report":  report,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	stats, err := s.controller.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "ready",
		"running":         s.running.Load(),
		"runner":          s.opts.Runner != nil,
		"modes":           pipeline.Modes(),
		"pending_actions": stats.Pending,
	})
}

// fail maps an error to a status code and logs server-side failures.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, persistence.ErrInvalidRecord),
		errors.Is(err, pipeline.ErrUnknownMode):
		status = http.StatusBadRequest
	default:
		s.logger.Error("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func bindQuery(c *gin.Context, dst any) bool {
	if err := c.ShouldBindQuery(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// bindOptionalJSON decodes the body into dst, accepting an empty body.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}
