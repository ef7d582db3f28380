// Package review implements the human approval checkpoint between diagnosis and remediation.
package review

import (
	"context"
	"errors"
	"fmt"

	"darwin/pkg/lifecycle"
	"darwin/pkg/logx"
	"darwin/pkg/persistence"
)

// Verdict is a reviewer's answer for one issue.
type Verdict int

const (
	// VerdictApprove approves the issue for remediation.
	VerdictApprove Verdict = iota
	// VerdictReject rejects the issue with an optional reason.
	VerdictReject
	// VerdictQuit ends the session, leaving remaining issues pending.
	VerdictQuit
)

func (v Verdict) String() string {
	switch v {
	case VerdictApprove:
		return "approve"
	case VerdictReject:
		return "reject"
	case VerdictQuit:
		return "quit"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Decision is what a Prompter returns for one issue.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Prompter asks a human to decide on one issue. card is the rendered issue.
type Prompter interface {
	Decide(ctx context.Context, issue *persistence.Issue, card string) (Decision, error)
}

// Result summarizes one review session.
type Result struct {
	// Approved holds the approved issues in decision order.
	Approved []*persistence.Issue
	// Rejected holds the identifiers of rejected issues.
	Rejected []string
	// Remaining counts issues left undecided because the reviewer quit or a record moved.
	Remaining int
}

// Gate presents pending issues one at a time and applies each decision through the
// lifecycle controller before moving to the next.
type Gate struct {
	controller *lifecycle.Controller
	prompter   Prompter
	logger     *logx.Logger
	approver   string
	limit      int
}

// NewGate creates a review gate.
func NewGate(controller *lifecycle.Controller, prompter Prompter) *Gate {
	return &Gate{
		controller: controller,
		prompter:   prompter,
		logger:     logx.NewLogger("review"),
		approver:   "reviewer",
	}
}

// WithApprover sets the name recorded on tasks created by approvals.
func (g *Gate) WithApprover(name string) *Gate {
	if name != "" {
		g.approver = name
	}
	return g
}

// WithLimit caps how many issues one session presents. Zero means all pending issues.
func (g *Gate) WithLimit(limit int) *Gate {
	g.limit = limit
	return g
}

// Run reviews every issue pending review, sequentially, in the controller's order.
func (g *Gate) Run(ctx context.Context) (*Result, error) {
	pending, err := g.controller.PendingReview(ctx, g.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues pending review: %w", err)
	}

	result := &Result{}
	if len(pending) == 0 {
		g.logger.Info("No issues pending review")
		return result, nil
	}

	for i, issue := range pending {
		if err := ctx.Err(); err != nil {
			result.Remaining = len(pending) - i
			return result, fmt.Errorf("review interrupted: %w", err)
		}

		decision, err := g.prompter.Decide(ctx, issue, RenderCard(issue, i+1, len(pending)))
		if err != nil {
			result.Remaining = len(pending) - i
			return result, fmt.Errorf("issue %s: failed to read decision: %w", issue.ID, err)
		}

		switch decision.Verdict {
		case VerdictQuit:
			result.Remaining = len(pending) - i
			g.logger.Info("Review stopped with %d issues remaining", result.Remaining)
			return result, nil

		case VerdictApprove:
			approved, err := g.controller.Approve(ctx, issue.ID, g.approver)
			if errors.Is(err, lifecycle.ErrInvalidTransition) {
				// decided elsewhere since the list was read
				g.logger.Warn("%v", err)
				result.Remaining++
				continue
			}
			if err != nil {
				return result, err
			}
			result.Approved = append(result.Approved, approved)
			g.controller.LogActivity(ctx, "review", "info", issue.ID, "approved by %s: %s", g.approver, issue.Title)

		case VerdictReject:
			if _, err := g.controller.Reject(ctx, issue.ID, decision.Reason); err != nil {
				return result, err
			}
			result.Rejected = append(result.Rejected, issue.ID)
			g.controller.LogActivity(ctx, "review", "info", issue.ID, "rejected by %s: %s", g.approver, decision.Reason)

		default:
			return result, fmt.Errorf("issue %s: unknown verdict %s", issue.ID, decision.Verdict)
		}
	}

	g.logger.Info("Review complete: %d approved, %d rejected", len(result.Approved), len(result.Rejected))
	return result, nil
}
