package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalTimeout  = "timeout"
)

// Approval is a human review checkpoint raised by a running task.
type Approval struct {
	ID                   ID               `json:"id"`
	TaskID               ID               `json:"task_id"`
	Checkpoint           string           `json:"checkpoint"`
	AgentName            string           `json:"agent_name"`
	Status               string           `json:"status"`
	ArtifactPaths        []string         `json:"artifact_paths"`
	Summary              string           `json:"summary"`
	Details              map[string]any   `json:"details,omitempty"`
	CreatedAt            string           `json:"created_at"`
	TimeoutAt            string           `json:"timeout_at"`
	ResolvedAt           string           `json:"resolved_at"`
	AutoApproveOnTimeout bool             `json:"auto_approve_on_timeout"`
	Actions              []ApprovalAction `json:"actions,omitempty"`
}

// ApprovalAction records one approve or reject decision.
type ApprovalAction struct {
	ID                ID             `json:"id"`
	ApprovalRequestID ID             `json:"approval_request_id"`
	Action            string         `json:"action"`
	UserName          string         `json:"user_name"`
	Comment           string         `json:"comment"`
	Feedback          map[string]any `json:"feedback,omitempty"`
	CreatedAt         string         `json:"created_at"`
}

// Decision is the body of an approve or reject call.
type Decision struct {
	UserName string         `json:"user_name,omitempty"`
	Comment  string         `json:"comment,omitempty"`
	Feedback map[string]any `json:"feedback,omitempty"`
}

// ErrCommentRequired is returned by Reject when no comment is given.
var ErrCommentRequired = errors.New("a comment is required when rejecting")

// ListApprovals returns every approval request raised by a task, newest
// first.
func (c *Client) ListApprovals(ctx context.Context, taskID ID) ([]Approval, error) {
	var out []Approval
	if err := c.do(ctx, http.MethodGet, "/approvals/task/"+url.PathEscape(string(taskID)), nil, &out); err != nil {
		return nil, fmt.Errorf("list approvals for task %s: %w", taskID, err)
	}
	return out, nil
}

// PendingApproval returns the newest pending approval of a task, or
// ErrNotFound when nothing is waiting.
func (c *Client) PendingApproval(ctx context.Context, taskID ID) (*Approval, error) {
	approvals, err := c.ListApprovals(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for i := range approvals {
		if approvals[i].Status == ApprovalPending {
			return &approvals[i], nil
		}
	}
	return nil, fmt.Errorf("no pending approval for task %s: %w", taskID, ErrNotFound)
}

// Approve resumes the task waiting on approval id.
func (c *Client) Approve(ctx context.Context, id ID, d Decision) (*ApprovalAction, error) {
	var out ApprovalAction
	if err := c.do(ctx, http.MethodPost, "/approvals/"+url.PathEscape(string(id))+"/approve", d, &out); err != nil {
		return nil, fmt.Errorf("approve %s: %w", id, err)
	}
	return &out, nil
}

// Reject sends the stage back for rework. The comment is passed to the
// agent as feedback and must not be empty.
func (c *Client) Reject(ctx context.Context, id ID, d Decision) (*ApprovalAction, error) {
	if strings.TrimSpace(d.Comment) == "" {
		return nil, fmt.Errorf("reject %s: %w", id, ErrCommentRequired)
	}
	var out ApprovalAction
	if err := c.do(ctx, http.MethodPost, "/approvals/"+url.PathEscape(string(id))+"/reject", d, &out); err != nil {
		return nil, fmt.Errorf("reject %s: %w", id, err)
	}
	return &out, nil
}
