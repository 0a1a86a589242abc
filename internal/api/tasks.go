package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// TaskFilter narrows ListTasks. Zero fields are not sent.
type TaskFilter struct {
	Status     string
	PipelineID ID
	Skip       int
	Limit      int
}

func (f TaskFilter) query() string {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.PipelineID != "" {
		q.Set("pipeline_id", string(f.PipelineID))
	}
	if f.Skip > 0 {
		q.Set("skip", strconv.Itoa(f.Skip))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// ListTasks returns tasks newest first.
func (c *Client) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var out []Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+f.query(), nil, &out); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// RunningTasks returns tasks that have not reached a final status, including
// those waiting on review or release.
func (c *Client) RunningTasks(ctx context.Context) ([]Task, error) {
	var out []Task
	if err := c.do(ctx, http.MethodGet, "/tasks/running", nil, &out); err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	return out, nil
}

// StageLog is the execution record of one stage of a task.
type StageLog struct {
	Stage           string   `json:"stage"`
	Status          string   `json:"status"`
	StartedAt       string   `json:"started_at"`
	CompletedAt     string   `json:"completed_at"`
	DurationSeconds *float64 `json:"duration_seconds"`
	InputTokens     int      `json:"input_tokens"`
	OutputTokens    int      `json:"output_tokens"`
	ErrorMessage    string   `json:"error_message"`
}

// TaskLogs returns a task's stage logs in start order.
func (c *Client) TaskLogs(ctx context.Context, id ID) ([]StageLog, error) {
	var out struct {
		Logs []StageLog `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(string(id))+"/logs", nil, &out); err != nil {
		return nil, fmt.Errorf("task %s logs: %w", id, err)
	}
	return out.Logs, nil
}
