// Package api is a client for the pipeline service's REST endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/lucasnoah/factoryctl/internal/stage"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found")

// Error is a non-2xx response from the service.
type Error struct {
	StatusCode int
	Detail     string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("api: %d: %s", e.StatusCode, e.Detail)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// ID is a resource identifier. The service emits integers; strings are
// accepted too.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes numeric ids as numbers.
func (id ID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// Pipeline is a stored pipeline configuration.
type Pipeline struct {
	ID            ID                         `json:"id"`
	Name          string                     `json:"name"`
	Description   string                     `json:"description"`
	EnabledAgents []string                   `json:"enabled_agents"`
	AgentConfigs  map[string]json.RawMessage `json:"agent_configs"`
	CreatedAt     string                     `json:"created_at"`
}

// Task is one execution of a pipeline.
type Task struct {
	ID              ID             `json:"id"`
	PipelineID      ID             `json:"pipeline_id"`
	Status          string         `json:"status"`
	CurrentStage    string         `json:"current_stage"`
	CreatedAt       string         `json:"created_at"`
	StartedAt       string         `json:"started_at"`
	CompletedAt     string         `json:"completed_at"`
	EstimatedTokens int            `json:"estimated_tokens"`
	ActualTokens    int            `json:"actual_tokens"`
	EstimatedCost   float64        `json:"estimated_cost"`
	ActualCost      float64        `json:"actual_cost"`
	ErrorMessage    string         `json:"error_message"`
	Artifacts       map[string]any `json:"artifacts,omitempty"`
}

// AgentEstimate is the server's estimate for one stage.
type AgentEstimate struct {
	EstimatedTokens int     `json:"estimated_tokens"`
	EstimatedCost   float64 `json:"estimated_cost"`
}

// Estimate is the server-side token and cost estimate for a pipeline.
type Estimate struct {
	PipelineID   ID                       `json:"pipeline_id"`
	PipelineName string                   `json:"pipeline_name"`
	Estimates    map[string]AgentEstimate `json:"estimates"`
	TotalTokens  int                      `json:"total_tokens"`
	TotalCost    float64                  `json:"total_cost"`
}

// Client talks to the pipeline service.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithRetryMax sets the number of transport-level retries.
func WithRetryMax(n int) Option {
	return func(c *Client) { c.http.RetryMax = n }
}

// WithRetryWait bounds the backoff between retries.
func WithRetryWait(minWait, maxWait time.Duration) Option {
	return func(c *Client) {
		c.http.RetryWaitMin = minWait
		c.http.RetryWaitMax = maxWait
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.HTTPClient.Timeout = d }
}

// WithLogger routes retry logging to l.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.http.Logger = l
		}
	}
}

// New creates a client for the API rooted at baseURL, e.g.
// http://localhost:8000/api.
func New(baseURL string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second

	c := &Client{baseURL: strings.TrimRight(baseURL, "/"), http: rc}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreatePipeline stores the payload as a new pipeline.
func (c *Client) CreatePipeline(ctx context.Context, p stage.SubmissionPayload) (*Pipeline, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	var out Pipeline
	if err := c.do(ctx, http.MethodPost, "/pipelines/", p, &out); err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	return &out, nil
}

// GetPipeline fetches a pipeline by id.
func (c *Client) GetPipeline(ctx context.Context, id ID) (*Pipeline, error) {
	var out Pipeline
	if err := c.do(ctx, http.MethodGet, "/pipelines/"+url.PathEscape(string(id)), nil, &out); err != nil {
		return nil, fmt.Errorf("get pipeline %s: %w", id, err)
	}
	return &out, nil
}

// EstimatePipeline fetches the server-side estimate for a stored pipeline.
func (c *Client) EstimatePipeline(ctx context.Context, id ID) (*Estimate, error) {
	var out Estimate
	if err := c.do(ctx, http.MethodGet, "/pipelines/"+url.PathEscape(string(id))+"/estimate", nil, &out); err != nil {
		return nil, fmt.Errorf("estimate pipeline %s: %w", id, err)
	}
	return &out, nil
}

// CreateTask starts a task for a stored pipeline.
func (c *Client) CreateTask(ctx context.Context, pipelineID ID) (*Task, error) {
	body := struct {
		PipelineID ID `json:"pipeline_id"`
	}{pipelineID}
	var out Task
	if err := c.do(ctx, http.MethodPost, "/tasks/", body, &out); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &out, nil
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id ID) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(string(id)), nil, &out); err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &out, nil
}

// CancelTask cancels a pending or running task.
func (c *Client) CancelTask(ctx context.Context, id ID) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(string(id))+"/cancel", nil, &out); err != nil {
		return nil, fmt.Errorf("cancel task %s: %w", id, err)
	}
	return &out, nil
}

// Submission is the result of Submit.
type Submission struct {
	Pipeline *Pipeline
	Task     *Task
}

// Submit creates a pipeline from the payload and starts a task for it.
func (c *Client) Submit(ctx context.Context, p stage.SubmissionPayload) (*Submission, error) {
	pl, err := c.CreatePipeline(ctx, p)
	if err != nil {
		return nil, err
	}
	task, err := c.CreateTask(ctx, pl.ID)
	if err != nil {
		return nil, err
	}
	return &Submission{Pipeline: pl, Task: task}, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body any
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = data
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{StatusCode: resp.StatusCode, Detail: detail(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// detail extracts the "detail" field of an error body. Validation errors
// carry a list of {"loc", "msg"} objects instead of a string.
func detail(data []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err != nil || len(body.Detail) == 0 {
		return strings.TrimSpace(string(data))
	}
	var s string
	if err := json.Unmarshal(body.Detail, &s); err == nil {
		return s
	}
	var items []struct {
		Loc []any  `json:"loc"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(body.Detail, &items); err == nil && len(items) > 0 {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			loc := make([]string, 0, len(it.Loc))
			for _, l := range it.Loc {
				loc = append(loc, fmt.Sprint(l))
			}
			msgs = append(msgs, strings.Join(loc, ".")+": "+it.Msg)
		}
		return strings.Join(msgs, "; ")
	}
	return string(body.Detail)
}
