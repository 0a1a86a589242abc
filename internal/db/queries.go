package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Submission represents a row in the submissions table.
type Submission struct {
	ID          int64
	TaskID      string
	PipelineID  string
	DraftID     string
	Name        string
	Stages      []string
	Payload     json.RawMessage
	SubmittedAt time.Time
}

// TaskEvent represents a row in the task_events table.
type TaskEvent struct {
	ID           int64
	TaskID       string
	ChannelKey   string
	Type         string
	Status       string
	CurrentStage string
	Progress     *int
	Message      string
	Raw          json.RawMessage
	ReceivedAt   time.Time
}

// RecordSubmission inserts a submission.
func (d *DB) RecordSubmission(ctx context.Context, s Submission) error {
	if s.Stages == nil {
		s.Stages = []string{}
	}
	_, err := d.pool.Exec(ctx,
		`INSERT INTO submissions (task_id, pipeline_id, draft_id, name, stages, payload) VALUES ($1, $2, $3, $4, $5, $6)`,
		s.TaskID, nullable(s.PipelineID), nullable(s.DraftID), s.Name, s.Stages, []byte(s.Payload),
	)
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	return nil
}

// ListSubmissions returns the most recent submissions, newest first.
func (d *DB) ListSubmissions(ctx context.Context, limit int) ([]Submission, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, task_id, COALESCE(pipeline_id, ''), COALESCE(draft_id, ''), name, stages, payload, submitted_at
		 FROM submissions ORDER BY submitted_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Submission, error) {
		var s Submission
		var payload []byte
		err := row.Scan(&s.ID, &s.TaskID, &s.PipelineID, &s.DraftID, &s.Name, &s.Stages, &payload, &s.SubmittedAt)
		s.Payload = payload
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return out, nil
}

// RecordEvent inserts a task event. A zero ReceivedAt is stored as now().
func (d *DB) RecordEvent(ctx context.Context, e TaskEvent) error {
	var receivedAt any
	if !e.ReceivedAt.IsZero() {
		receivedAt = e.ReceivedAt
	}
	var raw any
	if len(e.Raw) > 0 {
		raw = []byte(e.Raw)
	}
	_, err := d.pool.Exec(ctx,
		`INSERT INTO task_events (task_id, channel_key, type, status, current_stage, progress, message, raw, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()))`,
		e.TaskID, e.ChannelKey, e.Type, nullable(e.Status), nullable(e.CurrentStage), e.Progress,
		nullable(e.Message), raw, receivedAt,
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

const eventColumns = `id, task_id, channel_key, type, COALESCE(status, ''), COALESCE(current_stage, ''),
	progress, COALESCE(message, ''), raw, received_at`

func scanEvent(row pgx.CollectableRow) (TaskEvent, error) {
	var e TaskEvent
	var raw []byte
	err := row.Scan(&e.ID, &e.TaskID, &e.ChannelKey, &e.Type, &e.Status, &e.CurrentStage,
		&e.Progress, &e.Message, &raw, &e.ReceivedAt)
	e.Raw = raw
	return e, err
}

// ListEvents returns events for a task in arrival order. limit <= 0 means
// no limit.
func (d *DB) ListEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM task_events WHERE task_id = $1 ORDER BY received_at, id`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// EventsSince returns every event received at or after since, grouped by
// task in arrival order.
func (d *DB) EventsSince(ctx context.Context, since time.Time) ([]TaskEvent, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM task_events WHERE received_at >= $1 ORDER BY task_id, received_at, id`, since)
	if err != nil {
		return nil, fmt.Errorf("events since: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("events since: %w", err)
	}
	return events, nil
}

// LatestEvent returns the most recent event for a task, or nil if none.
func (d *DB) LatestEvent(ctx context.Context, taskID string) (*TaskEvent, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM task_events WHERE task_id = $1 ORDER BY received_at DESC, id DESC LIMIT 1`, taskID)
	if err != nil {
		return nil, fmt.Errorf("latest event: %w", err)
	}
	e, err := pgx.CollectOneRow(rows, scanEvent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest event: %w", err)
	}
	return &e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
