package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/factoryctl/internal/stage"
)

// ErrNotFound is returned when no draft matches an id or name.
var ErrNotFound = errors.New("draft not found")

// Store manages pipeline drafts on disk, one directory per draft:
//
//	<baseDir>/<id>/draft.json
//	<baseDir>/<id>/submissions/<task-id>.json
type Store struct {
	baseDir string
	mu      sync.Mutex
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) draftDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) draftPath(id string) string {
	return filepath.Join(s.draftDir(id), "draft.json")
}

func (s *Store) payloadPath(id, taskID string) string {
	return filepath.Join(s.draftDir(id), "submissions", taskID+".json")
}

// validTaskID reports whether a server-assigned task id is safe to use as a
// file name.
func validTaskID(taskID string) bool {
	return taskID != "" && taskID != "." && taskID != ".." &&
		!strings.ContainsAny(taskID, `/\`) && filepath.Base(taskID) == taskID
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Create initialises a new, empty draft. Names must be unique.
func (s *Store) Create(name, description string) (*Draft, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("draft name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.List("")
	if err != nil {
		return nil, err
	}
	for _, d := range existing {
		if d.Name == name {
			return nil, fmt.Errorf("draft %q already exists", name)
		}
	}

	ts := now()
	d := &Draft{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Draft:       stage.Draft{Enabled: []string{}, Configs: map[string]stage.Config{}},
		Status:      StatusDraft,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if err := WriteJSON(s.draftPath(d.ID), d); err != nil {
		return nil, fmt.Errorf("write draft.json: %w", err)
	}
	return d, nil
}

// Get reads the draft with the given id.
func (s *Store) Get(id string) (*Draft, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	var d Draft
	if err := ReadJSON(s.draftPath(id), &d); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return nil, err
	}
	if d.Configs == nil {
		d.Configs = map[string]stage.Config{}
	}
	return &d, nil
}

// Resolve finds a draft by exact id, exact name, or unique id prefix.
func (s *Store) Resolve(ref string) (*Draft, error) {
	if d, err := s.Get(ref); err == nil {
		return d, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	drafts, err := s.List("")
	if err != nil {
		return nil, err
	}
	for i := range drafts {
		if drafts[i].Name == ref {
			return &drafts[i], nil
		}
	}
	var match *Draft
	for i := range drafts {
		if strings.HasPrefix(drafts[i].ID, ref) {
			if match != nil {
				return nil, fmt.Errorf("draft reference %q is ambiguous", ref)
			}
			match = &drafts[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, ref)
	}
	return match, nil
}

// Update performs a serialized read-modify-write of a draft. If fn returns
// an error nothing is written.
func (s *Store) Update(id string, fn func(*Draft) error) (*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := fn(d); err != nil {
		return nil, err
	}
	d.UpdatedAt = now()
	if err := WriteJSON(s.draftPath(id), d); err != nil {
		return nil, fmt.Errorf("write draft.json: %w", err)
	}
	return d, nil
}

// List returns all drafts ordered by creation time, optionally filtered by
// status. Pass "" for statusFilter to return all drafts.
func (s *Store) List(statusFilter string) ([]Draft, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var drafts []Draft
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		d, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if statusFilter == "" || d.Status == statusFilter {
			drafts = append(drafts, *d)
		}
	}

	sort.SliceStable(drafts, func(i, j int) bool {
		if drafts[i].CreatedAt != drafts[j].CreatedAt {
			return drafts[i].CreatedAt < drafts[j].CreatedAt
		}
		return drafts[i].Name < drafts[j].Name
	})
	return drafts, nil
}

// Delete removes all data for a draft.
func (s *Store) Delete(id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	return os.RemoveAll(s.draftDir(id))
}

// Engine builds a stage engine over stages and loads the draft's state into
// it.
func (s *Store) Engine(d *Draft, stages []stage.Stage, opts ...stage.Option) (*stage.Engine, error) {
	e, err := stage.NewEngine(stages, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.Restore(d.Draft); err != nil {
		return nil, fmt.Errorf("draft %s: %w", d.Name, err)
	}
	return e, nil
}

// Save stores the engine's current state on the draft. Saving a submitted
// draft reopens it.
func (s *Store) Save(id string, e *stage.Engine) (*Draft, error) {
	return s.Update(id, func(d *Draft) error {
		d.Draft = e.Snapshot()
		d.Status = StatusDraft
		return nil
	})
}

// RecordSubmission stores the submitted payload, appends a Submission, and
// resets the draft's stage state so the next configuration starts empty.
func (s *Store) RecordSubmission(id string, payload stage.SubmissionPayload, taskID, pipelineID string) (*Draft, error) {
	if taskID == "" {
		return nil, errors.New("record submission: task id is required")
	}
	if !validTaskID(taskID) {
		return nil, fmt.Errorf("record submission: invalid task id %q", taskID)
	}
	if err := WriteJSON(s.payloadPath(id, taskID), payload); err != nil {
		return nil, fmt.Errorf("write submission payload: %w", err)
	}
	return s.Update(id, func(d *Draft) error {
		d.Submissions = append(d.Submissions, Submission{
			TaskID:      taskID,
			PipelineID:  pipelineID,
			Stages:      payload.EnabledStages(),
			SubmittedAt: now(),
		})
		d.TaskID = taskID
		d.Status = StatusSubmitted
		d.Draft = stage.Draft{Enabled: []string{}, Configs: map[string]stage.Config{}}
		return nil
	})
}

// SubmittedPayload reads back the raw payload submitted for taskID.
func (s *Store) SubmittedPayload(id, taskID string) ([]byte, error) {
	if !validTaskID(taskID) {
		return nil, fmt.Errorf("invalid task id %q", taskID)
	}
	return os.ReadFile(s.payloadPath(id, taskID))
}
