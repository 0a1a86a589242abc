package pipeline

import "github.com/lucasnoah/factoryctl/internal/stage"

// Draft statuses.
const (
	StatusDraft     = "draft"
	StatusSubmitted = "submitted"
)

// Draft is the persisted state of one pipeline being configured. The
// embedded stage.Draft holds the enabled prefix and per-stage configs.
type Draft struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	stage.Draft

	Status      string       `json:"status"`
	TaskID      string       `json:"task_id,omitempty"`
	Submissions []Submission `json:"submissions,omitempty"`
	CreatedAt   string       `json:"created_at"`
	UpdatedAt   string       `json:"updated_at"`
}

// Submission records one successful submission of a draft.
type Submission struct {
	TaskID      string   `json:"task_id"`
	PipelineID  string   `json:"pipeline_id,omitempty"`
	Stages      []string `json:"stages"`
	SubmittedAt string   `json:"submitted_at"`
}

// LastSubmission returns the most recent submission, if any.
func (d *Draft) LastSubmission() (Submission, bool) {
	if len(d.Submissions) == 0 {
		return Submission{}, false
	}
	return d.Submissions[len(d.Submissions)-1], true
}
