package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Frame types emitted by the status service.
const (
	TypeConnected    = "connected"
	TypeStatusUpdate = "status_update"
	TypePong         = "pong"
	TypeKeepalive    = "keepalive"
)

// HeartbeatFrame is the text frame written on every keep-alive tick.
const HeartbeatFrame = "ping"

// GlobalKey is the channel key for the all-tasks stream.
const GlobalKey = "all"

// Task statuses reported by the status service.
const (
	StatusPending         = "pending"
	StatusProcessing      = "processing"
	StatusAwaitingReview  = "awaiting_review"
	StatusAwaitingRelease = "awaiting_release"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusCancelled       = "cancelled"
)

// TaskKey returns the channel key for a single task's stream.
func TaskKey(taskID string) string {
	return "task_" + taskID
}

// StatusURL returns the per-task stream URL under the websocket base URL.
func StatusURL(base, taskID string) string {
	return strings.TrimRight(base, "/") + "/status/" + url.PathEscape(taskID)
}

// AllURL returns the all-tasks stream URL under the websocket base URL.
func AllURL(base string) string {
	return strings.TrimRight(base, "/") + "/all"
}

// TaskID accepts both numeric and string task identifiers on the wire.
type TaskID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *TaskID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = TaskID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("task_id: %w", err)
	}
	*id = TaskID(n.String())
	return nil
}

// Event is a decoded inbound frame.
type Event struct {
	Type         string `json:"type"`
	TaskID       TaskID `json:"task_id,omitempty"`
	Status       string `json:"status,omitempty"`
	CurrentStage string `json:"current_stage,omitempty"`
	Progress     *int   `json:"progress_percent,omitempty"`
	Message      string `json:"message,omitempty"`

	// Key is the channel the frame arrived on.
	Key        string          `json:"-"`
	ReceivedAt time.Time       `json:"-"`
	Raw        json.RawMessage `json:"-"`
}

// Terminal reports whether the event carries a final task status.
func (e Event) Terminal() bool {
	switch e.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Fields returns the full decoded frame as a map, including keys Event does
// not model.
func (e Event) Fields() map[string]any {
	out := map[string]any{}
	if len(e.Raw) > 0 {
		_ = json.Unmarshal(e.Raw, &out)
	}
	return out
}

// ParseEvent decodes a JSON frame. Frames without a type are rejected.
func ParseEvent(data []byte) (Event, error) {
	var wire struct {
		Event
		ProgressAlt *float64 `json:"progress"`
		ProgressPct *float64 `json:"progress_percent"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Event{}, fmt.Errorf("decode frame: %w", err)
	}
	ev := wire.Event
	if ev.Type == "" {
		return Event{}, errors.New("decode frame: missing type")
	}
	switch {
	case wire.ProgressPct != nil:
		ev.Progress = intPtr(*wire.ProgressPct)
	case wire.ProgressAlt != nil:
		ev.Progress = intPtr(*wire.ProgressAlt)
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return ev, nil
}

func intPtr(f float64) *int {
	n := int(f)
	return &n
}

// String renders a one-line summary of the event.
func (e Event) String() string {
	var b strings.Builder
	b.WriteString(e.Type)
	if e.TaskID != "" {
		b.WriteString(" task=" + string(e.TaskID))
	}
	if e.Status != "" {
		b.WriteString(" status=" + e.Status)
	}
	if e.CurrentStage != "" {
		b.WriteString(" stage=" + e.CurrentStage)
	}
	if e.Progress != nil {
		b.WriteString(" progress=" + strconv.Itoa(*e.Progress) + "%")
	}
	if e.Message != "" {
		b.WriteString(" " + strconv.Quote(e.Message))
	}
	return b.String()
}

// classify splits inbound frames into heartbeat acknowledgements and events.
func classify(data []byte) (ev Event, heartbeat bool, err error) {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == TypePong {
		return Event{}, true, nil
	}
	ev, err = ParseEvent(trimmed)
	if err != nil {
		return Event{}, false, err
	}
	switch ev.Type {
	case TypePong, TypeKeepalive:
		return Event{}, true, nil
	}
	return ev, false, nil
}
