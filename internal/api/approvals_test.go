package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const taskApprovals = `[
	{"id":3,"task_id":"17","checkpoint":"architect_plan","agent_name":"architect","status":"pending","artifact_paths":["plan.md"],"summary":"Plan ready"},
	{"id":2,"task_id":"17","checkpoint":"scribe_output","agent_name":"scribe","status":"approved","artifact_paths":[]}
]`

func TestListApprovals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/approvals/task/17", r.URL.Path)
		io.WriteString(w, taskApprovals)
	}))
	defer srv.Close()
	c := newTestClient(srv)

	approvals, err := c.ListApprovals(context.Background(), "17")
	require.NoError(t, err)
	require.Len(t, approvals, 2)
	assert.Equal(t, ID("3"), approvals[0].ID)
	assert.Equal(t, ID("17"), approvals[0].TaskID)
	assert.Equal(t, []string{"plan.md"}, approvals[0].ArtifactPaths)

	pending, err := c.PendingApproval(context.Background(), "17")
	require.NoError(t, err)
	assert.Equal(t, "architect_plan", pending.Checkpoint)
}

func TestPendingApprovalNone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"id":2,"task_id":"17","checkpoint":"scribe_output","status":"approved"}]`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).PendingApproval(context.Background(), "17")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestApproveAndReject(t *testing.T) {
	var bodies []map[string]any
	mux := http.NewServeMux()
	record := func(action string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			data, _ := io.ReadAll(r.Body)
			assert.NoError(t, json.Unmarshal(data, &body))
			bodies = append(bodies, body)
			io.WriteString(w, `{"id":9,"approval_request_id":3,"action":"`+action+`","user_name":"ana","comment":"ok"}`)
		}
	}
	mux.HandleFunc("POST /api/approvals/3/approve", record("approved"))
	mux.HandleFunc("POST /api/approvals/3/reject", record("rejected"))
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := newTestClient(srv)

	act, err := c.Approve(context.Background(), "3", Decision{UserName: "ana"})
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, act.Action)
	assert.Equal(t, ID("3"), act.ApprovalRequestID)

	act, err = c.Reject(context.Background(), "3", Decision{Comment: "split the plan", Feedback: map[string]any{"scope": "smaller"}})
	require.NoError(t, err)
	assert.Equal(t, ApprovalRejected, act.Action)

	require.Len(t, bodies, 2)
	assert.Equal(t, map[string]any{"user_name": "ana"}, bodies[0])
	assert.Equal(t, "split the plan", bodies[1]["comment"])
	assert.Equal(t, map[string]any{"scope": "smaller"}, bodies[1]["feedback"])
}

func TestRejectNeedsComment(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Reject(context.Background(), "3", Decision{Comment: "  "})
	assert.ErrorIs(t, err, ErrCommentRequired)
	assert.Zero(t, hits.Load())
}

func TestApproveServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"detail":"Approval request is not pending"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Approve(context.Background(), "3", Decision{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Approval request is not pending")
}
