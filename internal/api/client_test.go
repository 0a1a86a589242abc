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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/factoryctl/internal/stage"
)

func testPayload(t *testing.T) stage.SubmissionPayload {
	t.Helper()
	e := stage.NewDefaultEngine()
	require.True(t, e.SetEnabled("scribe", true).OK)
	require.NoError(t, e.SetConfig("scribe", stage.Config{"requirement_text": "build a thing"}))
	return e.BuildPayload("thing", "desc")
}

func newTestClient(srv *httptest.Server) *Client {
	return New(srv.URL+"/api/", WithRetryWait(time.Millisecond, 5*time.Millisecond), WithRetryMax(2))
}

func TestSubmit(t *testing.T) {
	var gotPayload map[string]any
	var gotTask map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/pipelines/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &gotPayload))
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":4,"name":"thing","enabled_agents":["scribe"],"agent_configs":{}}`)
	})
	mux.HandleFunc("POST /api/tasks/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &gotTask))
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":17,"pipeline_id":4,"status":"pending","estimated_tokens":2500}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sub, err := newTestClient(srv).Submit(context.Background(), testPayload(t))
	require.NoError(t, err)
	assert.Equal(t, ID("4"), sub.Pipeline.ID)
	assert.Equal(t, ID("17"), sub.Task.ID)
	assert.Equal(t, "pending", sub.Task.Status)
	assert.Equal(t, 2500, sub.Task.EstimatedTokens)

	assert.Equal(t, "thing", gotPayload["name"])
	scribe := gotPayload["agent_configs"].(map[string]any)["scribe"].(map[string]any)
	assert.Equal(t, true, scribe["enabled"])
	assert.Equal(t, "build a thing", scribe["requirement_text"])
	assert.Equal(t, float64(4), gotTask["pipeline_id"], "numeric ids are sent as numbers")
}

func TestSubmitRejectsInvalidPayloadLocally(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	e := stage.NewDefaultEngine()
	_, err := newTestClient(srv).Submit(context.Background(), e.BuildPayload("empty", ""))
	assert.ErrorContains(t, err, "at least one stage must be enabled")
	assert.Zero(t, hits.Load())
}

func TestErrorDetail(t *testing.T) {
	tests := map[string]struct {
		status int
		body   string
		want   string
	}{
		"string detail": {http.StatusBadRequest, `{"detail":"Cannot enable forge: agents must be enabled sequentially without gaps"}`, "api: 400: Cannot enable forge"},
		"validation":    {http.StatusUnprocessableEntity, `{"detail":[{"loc":["body","name"],"msg":"field required"}]}`, "api: 422: body.name: field required"},
		"plain body":    {http.StatusBadRequest, `oops`, "api: 400: oops"},
		"empty body":    {http.StatusConflict, ``, "api: 409 Conflict"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			_, err := newTestClient(srv).GetTask(context.Background(), "1")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tc.status, apiErr.StatusCode)
		})
	}
}

func TestNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"detail":"Task not found"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).GetTask(context.Background(), "99")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorContains(t, err, "get task 99")
}

func TestRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"pipeline_id":4,"pipeline_name":"thing","estimates":{"scribe":{"estimated_tokens":2500,"estimated_cost":0.05}},"total_tokens":2500,"total_cost":0.05}`)
	}))
	defer srv.Close()

	est, err := newTestClient(srv).EstimatePipeline(context.Background(), "4")
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 2500, est.TotalTokens)
	assert.Equal(t, 2500, est.Estimates["scribe"].EstimatedTokens)
}

func TestRetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).GetPipeline(context.Background(), "4")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, int32(3), hits.Load(), "initial request plus two retries")
}

func TestCancelTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/tasks/17/cancel", r.URL.Path)
		io.WriteString(w, `{"id":"17","status":"cancelled"}`)
	}))
	defer srv.Close()

	task, err := newTestClient(srv).CancelTask(context.Background(), "17")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", task.Status)
}

func TestIDJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		A ID `json:"a"`
		B ID `json:"b"`
	}{"12", "abc"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":12,"b":"abc"}`, string(data))

	var v struct {
		A, B, C ID
	}
	require.NoError(t, json.Unmarshal([]byte(`{"A":12,"B":"x","C":null}`), &v))
	assert.Equal(t, ID("12"), v.A)
	assert.Equal(t, ID("x"), v.B)
	assert.Equal(t, ID(""), v.C)
	assert.Error(t, json.Unmarshal([]byte(`{"A":{}}`), &v))
}

func TestErrorIs(t *testing.T) {
	assert.True(t, errors.Is(&Error{StatusCode: 404}, ErrNotFound))
	assert.False(t, errors.Is(&Error{StatusCode: 400}, ErrNotFound))
}
