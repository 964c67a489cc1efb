package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/"})
}

func TestSubmitJob(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/jobs", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req SubmitJobRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 45, req.ClipDurationSeconds)

		json.NewEncoder(w).Encode(SubmitJobResult{
			JobID:    "kk_01HV3Q0000000000000000000A",
			JobToken: "tok",
			Status:   StatusQueued,
		})
	})

	out, err := c.SubmitJob(context.Background(), SubmitJobRequest{
		VideoURL:            "https://youtu.be/x",
		ClipDurationSeconds: 45,
		ClipCount:           3,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, out.Status)
	assert.Equal(t, "tok", out.JobToken)
}

func TestAPIErrorMapping(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]string{"error": "insufficient credits"})
	})

	_, err := c.Unlock(context.Background(), "kk_x", "jt", "clip_01.mp4", "req-1")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPaymentRequired, apiErr.Status)
	assert.Equal(t, "insufficient credits", apiErr.Message)
}

func TestUnlockSendsBothTokens(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "jt", r.Header.Get("x-job-token"))
		assert.Equal(t, "at", r.Header.Get("x-auth-token"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "req-1", body["unlock_request_id"])

		json.NewEncoder(w).Encode(UnlockResult{Unlocked: true, ChargedCredits: 1, Idempotency: "new"})
	})

	out, err := c.WithAuthToken("at").Unlock(context.Background(), "kk_x", "jt", "clip_01.mp4", "req-1")
	require.NoError(t, err)
	assert.True(t, out.Unlocked)
	assert.Equal(t, 1, out.ChargedCredits)
}

func TestWithAuthTokenDoesNotMutateReceiver(t *testing.T) {
	base := NewClient(Config{BaseURL: "https://api.example"})
	authed := base.WithAuthToken("tok")

	assert.Empty(t, base.config.AuthToken)
	assert.Equal(t, "tok", authed.config.AuthToken)
	assert.Equal(t, "https://api.example", authed.config.BaseURL)
}

func TestWaitForCompletion(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		status := StatusRunning
		if calls.Add(1) >= 3 {
			status = StatusSucceeded
		}
		json.NewEncoder(w).Encode(JobStatus{JobID: "kk_x", Status: status})
	})

	out, err := c.WaitForCompletion(context.Background(), "kk_x", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestWaitForCompletionHonorsContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(JobStatus{JobID: "kk_x", Status: StatusRunning})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.WaitForCompletion(ctx, "kk_x", 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
