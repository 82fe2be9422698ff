package primary

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumagallery/luma/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "/tmp/out", "/tmp/models", 5*time.Second)
}

func TestSubmitSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/prompt", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a cat", body["prompt"])
		_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "abc-123"})
	})

	id, err := c.Submit(context.Background(), domain.Workflow{
		Prompt: "a cat", CheckpointModel: "base.safetensors", Width: 512, Height: 512, BatchSize: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)
}

func TestSubmitServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := c.Submit(context.Background(), domain.Workflow{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBackendUnavailable))
}

func TestSubmitTooManyRequestsIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.Submit(context.Background(), domain.Workflow{Prompt: "x"})
	assert.True(t, errors.Is(err, domain.ErrBackendUnavailable))
}

func TestSubmitBadRequestIsRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad workflow", http.StatusBadRequest)
	})
	_, err := c.Submit(context.Background(), domain.Workflow{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBackendRejected))
	assert.False(t, errors.Is(err, domain.ErrBackendUnavailable))
}

func TestSubmitNetworkErrorIsTransient(t *testing.T) {
	c := New("http://127.0.0.1:1", "/tmp/out", "/tmp/models", 500*time.Millisecond)
	_, err := c.Submit(context.Background(), domain.Workflow{Prompt: "x"})
	assert.True(t, errors.Is(err, domain.ErrBackendUnavailable))
}

func TestStatusRunningWithProgress(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status/abc", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "running", "percent": 42.5, "queue_position": 3,
		})
	})
	st, err := c.Status(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, domain.BackendRunning, st.Kind)
	require.NotNil(t, st.Percent)
	assert.InDelta(t, 42.5, *st.Percent, 0.001)
	require.NotNil(t, st.QueuePosition)
	assert.Equal(t, 3, *st.QueuePosition)
}

func TestStatusUnknownPromptIsNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such prompt", http.StatusNotFound)
	})
	_, err := c.Status(context.Background(), "gone")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.False(t, errors.Is(err, domain.ErrBackendUnavailable))
}

func TestStatusFailedCarriesReason(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "failed", "reason": "out of vram", "retryable": true,
		})
	})
	st, err := c.Status(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, domain.BackendFailedStatus, st.Kind)
	assert.Equal(t, "out of vram", st.Reason)
	assert.True(t, st.Retryable)
}

func TestCancelFinishedPromptIsNoop(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "already done", http.StatusNotFound)
	})
	assert.NoError(t, c.Cancel(context.Background(), "done"))
}

func TestFetchOutputsOrderPreserved(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/outputs/abc", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"outputs": []map[string]string{
			{"filename": "out_001.png", "subfolder": "batch", "type": "output"},
			{"filename": "out_002.png", "subfolder": "batch", "type": "output"},
		}})
	})
	refs, err := c.FetchOutputs(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "out_001.png", refs[0].Filename)
	assert.Equal(t, "batch", refs[0].Subfolder)
	assert.Equal(t, "out_002.png", refs[1].Filename)
}
