package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datachat/datachat/internal/chat"
	apperrors "github.com/datachat/datachat/internal/common/errors"
	"github.com/datachat/datachat/internal/common/logger"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, "anon-1", 2*time.Second, logger.NewNop())
}

func TestCreateThread(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/threads", r.URL.Path)

		var req CreateThreadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "anon-1", req.UserID)

		json.NewEncoder(w).Encode(ThreadResponse{ID: "t1", UserID: req.UserID, Title: req.Title})
	}))

	th, err := client.CreateThread(context.Background(), "New chat")
	require.NoError(t, err)
	assert.Equal(t, "t1", th.ID)
	assert.Equal(t, "New chat", th.Title)
}

func TestListThreadsQueryParams(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "anon-1", q.Get("user_id"))
		assert.Equal(t, "5", q.Get("limit"))
		assert.Equal(t, "true", q.Get("include_archived"))
		w.Write([]byte(`[{"id":"t1","title":"one"},{"id":"t2","title":"two"}]`))
	}))

	threads, err := client.ListThreads(context.Background(), true, 5)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, "one", threads[0].Title)
}

func TestListMessagesPreservesServedOrder(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Descending recency, newest first. Null content for tool rows.
		w.Write([]byte(`[
			{"id":"m3","thread_id":"t1","role":"assistant","content":{"text":"hi there"}},
			{"id":"m2","thread_id":"t1","role":"tool","content":null,"tool_name":"search"},
			{"id":"m1","thread_id":"t1","role":"user","content":{"text":"hi"}}
		]`))
	}))

	msgs, err := client.ListMessages(context.Background(), "t1", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m3", msgs[0].ID)
	assert.Equal(t, chat.RoleTool, msgs[1].Role)
	assert.Empty(t, msgs[1].Content.Text, "null content decodes to empty")
	assert.Equal(t, "search", msgs[1].ToolName)
}

func TestErrorBodySurfacedInAppError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":"NOT_FOUND","message":"thread missing"}`))
	}))

	_, err := client.GetThread(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Contains(t, err.Error(), "thread missing")
}

func TestPostMessageReturnsOpenBody(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req PostMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "msg-1", req.MessageID)
		assert.Equal(t, chat.RoleUser, req.Role)
		assert.Equal(t, "hello", req.Content.Text)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"type\":\"done\"}\n"))
	}))

	body, err := client.PostMessage(context.Background(), "t1", "msg-1", "hello")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"done"`)
}

func TestPostMessageDuplicateRejected(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appErr := apperrors.Conflict("duplicate message_id")
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(appErr)
	}))

	_, err := client.PostMessage(context.Background(), "t1", "msg-1", "hello")
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestPostMessageTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close() // connection refused from here on
	client := NewClient(server.URL, "anon-1", time.Second, logger.NewNop())

	_, err := client.PostMessage(context.Background(), "t1", "msg-1", "hello")
	require.Error(t, err)
	assert.True(t, apperrors.IsStreamError(err))
}

func TestUpdateThreadConfig(t *testing.T) {
	model := "gpt-test"
	window := 64000
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/threads/t1/config", r.URL.Path)
		var req UpdateConfigRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(ConfigResponse{Model: req.Model, ContextWindow: req.ContextWindow})
	}))

	cfg, err := client.UpdateThreadConfig(context.Background(), "t1",
		UpdateConfigRequest{Model: &model, ContextWindow: &window})
	require.NoError(t, err)
	require.NotNil(t, cfg.Model)
	assert.Equal(t, "gpt-test", *cfg.Model)
	require.NotNil(t, cfg.ContextWindow)
	assert.Equal(t, 64000, *cfg.ContextWindow)
}

func TestDeleteThreadNoContent(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))

	assert.NoError(t, client.DeleteThread(context.Background(), "t1"))
}
