package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/datachat/datachat/internal/chat"
	apperrors "github.com/datachat/datachat/internal/common/errors"
	"github.com/datachat/datachat/internal/common/logger"
)

// Client talks to the chat backend REST API. All requests are scoped by the
// caller's anonymous user id. Non-streaming requests run under the configured
// request timeout; the streaming POST deliberately has none, because a live
// stream has no bounded duration.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
	streamHTTP *http.Client
	logger     *logger.Logger
}

// NewClient creates a backend API client.
func NewClient(baseURL, userID string, requestTimeout time.Duration, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		userID:     userID,
		httpClient: &http.Client{Timeout: requestTimeout},
		streamHTTP: &http.Client{},
		logger:     log.WithFields(zap.String("component", "api-client")),
	}
}

// CreateThread creates a new thread and returns the backend record.
func (c *Client) CreateThread(ctx context.Context, title string) (chat.Thread, error) {
	var out ThreadResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/threads", CreateThreadRequest{
		UserID: c.userID,
		Title:  title,
	}, &out)
	if err != nil {
		return chat.Thread{}, err
	}
	return out.Thread(), nil
}

// ListThreads lists recent threads for the user, most recently updated first.
func (c *Client) ListThreads(ctx context.Context, includeArchived bool, limit int) ([]chat.Thread, error) {
	q := url.Values{}
	q.Set("user_id", c.userID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if includeArchived {
		q.Set("include_archived", "true")
	}

	var out []ThreadResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/threads?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	threads := make([]chat.Thread, 0, len(out))
	for i := range out {
		threads = append(threads, out[i].Thread())
	}
	return threads, nil
}

// GetThread fetches thread metadata by id.
func (c *Client) GetThread(ctx context.Context, threadID string) (chat.Thread, error) {
	var out ThreadResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/threads/"+threadID, nil, &out); err != nil {
		return chat.Thread{}, err
	}
	return out.Thread(), nil
}

// ArchiveThread soft-deletes a thread.
func (c *Client) ArchiveThread(ctx context.Context, threadID string) (chat.Thread, error) {
	var out ThreadResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/threads/"+threadID+"/archive", nil, &out); err != nil {
		return chat.Thread{}, err
	}
	return out.Thread(), nil
}

// UnarchiveThread makes an archived thread visible again.
func (c *Client) UnarchiveThread(ctx context.Context, threadID string) (chat.Thread, error) {
	var out ThreadResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/threads/"+threadID+"/unarchive", nil, &out); err != nil {
		return chat.Thread{}, err
	}
	return out.Thread(), nil
}

// DeleteThread hard-deletes a thread and everything under it. Idempotent on
// the backend.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/threads/"+threadID, nil, nil)
}

// UpdateThreadTitle sets a thread title manually.
func (c *Client) UpdateThreadTitle(ctx context.Context, threadID, title string) (chat.Thread, error) {
	var out ThreadResponse
	err := c.doJSON(ctx, http.MethodPatch, "/api/threads/"+threadID+"/title",
		UpdateTitleRequest{Title: title}, &out)
	if err != nil {
		return chat.Thread{}, err
	}
	return out.Thread(), nil
}

// GetDefaultConfig fetches the backend's environment-derived defaults.
func (c *Client) GetDefaultConfig(ctx context.Context) (chat.ThreadConfig, error) {
	var out ConfigResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/config/defaults", nil, &out); err != nil {
		return chat.ThreadConfig{}, err
	}
	return out.Config(), nil
}

// GetThreadConfig fetches per-thread config, falling back to defaults on the
// backend side when none was ever set.
func (c *Client) GetThreadConfig(ctx context.Context, threadID string) (chat.ThreadConfig, error) {
	var out ConfigResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/threads/"+threadID+"/config", nil, &out); err != nil {
		return chat.ThreadConfig{}, err
	}
	return out.Config(), nil
}

// UpdateThreadConfig upserts per-thread config.
func (c *Client) UpdateThreadConfig(ctx context.Context, threadID string, req UpdateConfigRequest) (chat.ThreadConfig, error) {
	var out ConfigResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/threads/"+threadID+"/config", req, &out); err != nil {
		return chat.ThreadConfig{}, err
	}
	return out.Config(), nil
}

// ListMessages fetches persisted messages for a thread in descending recency
// order, exactly as the backend serves them. Callers that need chronological
// order reverse the slice.
func (c *Client) ListMessages(ctx context.Context, threadID string, limit int) ([]chat.Message, error) {
	path := "/api/threads/" + threadID + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []MessageResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, 0, len(out))
	for i := range out {
		msgs = append(msgs, out[i].Message())
	}
	return msgs, nil
}

// PostMessage submits a user message carrying the client-generated message id
// and returns the open stream body on success. On a non-2xx response the
// textual error body is wrapped in an AppError and the decoder is never
// reached. The caller owns closing the returned body.
func (c *Client) PostMessage(ctx context.Context, threadID, messageID, text string) (io.ReadCloser, error) {
	body, err := json.Marshal(PostMessageRequest{
		MessageID: messageID,
		Content:   chat.Content{Text: text},
		Role:      chat.RoleUser,
	})
	if err != nil {
		return nil, apperrors.InternalError("failed to encode message", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/threads/"+threadID+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.InternalError("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	c.logger.Debug("submitting message",
		zap.String("thread_id", threadID),
		zap.String("message_id", messageID))

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return nil, apperrors.StreamError("submission request failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, apperrors.FromHTTPStatus(resp.StatusCode, strings.TrimSpace(string(errBody)))
	}
	return resp.Body, nil
}

// doJSON performs a request with optional JSON body and decodes a JSON
// response into out (out may be nil for 204-style endpoints).
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return apperrors.InternalError("failed to encode request", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return apperrors.InternalError("failed to build request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(err, fmt.Sprintf("%s %s failed", method, path))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.FromHTTPStatus(resp.StatusCode, strings.TrimSpace(string(errBody)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.InternalError("failed to decode response", err)
	}
	return nil
}
