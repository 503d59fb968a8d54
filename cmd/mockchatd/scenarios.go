package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/datachat/datachat/internal/api"
	"github.com/datachat/datachat/internal/chat"
	apperrors "github.com/datachat/datachat/internal/common/errors"
	"github.com/datachat/datachat/internal/protocol"
)

// Scripted stream scenarios, selected by the message text. Mirrors the real
// backend's event order: context_update first, then the response events,
// then done.
//
//	/error [msg]     stream a couple of tokens, then an error event
//	/tool [name]     tool_start/tool_end with an artifact, then a reply
//	/slow <dur>      token stream with a delay between tokens
//	/summarize       summarization bracket with a context reset
//	anything else    plain token stream

// PostMessage accepts a user message and streams the scripted response.
// POST /api/threads/:threadId/messages
func (h *Handler) PostMessage(c *gin.Context) {
	threadID := c.Param("threadId")

	var req api.PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.Role != "user" {
		appErr := apperrors.BadRequest("only user role allowed")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if !h.store.hasThread(threadID) {
		appErr := apperrors.NotFound("thread", threadID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if h.store.hasMessageID(threadID, req.MessageID) {
		appErr := apperrors.Conflict("duplicate message_id")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	h.store.appendMessage(threadID, &storedMessage{
		MessageResponse: api.MessageResponse{
			ID:       uuid.New().String(),
			ThreadID: threadID,
			Role:     "user",
			Content:  contentPtr(req.Content.Text),
		},
		clientMessageID: req.MessageID,
		createdAt:       time.Now().UTC(),
	})

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	h.streamScenario(c, threadID, req.Content.Text)
}

func (h *Handler) streamScenario(c *gin.Context, threadID, text string) {
	emit := func(ev protocol.Event) {
		payload, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
		c.Writer.Flush()
	}

	emit(protocol.Event{
		Type:       protocol.EventContextUpdate,
		TokensUsed: 1200,
		MaxTokens:  h.defaultContextWindow,
	})

	var (
		reply     string
		artifacts []api.ArtifactResponse
		delay     time.Duration
	)

	cmd, arg, _ := strings.Cut(strings.TrimSpace(text), " ")
	switch cmd {
	case "/error":
		emit(protocol.Event{Type: protocol.EventToken, Content: "Something went "})
		emit(protocol.Event{Type: protocol.EventToken, Content: "wrong: "})
		msg := arg
		if msg == "" {
			msg = "simulated agent failure"
		}
		emit(protocol.Event{Type: protocol.EventError, Error: msg})
		h.logger.Info("scenario error emitted", zap.String("thread_id", threadID))
		return

	case "/tool":
		name := arg
		if name == "" {
			name = "code_sandbox"
		}
		emit(protocol.Event{
			Type:  protocol.EventToolStart,
			Name:  name,
			Input: map[string]any{"query": text},
		})
		time.Sleep(50 * time.Millisecond)
		artifact := api.ArtifactResponse{
			ID:   uuid.New().String(),
			Name: "result.png",
			Mime: "image/png",
			Size: 2048,
			URL:  "/api/artifacts/" + uuid.New().String(),
		}
		emit(protocol.Event{
			Type:   protocol.EventToolEnd,
			Name:   name,
			Output: map[string]any{"content": "tool finished"},
			Artifacts: []chat.Artifact{{
				ID:   artifact.ID,
				Name: artifact.Name,
				Mime: artifact.Mime,
				Size: artifact.Size,
				URL:  artifact.URL,
			}},
		})
		artifacts = append(artifacts, artifact)
		reply = "I ran " + name + " and produced one artifact."

	case "/slow":
		delay = 200 * time.Millisecond
		if d, err := time.ParseDuration(arg); err == nil {
			delay = d
		}
		reply = "This reply arrives one slow token at a time."

	case "/summarize":
		emit(protocol.Event{Type: protocol.EventSummarizing, Status: protocol.SummarizingStart})
		time.Sleep(100 * time.Millisecond)
		emit(protocol.Event{Type: protocol.EventSummarizing, Status: protocol.SummarizingDone})
		emit(protocol.Event{
			Type:       protocol.EventContextUpdate,
			TokensUsed: 0,
			MaxTokens:  h.defaultContextWindow,
		})
		reply = "The conversation was summarized to free up context."

	default:
		reply = "You said: " + text + ". This is a mock reply for testing the streaming client."
	}

	for _, word := range strings.SplitAfter(reply, " ") {
		emit(protocol.Event{Type: protocol.EventToken, Content: word})
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	assistant := &storedMessage{
		MessageResponse: api.MessageResponse{
			ID:        uuid.New().String(),
			ThreadID:  threadID,
			Role:      "assistant",
			Content:   contentPtr(reply),
			Artifacts: artifacts,
		},
		createdAt: time.Now().UTC(),
	}
	h.store.appendMessage(threadID, assistant)

	if title, ok := h.store.maybeAutoTitle(threadID, text); ok {
		emit(protocol.Event{Type: protocol.EventTitleUpdated, Title: title})
	}

	emit(protocol.Event{Type: protocol.EventDone, MessageID: &assistant.ID})
}
