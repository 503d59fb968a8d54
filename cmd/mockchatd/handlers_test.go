package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datachat/datachat/internal/api"
	"github.com/datachat/datachat/internal/chat"
	"github.com/datachat/datachat/internal/common/logger"
	"github.com/datachat/datachat/internal/protocol"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupRoutes(router.Group("/api"), NewHandler(newMemoryStore(), logger.NewNop()))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func createThread(t *testing.T, server *httptest.Server, title string) api.ThreadResponse {
	t.Helper()
	body := strings.NewReader(`{"user_id":"u1","title":"` + title + `"}`)
	resp, err := http.Post(server.URL+"/api/threads", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var th api.ThreadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&th))
	return th
}

func postMessage(t *testing.T, server *httptest.Server, threadID, messageID, text string) (*http.Response, []protocol.Event) {
	t.Helper()
	payload := api.PostMessageRequest{
		MessageID: messageID,
		Content:   chat.Content{Text: text},
		Role:      chat.RoleUser,
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(server.URL+"/api/threads/"+threadID+"/messages",
		"application/json", strings.NewReader(string(data)))
	require.NoError(t, err)
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	dec := protocol.NewDecoder(resp.Body, logger.NewNop())
	var events []protocol.Event
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return resp, events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestDefaultScenarioStreamsTokensAndDone(t *testing.T) {
	server := newTestServer(t)
	th := createThread(t, server, "New chat")

	resp, events := postMessage(t, server, th.ID, "msg-1", "hello there")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, events)

	assert.Equal(t, protocol.EventContextUpdate, events[0].Type)

	last := events[len(events)-1]
	require.Equal(t, protocol.EventDone, last.Type)
	require.NotNil(t, last.MessageID)

	var text strings.Builder
	sawTitle := false
	for _, ev := range events {
		switch ev.Type {
		case protocol.EventToken:
			text.WriteString(ev.Content)
		case protocol.EventTitleUpdated:
			sawTitle = true
			assert.Equal(t, "hello there", ev.Title)
		}
	}
	assert.Contains(t, text.String(), "hello there")
	assert.True(t, sawTitle, "first exchange on a fresh thread auto-titles it")
}

func TestErrorScenarioEndsWithErrorEvent(t *testing.T) {
	server := newTestServer(t)
	th := createThread(t, server, "New chat")

	_, events := postMessage(t, server, th.ID, "msg-1", "/error boom")
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	require.Equal(t, protocol.EventError, last.Type)
	assert.Equal(t, "boom", last.Error)
}

func TestToolScenarioEmitsArtifacts(t *testing.T) {
	server := newTestServer(t)
	th := createThread(t, server, "New chat")

	_, events := postMessage(t, server, th.ID, "msg-1", "/tool sandbox")

	var start, end *protocol.Event
	for i := range events {
		switch events[i].Type {
		case protocol.EventToolStart:
			start = &events[i]
		case protocol.EventToolEnd:
			end = &events[i]
		}
	}
	require.NotNil(t, start)
	require.NotNil(t, end)
	assert.Equal(t, "sandbox", start.Name)
	require.Len(t, end.Artifacts, 1)
	assert.Equal(t, "result.png", end.Artifacts[0].Name)
}

func TestSummarizeScenarioResetsContext(t *testing.T) {
	server := newTestServer(t)
	th := createThread(t, server, "New chat")

	_, events := postMessage(t, server, th.ID, "msg-1", "/summarize")

	var statuses []string
	var lastUsage *protocol.Event
	for i := range events {
		switch events[i].Type {
		case protocol.EventSummarizing:
			statuses = append(statuses, events[i].Status)
		case protocol.EventContextUpdate:
			lastUsage = &events[i]
		}
	}
	assert.Equal(t, []string{protocol.SummarizingStart, protocol.SummarizingDone}, statuses)
	require.NotNil(t, lastUsage)
	assert.Equal(t, 0, lastUsage.TokensUsed)
}

func TestDuplicateMessageIDRejected(t *testing.T) {
	server := newTestServer(t)
	th := createThread(t, server, "New chat")

	resp, _ := postMessage(t, server, th.ID, "msg-1", "hello")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = postMessage(t, server, th.ID, "msg-1", "hello again")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPostMessageUnknownThread(t *testing.T) {
	server := newTestServer(t)

	resp, _ := postMessage(t, server, "missing", "msg-1", "hello")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMessagesServedDescending(t *testing.T) {
	server := newTestServer(t)
	th := createThread(t, server, "New chat")

	postMessage(t, server, th.ID, "msg-1", "first")
	postMessage(t, server, th.ID, "msg-2", "second")

	resp, err := http.Get(server.URL + "/api/threads/" + th.ID + "/messages")
	require.NoError(t, err)
	defer resp.Body.Close()

	var msgs []api.MessageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	require.Len(t, msgs, 4) // two user messages and two replies

	// Newest first; the oldest entry is the first user message.
	oldest := msgs[len(msgs)-1]
	assert.Equal(t, chat.RoleUser, oldest.Role)
	require.NotNil(t, oldest.Content)
	assert.Equal(t, "first", oldest.Content.Text)
}

func TestManualTitleDisablesAutoTitle(t *testing.T) {
	server := newTestServer(t)
	th := createThread(t, server, "My thread")

	_, events := postMessage(t, server, th.ID, "msg-1", "hello")
	for _, ev := range events {
		assert.NotEqual(t, protocol.EventTitleUpdated, ev.Type)
	}
}

func TestThreadConfigFallsBackToDefaults(t *testing.T) {
	server := newTestServer(t)
	th := createThread(t, server, "New chat")

	resp, err := http.Get(server.URL + "/api/threads/" + th.ID + "/config")
	require.NoError(t, err)
	defer resp.Body.Close()

	var cfg api.ConfigResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	require.NotNil(t, cfg.Model)
	assert.Equal(t, "mock-chat-1", *cfg.Model)

	// An explicit per-thread value overrides the default from here on.
	body := strings.NewReader(`{"context_window":32000}`)
	upd, err := http.Post(server.URL+"/api/threads/"+th.ID+"/config", "application/json", body)
	require.NoError(t, err)
	upd.Body.Close()

	resp2, err := http.Get(server.URL + "/api/threads/" + th.ID + "/config")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var cfg2 api.ConfigResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&cfg2))
	require.NotNil(t, cfg2.ContextWindow)
	assert.Equal(t, 32000, *cfg2.ContextWindow)
}

func TestArchiveHidesThreadFromListing(t *testing.T) {
	server := newTestServer(t)
	th := createThread(t, server, "New chat")

	resp, err := http.Post(server.URL+"/api/threads/"+th.ID+"/archive", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list, err := http.Get(server.URL + "/api/threads?user_id=u1")
	require.NoError(t, err)
	defer list.Body.Close()
	var threads []api.ThreadResponse
	require.NoError(t, json.NewDecoder(list.Body).Decode(&threads))
	assert.Empty(t, threads)

	list2, err := http.Get(server.URL + "/api/threads?user_id=u1&include_archived=true")
	require.NoError(t, err)
	defer list2.Body.Close()
	require.NoError(t, json.NewDecoder(list2.Body).Decode(&threads))
	assert.Len(t, threads, 1)
}

func TestUnarchiveRestoresListing(t *testing.T) {
	server := newTestServer(t)
	th := createThread(t, server, "New chat")

	resp, err := http.Post(server.URL+"/api/threads/"+th.ID+"/archive", "application/json", nil)
	require.NoError(t, err)
	var archived api.ThreadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&archived))
	resp.Body.Close()
	require.NotNil(t, archived.ArchivedAt)

	resp, err = http.Post(server.URL+"/api/threads/"+th.ID+"/unarchive", "application/json", nil)
	require.NoError(t, err)
	var restored api.ThreadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&restored))
	resp.Body.Close()
	assert.Nil(t, restored.ArchivedAt)

	list, err := http.Get(server.URL + "/api/threads?user_id=u1")
	require.NoError(t, err)
	defer list.Body.Close()
	var threads []api.ThreadResponse
	require.NoError(t, json.NewDecoder(list.Body).Decode(&threads))
	assert.Len(t, threads, 1)
}

// Title updates and listings race freely under concurrent requests; every
// thread mutation must happen inside the store's lock.
func TestConcurrentTitleUpdatesAndListing(t *testing.T) {
	server := newTestServer(t)
	th := createThread(t, server, "New chat")

	const iterations = 50
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		client := &http.Client{}
		for i := 0; i < iterations; i++ {
			body := strings.NewReader(fmt.Sprintf(`{"title":"title-%d"}`, i))
			req, err := http.NewRequest(http.MethodPatch,
				server.URL+"/api/threads/"+th.ID+"/title", body)
			assert.NoError(t, err)
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if assert.NoError(t, err) {
				resp.Body.Close()
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			resp, err := http.Get(server.URL + "/api/threads?user_id=u1")
			if !assert.NoError(t, err) {
				continue
			}
			var threads []api.ThreadResponse
			assert.NoError(t, json.NewDecoder(resp.Body).Decode(&threads))
			resp.Body.Close()
		}
	}()

	wg.Wait()

	resp, err := http.Get(server.URL + "/api/threads/" + th.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	var final api.ThreadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&final))
	assert.Equal(t, fmt.Sprintf("title-%d", iterations-1), final.Title)
}

func TestManualTitleStopsAutoTitle(t *testing.T) {
	server := newTestServer(t)
	th := createThread(t, server, "New chat")

	body := strings.NewReader(`{"title":"New chat"}`)
	req, err := http.NewRequest(http.MethodPatch, server.URL+"/api/threads/"+th.ID+"/title", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	// Even though the title text matches the placeholder, the manual set
	// disables auto-titling for good.
	_, events := postMessage(t, server, th.ID, "msg-1", "hello")
	for _, ev := range events {
		assert.NotEqual(t, protocol.EventTitleUpdated, ev.Type)
	}
}
