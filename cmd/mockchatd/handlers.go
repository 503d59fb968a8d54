package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/datachat/datachat/internal/api"
	apperrors "github.com/datachat/datachat/internal/common/errors"
	"github.com/datachat/datachat/internal/common/logger"
)

// Handler contains the HTTP handlers for the mock backend.
type Handler struct {
	store  *memoryStore
	logger *logger.Logger

	defaultModel         string
	defaultTemperature   float64
	defaultContextWindow int
}

// NewHandler creates a mock backend handler.
func NewHandler(store *memoryStore, log *logger.Logger) *Handler {
	return &Handler{
		store:                store,
		logger:               log,
		defaultModel:         "mock-chat-1",
		defaultTemperature:   0.2,
		defaultContextWindow: 128000,
	}
}

// SetupRoutes configures the mock backend routes under /api.
func SetupRoutes(router *gin.RouterGroup, h *Handler) {
	threads := router.Group("/threads")
	{
		threads.POST("", h.CreateThread)
		threads.GET("", h.ListThreads)
		threads.GET("/:threadId", h.GetThread)
		threads.POST("/:threadId/archive", h.ArchiveThread)
		threads.POST("/:threadId/unarchive", h.UnarchiveThread)
		threads.DELETE("/:threadId", h.DeleteThread)
		threads.PATCH("/:threadId/title", h.UpdateTitle)

		threads.GET("/:threadId/config", h.GetConfig)
		threads.POST("/:threadId/config", h.UpdateConfig)

		threads.GET("/:threadId/messages", h.ListMessages)
		threads.POST("/:threadId/messages", h.PostMessage)
	}
	router.GET("/config/defaults", h.GetDefaultConfig)
}

// CreateThread creates a new thread.
// POST /api/threads
func (h *Handler) CreateThread(c *gin.Context) {
	var req api.CreateThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.Title == "" {
		req.Title = "New chat"
	}
	t := api.ThreadResponse{
		ID:     uuid.New().String(),
		UserID: req.UserID,
		Title:  req.Title,
	}
	h.store.createThread(t)
	h.logger.Info("thread created", zap.String("thread_id", t.ID))
	c.JSON(http.StatusOK, t)
}

// ListThreads lists threads for a user.
// GET /api/threads?user_id=...&limit=...&include_archived=...
func (h *Handler) ListThreads(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		appErr := apperrors.BadRequest("user_id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	includeArchived := c.Query("include_archived") == "true"
	c.JSON(http.StatusOK, h.store.listThreads(userID, includeArchived, limit))
}

// GetThread returns thread metadata.
// GET /api/threads/:threadId
func (h *Handler) GetThread(c *gin.Context) {
	t, ok := h.store.getThread(c.Param("threadId"))
	if !ok {
		appErr := apperrors.NotFound("thread", c.Param("threadId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, t)
}

// ArchiveThread soft-deletes a thread.
// POST /api/threads/:threadId/archive
func (h *Handler) ArchiveThread(c *gin.Context) {
	t, ok := h.store.archiveThread(c.Param("threadId"))
	if !ok {
		appErr := apperrors.NotFound("thread", c.Param("threadId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, t)
}

// UnarchiveThread makes an archived thread visible again.
// POST /api/threads/:threadId/unarchive
func (h *Handler) UnarchiveThread(c *gin.Context) {
	t, ok := h.store.unarchiveThread(c.Param("threadId"))
	if !ok {
		appErr := apperrors.NotFound("thread", c.Param("threadId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, t)
}

// DeleteThread hard-deletes a thread. Idempotent.
// DELETE /api/threads/:threadId
func (h *Handler) DeleteThread(c *gin.Context) {
	h.store.deleteThread(c.Param("threadId"))
	c.Status(http.StatusNoContent)
}

// UpdateTitle sets a thread title manually.
// PATCH /api/threads/:threadId/title
func (h *Handler) UpdateTitle(c *gin.Context) {
	var req api.UpdateTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	t, ok := h.store.setTitle(c.Param("threadId"), req.Title)
	if !ok {
		appErr := apperrors.NotFound("thread", c.Param("threadId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, t)
}

// GetDefaultConfig serves the environment-derived defaults.
// GET /api/config/defaults
func (h *Handler) GetDefaultConfig(c *gin.Context) {
	c.JSON(http.StatusOK, api.ConfigResponse{
		Model:         &h.defaultModel,
		Temperature:   &h.defaultTemperature,
		ContextWindow: &h.defaultContextWindow,
	})
}

// GetConfig serves per-thread config, falling back to defaults when none set.
// GET /api/threads/:threadId/config
func (h *Handler) GetConfig(c *gin.Context) {
	cfg, ok := h.store.getConfig(c.Param("threadId"))
	if !ok {
		appErr := apperrors.NotFound("thread", c.Param("threadId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if cfg == nil {
		h.GetDefaultConfig(c)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// UpdateConfig upserts per-thread config.
// POST /api/threads/:threadId/config
func (h *Handler) UpdateConfig(c *gin.Context) {
	var req api.UpdateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	cfg, ok := h.store.setConfig(c.Param("threadId"), req)
	if !ok {
		appErr := apperrors.NotFound("thread", c.Param("threadId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// ListMessages serves persisted messages in descending recency order.
// GET /api/threads/:threadId/messages
func (h *Handler) ListMessages(c *gin.Context) {
	if !h.store.hasThread(c.Param("threadId")) {
		appErr := apperrors.NotFound("thread", c.Param("threadId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	msgs := h.store.listMessages(c.Param("threadId"), limit)
	if msgs == nil {
		msgs = []api.MessageResponse{}
	}
	c.JSON(http.StatusOK, msgs)
}
