package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"conversation-service/internal/models"
	"conversation-service/internal/ws"
)

// MessageHandler exposes the pipeline over request/response for clients
// without a live channel.
type MessageHandler struct {
	pipeline ws.Messages
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(pipeline ws.Messages) *MessageHandler {
	return &MessageHandler{pipeline: pipeline}
}

// PostMessage sends a message and answers with the persisted record.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.ConversationID = c.Param("id")

	msg, err := h.pipeline.Send(c.Request.Context(), identityFromContext(c), req, nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// EditMessage replaces the content of the caller's message.
func (h *MessageHandler) EditMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.pipeline.Edit(c.Request.Context(), identityFromContext(c), models.EditMessageRequest{
		MessageID: c.Param("id"),
		Content:   req.Content,
	}, nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// DeleteMessage soft-deletes the caller's message.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	msg, err := h.pipeline.Delete(c.Request.Context(), identityFromContext(c), c.Param("id"), nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}
