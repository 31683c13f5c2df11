package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"conversation-service/internal/apperror"
	"conversation-service/internal/clock"
	"conversation-service/internal/models"
	"conversation-service/internal/repositories"
	"conversation-service/internal/users"
	"conversation-service/internal/ws"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// RoomJoiner attaches live channels to a newly created conversation.
type RoomJoiner interface {
	JoinParticipants(ctx context.Context, conversationID string, participants []string)
}

// ReadMarker records read receipts.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID string, reader models.Identity, uptoMessageID string, origin ws.Channel) error
}

// ConversationHandler manages conversation endpoints.
type ConversationHandler struct {
	convs     repositories.ConversationRepository
	messages  repositories.MessageRepository
	directory users.Directory
	rooms     RoomJoiner
	reads     ReadMarker
	clock     clock.Clock
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(convs repositories.ConversationRepository, messages repositories.MessageRepository, directory users.Directory, rooms RoomJoiner, reads ReadMarker, clk clock.Clock) *ConversationHandler {
	return &ConversationHandler{
		convs:     convs,
		messages:  messages,
		directory: directory,
		rooms:     rooms,
		reads:     reads,
		clock:     clk,
	}
}

type createConversationRequest struct {
	ParticipantIDs []string                `json:"participantIds"`
	Kind           models.ConversationKind `json:"kind"`
	Title          string                  `json:"title"`
	ImageURL       string                  `json:"imageUrl"`
}

// CreateConversation opens a conversation. Individual conversations are
// reused when the pair already has one.
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	caller := identityFromContext(c)
	if req.Kind == "" {
		req.Kind = models.KindIndividual
	}
	if !req.Kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown conversation kind"})
		return
	}

	participants := uniqueParticipants(caller.ID, req.ParticipantIDs)
	switch req.Kind {
	case models.KindIndividual:
		if len(participants) != 2 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "an individual conversation needs exactly one other participant"})
			return
		}
	case models.KindGroup:
		if strings.TrimSpace(req.Title) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "a group conversation needs a title"})
			return
		}
		if len(participants) < 2 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "a group conversation needs other participants"})
			return
		}
	}

	now := h.clock.Now().UTC().Truncate(time.Millisecond)
	draft := models.Conversation{
		ID:           uuid.NewString(),
		Kind:         req.Kind,
		Participants: participants,
		ImageURL:     req.ImageURL,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Kind == models.KindGroup {
		draft.Title = strings.TrimSpace(req.Title)
	}

	conv, err := h.convs.CreateConversation(c.Request.Context(), draft)
	if err != nil {
		respondError(c, apperror.TransientFailure("conversations.create", "conversation could not be created", err))
		return
	}
	h.rooms.JoinParticipants(c.Request.Context(), conv.ID, conv.Participants)

	views := h.viewsFor(c, caller.ID, []models.Conversation{conv})
	status := http.StatusCreated
	if conv.ID != draft.ID {
		status = http.StatusOK
	}
	c.JSON(status, views[0])
}

// ListConversations returns the caller's conversations, most recent first.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	caller := identityFromContext(c)
	convs, err := h.convs.ListConversations(c.Request.Context(), caller.ID)
	if err != nil {
		respondError(c, apperror.TransientFailure("conversations.list", "failed to load conversations", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": h.viewsFor(c, caller.ID, convs)})
}

// GetMessages returns one page of history, oldest first.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	conv, ok := h.participantConversation(c)
	if !ok {
		return
	}

	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxPageSize)
	}
	var before time.Time
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before cursor"})
			return
		}
		before = parsed
	}

	msgs, err := h.messages.ListMessages(c.Request.Context(), conv.ID, models.MessagePage{Before: before, Limit: limit})
	if err != nil {
		respondError(c, apperror.TransientFailure("conversations.history", "failed to load messages", err))
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	resp := gin.H{"messages": msgs}
	if len(msgs) == limit {
		resp["nextBefore"] = msgs[0].CreatedAt.Format(time.RFC3339Nano)
	}
	c.JSON(http.StatusOK, resp)
}

// MarkRead records the caller's read receipt.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	var req struct {
		UptoMessageID string `json:"uptoMessageId"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := h.reads.MarkRead(c.Request.Context(), c.Param("id"), identityFromContext(c), req.UptoMessageID, nil); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *ConversationHandler) participantConversation(c *gin.Context) (models.Conversation, bool) {
	conv, err := h.convs.GetConversation(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repositories.ErrConversationNotFound) {
		respondError(c, apperror.NotFoundFailure("conversations.get", "conversation not found"))
		return models.Conversation{}, false
	}
	if err != nil {
		respondError(c, apperror.TransientFailure("conversations.get", "failed to load conversation", err))
		return models.Conversation{}, false
	}
	if !conv.HasParticipant(identityFromContext(c).ID) {
		respondError(c, apperror.New(apperror.Ownership, "conversations.get", "not a conversation participant", nil))
		return models.Conversation{}, false
	}
	return conv, true
}

// viewsFor fills in per-viewer titles: an individual conversation is
// titled with the other participant's display name.
func (h *ConversationHandler) viewsFor(c *gin.Context, viewerID string, convs []models.Conversation) []models.Conversation {
	var others []string
	for _, conv := range convs {
		if conv.Kind == models.KindIndividual {
			if other := conv.OtherParticipant(viewerID); other != "" {
				others = append(others, other)
			}
		}
	}

	names := map[string]string{}
	if len(others) > 0 {
		resolved, err := h.directory.DisplayNames(c.Request.Context(), others)
		if err != nil {
			log.Warn().Err(err).Str("user_id", viewerID).Msg("display name lookup failed")
		} else {
			names = resolved
		}
	}

	views := make([]models.Conversation, 0, len(convs))
	for _, conv := range convs {
		if conv.Kind == models.KindIndividual {
			other := conv.OtherParticipant(viewerID)
			conv.Title = other
			if name, ok := names[other]; ok && name != "" {
				conv.Title = name
			}
		}
		views = append(views, conv)
	}
	return views
}

func uniqueParticipants(callerID string, ids []string) []string {
	seen := map[string]struct{}{callerID: {}}
	out := []string{callerID}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
