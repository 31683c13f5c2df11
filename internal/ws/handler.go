package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"conversation-service/internal/apperror"
	"conversation-service/internal/auth"
	"conversation-service/internal/models"
	"conversation-service/internal/observability"
)

// Messages runs message mutations through the pipeline.
type Messages interface {
	Send(ctx context.Context, sender models.Identity, req models.SendMessageRequest, origin Channel) (models.Message, error)
	Edit(ctx context.Context, sender models.Identity, req models.EditMessageRequest, origin Channel) (models.Message, error)
	Delete(ctx context.Context, sender models.Identity, messageID string, origin Channel) (models.Message, error)
}

// Presence handles typing and read-state signals.
type Presence interface {
	SetTyping(ctx context.Context, ch Channel, conversationID string, isTyping bool) error
	MarkRead(ctx context.Context, conversationID string, reader models.Identity, uptoMessageID string, origin Channel) error
}

// Handler serves the live channel endpoint.
type Handler struct {
	hub      *Hub
	resolver auth.Resolver
	messages Messages
	presence Presence
	validate *validator.Validate
	opts     ConnectionOptions
	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler.
func NewHandler(hub *Hub, resolver auth.Resolver, messages Messages, presence Presence, opts ConnectionOptions) *Handler {
	return &Handler{
		hub:      hub,
		resolver: resolver,
		messages: messages,
		presence: presence,
		validate: validator.New(),
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle authenticates, upgrades the connection and runs it until disconnect.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("conversation-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	token, err := auth.TokenFromRequest(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	identity, err := h.resolver.Resolve(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	requestID := c.GetString(observability.RequestIDKey)
	if requestID == "" {
		requestID = observability.RequestIDFromRequest(c.Request)
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      identity.ID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	conn := NewConnection(socket, identity, info, h.opts)
	go conn.WritePump()

	if _, err := h.hub.Admit(ctx, conn); err != nil {
		log.Error().Err(err).Str("user_id", identity.ID).Msg("admit failed")
		conn.Close(apperror.MessageOf(err, "admission failed"))
		return
	}
	publishWSEvent(ctx, "ws_connect", info, "")
	log.Info().Str("conn_id", info.ConnID).Str("user_id", identity.ID).Msg("live channel connected")

	go func() {
		err := conn.ReadPump(func(frame []byte) {
			h.dispatch(conn, frame)
		})
		h.hub.Remove(conn)

		reason := conn.CloseReason()
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			publishWSEvent(context.Background(), "ws_error", info, err.Error())
		}
		publishWSEvent(context.Background(), "ws_disconnect", info, reason)
		log.Info().Str("conn_id", info.ConnID).Str("user_id", identity.ID).Str("reason", reason).Msg("live channel disconnected")
	}()
}

func (h *Handler) dispatch(ch Channel, frame []byte) {
	var env models.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		h.sendError(ch, apperror.ValidationFailure("ws.dispatch", "malformed frame"), models.ErrorEvent{})
		return
	}
	ctx := ch.Context()
	identity := ch.Identity()
	observability.IncWSEvent(env.Event)

	switch env.Event {
	case models.EventJoinConversations:
		ids, err := h.hub.Resync(ctx, ch)
		if err != nil {
			h.sendError(ch, err, models.ErrorEvent{Request: env.Event})
			return
		}
		_ = h.hub.Send(ch, models.EventConversationsJoined, models.ConversationsJoinedEvent{ConversationIDs: ids})

	case models.EventSendMessage:
		var req models.SendMessageRequest
		if err := h.decode(env.Data, &req); err != nil {
			h.sendError(ch, err, models.ErrorEvent{Request: env.Event, TempID: req.TempID})
			return
		}
		msg, err := h.messages.Send(ctx, identity, req, ch)
		if err != nil {
			h.sendError(ch, err, models.ErrorEvent{Request: env.Event, TempID: req.TempID})
			return
		}
		_ = h.hub.Send(ch, models.EventMessageAck, models.MessageAckEvent{TempID: req.TempID, Message: msg})

	case models.EventEditMessage:
		var req models.EditMessageRequest
		if err := h.decode(env.Data, &req); err != nil {
			h.sendError(ch, err, models.ErrorEvent{Request: env.Event, MessageID: req.MessageID})
			return
		}
		if _, err := h.messages.Edit(ctx, identity, req, ch); err != nil {
			h.sendError(ch, err, models.ErrorEvent{Request: env.Event, MessageID: req.MessageID})
		}

	case models.EventDeleteMessage:
		var req models.DeleteMessageRequest
		if err := h.decode(env.Data, &req); err != nil {
			h.sendError(ch, err, models.ErrorEvent{Request: env.Event, MessageID: req.MessageID})
			return
		}
		if _, err := h.messages.Delete(ctx, identity, req.MessageID, ch); err != nil {
			h.sendError(ch, err, models.ErrorEvent{Request: env.Event, MessageID: req.MessageID})
		}

	case models.EventTyping:
		var req models.TypingRequest
		if err := h.decode(env.Data, &req); err != nil {
			h.sendError(ch, err, models.ErrorEvent{Request: env.Event})
			return
		}
		if err := h.presence.SetTyping(ctx, ch, req.ConversationID, req.IsTyping); err != nil {
			h.sendError(ch, err, models.ErrorEvent{Request: env.Event, ConversationID: req.ConversationID})
		}

	case models.EventMarkRead:
		var req models.MarkReadRequest
		if err := h.decode(env.Data, &req); err != nil {
			h.sendError(ch, err, models.ErrorEvent{Request: env.Event})
			return
		}
		if err := h.presence.MarkRead(ctx, req.ConversationID, identity, req.UptoMessageID, ch); err != nil {
			h.sendError(ch, err, models.ErrorEvent{Request: env.Event, ConversationID: req.ConversationID})
		}

	default:
		h.sendError(ch, apperror.ValidationFailure("ws.dispatch", "unknown event "+env.Event), models.ErrorEvent{Request: env.Event})
	}
}

func (h *Handler) decode(data json.RawMessage, out any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperror.ValidationFailure("ws.decode", "malformed payload")
	}
	if err := h.validate.Struct(out); err != nil {
		return apperror.ValidationFailure("ws.decode", err.Error())
	}
	return nil
}

// sendError reports a failure to the originating channel only. ref carries
// the correlation fields of the failed request.
func (h *Handler) sendError(ch Channel, err error, ref models.ErrorEvent) {
	kind := apperror.KindOf(err)
	if kind == apperror.Unknown {
		log.Error().Err(err).Str("conn_id", ch.ID()).Str("request", ref.Request).Msg("live event failed")
	}
	ref.Message = apperror.MessageOf(err, "internal error")
	ref.Code = kind.String()
	_ = h.hub.Send(ch, models.EventError, ref)
}
