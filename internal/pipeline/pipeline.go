// Package pipeline moves a message from receipt to distribution. Every
// mutation of a conversation happens under that conversation's lock, so
// persistence order and broadcast order agree.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"conversation-service/internal/apperror"
	"conversation-service/internal/clock"
	"conversation-service/internal/lockmap"
	"conversation-service/internal/models"
	"conversation-service/internal/observability"
	"conversation-service/internal/repositories"
	"conversation-service/internal/ws"
)

var tracer = otel.Tracer("conversation-service/pipeline")

// Broadcaster fans events out to a conversation's room.
type Broadcaster interface {
	Broadcast(ctx context.Context, conversationID, event string, data any, exclude ws.Channel) int
}

// Auditor records message mutations.
type Auditor interface {
	MessageAction(ctx context.Context, action, conversationID, messageID, userID, requestID string)
}

type noopAuditor struct{}

func (noopAuditor) MessageAction(context.Context, string, string, string, string, string) {}

type Options struct {
	MaxMessageLength int
	PersistTimeout   time.Duration
}

type Pipeline struct {
	convs    repositories.ConversationRepository
	messages repositories.MessageRepository
	hub      Broadcaster
	locks    *lockmap.Map
	clock    clock.Clock
	audit    Auditor
	opts     Options
}

// New builds a Pipeline. locks must be shared with every other component
// that mutates conversations.
func New(convs repositories.ConversationRepository, messages repositories.MessageRepository, hub Broadcaster, locks *lockmap.Map, clk clock.Clock, audit Auditor, opts Options) *Pipeline {
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = 4000
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if audit == nil {
		audit = noopAuditor{}
	}
	return &Pipeline{
		convs:    convs,
		messages: messages,
		hub:      hub,
		locks:    locks,
		clock:    clk,
		audit:    audit,
		opts:     opts,
	}
}

// Send validates, persists and distributes a new message. The returned
// message is the sender's acknowledgement. origin, when set, does not
// receive its own new-message event.
func (p *Pipeline) Send(ctx context.Context, sender models.Identity, req models.SendMessageRequest, origin ws.Channel) (saved models.Message, err error) {
	ctx, span := tracer.Start(ctx, "pipeline.send")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", req.ConversationID))

	stage := Received
	defer func() { p.record(span, "send", stage, err) }()

	conv, err := p.loadConversation(ctx, "pipeline.send", req.ConversationID)
	if err != nil {
		return models.Message{}, err
	}
	if !conv.HasParticipant(sender.ID) {
		return models.Message{}, apperror.ValidationFailure("pipeline.send", "sender is not a participant")
	}

	msgType := req.Type
	if msgType == "" {
		msgType = models.MessageText
	}
	if err := p.validateContent("pipeline.send", msgType, req.Content, req.MediaURL); err != nil {
		return models.Message{}, err
	}
	replyTo := p.resolveReply(ctx, conv.ID, req.ReplyTo)
	stage = Validated

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.PersistTimeout)
	defer cancel()

	unlock := p.locks.Lock(conv.ID)
	createdAt := p.clock.Now().UTC().Truncate(time.Millisecond)
	if !createdAt.After(conv.UpdatedAt) {
		createdAt = conv.UpdatedAt.Add(time.Millisecond)
	}
	draft := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		Type:           msgType,
		Content:        req.Content,
		MediaURL:       req.MediaURL,
		ReplyTo:        replyTo,
		ReadBy:         []string{sender.ID},
		CreatedAt:      createdAt,
	}

	start := time.Now()
	saved, err = p.messages.AppendMessage(pctx, draft)
	observability.ObservePersist(time.Since(start))
	if err != nil {
		unlock()
		log.Error().Err(err).Str("conversation_id", conv.ID).Str("user_id", sender.ID).Msg("persist message failed")
		return models.Message{}, apperror.TransientFailure("pipeline.send", "message could not be saved", err)
	}
	stage = Persisted
	saved.TempID = req.TempID

	p.hub.Broadcast(pctx, conv.ID, models.EventNewMessage, saved, origin)
	p.hub.Broadcast(pctx, conv.ID, models.EventConversationUpdated, models.ConversationUpdatedEvent{
		ConversationID: conv.ID,
		LastMessage:    models.SummaryOf(saved),
	}, nil)
	unlock()
	stage = Distributed

	p.publish(pctx, observability.RoutingMessagePersist, "message_persisted", saved)
	stage = Acknowledged
	log.Debug().Str("conversation_id", conv.ID).Str("message_id", saved.ID).Str("user_id", sender.ID).Msg("message sent")
	return saved, nil
}

// Edit replaces the content of the sender's own message.
func (p *Pipeline) Edit(ctx context.Context, sender models.Identity, req models.EditMessageRequest, origin ws.Channel) (saved models.Message, err error) {
	ctx, span := tracer.Start(ctx, "pipeline.edit")
	defer span.End()

	stage := Received
	defer func() { p.record(span, "edit", stage, err) }()

	return p.mutate(ctx, "pipeline.edit", sender, req.MessageID, &stage, func(current models.Message) (models.Message, bool, error) {
		if current.IsDeleted {
			return current, false, apperror.ValidationFailure("pipeline.edit", "cannot edit a deleted message")
		}
		if current.Type == models.MessageText && strings.TrimSpace(req.Content) == "" {
			return current, false, apperror.ValidationFailure("pipeline.edit", "message content is required")
		}
		if utf8.RuneCountInString(req.Content) > p.opts.MaxMessageLength {
			return current, false, apperror.ValidationFailure("pipeline.edit", "message content is too long")
		}
		current.Content = req.Content
		current.IsEdited = true
		return current, true, nil
	}, "edited")
}

// Delete soft-deletes the sender's own message. Deleting twice returns the
// already-deleted message without another broadcast.
func (p *Pipeline) Delete(ctx context.Context, sender models.Identity, messageID string, origin ws.Channel) (saved models.Message, err error) {
	ctx, span := tracer.Start(ctx, "pipeline.delete")
	defer span.End()

	stage := Received
	defer func() { p.record(span, "delete", stage, err) }()

	return p.mutate(ctx, "pipeline.delete", sender, messageID, &stage, func(current models.Message) (models.Message, bool, error) {
		if current.IsDeleted {
			return current, false, nil
		}
		current.IsDeleted = true
		current.Content = ""
		current.MediaURL = ""
		return current, true, nil
	}, "deleted")
}

// mutate runs the reduced pipeline shared by edit and delete. apply
// returns the new record and whether anything changed.
func (p *Pipeline) mutate(ctx context.Context, op string, sender models.Identity, messageID string, stage *Stage, apply func(models.Message) (models.Message, bool, error), action string) (models.Message, error) {
	msg, err := p.loadMessage(ctx, op, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.SenderID != sender.ID {
		return models.Message{}, apperror.OwnershipFailure(op, "only the sender can change this message")
	}

	unlock := p.locks.Lock(msg.ConversationID)
	defer unlock()

	current, err := p.loadMessage(ctx, op, messageID)
	if err != nil {
		return models.Message{}, err
	}
	updated, changed, err := apply(current)
	if err != nil {
		return models.Message{}, err
	}
	*stage = Validated
	if !changed {
		*stage = Acknowledged
		return current, nil
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.PersistTimeout)
	defer cancel()

	saved, err := p.messages.UpdateMessage(pctx, updated)
	if err != nil {
		log.Error().Err(err).Str("message_id", messageID).Str("user_id", sender.ID).Msg("update message failed")
		return models.Message{}, apperror.TransientFailure(op, "message could not be saved", err)
	}
	*stage = Persisted

	p.hub.Broadcast(pctx, saved.ConversationID, models.EventMessageUpdated, saved, nil)
	if conv, err := p.convs.GetConversation(pctx, saved.ConversationID); err == nil &&
		conv.LastMessage != nil && conv.LastMessage.MessageID == saved.ID {
		p.hub.Broadcast(pctx, conv.ID, models.EventConversationUpdated, models.ConversationUpdatedEvent{
			ConversationID: conv.ID,
			LastMessage:    conv.LastMessage,
		}, nil)
	}
	*stage = Distributed

	p.audit.MessageAction(pctx, action, saved.ConversationID, saved.ID, sender.ID, observability.RequestIDFromContext(ctx))
	p.publish(pctx, observability.RoutingMessageUpdated, "message_"+action, saved)
	*stage = Acknowledged
	return saved, nil
}

func (p *Pipeline) validateContent(op string, msgType models.MessageType, content, mediaURL string) error {
	if !msgType.Valid() {
		return apperror.ValidationFailure(op, "unknown message type")
	}
	switch msgType {
	case models.MessageText:
		if strings.TrimSpace(content) == "" {
			return apperror.ValidationFailure(op, "message content is required")
		}
	default:
		if strings.TrimSpace(mediaURL) == "" {
			return apperror.ValidationFailure(op, "media reference is required")
		}
	}
	if utf8.RuneCountInString(content) > p.opts.MaxMessageLength {
		return apperror.ValidationFailure(op, "message content is too long")
	}
	return nil
}

// resolveReply keeps replyTo only when it names a message of the same
// conversation.
func (p *Pipeline) resolveReply(ctx context.Context, conversationID, replyTo string) string {
	if replyTo == "" {
		return ""
	}
	target, err := p.messages.GetMessage(ctx, replyTo)
	if err != nil {
		if !errors.Is(err, repositories.ErrMessageNotFound) {
			log.Warn().Err(err).Str("message_id", replyTo).Msg("reply target lookup failed, dropping reply")
		}
		return ""
	}
	if target.ConversationID != conversationID {
		return ""
	}
	return target.ID
}

func (p *Pipeline) loadConversation(ctx context.Context, op, conversationID string) (models.Conversation, error) {
	conv, err := p.convs.GetConversation(ctx, conversationID)
	if errors.Is(err, repositories.ErrConversationNotFound) {
		return models.Conversation{}, apperror.NotFoundFailure(op, "conversation not found")
	}
	if err != nil {
		return models.Conversation{}, apperror.TransientFailure(op, "conversation could not be loaded", err)
	}
	return conv, nil
}

func (p *Pipeline) loadMessage(ctx context.Context, op, messageID string) (models.Message, error) {
	msg, err := p.messages.GetMessage(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, apperror.NotFoundFailure(op, "message not found")
	}
	if err != nil {
		return models.Message{}, apperror.TransientFailure(op, "message could not be loaded", err)
	}
	return msg, nil
}

func (p *Pipeline) publish(ctx context.Context, routingKey, name string, msg models.Message) {
	_ = observability.PublishEvent(ctx, routingKey, observability.EventEnvelope{
		EventType: observability.EventTypeMessage,
		EventName: name,
		Payload: map[string]interface{}{
			"message_id":      msg.ID,
			"conversation_id": msg.ConversationID,
			"sender_id":       msg.SenderID,
			"type":            msg.Type,
			"is_edited":       msg.IsEdited,
			"is_deleted":      msg.IsDeleted,
			"created_at":      msg.CreatedAt,
		},
	}, observability.BuildHeaders(observability.RequestIDFromContext(ctx), observability.TraceID(ctx)))
}

func (p *Pipeline) record(span trace.Span, operation string, stage Stage, err error) {
	kind := "none"
	if err != nil {
		kind = apperror.KindOf(err).String()
		if stage < Persisted {
			stage = Rejected
		}
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("stage", stage.String()))
	observability.IncPipelineOutcome(operation, stage.String(), kind)
}
