// Package presence relays typing and read-state signals. Typing state is
// transient and expires server-side; read state is persisted.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"conversation-service/internal/apperror"
	"conversation-service/internal/clock"
	"conversation-service/internal/lockmap"
	"conversation-service/internal/models"
	"conversation-service/internal/observability"
	"conversation-service/internal/repositories"
	"conversation-service/internal/ws"
)

// Rooms is the part of the hub presence needs.
type Rooms interface {
	Broadcast(ctx context.Context, conversationID, event string, data any, exclude ws.Channel) int
	IsJoined(ch ws.Channel, conversationID string) bool
}

type typingKey struct {
	conversationID string
	userID         string
}

type typingEntry struct {
	userName string
	expires  time.Time
}

type Options struct {
	TypingTTL     time.Duration
	SweepInterval time.Duration
}

// Coordinator owns the expiring typing table.
type Coordinator struct {
	rooms    Rooms
	convs    repositories.ConversationRepository
	messages repositories.MessageRepository
	locks    *lockmap.Map
	clock    clock.Clock
	opts     Options

	mu     sync.Mutex
	typing map[typingKey]typingEntry
}

func NewCoordinator(rooms Rooms, convs repositories.ConversationRepository, messages repositories.MessageRepository, locks *lockmap.Map, clk clock.Clock, opts Options) *Coordinator {
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = 2 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 500 * time.Millisecond
	}
	return &Coordinator{
		rooms:    rooms,
		convs:    convs,
		messages: messages,
		locks:    locks,
		clock:    clk,
		opts:     opts,
		typing:   make(map[typingKey]typingEntry),
	}
}

// SetTyping records the channel owner's typing state and tells the rest
// of the room immediately.
func (c *Coordinator) SetTyping(ctx context.Context, ch ws.Channel, conversationID string, isTyping bool) error {
	if !c.rooms.IsJoined(ch, conversationID) {
		return apperror.ValidationFailure("presence.typing", "not joined to conversation")
	}
	identity := ch.Identity()
	key := typingKey{conversationID: conversationID, userID: identity.ID}

	c.mu.Lock()
	if isTyping {
		c.typing[key] = typingEntry{userName: identity.Name, expires: c.clock.Now().Add(c.opts.TypingTTL)}
	} else {
		delete(c.typing, key)
	}
	n := len(c.typing)
	c.mu.Unlock()
	observability.SetTypingEntries(n)

	c.rooms.Broadcast(ctx, conversationID, models.EventUserTyping, models.UserTypingEvent{
		ConversationID: conversationID,
		UserID:         identity.ID,
		UserName:       identity.Name,
		IsTyping:       isTyping,
	}, ch)
	return nil
}

// Typing reports whether userID is currently marked as typing.
func (c *Coordinator) Typing(conversationID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.typing[typingKey{conversationID: conversationID, userID: userID}]
	return ok
}

// Run sweeps expired typing states until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep clears expired typing states and broadcasts isTyping=false for
// each. It returns how many expired.
func (c *Coordinator) Sweep(ctx context.Context) int {
	now := c.clock.Now()
	expired := make(map[typingKey]typingEntry)

	c.mu.Lock()
	for key, entry := range c.typing {
		if !entry.expires.After(now) {
			expired[key] = entry
			delete(c.typing, key)
		}
	}
	n := len(c.typing)
	c.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	observability.SetTypingEntries(n)
	for key, entry := range expired {
		c.rooms.Broadcast(ctx, key.conversationID, models.EventUserTyping, models.UserTypingEvent{
			ConversationID: key.conversationID,
			UserID:         key.userID,
			UserName:       entry.userName,
			IsTyping:       false,
		}, nil)
	}
	log.Debug().Int("expired", len(expired)).Msg("typing sweep")
	return len(expired)
}

// MarkRead adds reader to every message of the conversation up to and
// including uptoMessageID (or all messages when empty). The room hears
// about it once, and only when something changed.
func (c *Coordinator) MarkRead(ctx context.Context, conversationID string, reader models.Identity, uptoMessageID string, origin ws.Channel) error {
	unlock := c.locks.Lock(conversationID)
	defer unlock()

	conv, err := c.convs.GetConversation(ctx, conversationID)
	if errors.Is(err, repositories.ErrConversationNotFound) {
		return apperror.NotFoundFailure("presence.read", "conversation not found")
	}
	if err != nil {
		return apperror.TransientFailure("presence.read", "conversation could not be loaded", err)
	}
	if !conv.HasParticipant(reader.ID) {
		return apperror.ValidationFailure("presence.read", "reader is not a participant")
	}

	upto := c.clock.Now()
	if conv.UpdatedAt.After(upto) {
		upto = conv.UpdatedAt
	}
	if uptoMessageID != "" {
		msg, err := c.messages.GetMessage(ctx, uptoMessageID)
		if errors.Is(err, repositories.ErrMessageNotFound) || (err == nil && msg.ConversationID != conversationID) {
			return apperror.NotFoundFailure("presence.read", "message not found")
		}
		if err != nil {
			return apperror.TransientFailure("presence.read", "message could not be loaded", err)
		}
		upto = msg.CreatedAt
	}

	changed, err := c.messages.MarkRead(ctx, conversationID, reader.ID, upto)
	if err != nil {
		return apperror.TransientFailure("presence.read", "read state could not be saved", err)
	}
	if changed == 0 {
		return nil
	}

	c.rooms.Broadcast(ctx, conversationID, models.EventMessagesRead, models.MessagesReadEvent{
		ConversationID: conversationID,
		UserID:         reader.ID,
	}, origin)
	_ = observability.PublishEvent(ctx, observability.RoutingMessagesRead, observability.EventEnvelope{
		EventType: observability.EventTypeMessage,
		EventName: "messages_read",
		Payload: map[string]interface{}{
			"conversation_id": conversationID,
			"user_id":         reader.ID,
			"count":           changed,
		},
	}, observability.BuildHeaders(observability.RequestIDFromContext(ctx), observability.TraceID(ctx)))
	return nil
}
