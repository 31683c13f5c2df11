package ws

import (
	"context"

	"github.com/rs/zerolog/log"

	"conversation-service/internal/apperror"
	"conversation-service/internal/models"
	"conversation-service/internal/observability"
)

// Relay carries room broadcasts and room joins to other instances of the
// service.
type Relay interface {
	Publish(ctx context.Context, conversationID string, payload []byte) error
	PublishJoin(ctx context.Context, conversationID string, identityIDs []string) error
}

// Hub is the only surface the rest of the service uses to reach live
// channels. It owns the connection registry and the room table.
type Hub struct {
	registry *Registry
	rooms    *Rooms
	relay    Relay
}

// NewHub creates an empty hub.
func NewHub(convs ConversationLister) *Hub {
	h := &Hub{registry: NewRegistry(convs)}
	h.rooms = NewRooms(h.drop)
	return h
}

// SetRelay enables cross-instance fan-out. Call before serving traffic.
func (h *Hub) SetRelay(relay Relay) {
	h.relay = relay
}

// Admit registers ch and joins it to every conversation its identity is in.
func (h *Hub) Admit(ctx context.Context, ch Channel) ([]string, error) {
	ids, err := h.registry.Admit(ctx, ch)
	if err != nil {
		return nil, err
	}
	h.JoinConversations(ch, ids)
	observability.IncWSActive()
	return ids, nil
}

// Remove drops ch from every room and from the registry. Idempotent.
func (h *Hub) Remove(ch Channel) {
	h.rooms.LeaveAll(ch)
	if h.registry.Remove(ch) {
		observability.DecWSActive()
	}
}

// Resync re-reads the identity's conversations and joins ch to all of them.
func (h *Hub) Resync(ctx context.Context, ch Channel) ([]string, error) {
	ids, err := h.registry.convs.ListConversationIDs(ctx, ch.Identity().ID)
	if err != nil {
		return nil, apperror.TransientFailure("hub.resync", "could not load conversations", err)
	}
	h.JoinConversations(ch, ids)
	return ids, nil
}

func (h *Hub) JoinConversations(ch Channel, conversationIDs []string) {
	for _, id := range conversationIDs {
		h.rooms.Join(ch, id)
	}
}

// JoinIdentity joins every live channel of identityID to conversationID.
func (h *Hub) JoinIdentity(identityID, conversationID string) {
	for _, ch := range h.registry.Channels(identityID) {
		h.rooms.Join(ch, conversationID)
	}
}

// JoinParticipants joins the live channels of every participant to a new
// conversation, on this instance and, through the relay, on the others.
func (h *Hub) JoinParticipants(ctx context.Context, conversationID string, participants []string) {
	for _, id := range participants {
		h.JoinIdentity(id, conversationID)
	}
	if h.relay == nil {
		return
	}
	if err := h.relay.PublishJoin(ctx, conversationID, participants); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("relay join failed")
	}
}

func (h *Hub) IsJoined(ch Channel, conversationID string) bool {
	return h.rooms.IsJoined(ch, conversationID)
}

// Count returns the number of live channels on this instance.
func (h *Hub) Count() int {
	return h.registry.Count()
}

// Broadcast frames data as event and fans it out to the room, skipping
// exclude. It returns the number of local channels that accepted it.
func (h *Hub) Broadcast(ctx context.Context, conversationID, event string, data any, exclude Channel) int {
	payload, err := models.NewEnvelope(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode broadcast failed")
		return 0
	}
	n := h.rooms.Broadcast(conversationID, payload, exclude)
	if h.relay != nil {
		if err := h.relay.Publish(ctx, conversationID, payload); err != nil {
			log.Warn().Err(err).Str("conversation_id", conversationID).Msg("relay publish failed")
		}
	}
	return n
}

// DeliverLocal fans a pre-encoded payload out to this instance's room only.
func (h *Hub) DeliverLocal(conversationID string, payload []byte) int {
	return h.rooms.Broadcast(conversationID, payload, nil)
}

// Send writes a single event to one channel.
func (h *Hub) Send(ch Channel, event string, data any) error {
	payload, err := models.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	if err := ch.Enqueue(payload); err != nil {
		h.drop(ch, err)
		return err
	}
	return nil
}

// drop disconnects a channel that could not keep up.
func (h *Hub) drop(ch Channel, err error) {
	failure := apperror.DeliveryFailure("hub.broadcast", err)
	identity := ch.Identity()
	log.Warn().
		Err(failure).
		Str("conn_id", ch.ID()).
		Str("user_id", identity.ID).
		Msg("dropping live channel")

	reason := "slow consumer"
	if err == ErrChannelClosed {
		reason = "closed"
	} else {
		observability.IncWSDropped(reason)
		info, ok := infoOf(ch)
		if !ok {
			info = ConnInfo{ConnID: ch.ID(), UserID: identity.ID}
		}
		publishWSEvent(context.Background(), "ws_error", info, failure.Error())
	}
	ch.Close(reason)
	h.Remove(ch)
}
