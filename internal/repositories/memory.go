package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"conversation-service/internal/models"
)

// MemoryStore keeps conversations and messages in process. It satisfies
// both repository interfaces and backs DB_DRIVER=memory and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
	pairs         map[string]string
	messages      map[string]models.Message
	timeline      map[string][]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]models.Conversation),
		pairs:         make(map[string]string),
		messages:      make(map[string]models.Message),
		timeline:      make(map[string][]string),
	}
}

var (
	_ ConversationRepository = (*MemoryStore)(nil)
	_ MessageRepository      = (*MemoryStore)(nil)
)

func (s *MemoryStore) CreateConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.Kind == models.KindIndividual {
		key := PairKey(conv.Participants)
		if id, ok := s.pairs[key]; ok {
			return cloneConversation(s.conversations[id]), nil
		}
		s.pairs[key] = conv.ID
	}
	conv = cloneConversation(conv)
	s.conversations[conv.ID] = conv
	return cloneConversation(conv), nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conversation
	for _, conv := range s.conversations {
		if conv.HasParticipant(userID) {
			out = append(out, cloneConversation(conv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) ListConversationIDs(ctx context.Context, userID string) ([]string, error) {
	convs, err := s.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return models.Message{}, ErrConversationNotFound
	}
	msg.CreatedAt = nextCreatedAt(msg.CreatedAt, conv.UpdatedAt)
	msg = cloneMessage(msg)
	msg.TempID = ""
	s.messages[msg.ID] = msg
	s.timeline[msg.ConversationID] = append(s.timeline[msg.ConversationID], msg.ID)

	conv.LastMessage = models.SummaryOf(msg)
	conv.UpdatedAt = msg.CreatedAt
	s.conversations[conv.ID] = conv
	return cloneMessage(msg), nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string, page models.MessagePage) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.timeline[conversationID]
	var out []models.Message
	for i := len(ids) - 1; i >= 0 && (page.Limit <= 0 || len(out) < page.Limit); i-- {
		msg := s.messages[ids[i]]
		if !page.Before.IsZero() && !msg.CreatedAt.Before(page.Before) {
			continue
		}
		out = append(out, cloneMessage(msg))
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.messages[msg.ID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	stored.Content = msg.Content
	stored.MediaURL = msg.MediaURL
	stored.IsEdited = msg.IsEdited
	stored.IsDeleted = msg.IsDeleted
	s.messages[msg.ID] = stored

	if conv, ok := s.conversations[stored.ConversationID]; ok && conv.LastMessage != nil && conv.LastMessage.MessageID == stored.ID {
		conv.LastMessage = models.SummaryOf(stored)
		s.conversations[conv.ID] = conv
	}
	return cloneMessage(stored), nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, conversationID string, userID string, upto time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range s.timeline[conversationID] {
		msg := s.messages[id]
		if msg.CreatedAt.After(upto) || msg.IsReadBy(userID) {
			continue
		}
		msg.ReadBy = append(append([]string(nil), msg.ReadBy...), userID)
		s.messages[id] = msg
		n++
	}
	return n, nil
}

func cloneConversation(c models.Conversation) models.Conversation {
	c.Participants = append([]string(nil), c.Participants...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	return c
}

func cloneMessage(m models.Message) models.Message {
	m.ReadBy = append([]string(nil), m.ReadBy...)
	return m
}
