package mocks

import (
	"context"
	"io"
	"time"

	"github.com/stretchr/testify/mock"

	"conversation-service/internal/models"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) CreateConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error) {
	args := m.Called(ctx, conv)
	var out models.Conversation
	if val := args.Get(0); val != nil {
		out = val.(models.Conversation)
	}
	return out, args.Error(1)
}

func (m *ConversationRepositoryMock) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var out models.Conversation
	if val := args.Get(0); val != nil {
		out = val.(models.Conversation)
	}
	return out, args.Error(1)
}

func (m *ConversationRepositoryMock) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	args := m.Called(ctx, userID)
	var list []models.Conversation
	if val := args.Get(0); val != nil {
		list = val.([]models.Conversation)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) ListConversationIDs(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	args := m.Called(ctx, msg)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) ListMessages(ctx context.Context, conversationID string, page models.MessagePage) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, page)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) UpdateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	args := m.Called(ctx, msg)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, conversationID string, userID string, upto time.Time) (int64, error) {
	args := m.Called(ctx, conversationID, userID, upto)
	return args.Get(0).(int64), args.Error(1)
}

type ResolverMock struct {
	mock.Mock
}

func (m *ResolverMock) Resolve(ctx context.Context, token string) (models.Identity, error) {
	args := m.Called(ctx, token)
	var out models.Identity
	if val := args.Get(0); val != nil {
		out = val.(models.Identity)
	}
	return out, args.Error(1)
}

type DirectoryMock struct {
	mock.Mock
}

func (m *DirectoryMock) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	args := m.Called(ctx, ids)
	var names map[string]string
	if val := args.Get(0); val != nil {
		names = val.(map[string]string)
	}
	return names, args.Error(1)
}

type StoreMock struct {
	mock.Mock
}

func (m *StoreMock) Put(ctx context.Context, name, contentType string, r io.Reader) (string, error) {
	args := m.Called(ctx, name, contentType, r)
	return args.String(0), args.Error(1)
}

type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	args := m.Called(ctx, routingKey, event, headers)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	return nil
}
