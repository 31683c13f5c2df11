package models

import "encoding/json"

// Live channel event names.
const (
	EventJoinConversations = "join-conversations"
	EventSendMessage       = "send-message"
	EventEditMessage       = "edit-message"
	EventDeleteMessage     = "delete-message"
	EventTyping            = "typing"
	EventMarkRead          = "mark-read"

	EventConversationsJoined = "conversations-joined"
	EventMessageAck          = "message-ack"
	EventNewMessage          = "new-message"
	EventMessageUpdated      = "message-updated"
	EventConversationUpdated = "conversation-updated"
	EventUserTyping          = "user-typing"
	EventMessagesRead        = "messages-read"
	EventError               = "error"
)

// Envelope frames every live channel event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an Envelope payload ready to write.
func NewEnvelope(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// SendMessageRequest is the body of send-message and of the fallback send.
type SendMessageRequest struct {
	ConversationID string      `json:"conversationId" validate:"required"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type" validate:"omitempty,oneof=text image file"`
	MediaURL       string      `json:"mediaUrl,omitempty"`
	ReplyTo        string      `json:"replyTo,omitempty"`
	TempID         string      `json:"tempId,omitempty"`
}

type EditMessageRequest struct {
	MessageID string `json:"messageId" validate:"required"`
	Content   string `json:"content"`
}

type DeleteMessageRequest struct {
	MessageID string `json:"messageId" validate:"required"`
}

type TypingRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	IsTyping       bool   `json:"isTyping"`
}

type MarkReadRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	UptoMessageID  string `json:"uptoMessageId,omitempty"`
}

type ConversationsJoinedEvent struct {
	ConversationIDs []string `json:"conversationIds"`
}

type MessageAckEvent struct {
	TempID  string  `json:"tempId,omitempty"`
	Message Message `json:"message"`
}

type ConversationUpdatedEvent struct {
	ConversationID string       `json:"conversationId"`
	LastMessage    *LastMessage `json:"lastMessage"`
}

type UserTypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	IsTyping       bool   `json:"isTyping"`
}

type MessagesReadEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// ErrorEvent answers a failed live request. Request names the event that
// failed; TempID or MessageID tie it to a send or an edit/delete.
type ErrorEvent struct {
	Message        string `json:"message"`
	Code           string `json:"code,omitempty"`
	Request        string `json:"request,omitempty"`
	TempID         string `json:"tempId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}
