package models

import "time"

// MessageType is the payload type of a message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// Valid reports whether t is a known type.
func (t MessageType) Valid() bool {
	return t == MessageText || t == MessageImage || t == MessageFile
}

// Message represents a single message in a conversation.
// TempID is never persisted; it echoes the sender's correlation id.
type Message struct {
	ID             string      `db:"id" json:"id" bson:"_id"`
	ConversationID string      `db:"conversation_id" json:"conversationId" bson:"conversation_id"`
	SenderID       string      `db:"sender_id" json:"senderId" bson:"sender_id"`
	Type           MessageType `db:"type" json:"type" bson:"type"`
	Content        string      `db:"content" json:"content" bson:"content"`
	MediaURL       string      `db:"media_url" json:"mediaUrl,omitempty" bson:"media_url,omitempty"`
	ReplyTo        string      `db:"reply_to" json:"replyTo,omitempty" bson:"reply_to,omitempty"`
	IsEdited       bool        `db:"is_edited" json:"isEdited" bson:"is_edited"`
	IsDeleted      bool        `db:"is_deleted" json:"isDeleted" bson:"is_deleted"`
	ReadBy         []string    `db:"-" json:"readBy" bson:"read_by"`
	CreatedAt      time.Time   `db:"created_at" json:"createdAt" bson:"created_at"`
	TempID         string      `db:"-" json:"tempId,omitempty" bson:"-"`
}

// IsReadBy reports whether userID has acknowledged the message.
func (m Message) IsReadBy(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// MessagePage selects a window of history. Before is exclusive; the zero
// value means "newest".
type MessagePage struct {
	Before time.Time
	Limit  int
}

// Identity is a resolved participant.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
