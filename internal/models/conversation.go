package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// ConversationKind distinguishes one-to-one from group conversations.
type ConversationKind string

const (
	KindIndividual ConversationKind = "individual"
	KindGroup      ConversationKind = "group"
)

// Valid reports whether k is a known kind.
func (k ConversationKind) Valid() bool {
	return k == KindIndividual || k == KindGroup
}

// Conversation is a fixed-participant container for an ordered message stream.
type Conversation struct {
	ID           string           `db:"id" json:"id" bson:"_id"`
	Kind         ConversationKind `db:"kind" json:"kind" bson:"kind"`
	Participants []string         `db:"-" json:"participants" bson:"participants"`
	Title        string           `db:"title" json:"title" bson:"title"`
	ImageURL     string           `db:"image_url" json:"imageUrl,omitempty" bson:"image_url,omitempty"`
	LastMessage  *LastMessage     `db:"last_message" json:"lastMessage,omitempty" bson:"last_message,omitempty"`
	UpdatedAt    time.Time        `db:"updated_at" json:"updatedAt" bson:"updated_at"`
	CreatedAt    time.Time        `db:"created_at" json:"createdAt" bson:"created_at"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the counterpart of userID in an individual conversation.
func (c Conversation) OtherParticipant(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// LastMessage summarizes the newest message of a conversation.
type LastMessage struct {
	MessageID string      `json:"messageId" bson:"message_id"`
	SenderID  string      `json:"senderId" bson:"sender_id"`
	Type      MessageType `json:"type" bson:"type"`
	Content   string      `json:"content" bson:"content"`
	IsDeleted bool        `json:"isDeleted" bson:"is_deleted"`
	CreatedAt time.Time   `json:"createdAt" bson:"created_at"`
}

// SummaryOf builds the LastMessage summary for msg.
func SummaryOf(msg Message) *LastMessage {
	return &LastMessage{
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Type:      msg.Type,
		Content:   msg.Content,
		IsDeleted: msg.IsDeleted,
		CreatedAt: msg.CreatedAt,
	}
}

// Value stores the summary as JSONB.
func (l *LastMessage) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan reads the JSONB summary.
func (l *LastMessage) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return errors.New("last_message: unsupported column type")
	}
}
