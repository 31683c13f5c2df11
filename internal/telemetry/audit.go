package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"conversation-service/internal/rabbitmq"
)

type AuditEmitter struct {
	publisher   rabbitmq.Publisher
	routingKey  string
	service     string
	environment string
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level          string `json:"level"`
	Text           string `json:"text"`
	Action         string `json:"action,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

func NewAuditEmitter(publisher rabbitmq.Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		now:         time.Now,
	}
}

// Emit publishes a free-form audit record.
func (e *AuditEmitter) Emit(ctx context.Context, level, text, requestID string, userID *string) {
	e.emit(ctx, requestID, userID, AuditPayload{Level: level, Text: text})
}

// MessageAction records a mutation performed on a message by userID.
func (e *AuditEmitter) MessageAction(ctx context.Context, action, conversationID, messageID, userID, requestID string) {
	e.emit(ctx, requestID, &userID, AuditPayload{
		Level:          "INFO",
		Text:           "message " + action,
		Action:         action,
		ConversationID: conversationID,
		MessageID:      messageID,
	})
}

func (e *AuditEmitter) emit(ctx context.Context, requestID string, userID *string, payload AuditPayload) {
	if e == nil || e.publisher == nil {
		return
	}

	log.Debug().
		Str("level", payload.Level).
		Str("request_id", requestID).
		Str("action", payload.Action).
		Str("text", payload.Text).
		Msg("audit emit")
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        userID,
		Payload:       payload,
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope, nil); err != nil {
		log.Warn().Err(err).Msg("audit publish failed")
	}
}
