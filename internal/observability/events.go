package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Routing keys on the events exchange.
const (
	RoutingWSEvents       = "ws_events.conversations"
	RoutingMessagePersist = "message_events.persisted"
	RoutingMessageUpdated = "message_events.updated"
	RoutingMessagesRead   = "message_events.read"
	EventTypeWS           = "ws_events"
	EventTypeMessage      = "message_events"
)

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// TraceID returns the active trace id in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
