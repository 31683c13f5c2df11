package ws

import (
	"context"
	"time"

	"github.com/google/uuid"

	"conversation-service/internal/observability"
)

func newConnID() string {
	return uuid.NewString()
}

func infoOf(ch Channel) (ConnInfo, bool) {
	if withInfo, ok := ch.(interface{ Info() ConnInfo }); ok {
		return withInfo.Info(), true
	}
	return ConnInfo{}, false
}

// publishWSEvent reports a connection lifecycle event on the events exchange.
func publishWSEvent(ctx context.Context, event string, info ConnInfo, reason string) {
	duration := int64(0)
	if !info.ConnectedAt.IsZero() {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": duration,
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	observability.IncWSEvent(event)
	_ = observability.PublishEvent(ctx, observability.RoutingWSEvents, observability.EventEnvelope{
		EventType: observability.EventTypeWS,
		EventName: event,
		Payload:   payload,
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
